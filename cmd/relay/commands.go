// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRelay/services/orchestrator/session"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// clearTimeout bounds the store round trip of the clear command.
const clearTimeout = 5 * time.Second

// newRootCmd builds the command tree. Flags are bound into v, so flags,
// environment and config file resolve through one source.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Streaming chat relay with Redis-backed sessions",
		Long: `relay accepts chat turns over a websocket, keeps each user's
conversation in Redis, trims it to the model's context budget and streams
the completion from an OpenAI-compatible upstream.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML or JSON config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configFile)
		},
	}
	serveCmd.Flags().Int("port", 8080, "HTTP listen port")
	serveCmd.Flags().String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlag(config.KeyPort, serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag(config.KeyLogLevel, serveCmd.Flags().Lookup("log-level"))

	var userID string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a user's stored conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runClear(cmd.Context(), v, configFile, userID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
			return nil
		},
	}
	clearCmd.Flags().StringVar(&userID, "user-id", "", "user identifier whose session is deleted")
	_ = clearCmd.MarkFlagRequired("user-id")

	rootCmd.AddCommand(serveCmd, clearCmd)
	return rootCmd
}

// runServe loads the configuration and serves until SIGINT or SIGTERM.
func runServe(ctx context.Context, v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	// Interactive runs get text logs unless LOG_JSON was chosen explicitly.
	if _, set := os.LookupEnv("LOG_JSON"); !set && !v.InConfig(config.KeyLogJSON) && isatty.IsTerminal(os.Stderr.Fd()) {
		cfg.LogJSON = false
	}
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// runClear deletes the session through the same store the server uses, so
// the key derivation and prefix match.
func runClear(ctx context.Context, v *viper.Viper, configFile, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user-id must not be empty")
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	client, err := session.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	store := session.NewRedisStore(client, session.Config{
		KeyPrefix:    cfg.RedisPrefix,
		TTL:          cfg.SessionTTL(),
		SystemPrompt: cfg.SystemPrompt,
	}, nil)
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()
	if err := store.Clear(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
