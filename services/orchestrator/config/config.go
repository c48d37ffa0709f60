// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay configuration.
//
// # Sources
//
// In increasing precedence: built-in defaults, an optional YAML or JSON
// file, environment variables (the upper-cased key, e.g. VLLM_BASE), and
// command-line flags bound by the caller with BindPFlag.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultSystemPrompt seeds every new conversation.
const DefaultSystemPrompt = "You are a metallurgy expert. Answer in a structured way, " +
	"state your assumptions, avoid made-up facts."

// Keys, as used in config files. The environment name is the upper-cased key.
const (
	KeyPort                 = "port"
	KeyVLLMBase             = "vllm_base"
	KeyVLLMKey              = "vllm_key"
	KeyModel                = "model"
	KeyAppAPIKey            = "app_api_key"
	KeyRedisURL             = "redis_url"
	KeyRedisPrefix          = "redis_prefix"
	KeySessionTTLSeconds    = "session_ttl_seconds"
	KeySystemPrompt         = "system_prompt"
	KeyMaxContextTokens     = "max_context_tokens"
	KeyReserveForGeneration = "reserve_for_generation"
	KeyMinKeepMessages      = "min_keep_messages"
	KeyCORSOrigin           = "cors_origin"
	KeyStaticDir            = "static_dir"
	KeyTokenizerEncoding    = "tokenizer_encoding"
	KeyOTelEndpoint         = "otel_exporter_otlp_endpoint"
	KeyLogLevel             = "log_level"
	KeyLogJSON              = "log_json"
	KeyLogDir               = "log_dir"
	KeyWSMaxFrameBytes      = "ws_max_frame_bytes"
	KeyWSFrameRate          = "ws_frame_rate"
	KeyWSFrameBurst         = "ws_frame_burst"
	KeyUpstreamMaxLine      = "upstream_max_line_bytes"
	KeyShutdownTimeout      = "shutdown_timeout_seconds"
)

// Config is the complete relay configuration.
type Config struct {
	Port int `mapstructure:"port"`

	// Upstream completion service.
	VLLMBase string `mapstructure:"vllm_base"`
	VLLMKey  string `mapstructure:"vllm_key"`
	Model    string `mapstructure:"model"`

	// AppAPIKey is the shared secret. Empty disables auth.
	AppAPIKey string `mapstructure:"app_api_key"`

	// Session store.
	RedisURL          string `mapstructure:"redis_url"`
	RedisPrefix       string `mapstructure:"redis_prefix"`
	SessionTTLSeconds int    `mapstructure:"session_ttl_seconds"`
	SystemPrompt      string `mapstructure:"system_prompt"`

	// Context budget.
	MaxContextTokens     int    `mapstructure:"max_context_tokens"`
	ReserveForGeneration int    `mapstructure:"reserve_for_generation"`
	MinKeepMessages      int    `mapstructure:"min_keep_messages"`
	TokenizerEncoding    string `mapstructure:"tokenizer_encoding"`

	// HTTP surface.
	CORSOrigin string `mapstructure:"cors_origin"`
	StaticDir  string `mapstructure:"static_dir"`

	// Observability.
	OTelEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
	LogDir       string `mapstructure:"log_dir"`

	// Limits.
	WSMaxFrameBytes        int64   `mapstructure:"ws_max_frame_bytes"`
	WSFrameRate            float64 `mapstructure:"ws_frame_rate"`
	WSFrameBurst           int     `mapstructure:"ws_frame_burst"`
	UpstreamMaxLineBytes   int     `mapstructure:"upstream_max_line_bytes"`
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds"`
}

// SetDefaults registers every key and its default on v. Keys must be known
// to viper for AutomaticEnv to reach them through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyVLLMBase, "http://127.0.0.1:8000/v1")
	v.SetDefault(KeyVLLMKey, "local-token")
	v.SetDefault(KeyModel, "nn-tech/MetalGPT-1")
	v.SetDefault(KeyAppAPIKey, "")
	v.SetDefault(KeyRedisURL, "redis://127.0.0.1:6379/0")
	v.SetDefault(KeyRedisPrefix, "metalgpt:")
	v.SetDefault(KeySessionTTLSeconds, 60*60*24*7)
	v.SetDefault(KeySystemPrompt, DefaultSystemPrompt)
	v.SetDefault(KeyMaxContextTokens, 16384)
	v.SetDefault(KeyReserveForGeneration, 1200)
	v.SetDefault(KeyMinKeepMessages, 6)
	v.SetDefault(KeyCORSOrigin, "*")
	v.SetDefault(KeyStaticDir, "")
	v.SetDefault(KeyTokenizerEncoding, "cl100k_base")
	v.SetDefault(KeyOTelEndpoint, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, true)
	v.SetDefault(KeyLogDir, "")
	v.SetDefault(KeyWSMaxFrameBytes, 65536)
	v.SetDefault(KeyWSFrameRate, 0)
	v.SetDefault(KeyWSFrameBurst, 5)
	v.SetDefault(KeyUpstreamMaxLine, 1<<20)
	v.SetDefault(KeyShutdownTimeout, 10)
}

// New returns a viper instance with defaults and environment lookup.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
//
// # Inputs
//
//   - v: From New, with any flags already bound.
//   - configFile: YAML or JSON file path. Empty skips the file.
//
// # Outputs
//
//   - Config: Normalized and validated.
//   - error: File, decode, or ErrInvalidConfig failure.
func Load(v *viper.Viper, configFile string) (Config, error) {
	var cfg Config
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.VLLMBase = strings.TrimRight(strings.TrimSpace(c.VLLMBase), "/")
	c.CORSOrigin = strings.TrimSpace(c.CORSOrigin)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// Validate checks ranges and formats. MinKeepMessages is not checked: a
// non-positive value still keeps the system message (see Warnings).
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port < 1 || c.Port > 65535 {
		add("%s must be in 1..65535, got %d", KeyPort, c.Port)
	}
	if u, err := url.Parse(c.VLLMBase); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("%s must be an absolute http(s) URL, got %q", KeyVLLMBase, c.VLLMBase)
	}
	if strings.TrimSpace(c.Model) == "" {
		add("%s must not be empty", KeyModel)
	}
	if _, err := redis.ParseURL(c.RedisURL); err != nil {
		add("%s: %v", KeyRedisURL, err)
	}
	if c.SessionTTLSeconds <= 0 {
		add("%s must be positive, got %d", KeySessionTTLSeconds, c.SessionTTLSeconds)
	}
	if c.MaxContextTokens <= 0 {
		add("%s must be positive, got %d", KeyMaxContextTokens, c.MaxContextTokens)
	}
	if c.ReserveForGeneration < 0 {
		add("%s must not be negative, got %d", KeyReserveForGeneration, c.ReserveForGeneration)
	}
	if c.CORSOrigin != "" && c.CORSOrigin != "*" {
		for _, o := range strings.Split(c.CORSOrigin, ",") {
			o = strings.TrimSpace(o)
			if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
				add("%s entries must be \"*\" or start with http:// or https://, got %q", KeyCORSOrigin, o)
			}
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("%s: %v", KeyLogLevel, err)
	}
	if c.WSMaxFrameBytes < 0 {
		add("%s must not be negative", KeyWSMaxFrameBytes)
	}
	if c.WSFrameRate < 0 || c.WSFrameBurst < 0 {
		add("%s and %s must not be negative", KeyWSFrameRate, KeyWSFrameBurst)
	}
	if c.UpstreamMaxLineBytes <= 0 {
		add("%s must be positive", KeyUpstreamMaxLine)
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		add("%s must be positive", KeyShutdownTimeout)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Warnings lists accepted but suspicious settings.
func (c Config) Warnings() []string {
	var out []string
	if c.MinKeepMessages <= 0 {
		out = append(out, fmt.Sprintf("%s=%d; the system message is still always kept", KeyMinKeepMessages, c.MinKeepMessages))
	}
	if c.ReserveForGeneration >= c.MaxContextTokens {
		out = append(out, fmt.Sprintf("%s >= %s; the history budget is clamped to 1 token", KeyReserveForGeneration, KeyMaxContextTokens))
	}
	if c.AppAPIKey == "" {
		out = append(out, "app_api_key is empty; authentication is disabled")
	}
	return out
}

// SessionTTL is SessionTTLSeconds as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// ShutdownTimeout is ShutdownTimeoutSeconds as a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LogValue implements slog.LogValuer. Credentials are never logged.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int(KeyPort, c.Port),
		slog.String(KeyVLLMBase, c.VLLMBase),
		slog.String(KeyModel, c.Model),
		slog.Bool("auth_enabled", c.AppAPIKey != ""),
		slog.String(KeyRedisURL, redactURL(c.RedisURL)),
		slog.String(KeyRedisPrefix, c.RedisPrefix),
		slog.Int(KeySessionTTLSeconds, c.SessionTTLSeconds),
		slog.Int(KeyMaxContextTokens, c.MaxContextTokens),
		slog.Int(KeyReserveForGeneration, c.ReserveForGeneration),
		slog.Int(KeyMinKeepMessages, c.MinKeepMessages),
		slog.String(KeyTokenizerEncoding, c.TokenizerEncoding),
		slog.String(KeyCORSOrigin, c.CORSOrigin),
		slog.Bool("tracing_enabled", c.OTelEndpoint != ""),
	)
}

// redactURL drops the password from a store URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
