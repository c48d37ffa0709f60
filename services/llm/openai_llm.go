// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var relayTracer = otel.Tracer("aleutian.relay.llm")

const (
	ssePrefix   = "data:"
	sseDone     = "[DONE]"
	defaultLine = 1 << 20

	// errorBodyLimit caps how much of a non-200 body is read for the message.
	errorBodyLimit = 4096
)

// ErrLineTooLong is returned when one server-push line exceeds the
// configured limit.
var ErrLineTooLong = errors.New("stream line exceeds limit")

// StreamerConfig configures an OpenAIStreamer.
type StreamerConfig struct {
	// BaseURL is the OpenAI-compatible API root, for example
	// "http://127.0.0.1:8000/v1". The request goes to BaseURL+"/chat/completions".
	BaseURL string

	// APIKey is sent as a bearer credential.
	APIKey string

	// Model is the upstream model identifier.
	Model string

	// MaxLineBytes caps a single event line. Zero means 1 MiB.
	MaxLineBytes int

	// HTTPClient overrides the transport. It must not set a Timeout, since
	// a response deadline would cut long generations short.
	HTTPClient *http.Client
}

// OpenAIStreamer implements ChatStreamer against an OpenAI-compatible
// /chat/completions endpoint (vLLM, llama.cpp server, OpenAI proper).
//
// # Description
//
// The request is a plain JSON POST with "stream": true. The response is
// read as server-sent events: lines without the "data:" prefix are
// skipped, "data: [DONE]" ends the stream, and every other data line is
// decoded as a chat.completion.chunk whose first choice's delta content,
// when non-empty, is handed to the callback.
//
// # Limitations
//
//   - Only the first choice is relayed.
//   - No retries; a failed request is reported once.
type OpenAIStreamer struct {
	endpoint     string
	apiKey       string
	model        string
	maxLineBytes int
	client       *http.Client
	logger       *slog.Logger
}

// chatStreamRequest is the upstream body. Temperature and max_tokens are
// always present so an explicit 0.0 temperature is not dropped.
type chatStreamRequest struct {
	Model       string              `json:"model"`
	Messages    []datatypes.Message `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
}

// streamEvent is one decoded data line. Some servers report mid-stream
// failures as an "error" object instead of closing the connection.
type streamEvent struct {
	openai.ChatCompletionStreamResponse
	Error *openai.APIError `json:"error,omitempty"`
}

// NewOpenAIStreamer creates a streamer. A nil logger uses slog.Default.
func NewOpenAIStreamer(cfg StreamerConfig, logger *slog.Logger) *OpenAIStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultLine
	}
	return &OpenAIStreamer{
		endpoint:     strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxLineBytes: maxLine,
		client:       client,
		logger:       logger,
	}
}

// Model returns the configured upstream model identifier.
func (o *OpenAIStreamer) Model() string {
	return o.model
}

// ChatStream implements ChatStreamer.
//
// # Outputs
//
//   - nil: the upstream ended the stream normally.
//   - *datatypes.RelayError: transport failure, non-200 status, malformed
//     event, or an upstream error event.
//   - wrapped ctx.Err(): the caller cancelled; the connection is dropped.
//   - wrapped callback error: the consumer stopped pulling.
func (o *OpenAIStreamer) ChatStream(ctx context.Context, conv datatypes.Conversation,
	params GenerationParams, cb StreamCallback) error {

	ctx, span := relayTracer.Start(ctx, "llm.ChatStream", trace.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.messages", len(conv)),
		attribute.Float64("llm.temperature", params.Temperature),
		attribute.Int("llm.max_tokens", params.MaxTokens),
	))
	defer span.End()

	deltas, err := o.stream(ctx, conv, params, cb)
	span.SetAttributes(attribute.Int("llm.deltas", deltas))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			o.logger.Warn("Upstream stream failed", "model", o.model, "deltas", deltas, "error", err)
		}
		return err
	}
	o.logger.Debug("Upstream stream completed", "model", o.model, "deltas", deltas)
	return nil
}

func (o *OpenAIStreamer) stream(ctx context.Context, conv datatypes.Conversation,
	params GenerationParams, cb StreamCallback) (int, error) {

	body, err := json.Marshal(chatStreamRequest{
		Model:       o.model,
		Messages:    conv,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return 0, fmt.Errorf("encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &datatypes.RelayError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, o.fault(ctx, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &datatypes.RelayError{StatusCode: resp.StatusCode, Cause: upstreamMessage(resp)}
	}

	reader := bufio.NewReader(resp.Body)
	deltas := 0
	for {
		line, readErr := readLine(reader, o.maxLineBytes)
		if len(line) > 0 {
			done, delta, err := parseLine(line)
			if err != nil {
				return deltas, &datatypes.RelayError{StatusCode: resp.StatusCode, Cause: err}
			}
			if done {
				return deltas, nil
			}
			if delta != "" {
				deltas++
				if err := cb(delta); err != nil {
					return deltas, fmt.Errorf("stream callback: %w", err)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return deltas, nil
			}
			return deltas, o.fault(ctx, resp.StatusCode, readErr)
		}
	}
}

// fault separates caller cancellation from upstream failure.
func (o *OpenAIStreamer) fault(ctx context.Context, status int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("upstream stream abandoned: %w", ctxErr)
	}
	return &datatypes.RelayError{StatusCode: status, Cause: err}
}

// parseLine interprets one server-push line.
//
// # Outputs
//
//   - done: the termination sentinel was seen.
//   - delta: the first choice's content, possibly empty.
//   - err: the data payload was not a valid chunk, or was an error event.
func parseLine(line []byte) (done bool, delta string, err error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(ssePrefix)) {
		return false, "", nil
	}
	payload := bytes.TrimSpace(line[len(ssePrefix):])
	if string(payload) == sseDone {
		return true, "", nil
	}
	if len(payload) == 0 {
		return false, "", nil
	}

	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return false, "", fmt.Errorf("decode stream event: %w", err)
	}
	if event.Error != nil {
		return false, "", fmt.Errorf("upstream error event: %s", event.Error.Message)
	}
	if len(event.Choices) == 0 {
		return false, "", nil
	}
	return false, event.Choices[0].Delta.Content, nil
}

// readLine returns the next line including its terminator. At EOF the
// final unterminated line is returned together with io.EOF.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// upstreamMessage extracts an error message from a non-200 response.
func upstreamMessage(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	var envelope openai.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return errors.New(envelope.Error.Message)
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return errors.New(msg)
	}
	return errors.New(http.StatusText(resp.StatusCode))
}

var _ ChatStreamer = (*OpenAIStreamer)(nil)
