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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// Prompt is a rendered system and user prompt pair.
type Prompt struct {
	System string
	User   string
}

// ResultSpec describes the structured result a model call must produce.
//
// The spec is offered to the model as a tool; calling it submits the
// result.
type ResultSpec struct {
	// Name is the tool name, e.g. "submit_plan".
	Name string

	// Description tells the model what to submit.
	Description string

	// Schema is the JSON Schema of the result object.
	Schema map[string]any
}

func (s ResultSpec) definition() ToolDefinition {
	return ToolDefinition{Name: s.Name, Description: s.Description, Parameters: s.Schema}
}

// ResultValidator is implemented by results with checks beyond struct
// tags. A failing Validate makes the result malformed, so it is retried.
type ResultValidator interface {
	Validate() error
}

// CallObserver receives model call outcomes, e.g. for metrics.
type CallObserver interface {
	ModelCall(provider string, duration time.Duration, resp *Response, err error)
	ModelRetry(provider string, attempt int, err error)
}

// InvokerConfig controls retry, pacing and tool-loop limits.
type InvokerConfig struct {
	// MaxAttempts is the number of tries for a structured call.
	// Default: 3
	MaxAttempts int

	// InitialInterval is the first backoff delay.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	// Default: 8s
	MaxInterval time.Duration

	// MaxToolTurns caps model turns in a tool loop.
	// Default: 40
	MaxToolTurns int

	// MaxTokens limits each response.
	// Default: 4096
	MaxTokens int

	// Temperature for every request.
	// Default: 0.2
	Temperature float64

	// RequestsPerSecond throttles requests. Zero disables throttling.
	RequestsPerSecond float64

	// Burst is the limiter burst size.
	// Default: 1
	Burst int
}

// DefaultInvokerConfig returns the default configuration.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		MaxToolTurns:    40,
		MaxTokens:       4096,
		Temperature:     0.2,
		Burst:           1,
	}
}

// Invoker runs structured model calls against a Client.
//
// Thread Safety: Invoker is safe for concurrent use.
type Invoker struct {
	client   Client
	cfg      InvokerConfig
	limiter  *rate.Limiter
	validate *validator.Validate
	observer CallObserver
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerConfig sets the configuration.
func WithInvokerConfig(cfg InvokerConfig) InvokerOption {
	return func(i *Invoker) {
		i.cfg = cfg
	}
}

// WithCallObserver sets an observer for call outcomes.
func WithCallObserver(o CallObserver) InvokerOption {
	return func(i *Invoker) {
		i.observer = o
	}
}

// NewInvoker creates an Invoker for client.
func NewInvoker(client Client, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		client:   client,
		cfg:      DefaultInvokerConfig(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.cfg.MaxAttempts <= 0 {
		i.cfg.MaxAttempts = 1
	}
	if i.cfg.MaxToolTurns <= 0 {
		i.cfg.MaxToolTurns = DefaultInvokerConfig().MaxToolTurns
	}
	if i.cfg.Burst <= 0 {
		i.cfg.Burst = 1
	}
	limit := rate.Inf
	if i.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(i.cfg.RequestsPerSecond)
	}
	i.limiter = rate.NewLimiter(limit, i.cfg.Burst)
	return i
}

// Client returns the underlying client.
func (i *Invoker) Client() Client {
	return i.client
}

// Invoke asks the model for a structured result and decodes it into out.
//
// Description:
//
//	The result spec is the only tool offered and the model is forced to
//	call it. Transport errors, missing results and results that fail to
//	decode or validate are retried with capped exponential backoff up to
//	MaxAttempts. Context cancellation is not retried.
//
// Inputs:
//
//	ctx - Context for cancellation
//	prompt - The rendered prompt
//	spec - The result tool
//	out - Pointer to the result struct; validated with `validate` tags
//
// Outputs:
//
//	error - Wraps ErrRetriesExhausted after the last failed attempt
func (i *Invoker) Invoke(ctx context.Context, prompt Prompt, spec ResultSpec, out any) error {
	req := &Request{
		SystemPrompt: prompt.System,
		Messages:     []Message{{Role: RoleUser, Content: prompt.User}},
		Tools:        []ToolDefinition{spec.definition()},
		ToolChoice:   ToolChoiceRequired(spec.Name),
		MaxTokens:    i.cfg.MaxTokens,
		Temperature:  i.cfg.Temperature,
	}

	attempts := 0
	err := i.retry(ctx, func() error {
		attempts++
		resp, err := i.completeOnce(ctx, req)
		if err != nil {
			return err
		}
		return i.decodeResponse(resp, spec, out)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, spec.Name, attempts, err)
	}
	return nil
}

// RunTools runs an agentic tool loop until the model submits spec.
//
// Description:
//
//	Each turn sends the conversation with the executor's tools plus the
//	result tool. Tool calls are executed in order and their results are
//	appended as a tool message. Rejected tool calls and malformed results
//	are reported back to the model. The loop ends when a valid result is
//	submitted, a non-rejected tool error occurs, or MaxToolTurns is hit.
//	Individual completions are retried like Invoke; the loop itself is
//	not, since tools have side effects.
//
// Outputs:
//
//	error - Tool errors are returned as is; model failures wrap
//	        ErrRetriesExhausted or ErrToolTurnsExceeded
func (i *Invoker) RunTools(ctx context.Context, prompt Prompt, exec ToolExecutor, spec ResultSpec, out any) error {
	defs := append(slices.Clone(exec.Definitions()), spec.definition())
	messages := []Message{{Role: RoleUser, Content: prompt.User}}

	for turn := 1; turn <= i.cfg.MaxToolTurns; turn++ {
		req := &Request{
			SystemPrompt: prompt.System,
			Messages:     messages,
			Tools:        defs,
			ToolChoice:   ToolChoiceAny(),
			MaxTokens:    i.cfg.MaxTokens,
			Temperature:  i.cfg.Temperature,
		}

		var resp *Response
		err := i.retry(ctx, func() error {
			var err error
			resp, err = i.completeOnce(ctx, req)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: turn %d: %v", ErrRetriesExhausted, turn, err)
		}

		if !resp.HasToolCalls() {
			messages = append(messages,
				Message{Role: RoleAssistant, Content: resp.Content},
				Message{Role: RoleUser, Content: fmt.Sprintf("Use the tools to make changes. When you are done, call %s.", spec.Name)},
			)
			continue
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		results := make([]ToolCallResult, 0, len(resp.ToolCalls))
		submitted := false

		for _, call := range resp.ToolCalls {
			if call.Name == spec.Name {
				if submitted {
					results = append(results, ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: "result already accepted", IsError: true})
					continue
				}
				if err := i.decodeArguments(call.Arguments, out); err != nil {
					results = append(results, ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true})
					continue
				}
				submitted = true
				results = append(results, ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: "result accepted"})
				continue
			}

			content, err := exec.Execute(ctx, call)
			if err != nil {
				if !errors.Is(err, ErrToolRejected) {
					return err
				}
				slog.Debug("Tool call rejected",
					slog.String("tool", call.Name),
					slog.String("error", err.Error()),
				)
				results = append(results, ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true})
				continue
			}
			results = append(results, ToolCallResult{ToolCallID: call.ID, Name: call.Name, Content: content})
		}

		if submitted {
			slog.Debug("Tool loop finished",
				slog.String("result", spec.Name),
				slog.Int("turns", turn),
			)
			return nil
		}
		messages = append(messages, Message{Role: RoleTool, ToolResults: results})
	}

	return fmt.Errorf("%w: %d turns without %s", ErrToolTurnsExceeded, i.cfg.MaxToolTurns, spec.Name)
}

// retry runs op with the configured backoff policy.
func (i *Invoker) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.cfg.InitialInterval
	bo.MaxInterval = i.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(i.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, next time.Duration) {
		slog.Warn("Model call failed, retrying",
			slog.String("provider", i.client.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()),
		)
		if i.observer != nil {
			i.observer.ModelRetry(i.client.Name(), attempt, err)
		}
	})
}

// completeOnce performs a single throttled completion.
func (i *Invoker) completeOnce(ctx context.Context, req *Request) (*Response, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := i.client.Complete(ctx, req)
	duration := time.Since(start)
	if i.observer != nil {
		i.observer.ModelCall(i.client.Name(), duration, resp, err)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResult)
	}
	return resp, nil
}

// decodeResponse extracts spec's result from resp into out.
//
// Models without native tool calling may answer with the JSON object as
// plain text, so the content is used as a fallback.
func (i *Invoker) decodeResponse(resp *Response, spec ResultSpec, out any) error {
	for _, call := range resp.ToolCalls {
		if call.Name == spec.Name {
			return i.decodeArguments(call.Arguments, out)
		}
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return i.decodeArguments(text, out)
	}
	return fmt.Errorf("%w: %s", ErrNoResult, spec.Name)
}

// decodeArguments unmarshals and validates a JSON result.
//
// Each call decodes into a fresh value of out's type and copies it into
// out only once it validates, so a rejected attempt leaves out untouched.
func (i *Invoker) decodeArguments(raw string, out any) error {
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("result target must be a non-nil pointer, got %T", out)
	}
	fresh := reflect.New(dst.Elem().Type())
	candidate := fresh.Interface()

	raw = stripCodeFence(raw)
	if err := json.Unmarshal([]byte(raw), candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if err := i.validate.Struct(candidate); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
	}
	if v, ok := candidate.(ResultValidator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
	}
	dst.Elem().Set(fresh.Elem())
	return nil
}

// stripCodeFence removes a surrounding ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
