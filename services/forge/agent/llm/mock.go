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
	"fmt"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.RWMutex

	name  string
	model string

	// replies are returned in order; each is a response or an error.
	replies []mockReply

	// defaultResponse is returned when no replies remain.
	defaultResponse *Response

	calls        []CompletionCall
	responseFunc func(*Request) (*Response, error)
	callID       int
}

type mockReply struct {
	response *Response
	err      error
}

// CompletionCall records a call to Complete.
type CompletionCall struct {
	Request   *Request
	Timestamp time.Time
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		name:  "mock",
		model: "mock-model",
		defaultResponse: &Response{
			Content:      "Mock response",
			StopReason:   "end",
			InputTokens:  50,
			OutputTokens: 50,
		},
	}
}

// WithName sets the provider name.
func (c *MockClient) WithName(name string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	return c
}

// WithResponseFunc sets a dynamic response function used instead of the queue.
func (c *MockClient) WithResponseFunc(f func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = f
	return c
}

// QueueResponse adds a response to the queue.
func (c *MockClient) QueueResponse(response *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, mockReply{response: response})
	return c
}

// QueueError queues a failed call.
func (c *MockClient) QueueError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, mockReply{err: err})
	return c
}

// QueueToolCall queues a response that invokes one tool.
//
// Inputs:
//
//	toolName - The tool to call
//	arguments - Any JSON-marshalable value: a map or a result struct
func (c *MockClient) QueueToolCall(toolName string, arguments any) *MockClient {
	return c.QueueToolCalls(ToolCall{Name: toolName, Arguments: mustJSON(arguments)})
}

// QueueToolCalls queues a response with several tool calls. Missing IDs
// are generated.
func (c *MockClient) QueueToolCalls(calls ...ToolCall) *MockClient {
	c.mu.Lock()
	for i := range calls {
		if calls[i].ID == "" {
			c.callID++
			calls[i].ID = fmt.Sprintf("call_%d", c.callID)
		}
	}
	c.mu.Unlock()
	return c.QueueResponse(&Response{
		StopReason:   "tool_use",
		ToolCalls:    calls,
		InputTokens:  50,
		OutputTokens: 50,
	})
}

// QueueFinalResponse queues a text response with no tool calls.
func (c *MockClient) QueueFinalResponse(content string) *MockClient {
	return c.QueueResponse(&Response{
		Content:      content,
		StopReason:   "end",
		InputTokens:  50,
		OutputTokens: 50 + len(content)/4,
	})
}

// Complete implements Client.
func (c *MockClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, CompletionCall{Request: cloneRequest(request), Timestamp: time.Now()})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.responseFunc != nil {
		return c.responseFunc(request)
	}
	if len(c.replies) > 0 {
		reply := c.replies[0]
		c.replies = c.replies[1:]
		if reply.err != nil {
			return nil, reply.err
		}
		resp := *reply.response
		resp.Model = c.model
		return &resp, nil
	}
	resp := *c.defaultResponse
	resp.Model = c.model
	return &resp, nil
}

// Name implements Client.
func (c *MockClient) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Model implements Client.
func (c *MockClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// GetCalls returns all recorded calls.
func (c *MockClient) GetCalls() []CompletionCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	calls := make([]CompletionCall, len(c.calls))
	copy(calls, c.calls)
	return calls
}

// CallCount returns the number of calls made.
func (c *MockClient) CallCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// LastRequest returns the most recent request.
func (c *MockClient) LastRequest() *Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1].Request
}

// Verify ensures all queued replies were consumed.
func (c *MockClient) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.replies) > 0 {
		return fmt.Errorf("mock: %d queued replies not consumed", len(c.replies))
	}
	return nil
}

// cloneRequest copies the message slice so later appends by the caller
// do not alter the recorded request.
func cloneRequest(r *Request) *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	return &c
}

func mustJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock: marshal arguments: %v", err))
	}
	return string(data)
}
