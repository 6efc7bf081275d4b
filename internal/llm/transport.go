// Package llm talks to OpenAI-compatible chat-completion endpoints over
// server-sent events, with a primary/secondary transport pair.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the wire body sent to every transport.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// TransportError is a connectivity or timeout failure; it makes the client
// try the secondary transport.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a well-formed non-2xx reply. It is surfaced as-is.
type HTTPError struct {
	Transport string
	Status    int
	Message   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transport %s: http %d: %s", e.Transport, e.Status, e.Message)
}

// Transport opens one streaming completion.
type Transport interface {
	Name() string
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// HTTPTransport posts the request to a chat-completions endpoint with a bearer
// credential and returns the event-stream body.
type HTTPTransport struct {
	ID         string
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewHTTPTransport returns a transport with its own timeout-bound client.
func NewHTTPTransport(name, endpoint, apiKey, model string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		ID:         name,
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Name() string {
	if t.ID == "" {
		return t.Endpoint
	}
	return t.ID
}

func (t *HTTPTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	req.Stream = true
	if t.Model != "" {
		req.Model = t.Model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if t.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Transport: t.Name(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, &HTTPError{Transport: t.Name(), Status: resp.StatusCode, Message: errorMessage(msg)}
	}
	return resp.Body, nil
}

// errorMessage pulls error.message out of an OpenAI-style error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}
