package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"stride/internal/config"
	"stride/internal/logging"
	"stride/internal/stream"
)

// Completer produces one complete model reply for a message list.
type Completer interface {
	Complete(ctx context.Context, messages []Message, onChunk func(string)) (string, error)
}

// Client streams a completion from Primary, falling back once to Secondary on
// transport-class failures.
type Client struct {
	Primary     Transport
	Secondary   Transport
	Model       string
	Temperature float64
	MaxTokens   int
	Logger      *zap.Logger
}

// NewClient builds a client from the llm config section.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	c := &Client{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      logger,
	}
	p := cfg.LLM.Primary
	c.Primary = NewHTTPTransport(p.Name, p.Endpoint, p.APIKey(), p.Model, p.TimeoutDuration())
	if s := cfg.LLM.Secondary; s.Enabled() {
		c.Secondary = NewHTTPTransport(s.Name, s.Endpoint, s.APIKey(), s.Model, s.TimeoutDuration())
	}
	return c
}

// Complete satisfies Completer.
func (c *Client) Complete(ctx context.Context, messages []Message, onChunk func(string)) (string, error) {
	return c.Stream(ctx, Request{
		Model:       c.Model,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Stream:      true,
	}, onChunk)
}

// Stream sends req and decodes the reply. The secondary transport receives the
// identical request.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	log := logging.OrNop(c.Logger)
	if c.Primary == nil {
		return "", errors.New("no primary transport configured")
	}
	start := time.Now()
	text, err := c.attempt(ctx, c.Primary, req, onChunk, log)
	if err == nil {
		log.Debug("completion finished", zap.String("transport", c.Primary.Name()), zap.Duration("elapsed", time.Since(start)))
		return text, nil
	}
	var te *TransportError
	if !errors.As(err, &te) || c.Secondary == nil || ctx.Err() != nil {
		return "", err
	}
	log.Warn("primary transport failed, trying secondary",
		zap.String("primary", c.Primary.Name()),
		zap.String("secondary", c.Secondary.Name()),
		zap.Error(err))
	text, err = c.attempt(ctx, c.Secondary, req, onChunk, log)
	if err != nil {
		return "", err
	}
	log.Debug("completion finished", zap.String("transport", c.Secondary.Name()), zap.Duration("elapsed", time.Since(start)))
	return text, nil
}

func (c *Client) attempt(ctx context.Context, t Transport, req Request, onChunk func(string), log *zap.Logger) (string, error) {
	body, err := t.Open(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()
	text, err := stream.Decode(ctx, body, stream.Options{Logger: log.Named("stream"), OnChunk: onChunk})
	if err != nil {
		var re *stream.ReadError
		if errors.As(err, &re) {
			return "", &TransportError{Transport: t.Name(), Err: err}
		}
		return "", err
	}
	return text, nil
}
