// Package stream reassembles a server-sent-events chat completion stream into
// one text response.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"stride/internal/logging"
)

const (
	dataPrefix   = "data:"
	commentMark  = ':'
	doneSentinel = "[DONE]"
)

// ErrEmptyResponse is returned when the stream ends without any content.
var ErrEmptyResponse = errors.New("stream ended with empty response")

// DecodeError describes one malformed stream line. It is logged and the line
// skipped; it never aborts the stream.
type DecodeError struct {
	Line   int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode line %d: %s", e.Line, e.Reason)
}

// ReadError wraps a failure of the underlying reader.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read stream: " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// Options tune Decode.
type Options struct {
	Logger *zap.Logger
	// OnChunk receives each content delta in arrival order.
	OnChunk func(chunk string)
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
			Role    *string `json:"role"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decode consumes r line by line and returns the concatenated content deltas.
// Partial output is discarded on cancellation or read failure.
func Decode(ctx context.Context, r io.Reader, opts Options) (string, error) {
	log := logging.OrNop(opts.Logger)
	br := bufio.NewReaderSize(r, 64*1024)
	var acc strings.Builder
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, readErr := br.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			done, derr := consumeLine(raw, &acc, opts.OnChunk)
			if derr != nil {
				derr.Line = lineNo
				log.Warn("dropping stream line", zap.Int("line", lineNo), zap.String("reason", derr.Reason))
			}
			if done {
				break
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &ReadError{Err: readErr}
		}
	}
	if acc.Len() == 0 {
		return "", ErrEmptyResponse
	}
	log.Debug("stream decoded", zap.Int("lines", lineNo), zap.Int("bytes", acc.Len()))
	return acc.String(), nil
}

// consumeLine handles one raw line; done reports the end-of-stream sentinel.
func consumeLine(raw []byte, acc *strings.Builder, onChunk func(string)) (done bool, derr *DecodeError) {
	raw = bytes.TrimRight(raw, "\r\n")
	if !utf8.Valid(raw) {
		return false, &DecodeError{Reason: "invalid utf-8"}
	}
	line := string(raw)
	if strings.TrimSpace(line) == "" || line[0] == commentMark {
		return false, nil
	}
	if !strings.HasPrefix(line, dataPrefix) {
		// event:, id: and retry: fields carry nothing we need
		return false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return false, nil
	}
	if payload == doneSentinel {
		return true, nil
	}
	var chunk chunkPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return false, &DecodeError{Reason: "invalid json payload: " + err.Error()}
	}
	if chunk.Error != nil {
		return false, &DecodeError{Reason: "error payload: " + chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return false, nil
	}
	delta := *chunk.Choices[0].Delta.Content
	if delta == "" {
		return false, nil
	}
	acc.WriteString(delta)
	if onChunk != nil {
		onChunk(delta)
	}
	return false, nil
}
