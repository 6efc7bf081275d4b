package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"stride/internal/coach"
	"stride/internal/engine"
)

// registerTurnStream is the streaming variant of create-turn: reply text is
// forwarded as "chunk" events while it arrives, then the applied outcome is
// sent once as "result" (or "error").
func registerTurnStream(api huma.API, c *coach.Coach) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-turn",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/turns/stream",
		Summary:     "Send a message and stream the coach's reply",
	}, map[string]any{
		"chunk":  ChunkEvent{},
		"result": coach.TurnResult{},
		"error":  apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		sessionPath
		Body TurnRequest
	}, send sse.Sender) {
		streamTurn(ctx, c, input.SessionID, input.Body.Message, send.Data)
	})
}

// streamTurn runs one turn, forwarding chunks through send. The first failed
// send cancels the turn so nothing is committed for a client that is gone.
func streamTurn(ctx context.Context, c *coach.Coach, sessionID, message string, send func(any) error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gone := false
	res, err := c.HandleTurn(ctx, sessionID, message, func(chunk string) {
		if gone {
			return
		}
		if err := send(ChunkEvent{Text: chunk}); err != nil {
			gone = true
			cancel()
		}
	})
	if gone {
		return
	}
	if err != nil {
		if ae, ok := handleError(err).(*apiError); ok {
			_ = send(ae.Body)
		}
		return
	}
	_ = send(res)
}

// registerSessionStream pushes committed events for one session as they
// happen. Slow clients miss events rather than block writers; GET /events
// fills the gap.
func registerSessionStream(api huma.API, e engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Stream a session's events",
	}, map[string]any{
		"event": EventResponse{},
	}, func(ctx context.Context, input *struct {
		sessionPath
		Buffer int `query:"buffer" default:"32" minimum:"1" maximum:"1024"`
	}, send sse.Sender) {
		if e.Bus == nil {
			return
		}
		ch, cancel := e.Bus.Subscribe(input.SessionID, input.Buffer)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := send.Data(eventResponse(evt)); err != nil {
					return
				}
			}
		}
	})
}
