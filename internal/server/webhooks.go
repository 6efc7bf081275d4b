package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stride/internal/config"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// DefaultWebhookEvents are delivered to hooks that do not list their own.
var DefaultWebhookEvents = []string{
	events.GoalCreated,
	events.GoalCompleted,
	events.GoalArchived,
	events.GoalReset,
	events.SessionPhase,
}

// WebhookDispatcher polls the event log and posts matching events to each
// configured hook. A hook's cursor only moves past an event once it was
// delivered, so a failing endpoint is retried on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logging.OrNop(logger).Named("webhook"),
		Interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is done. It returns at once when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if !d.anyEnabled() {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) anyEnabled() bool {
	for _, hook := range d.webhooks {
		if enabled(hook) {
			return true
		}
	}
	return false
}

func enabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchOnce delivers one batch per hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !enabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("event", evt.ID), zap.Error(err))
			return
		}
		d.logger.Debug("delivered", zap.String("url", hook.URL), zap.String("type", evt.Type), zap.Int64("event", evt.ID))
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new hooks at the current end of the log: only events
// committed after the dispatcher came up are delivered.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stride-Event", evt.Type)
	req.Header.Set("X-Stride-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Stride-Signature", "sha256="+Sign(secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Stride-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, evt := range types {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		for _, evt := range DefaultWebhookEvents {
			set[evt] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.set["*"]; ok {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
