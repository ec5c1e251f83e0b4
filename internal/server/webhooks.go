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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"syncline/internal/config"
	"syncline/internal/domain"
)

const (
	defaultWebhookInterval    = 2 * time.Second
	defaultWebhookTimeout     = 5 * time.Second
	defaultWebhookBatch       = 100
	defaultWebhookMaxAttempts = 5
)

// EventSource is the audit log the dispatcher polls.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher forwards audit events to configured URLs. Each hook keeps
// its own cursor, starting at the newest event seen when the dispatcher first
// polls it.
type WebhookDispatcher struct {
	src      EventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	cursors  map[int]int64
	failures map[int]int
}

func NewWebhookDispatcher(src EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		src:      src,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		log:      logger.With("component", "webhooks"),
		cursors:  make(map[int]int64),
		failures: make(map[int]int),
	}
}

// Run polls until ctx is done. It returns at once when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	enabled := 0
	for _, h := range d.webhooks {
		if h.IsEnabled() && strings.TrimSpace(h.URL) != "" {
			enabled++
		}
	}
	if enabled == 0 {
		return
	}
	d.log.Info("webhook dispatcher started", "hooks", enabled)
	ticker := time.NewTicker(d.interval)
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

// DispatchOnce delivers every pending event to every enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.src.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	maxAttempts := hook.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultWebhookMaxAttempts
	}
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.advance(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			if d.fail(idx) < maxAttempts {
				d.log.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
				return
			}
			d.log.Error("webhook delivery dropped", "url", hook.URL, "event_id", evt.ID, "attempts", maxAttempts, "err", err)
		}
		d.advance(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.src.LatestEventID(ctx)
	if err != nil {
		d.log.Warn("init webhook cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) advance(idx int, id int64) {
	d.mu.Lock()
	d.cursors[idx] = id
	d.failures[idx] = 0
	d.mu.Unlock()
}

func (d *WebhookDispatcher) fail(idx int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[idx]++
	return d.failures[idx]
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"projectId,omitempty"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId,omitempty"`
	ActorID    string          `json:"actorId"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payloadRaw,omitempty"`
}

// signature is the hex HMAC-SHA256 of body keyed by secret.
func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Syncline-Event", evt.Type)
	req.Header.Set("X-Syncline-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Syncline-Signature", signature(hook.Secret, data))
	}
	res, err := client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
