// Package notify forwards engine events to webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/logging"
)

// defaultEvents are delivered to webhooks that list none.
var defaultEvents = []events.Kind{events.SyncError, events.RetryExhausted, events.CloudDataUpdated}

// Payload is the generic webhook body.
type Payload struct {
	Event     events.Kind  `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      events.Event `json:"data"`
}

// Dispatcher posts events to the configured webhooks.
type Dispatcher struct {
	mu       sync.RWMutex
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher for webhooks.
func NewDispatcher(webhooks []config.WebhookConfig, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		webhooks: webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logging.Component(logger, "notify"),
	}
}

// SetWebhooks replaces the targets, as after a config reload.
func (d *Dispatcher) SetWebhooks(webhooks []config.WebhookConfig) {
	d.mu.Lock()
	d.webhooks = webhooks
	d.mu.Unlock()
}

// Run dispatches events from ch until it closes or ctx ends, then waits for
// in-flight deliveries.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch sends ev to every enabled webhook subscribed to its kind.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	d.mu.RLock()
	webhooks := d.webhooks
	d.mu.RUnlock()

	payload := Payload{Event: ev.Kind, Timestamp: ev.Timestamp, Data: ev}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	for _, wh := range webhooks {
		if !wh.Enabled || !matches(wh, ev.Kind) {
			continue
		}
		d.wg.Add(1)
		go func(wh config.WebhookConfig) {
			defer d.wg.Done()
			if err := d.send(ctx, wh, payload); err != nil {
				d.logger.Warnw("webhook delivery failed", "url", wh.URL, "event", ev.Kind, logging.FieldError, err)
			}
		}(wh)
	}
}

func matches(wh config.WebhookConfig, kind events.Kind) bool {
	if len(wh.Events) == 0 {
		return slices.Contains(defaultEvents, kind)
	}
	return slices.Contains(wh.Events, string(kind))
}

func (d *Dispatcher) send(ctx context.Context, wh config.WebhookConfig, payload Payload) error {
	var body []byte
	var err error
	switch {
	case strings.Contains(wh.URL, "hooks.slack.com"):
		body, err = formatSlack(payload)
	case strings.Contains(wh.URL, "discord.com"):
		body, err = formatDiscord(payload)
	default:
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "keepsync-webhook/1.0")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatSlack(p Payload) ([]byte, error) {
	text := Message(p.Data)
	return json.Marshal(map[string]any{
		"text": text,
		"blocks": []map[string]any{{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": text},
		}},
	})
}

func formatDiscord(p Payload) ([]byte, error) {
	text := Message(p.Data)
	return json.Marshal(map[string]any{
		"content": text,
		"embeds": []map[string]any{{
			"title":       string(p.Event),
			"description": text,
			"timestamp":   p.Timestamp.Format(time.RFC3339),
			"color":       colorFor(p.Event),
		}},
	})
}

// Message renders ev as one human-readable line.
func Message(ev events.Event) string {
	switch ev.Kind {
	case events.SyncCompleted:
		return fmt.Sprintf("Sync completed (%s)", ev.Source)
	case events.SyncError:
		msg := fmt.Sprintf("Sync failed (%s): %s", ev.Source, ev.Message)
		if ev.ErrorKind != "" {
			msg += fmt.Sprintf(" [%s]", ev.ErrorKind)
		}
		return msg
	case events.CloudDataUpdated:
		return fmt.Sprintf("Cloud data applied: %s", strings.Join(ev.UpdatedKeys, ", "))
	case events.RetryExhausted:
		return fmt.Sprintf("Gave up on queued operation %s: %s", ev.ItemID, ev.Message)
	case events.StatusChanged:
		return fmt.Sprintf("Status: %s", ev.Status)
	}
	return fmt.Sprintf("keepsync event: %s", ev.Kind)
}

func colorFor(kind events.Kind) int {
	switch kind {
	case events.SyncError, events.RetryExhausted:
		return 0xFB7185
	case events.SyncCompleted:
		return 0x86EFAC
	case events.CloudDataUpdated:
		return 0x5EEAD4
	default:
		return 0x93C5FD
	}
}
