// Package notify delivers workflow events to configured HTTP endpoints.
// Each notifier tracks its own cursor into the event log and receives
// events in order; a failed delivery is retried on the next tick.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"crowdline/internal/config"
	"crowdline/internal/domain"
	"crowdline/internal/engine"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

type dispatcher struct {
	engine    engine.Engine
	workflow  string
	notifiers []config.Notifier
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

// Start launches the notifier loop for the engine's workflow. It returns
// immediately; the loop stops when ctx is cancelled. Engines without
// notifiers (or without a workflow) get no loop at all.
func Start(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifiers) == 0 {
		return
	}
	workflowID := e.Config.Workflow.ID
	if strings.TrimSpace(workflowID) == "" {
		return
	}
	d := &dispatcher{
		engine:    e,
		workflow:  workflowID,
		notifiers: e.Config.Notifiers,
		client:    &http.Client{Timeout: defaultTimeout},
		cursors:   make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *dispatcher) dispatchAll(ctx context.Context) {
	for i, n := range d.notifiers {
		if n.Disabled {
			continue
		}
		if strings.TrimSpace(n.URL) == "" {
			continue
		}
		d.dispatchNotifier(ctx, i, n)
	}
}

func (d *dispatcher) dispatchNotifier(ctx context.Context, idx int, n config.Notifier) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Ledger.EventsAfter(ctx, defaultBatch, cursor, d.workflow)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(n.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, n, evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", n.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor initializes a notifier's cursor to the latest event on first
// use, so only events appended after startup are delivered.
func (d *dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Ledger.LatestEventID(ctx, d.workflow)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notifierEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *dispatcher) postEvent(ctx context.Context, n config.Notifier, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := notifierEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		WorkflowID: evt.WorkflowID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if n.TimeoutSeconds > 0 {
		timeout = time.Duration(n.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crowdline-Event", evt.Type)
	req.Header.Set("X-Crowdline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Crowdline-Workflow", d.workflow)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Crowdline-Secret", n.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
