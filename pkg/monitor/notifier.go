package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
)

// Event types emitted by the system.
const (
	EventStateTransition = "risk_state_transition"
	EventPairOpened      = "pair_opened"
	EventPairClosed      = "pair_closed"
	EventPairFlattened   = "pair_flattened"
	EventZombiePair      = "zombie_pair"
	EventCycleSkipped    = "cycle_skipped"
	EventAnomaly         = "anomaly"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one structured operator notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	CycleID   int64          `json:"cycle_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers events. Delivery is best-effort: implementations log
// failures and never block or fail the trading cycle.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, severity, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Webhook posts events as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook notifier with a short delivery timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		logx.Errorf("monitor: marshal event %s: %v", event.Type, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		logx.Errorf("monitor: build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		logx.Errorf("monitor: webhook delivery failed for %s: %v", event.Type, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logx.Errorf("monitor: webhook returned %d for %s", resp.StatusCode, event.Type)
	}
}

// Nop drops all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder captures events in memory for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType filters recorded events.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// String implements fmt.Stringer for log lines.
func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s", e.Type, e.Severity, e.Message)
}
