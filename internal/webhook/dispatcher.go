// Package webhook delivers call lifecycle events to an operator-supplied
// HTTP endpoint. Delivery is asynchronous: callers in the signaling and
// media paths never block on the network.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// queueCap bounds the pending event queue. When the endpoint is slow
	// and the queue fills, new events are dropped rather than stalling
	// call handling.
	queueCap = 256

	requestTimeout = 10 * time.Second
)

// Event is the JSON payload posted to the webhook endpoint.
type Event struct {
	Event string         `json:"event"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Dispatcher posts events to a single endpoint from a background worker.
// A dispatcher with an empty URL accepts and discards events, so callers
// can emit unconditionally.
type Dispatcher struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewDispatcher creates the dispatcher and starts its delivery worker.
func NewDispatcher(url string, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		url:        url,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "webhook"),
		queue:      make(chan Event, queueCap),
		done:       make(chan struct{}),
	}
	go d.run()
	if url != "" {
		d.logger.Info("webhook delivery enabled", "url", url)
	}
	return d
}

// Configured reports whether an endpoint is set.
func (d *Dispatcher) Configured() bool {
	return d.url != ""
}

// Emit queues one event for delivery. Never blocks; events are dropped
// when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Emit(event string, data map[string]any) {
	if d.url == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	ev := Event{Event: event, At: time.Now().UTC(), Data: data}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("webhook queue full, dropping event", "event", event)
	}
}

// Close stops the worker after draining queued events. Events emitted
// after Close are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		if err := d.post(ev); err != nil {
			d.logger.Warn("webhook delivery failed", "event", ev.Event, "error", err)
		}
	}
}

// post delivers one event. Non-2xx responses count as failures so the
// operator sees misconfigured endpoints in the log.
func (d *Dispatcher) post(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	d.logger.Debug("webhook delivered", "event", ev.Event, "status", resp.StatusCode)
	return nil
}
