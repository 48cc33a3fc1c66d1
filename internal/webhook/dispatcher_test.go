package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (c *capture) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestEmitDeliversEvent(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	d := NewDispatcher(srv.URL, testLogger())
	if !d.Configured() {
		t.Fatal("Configured() = false with a URL set")
	}

	d.Emit("call_started", map[string]any{"call_id": "abc", "from": "1001"})
	d.Emit("call_ended", map[string]any{"call_id": "abc"})
	d.Close()

	events := c.received()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[0].Event != "call_started" || events[1].Event != "call_ended" {
		t.Errorf("events = %q, %q; want call_started, call_ended", events[0].Event, events[1].Event)
	}
	if got := events[0].Data["call_id"]; got != "abc" {
		t.Errorf("call_id = %v, want abc", got)
	}
	if events[0].At.IsZero() {
		t.Error("event timestamp is zero")
	}
}

func TestEmitWithoutURLIsNoop(t *testing.T) {
	d := NewDispatcher("", testLogger())
	if d.Configured() {
		t.Fatal("Configured() = true with no URL")
	}

	for i := 0; i < 2*queueCap; i++ {
		d.Emit("registration", nil)
	}
	d.Close()
}

func TestEmitSurvivesEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, testLogger())
	d.Emit("call_started", nil)
	d.Emit("call_ended", nil)
	d.Close()
}

func TestEmitAfterCloseDoesNotPanic(t *testing.T) {
	d := NewDispatcher("", testLogger())
	d.Close()
	d.Emit("call_started", nil)
}
