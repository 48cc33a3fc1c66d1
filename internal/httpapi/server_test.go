package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/qos"
	sipcore "github.com/coralpbx/coralpbx/internal/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeRegistrations struct {
	regs []sipcore.Registration
}

func (f *fakeRegistrations) Registrations() []sipcore.Registration { return f.regs }
func (f *fakeRegistrations) ActiveCount() int                      { return len(f.regs) }

type fakeQoS struct {
	history []qos.CallSummary
	alerts  []qos.Alert
}

func (f *fakeQoS) History(limit int) []qos.CallSummary { return f.history }
func (f *fakeQoS) Alerts(limit int) []qos.Alert        { return f.alerts }
func (f *fakeQoS) ActiveCount() int                    { return 1 }

type fakeMOS struct{ avg float64 }

func (f fakeMOS) AverageMOS(ctx context.Context) (float64, error) { return f.avg, nil }

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error in response: %q", env.Error)
	}
	return env.Data
}

func newTestServer(t *testing.T, calls CallLister) *Server {
	t.Helper()
	regs := &fakeRegistrations{regs: []sipcore.Registration{{
		Extension:  "1001",
		ContactURI: "sip:1001@192.168.1.50:5060",
		Host:       "192.168.1.50",
		Port:       5060,
		UserAgent:  "TestPhone/1.0",
		ExpiresAt:  time.Now().Add(time.Hour),
	}}}
	quality := &fakeQoS{
		history: []qos.CallSummary{{CallID: "done-1"}},
		alerts:  []qos.Alert{{CallID: "done-1", Metric: "mos"}},
	}
	metricsStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	return NewServer(0, calls, regs, quality, fakeMOS{4.1}, metricsStub, testLogger())
}

func activeManager(t *testing.T) *call.Manager {
	t.Helper()
	m := call.NewManager(nil, nil, nil, nil, nil, testLogger())
	s, err := m.Create("live-1", "1001", "1002")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	s.Start(context.Background())
	s.Ring()
	return m
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["status"] != "ok" {
		t.Errorf("status field = %v, want ok", data["status"])
	}
}

func TestMetricsRouteMounted(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCallsListsActiveSessions(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/calls", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", data["count"])
	}
	calls := data["calls"].([]any)
	c := calls[0].(map[string]any)
	if c["call_id"] != "live-1" || c["from"] != "1001" || c["to"] != "1002" {
		t.Errorf("call = %v, want live-1 from 1001 to 1002", c)
	}
	if c["state"] != call.StateRinging {
		t.Errorf("state = %v, want %s", c["state"], call.StateRinging)
	}
}

func TestRegistrationsListing(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/registrations", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", data["count"])
	}
	regs := data["registrations"].([]any)
	r := regs[0].(map[string]any)
	if r["extension"] != "1001" || r["host"] != "192.168.1.50" {
		t.Errorf("registration = %v, want 1001 at 192.168.1.50", r)
	}
}

func TestQoSSummary(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/qos/summary", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["monitored_calls"] != float64(1) {
		t.Errorf("monitored_calls = %v, want 1", data["monitored_calls"])
	}
	if data["average_mos"] != 4.1 {
		t.Errorf("average_mos = %v, want 4.1", data["average_mos"])
	}
	if len(data["recent_calls"].([]any)) != 1 {
		t.Errorf("recent_calls = %v, want one entry", data["recent_calls"])
	}
	if len(data["recent_alerts"].([]any)) != 1 {
		t.Errorf("recent_alerts = %v, want one entry", data["recent_alerts"])
	}
}

func TestQoSSummaryRejectsBadLimit(t *testing.T) {
	srv := newTestServer(t, activeManager(t))

	for _, q := range []string{"limit=abc", "limit=-1"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/qos/summary?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestNilDependenciesReturn503(t *testing.T) {
	srv := NewServer(0, nil, nil, nil, nil, nil, testLogger())

	for _, path := range []string{"/api/calls", "/api/registrations", "/api/qos/summary"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, w.Code)
		}
	}
}
