package analyze

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store/memory"
	"github.com/indexwatch/indexwatch/pkg/config"
)

// newTestServer wires the handler exactly as the analyzer service does,
// minus Redis and metrics.
func newTestServer(t *testing.T) (*httptest.Server, *memory.EventStore, *memory.CorrelationStore) {
	t.Helper()
	events := memory.NewEventStore()
	correlations := memory.NewCorrelationStore()
	analyzer := New(events, correlations)

	h := NewHandler(analyzer, nil,
		config.AnalyzerConfig{SummaryCacheTTL: time.Minute, DefaultRaceLimit: 100, RaceLookback: 24 * time.Hour},
		config.RaceConfig{Window: 10 * time.Second, MinConcurrent: 2},
		7*24*time.Hour,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/compare", h.Compare)
	mux.HandleFunc("GET /api/v1/sessions/{id}/summary", h.Summary)
	mux.HandleFunc("POST /api/v1/sessions/{id}/missing", h.Missing)
	mux.HandleFunc("GET /api/v1/sessions/{id}/items/{item}/timeline", h.Timeline)
	mux.HandleFunc("GET /api/v1/sessions/{id}/export", h.Export)
	mux.HandleFunc("GET /api/v1/races", h.Races)
	mux.HandleFunc("POST /api/v1/admin/purge", h.Purge)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, events, correlations
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestSummaryEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	body := getJSON(t, server.URL+"/api/v1/sessions/run-1/summary", http.StatusOK)
	if body["session_id"] != "run-1" {
		t.Errorf("session_id = %v", body["session_id"])
	}
	if body["total_items"] != float64(3) {
		t.Errorf("total_items = %v, want 3", body["total_items"])
	}
	// The key promises milliseconds; the session spans 60s.
	if body["duration_ms"] != float64(60000) {
		t.Errorf("duration_ms = %v, want 60000", body["duration_ms"])
	}

	getJSON(t, server.URL+"/api/v1/sessions/unknown/summary", http.StatusNotFound)
}

func TestListSessionsEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	body := getJSON(t, server.URL+"/api/v1/sessions", http.StatusOK)
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 1 || sessions[0] != "run-1" {
		t.Errorf("sessions = %v, want [run-1]", body["sessions"])
	}

	getJSON(t, server.URL+"/api/v1/sessions?limit=0", http.StatusBadRequest)
}

func TestMissingEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	resp, err := http.Post(
		server.URL+"/api/v1/sessions/run-1/missing",
		"application/json",
		strings.NewReader(`{"expected": [1, 2, 3, 4]}`),
	)
	if err != nil {
		t.Fatalf("POST missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report MissingReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if len(report.NeverSeen) != 1 || report.NeverSeen[0] != 4 {
		t.Errorf("NeverSeen = %v, want [4]", report.NeverSeen)
	}

	// Empty expectation list is a caller mistake, not an empty report.
	resp2, err := http.Post(
		server.URL+"/api/v1/sessions/run-1/missing",
		"application/json",
		strings.NewReader(`{"expected": []}`),
	)
	if err != nil {
		t.Fatalf("POST missing: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("empty expected status = %d, want 400", resp2.StatusCode)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	body := getJSON(t, server.URL+"/api/v1/sessions/run-1/items/1/timeline", http.StatusOK)
	evs, ok := body["events"].([]any)
	if !ok || len(evs) != 4 {
		t.Errorf("events = %v, want 4 entries", body["events"])
	}

	getJSON(t, server.URL+"/api/v1/sessions/run-1/items/999/timeline", http.StatusNotFound)
}

func TestCompareEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-a")
	seedSession(t, events, "run-b")

	body := getJSON(t, server.URL+"/api/v1/sessions/compare?a=run-a&b=run-b", http.StatusOK)
	inBoth, ok := body["in_both"].([]any)
	if !ok || len(inBoth) != 3 {
		t.Errorf("in_both = %v, want 3 shared items", body["in_both"])
	}

	getJSON(t, server.URL+"/api/v1/sessions/compare?a=run-a", http.StatusBadRequest)
}

func TestRacesEndpoint(t *testing.T) {
	server, _, correlations := newTestServer(t)

	// Detected an hour ago: far outside the detector's concurrency window
	// but well within the default listing lookback.
	err := correlations.Upsert(context.Background(), event.Correlation{
		ItemID:     7,
		SessionIDs: []string{"run-a", "run-b"},
		Stages:     []string{"submission"},
		FirstSeen:  time.Now().Add(-time.Hour),
		LastSeen:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seeding correlation: %v", err)
	}

	body := getJSON(t, server.URL+"/api/v1/races", http.StatusOK)
	if races, ok := body["races"].([]any); !ok || len(races) != 1 {
		t.Errorf("races = %v, want the hour-old correlation listed", body["races"])
	}

	// An explicit narrow window still filters it out.
	body = getJSON(t, server.URL+"/api/v1/races?window=1s", http.StatusOK)
	if races, ok := body["races"].([]any); !ok || len(races) != 0 {
		t.Errorf("races with 1s window = %v, want empty list", body["races"])
	}

	getJSON(t, server.URL+"/api/v1/races?window=banana", http.StatusBadRequest)
}

func TestExportEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	resp, err := http.Get(server.URL + "/api/v1/sessions/run-1/export")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", got)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading export body: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Errorf("export has %d lines, want header + 3 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "item_id,") {
		t.Errorf("first line = %q, want csv header", lines[0])
	}
}

func TestPurgeEndpoint(t *testing.T) {
	server, events, _ := newTestServer(t)
	seedSession(t, events, "run-1")

	resp, err := http.Post(
		server.URL+"/api/v1/admin/purge",
		"application/json",
		strings.NewReader(`{"older_than": "1ms"}`),
	)
	if err != nil {
		t.Fatalf("POST purge: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result["events_purged"] != 9 {
		t.Errorf("events_purged = %v, want 9", result["events_purged"])
	}

	getJSON(t, server.URL+"/api/v1/sessions/run-1/summary", http.StatusNotFound)
}
