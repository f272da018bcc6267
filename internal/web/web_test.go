package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

func setupTest(t *testing.T, username, password string, mode *string) (*Server, *ResultBus) {
	t.Helper()
	bus := NewResultBus(5)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("safepart_up 1\n"))
	})
	health := func() Health {
		return Health{Partition: "fcc", Status: "running", Mode: *mode}
	}
	return New(Config{Username: username, Password: password}, health, metrics, bus, zerolog.Nop()), bus
}

func TestHealthReflectsMode(t *testing.T) {
	mode := protocol.ModeNominal
	srv, _ := setupTest(t, "", "", &mode)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var h Health
	json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Mode != protocol.ModeNominal || h.Uptime == "" {
		t.Fatalf("nominal: status=%d body=%+v", resp.StatusCode, h)
	}

	mode = protocol.ModeSafe
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("safe: expected 503, got %d", resp.StatusCode)
	}
}

func TestMetricsRoute(t *testing.T) {
	mode := protocol.ModeNominal
	srv, _ := setupTest(t, "", "", &mode)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "safepart_up 1") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecentResultsNewestFirst(t *testing.T) {
	mode := protocol.ModeNominal
	srv, bus := setupTest(t, "", "", &mode)
	bus.Publish([]byte(`{"command_id":"a"}`))
	bus.Publish([]byte(`{"command_id":"b"}`))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/results/recent", nil))

	var body struct {
		Results []protocol.Result `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 2 || body.Results[0].CommandID != "b" {
		t.Fatalf("unexpected results: %+v", body.Results)
	}
}

func TestResultStream(t *testing.T) {
	mode := protocol.ModeNominal
	srv, bus := setupTest(t, "", "", &mode)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/results/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish([]byte(`{"command_id":"live"}`))
	}()

	lines := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line := <-lines:
			if line == `data: {"command_id":"live"}` {
				return
			}
		case <-deadline:
			t.Fatal("no result on stream")
		}
	}
}

func TestResultBus(t *testing.T) {
	bus := NewResultBus(5)

	ch, unsub, err := bus.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	bus.Publish([]byte(`{"status":"executed"}`))
	select {
	case data := <-ch:
		if string(data) != `{"status":"executed"}` {
			t.Errorf("unexpected data: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}

	for i := 0; i < 10; i++ {
		bus.Publish([]byte(`{"status":"rejected"}`))
	}
	if recent := bus.Recent(); len(recent) != 5 {
		t.Errorf("expected 5 recent results, got %d", len(recent))
	}
}

func TestAuthRequired(t *testing.T) {
	mode := protocol.ModeNominal
	srv, _ := setupTest(t, "admin", "secret", &mode)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	req, _ := http.NewRequest("GET", ts.URL+"/metrics", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 with wrong password, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", ts.URL+"/metrics", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 with correct auth, got %d", resp.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	mode := protocol.ModeNominal
	srv, _ := setupTest(t, "", "", &mode)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestStreamClientLimit(t *testing.T) {
	bus := NewResultBus(5)

	unsubs := make([]func(), 0, maxSSEClients)
	for i := 0; i < maxSSEClients; i++ {
		_, unsub, err := bus.Subscribe()
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		unsubs = append(unsubs, unsub)
	}

	if _, _, err := bus.Subscribe(); err != ErrTooManyClients {
		t.Fatalf("expected ErrTooManyClients, got %v", err)
	}

	unsubs[0]()
	_, unsub, err := bus.Subscribe()
	if err != nil {
		t.Fatalf("expected subscribe to succeed after unsub: %v", err)
	}
	unsub()
	for _, fn := range unsubs[1:] {
		fn()
	}
}
