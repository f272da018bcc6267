package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestInstrumentsArePerRegistry(t *testing.T) {
	a := New("alpha")
	b := New("beta")

	a.Rejections.WithLabelValues("unsigned").Inc()
	a.Rejections.WithLabelValues("unsigned").Inc()

	if out := scrape(t, a); !strings.Contains(out, `safepart_commands_rejected_total{partition="alpha",reason="unsigned"} 2`) {
		t.Fatalf("alpha rejection counter missing:\n%s", out)
	}
	if out := scrape(t, b); strings.Contains(out, `reason="unsigned"`) {
		t.Fatalf("beta registry saw alpha's rejections:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	m := New("alpha")
	m.SafeMode.Set(1)

	out := scrape(t, m)
	if !strings.Contains(out, `safepart_safe_mode{partition="alpha"} 1`) {
		t.Fatalf("safe mode gauge missing from output:\n%s", out)
	}
	if !strings.Contains(out, "go_goroutines") {
		t.Fatal("runtime collector not registered")
	}
}
