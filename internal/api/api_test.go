package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/registry"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

type fakeAudit struct {
	records []protocol.Result
	err     error
	gotPart string
	gotLim  int
}

func (f *fakeAudit) Count(context.Context) (uint64, error) { return uint64(len(f.records)), nil }

func (f *fakeAudit) Recent(_ context.Context, partition string, limit int) ([]protocol.Result, error) {
	f.gotPart, f.gotLim = partition, limit
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeBus) Publish(subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func newTestRegistry(t *testing.T) (*registry.Registry, *nats.Conn) {
	t.Helper()
	ns, err := server.NewServer(&server.Options{DontListen: true, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)

	reg, err := registry.New(nc, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)
	nc.Flush()
	return reg, nc
}

func get(t *testing.T, h http.Handler, target string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rec.Code
}

func TestStatusAndPartitions(t *testing.T) {
	reg, nc := newTestRegistry(t)
	audit := &fakeAudit{records: []protocol.Result{{CommandID: "a"}, {CommandID: "b"}}}
	srv := New("", reg, audit, &fakeBus{}, time.Now(), zerolog.Nop())

	data, _ := json.Marshal(protocol.Registration{Name: "fcc", Version: "0.1.0"})
	nc.Publish(protocol.SubjectRegistry, data)
	nc.Flush()

	deadline := time.Now().Add(3 * time.Second)
	for reg.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var status protocol.StatusResponse
	if code := get(t, srv.Handler(), "/api/v1/status", &status); code != 200 {
		t.Fatalf("status code %d", code)
	}
	if status.Status != "ok" || status.PartitionCount != 1 || status.AuditRecords != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	var parts protocol.PartitionsResponse
	get(t, srv.Handler(), "/api/v1/partitions", &parts)
	if len(parts.Partitions) != 1 || parts.Partitions[0].Name != "fcc" {
		t.Fatalf("unexpected partitions: %+v", parts)
	}

	var one protocol.PartitionInfo
	if code := get(t, srv.Handler(), "/api/v1/partitions/fcc", &one); code != 200 || one.Version != "0.1.0" {
		t.Fatalf("partition fcc: %d %+v", code, one)
	}
	if code := get(t, srv.Handler(), "/api/v1/partitions/nope", nil); code != http.StatusNotFound {
		t.Fatalf("unknown partition: %d", code)
	}
}

func TestAudit(t *testing.T) {
	reg, _ := newTestRegistry(t)
	audit := &fakeAudit{records: []protocol.Result{{CommandID: "b"}, {CommandID: "a"}}}
	srv := New("", reg, audit, &fakeBus{}, time.Now(), zerolog.Nop())

	var resp protocol.AuditResponse
	if code := get(t, srv.Handler(), "/api/v1/audit?partition=fcc&limit=5000", &resp); code != 200 {
		t.Fatalf("audit code %d", code)
	}
	if len(resp.Records) != 2 || audit.gotPart != "fcc" || audit.gotLim != maxAuditLimit {
		t.Fatalf("unexpected audit call: part=%q limit=%d records=%d", audit.gotPart, audit.gotLim, len(resp.Records))
	}

	get(t, srv.Handler(), "/api/v1/audit", &resp)
	if audit.gotPart != "" || audit.gotLim != defaultAuditLimit {
		t.Fatalf("defaults not applied: part=%q limit=%d", audit.gotPart, audit.gotLim)
	}

	if code := get(t, srv.Handler(), "/api/v1/audit?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}

	audit.err = errors.New("stream gone")
	if code := get(t, srv.Handler(), "/api/v1/audit", nil); code != http.StatusInternalServerError {
		t.Fatalf("audit error: %d", code)
	}

	noAudit := New("", reg, nil, &fakeBus{}, time.Now(), zerolog.Nop())
	if code := get(t, noAudit.Handler(), "/api/v1/audit", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("audit disabled: %d", code)
	}
}

func TestConfigReload(t *testing.T) {
	reg, _ := newTestRegistry(t)
	bus := &fakeBus{}
	srv := New("", reg, nil, bus, time.Now(), zerolog.Nop())

	for _, target := range []string{"/api/v1/config/reload", "/api/v1/config/reload?partition=fcc"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", target, nil))
		if rec.Code != 200 {
			t.Fatalf("%s: %d", target, rec.Code)
		}
	}
	if len(bus.subjects) != 2 ||
		bus.subjects[0] != protocol.SubjectConfigReload ||
		bus.subjects[1] != protocol.SubjectConfigReloadPartition("fcc") {
		t.Fatalf("unexpected subjects: %v", bus.subjects)
	}
}
