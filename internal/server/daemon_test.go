package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/avionics"
	"github.com/sekia-ai/safepart/internal/partition"
	"github.com/sekia-ai/safepart/internal/server"
	"github.com/sekia-ai/safepart/internal/trust"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

func socketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func getJSON(t *testing.T, client *http.Client, path string, v any) {
	t.Helper()
	resp, err := client.Get("http://safepartd" + path)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
}

func TestEndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "safepartd.sock")

	cfg := server.Config{
		Server: server.ServerConfig{Socket: socketPath},
		NATS:   server.NATSConfig{DataDir: filepath.Join(tmpDir, "nats")},
		Audit:  server.AuditConfig{Enabled: true, MaxRecords: 100, Memory: true},
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	d := server.NewDaemon(cfg, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon exited: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon not ready")
	}

	// Wait for socket to appear.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	client := socketClient(socketPath)

	var status protocol.StatusResponse
	getJSON(t, client, "/api/v1/status", &status)
	if status.Status != "ok" || status.PartitionCount != 0 {
		t.Fatalf("unexpected initial status: %+v", status)
	}

	// Start a partition on the daemon's bus.
	pcfg := partition.Config{
		Name:       "fcc",
		NATS:       partition.NATSConfig{URL: d.NATSClientURL()},
		Queue:      partition.QueueConfig{Size: 16},
		Task:       partition.TaskConfig{Period: 5 * time.Millisecond},
		Keys:       []trust.KeyConfig{{ID: "ops", Type: trust.KindHMAC, Secret: "ops-secret"}},
		Interlocks: partition.InterlockConfig{Dir: filepath.Join(tmpDir, "interlocks"), Timeout: time.Second},
	}
	agent := partition.NewTestAgent(pcfg, "", avionics.NewAircraft(logger), avionics.Catalog(), d.NATSConnectOpts(), logger)
	agentErr := make(chan error, 1)
	go func() { agentErr <- agent.Run() }()
	select {
	case <-agent.Ready():
	case err := <-agentErr:
		t.Fatalf("partition exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("partition not ready")
	}

	nc, err := nats.Connect(d.NATSClientURL(), d.NATSConnectOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	cmd := protocol.NewCommand(avionics.CmdStartEngines, "ground:test", nil)
	if err := protocol.SignCommand(cmd, "ops", "ops-secret"); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(cmd)
	nc.Publish(protocol.SubjectCommands("fcc"), data)

	unsigned := protocol.NewCommand(avionics.CmdStopEngines, "ground:test", nil)
	data, _ = json.Marshal(unsigned)
	nc.Publish(protocol.SubjectCommands("fcc"), data)
	nc.Flush()

	// Both outcomes land in the audit trail, newest first.
	var auditResp protocol.AuditResponse
	deadline = time.Now().Add(5 * time.Second)
	for {
		getJSON(t, client, "/api/v1/audit?partition=fcc", &auditResp)
		if len(auditResp.Records) >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(auditResp.Records) != 2 {
		t.Fatalf("expected 2 audit records, got %+v", auditResp.Records)
	}
	if auditResp.Records[0].CommandID != unsigned.ID || auditResp.Records[0].Status != protocol.StatusRejected {
		t.Fatalf("unexpected newest record: %+v", auditResp.Records[0])
	}
	if auditResp.Records[1].CommandID != cmd.ID || auditResp.Records[1].Status != protocol.StatusExecuted {
		t.Fatalf("unexpected oldest record: %+v", auditResp.Records[1])
	}

	var parts protocol.PartitionsResponse
	getJSON(t, client, "/api/v1/partitions", &parts)
	if len(parts.Partitions) != 1 || parts.Partitions[0].Name != "fcc" || parts.Partitions[0].Status != "running" {
		t.Fatalf("unexpected partitions: %+v", parts)
	}

	agent.Stop()
	if err := <-agentErr; err != nil {
		t.Fatalf("partition error: %v", err)
	}

	d.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("daemon error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safepartd.toml")
	os.WriteFile(path, []byte(`
[nats]
port = 5222

[audit]
max_records = 500
memory = true
`), 0o600)

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NATS.Port != 5222 || cfg.NATS.Host != "127.0.0.1" || cfg.NATS.Name != "safepartd" {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}
	store := cfg.Audit.Store()
	if !cfg.Audit.Enabled || store.MaxRecords != 500 || !store.Memory {
		t.Fatalf("unexpected audit config: %+v", cfg.Audit)
	}
}
