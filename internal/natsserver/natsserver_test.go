package natsserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func TestTokenAuth(t *testing.T) {
	token := "test-secret-token"

	// Start a NATS server with token auth on a random TCP port.
	srv, err := New(Config{
		StoreDir: t.TempDir(),
		Host:     "127.0.0.1",
		Port:     -1, // random port
		Token:    token,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	url := srv.ClientURL()

	nc, err := nats.Connect(url)
	if err == nil {
		nc.Close()
		t.Fatal("expected connection without token to fail")
	}

	nc, err = nats.Connect(url, nats.Token("wrong-token"))
	if err == nil {
		nc.Close()
		t.Fatal("expected connection with wrong token to fail")
	}

	nc, err = nats.Connect(url, srv.ConnectOpts()...)
	if err != nil {
		t.Fatalf("expected connection with ConnectOpts to succeed: %v", err)
	}
	nc.Close()
}

func TestNoToken_AllowsAnonymous(t *testing.T) {
	srv, err := New(Config{
		StoreDir: t.TempDir(),
		Host:     "127.0.0.1",
		Port:     -1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("expected anonymous connection to succeed: %v", err)
	}
	nc.Close()
}

func TestInProcessWithJetStream(t *testing.T) {
	srv, err := New(Config{Name: "test-bus", StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	if got := srv.NATSServer().Name(); got != "test-bus" {
		t.Fatalf("server name = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := srv.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "T",
		Subjects: []string{"t.>"},
		Storage:  jetstream.MemoryStorage,
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	nc, err := nats.Connect(srv.ClientURL(), srv.ConnectOpts()...)
	if err != nil {
		t.Fatalf("in-process connect: %v", err)
	}
	defer nc.Close()
	if _, err := nc.Request("$JS.API.INFO", nil, 2*time.Second); err != nil {
		t.Fatalf("jetstream api: %v", err)
	}
}

func TestMaxPayload(t *testing.T) {
	srv, err := New(Config{StoreDir: t.TempDir(), MaxPayload: 1024}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL(), srv.ConnectOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	if err := nc.Publish("safepart.commands.fcc", []byte(strings.Repeat("x", 2048))); err != nats.ErrMaxPayload {
		t.Fatalf("expected ErrMaxPayload, got %v", err)
	}
}
