package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

func TestParseParams(t *testing.T) {
	payload, err := parseParams([]string{"percentage=75", "extended=true", "reason=bird strike", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if payload["percentage"] != float64(75) {
		t.Errorf("percentage = %#v", payload["percentage"])
	}
	if payload["extended"] != true {
		t.Errorf("extended = %#v", payload["extended"])
	}
	if payload["reason"] != "bird strike" {
		t.Errorf("reason = %#v", payload["reason"])
	}
	if payload["note"] != "a=b" {
		t.Errorf("note = %#v", payload["note"])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSignCommand_HMAC(t *testing.T) {
	c := protocol.NewCommand("start_engines", "test", nil)
	if err := signCommand(c, "ops", "s3cret", ""); err != nil {
		t.Fatal(err)
	}
	if !protocol.VerifyHMAC(c, []byte("s3cret")) {
		t.Fatal("signature does not verify")
	}
}

func TestSignCommand_Ed25519KeyFile(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	path := filepath.Join(t.TempDir(), "ground.key")
	content := "# created: now\n# key id: ground\n" + hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	c := protocol.NewCommand("set_throttle", "test", map[string]any{"percentage": 50.0})
	if err := signCommand(c, "ground", "", path); err != nil {
		t.Fatal(err)
	}
	if c.Algorithm != protocol.AlgEd25519 || !protocol.VerifyEd25519(c, pub) {
		t.Fatalf("ed25519 signature does not verify: %+v", c)
	}
}

func TestSignCommand_Errors(t *testing.T) {
	c := protocol.NewCommand("start_engines", "test", nil)
	if err := signCommand(c, "", "s", ""); err == nil {
		t.Error("expected error without key id")
	}
	if err := signCommand(c, "ops", "", ""); err == nil {
		t.Error("expected error without key material")
	}
	bad := filepath.Join(t.TempDir(), "bad.key")
	os.WriteFile(bad, []byte("abcd\n"), 0600)
	if err := signCommand(c, "ops", "", bad); err == nil {
		t.Error("expected error for short key")
	}
}
