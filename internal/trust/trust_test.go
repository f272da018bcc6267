package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedHMAC(t *testing.T, keyID, secret, command string) *protocol.Command {
	t.Helper()
	cmd := protocol.NewCommand(command, "test", map[string]any{"percentage": float64(10)})
	if err := protocol.SignCommand(cmd, keyID, secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return cmd
}

func TestVerifyHMACKey(t *testing.T) {
	a, err := NewAnchor(Key{ID: "ops", Kind: KindHMAC, Secret: []byte("s3cret")})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Verify(signedHMAC(t, "ops", "s3cret", "set_throttle"), now); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	a, err := NewAnchor(
		Key{ID: "ops", Kind: KindHMAC, Secret: []byte("s3cret")},
		Key{ID: "old", Kind: KindHMAC, Secret: []byte("old"), ExpiresAt: now.Add(-time.Minute)},
		Key{ID: "gone", Kind: KindHMAC, Secret: []byte("gone"), Revoked: true},
		Key{ID: "gear", Kind: KindHMAC, Secret: []byte("gear"), Commands: []string{"set_landing_gear", "get_*"}},
		Key{ID: "fcc", Kind: KindEd25519, Public: pub},
	)
	if err != nil {
		t.Fatal(err)
	}

	edSigned := protocol.NewCommand("set_flaps", "test", nil)
	if err := protocol.SignCommandEd25519(edSigned, "fcc", priv); err != nil {
		t.Fatal(err)
	}
	edAsHMAC := protocol.NewCommand("set_flaps", "test", nil)
	protocol.SignCommand(edAsHMAC, "fcc", "whatever")

	tests := []struct {
		name string
		cmd  *protocol.Command
		want error
	}{
		{"unsigned", protocol.NewCommand("set_throttle", "test", nil), ErrUnsigned},
		{"unknown key", signedHMAC(t, "nobody", "s3cret", "set_throttle"), ErrUnknownKey},
		{"wrong secret", signedHMAC(t, "ops", "guess", "set_throttle"), ErrBadSignature},
		{"expired", signedHMAC(t, "old", "old", "set_throttle"), ErrKeyExpired},
		{"revoked", signedHMAC(t, "gone", "gone", "set_throttle"), ErrKeyRevoked},
		{"not authorized", signedHMAC(t, "gear", "gear", "set_throttle"), ErrNotAuthorized},
		{"alg mismatch", edAsHMAC, ErrAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Verify(tt.cmd, now); !errors.Is(err, tt.want) {
				t.Fatalf("Verify = %v, want %v", err, tt.want)
			}
		})
	}

	if err := a.Verify(edSigned, now); err != nil {
		t.Errorf("ed25519 command: %v", err)
	}
	if err := a.Verify(signedHMAC(t, "gear", "gear", "get_telemetry"), now); err != nil {
		t.Errorf("glob allow-list: %v", err)
	}
}

func TestRevokeAndReplace(t *testing.T) {
	a, _ := NewAnchor(Key{ID: "ops", Kind: KindHMAC, Secret: []byte("s")})
	cmd := signedHMAC(t, "ops", "s", "stop_engines")

	if !a.Revoke("ops") {
		t.Fatal("Revoke returned false for existing key")
	}
	if a.Revoke("missing") {
		t.Fatal("Revoke returned true for missing key")
	}
	if err := a.Verify(cmd, now); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}

	if err := a.Replace([]Key{{ID: "ops", Kind: KindHMAC, Secret: []byte("s")}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Verify(cmd, now); err != nil {
		t.Fatalf("after replace: %v", err)
	}

	if err := a.Replace([]Key{{ID: "x"}, {ID: "x"}}); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if a.Len() != 1 {
		t.Fatalf("failed replace must keep old keys, got %d", a.Len())
	}
}

func TestParseKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	k, err := ParseKey(KeyConfig{ID: "fcc", Type: KindEd25519, PublicKey: hex.EncodeToString(pub), ExpiresAt: "2030-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if !k.ExpiresAt.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expires_at = %s", k.ExpiresAt)
	}

	bad := []KeyConfig{
		{Type: KindHMAC, Secret: "x"},
		{ID: "a", Type: KindHMAC},
		{ID: "b", Type: KindEd25519, PublicKey: "zz"},
		{ID: "c", Type: KindEd25519, PublicKey: "abcd"},
		{ID: "d", Type: "rsa"},
		{ID: "e", Type: KindHMAC, Secret: "x", ExpiresAt: "tomorrow"},
		{ID: "f", Type: KindHMAC, Secret: "x", Commands: []string{"["}},
	}
	for _, kc := range bad {
		if _, err := ParseKey(kc); err == nil {
			t.Errorf("expected error for %+v", kc)
		}
	}
}

func TestFromConfigKeyIDs(t *testing.T) {
	a, err := FromConfig([]KeyConfig{
		{ID: "b", Type: KindHMAC, Secret: "1"},
		{ID: "a", Type: KindHMAC, Secret: "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ids := a.KeyIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("KeyIDs = %v", ids)
	}
}
