// Package trust holds the partition's trust anchor: the key material commands
// must be signed with before the partition will act on them.
package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Key kinds.
const (
	KindHMAC    = "hmac"
	KindEd25519 = "ed25519"
)

var (
	ErrUnsigned      = errors.New("command is not signed")
	ErrUnknownKey    = errors.New("unknown signing key")
	ErrKeyRevoked    = errors.New("signing key revoked")
	ErrKeyExpired    = errors.New("signing key expired")
	ErrAlgorithm     = errors.New("signature algorithm does not match key")
	ErrBadSignature  = errors.New("signature verification failed")
	ErrNotAuthorized = errors.New("command not authorized for key")
)

// Key is one entry of the trust anchor.
type Key struct {
	ID        string
	Kind      string
	Secret    []byte            // KindHMAC
	Public    ed25519.PublicKey // KindEd25519
	Commands  []string          // glob patterns; empty allows every command
	Revoked   bool
	ExpiresAt time.Time // zero means no expiry
}

// KeyConfig is the config-file form of a Key.
type KeyConfig struct {
	ID        string   `mapstructure:"id"`
	Type      string   `mapstructure:"type"`
	Secret    string   `mapstructure:"secret"`     // #nosec G117 -- config deserialization, may be ENC[...]
	PublicKey string   `mapstructure:"public_key"` // hex-encoded
	Commands  []string `mapstructure:"commands"`
	Revoked   bool     `mapstructure:"revoked"`
	ExpiresAt string   `mapstructure:"expires_at"` // RFC3339
}

// ParseKey converts a KeyConfig into a Key.
func ParseKey(kc KeyConfig) (Key, error) {
	if kc.ID == "" {
		return Key{}, fmt.Errorf("key id is required")
	}
	k := Key{
		ID:       kc.ID,
		Kind:     kc.Type,
		Commands: kc.Commands,
		Revoked:  kc.Revoked,
	}
	switch kc.Type {
	case KindHMAC:
		if kc.Secret == "" {
			return Key{}, fmt.Errorf("key %q: hmac secret is required", kc.ID)
		}
		k.Secret = []byte(kc.Secret)
	case KindEd25519:
		raw, err := hex.DecodeString(kc.PublicKey)
		if err != nil {
			return Key{}, fmt.Errorf("key %q: decode public key: %w", kc.ID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return Key{}, fmt.Errorf("key %q: public key must be %d bytes, got %d", kc.ID, ed25519.PublicKeySize, len(raw))
		}
		k.Public = ed25519.PublicKey(raw)
	default:
		return Key{}, fmt.Errorf("key %q: unsupported type %q", kc.ID, kc.Type)
	}
	if kc.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, kc.ExpiresAt)
		if err != nil {
			return Key{}, fmt.Errorf("key %q: parse expires_at: %w", kc.ID, err)
		}
		k.ExpiresAt = ts
	}
	for _, p := range kc.Commands {
		if _, err := path.Match(p, ""); err != nil {
			return Key{}, fmt.Errorf("key %q: bad command pattern %q: %w", kc.ID, p, err)
		}
	}
	return k, nil
}

// Anchor is the set of keys a partition trusts. Safe for concurrent use.
type Anchor struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewAnchor builds an anchor from keys. Duplicate key ids are an error.
func NewAnchor(keys ...Key) (*Anchor, error) {
	a := &Anchor{}
	if err := a.Replace(keys); err != nil {
		return nil, err
	}
	return a, nil
}

// FromConfig parses every KeyConfig and builds an anchor.
func FromConfig(cfgs []KeyConfig) (*Anchor, error) {
	keys, err := ParseKeys(cfgs)
	if err != nil {
		return nil, err
	}
	return NewAnchor(keys...)
}

// ParseKeys parses a list of KeyConfigs.
func ParseKeys(cfgs []KeyConfig) ([]Key, error) {
	keys := make([]Key, 0, len(cfgs))
	for _, kc := range cfgs {
		k, err := ParseKey(kc)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Replace atomically swaps the whole key set.
func (a *Anchor) Replace(keys []Key) error {
	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		if _, dup := m[k.ID]; dup {
			return fmt.Errorf("duplicate key id %q", k.ID)
		}
		m[k.ID] = k
	}
	a.mu.Lock()
	a.keys = m
	a.mu.Unlock()
	return nil
}

// Revoke marks a key revoked. It reports whether the key exists.
func (a *Anchor) Revoke(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.keys[id]
	if ok {
		k.Revoked = true
		a.keys[id] = k
	}
	return ok
}

// KeyIDs returns the sorted ids of all keys.
func (a *Anchor) KeyIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.keys))
	for id := range a.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of keys.
func (a *Anchor) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Verify authenticates cmd against the anchor at time now.
func (a *Anchor) Verify(cmd *protocol.Command, now time.Time) error {
	if !cmd.Signed() {
		return ErrUnsigned
	}

	a.mu.RLock()
	k, ok := a.keys[cmd.KeyID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, cmd.KeyID)
	}
	if k.Revoked {
		return fmt.Errorf("%w: %q", ErrKeyRevoked, k.ID)
	}
	if !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt) {
		return fmt.Errorf("%w: %q at %s", ErrKeyExpired, k.ID, k.ExpiresAt.Format(time.RFC3339))
	}

	var valid bool
	switch k.Kind {
	case KindHMAC:
		if cmd.Algorithm != protocol.AlgHMACSHA256 {
			return fmt.Errorf("%w: key %q is hmac, command uses %q", ErrAlgorithm, k.ID, cmd.Algorithm)
		}
		valid = protocol.VerifyHMAC(cmd, k.Secret)
	case KindEd25519:
		if cmd.Algorithm != protocol.AlgEd25519 {
			return fmt.Errorf("%w: key %q is ed25519, command uses %q", ErrAlgorithm, k.ID, cmd.Algorithm)
		}
		valid = protocol.VerifyEd25519(cmd, k.Public)
	}
	if !valid {
		return ErrBadSignature
	}

	if !k.allows(cmd.Command) {
		return fmt.Errorf("%w: %q may not issue %q", ErrNotAuthorized, k.ID, cmd.Command)
	}
	return nil
}

func (k Key) allows(command string) bool {
	if len(k.Commands) == 0 {
		return true
	}
	for _, p := range k.Commands {
		if ok, _ := path.Match(p, command); ok {
			return true
		}
	}
	return false
}
