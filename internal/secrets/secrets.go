// Package secrets seals config values with age.
//
// A sealed value is written ENC[<base64(age ciphertext)>] inline in TOML. The
// daemon and each partition open sealed values at startup with a Keyring
// resolved from the environment, the config, or ~/.config/safepart/age.key.
// HMAC secrets in the [[keys]] trust anchor are the main consumer.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/spf13/viper"
)

const (
	sealOpen  = "ENC["
	sealClose = "]"

	// DefaultKeyFilename is the identity file looked up under ~/.config/safepart.
	DefaultKeyFilename = "age.key"

	// EnvAgeKey holds a raw AGE-SECRET-KEY-1... string.
	EnvAgeKey = "SAFEPART_AGE_KEY"

	// EnvAgeKeyFile holds a path to an age identity file.
	EnvAgeKeyFile = "SAFEPART_AGE_KEY_FILE"
)

// ErrNoIdentity is returned when a sealed value is found but the keyring is empty.
var ErrNoIdentity = fmt.Errorf("sealed value found but no age identity configured (set %s or %s)", EnvAgeKey, EnvAgeKeyFile)

// Sealed reports whether value is wrapped in ENC[...].
func Sealed(value string) bool {
	return len(value) > len(sealOpen)+len(sealClose) &&
		strings.HasPrefix(value, sealOpen) && strings.HasSuffix(value, sealClose)
}

// Seal encrypts plaintext for recipients and wraps it as ENC[...].
func Seal(plaintext string, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return sealOpen + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealClose, nil
}

func ciphertext(value string) ([]byte, error) {
	if !Sealed(value) {
		return nil, errors.New("value is not sealed (missing ENC[...] wrapper)")
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(sealOpen) : len(value)-len(sealClose)])
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return raw, nil
}

// NewIdentity generates a fresh X25519 identity.
func NewIdentity() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// Keyring holds the age identities used to open sealed config values.
// The zero value is an empty keyring.
type Keyring struct {
	ids    []age.Identity
	source string
}

// NewKeyring wraps identities that were obtained elsewhere.
func NewKeyring(source string, ids ...age.Identity) *Keyring {
	return &Keyring{ids: ids, source: source}
}

// ReadKeyring parses an identity file.
func ReadKeyring(path string) (*Keyring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return &Keyring{ids: ids, source: path}, nil
}

// Resolve finds identities in this order: $SAFEPART_AGE_KEY,
// $SAFEPART_AGE_KEY_FILE, the secrets.identity config key, then the default
// key file. Finding nothing is not an error; the keyring is simply empty.
func Resolve(v *viper.Viper) (*Keyring, error) {
	if raw := os.Getenv(EnvAgeKey); raw != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeKey, err)
		}
		return NewKeyring("$"+EnvAgeKey, id), nil
	}
	if path := os.Getenv(EnvAgeKeyFile); path != "" {
		return ReadKeyring(path)
	}
	if path := v.GetString("secrets.identity"); path != "" {
		return ReadKeyring(expandHome(path))
	}

	path := DefaultKeyPath()
	if path == "" {
		return &Keyring{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return &Keyring{}, nil
	}
	return ReadKeyring(path)
}

// DefaultKeyPath is ~/.config/safepart/age.key, or "" without a home dir.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "safepart", DefaultKeyFilename)
}

// Empty reports whether the keyring holds no identities.
func (k *Keyring) Empty() bool { return k == nil || len(k.ids) == 0 }

// Source names where the identities came from.
func (k *Keyring) Source() string {
	if k.Empty() {
		return "none"
	}
	return k.source
}

// Recipient returns the public key of the first X25519 identity.
func (k *Keyring) Recipient() (*age.X25519Recipient, error) {
	if k.Empty() {
		return nil, ErrNoIdentity
	}
	x, ok := k.ids[0].(*age.X25519Identity)
	if !ok {
		return nil, errors.New("identity is not X25519")
	}
	return x.Recipient(), nil
}

// Open returns the plaintext of a sealed value. Plain values pass through.
func (k *Keyring) Open(value string) (string, error) {
	if !Sealed(value) {
		return value, nil
	}
	if k.Empty() {
		return "", ErrNoIdentity
	}
	raw, err := ciphertext(value)
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.ids...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plain), nil
}

// Unseal opens every sealed string value in v in place.
func (k *Keyring) Unseal(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !Sealed(val) {
			continue
		}
		plain, err := k.Open(val)
		if err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
		v.Set(key, plain)
	}
	return nil
}

// Apply resolves a keyring and unseals v. The keyring is returned because
// Viper does not descend into arrays of tables: [[keys]] secrets are opened
// one at a time after unmarshalling.
func Apply(v *viper.Viper) (*Keyring, error) {
	k, err := Resolve(v)
	if err != nil {
		return nil, fmt.Errorf("resolve age identity: %w", err)
	}
	if err := k.Unseal(v); err != nil {
		return nil, err
	}
	return k, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
