// Package validate implements the authentication and validation pipeline every
// command passes through before a partition will act on it.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sekia-ai/safepart/internal/catalog"
	"github.com/sekia-ai/safepart/internal/trust"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxAge       = 30 * time.Second
	DefaultMaxSkew      = 5 * time.Second
	DefaultReplayWindow = 4096
	DefaultMaxBytes     = 64 << 10
)

// Config bounds command freshness and replay memory. ReplayWindow must cover
// every command that can arrive within MaxAge, or an old command could be
// replayed after its nonce is evicted.
type Config struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	MaxSkew      time.Duration `mapstructure:"max_skew"`
	ReplayWindow int           `mapstructure:"replay_window"`
	MaxBytes     int           `mapstructure:"max_bytes"`
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxSkew < 0 {
		c.MaxSkew = 0
	} else if c.MaxSkew == 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	return c
}

// Validator decodes and validates commands. It is called from the partition's
// single consumer, but is safe for concurrent use.
type Validator struct {
	anchor  *trust.Anchor
	catalog *catalog.Catalog
	cfg     Config
	replay  *lru.Cache[string, struct{}]

	clockMu sync.RWMutex
	now     func() time.Time
}

// New creates a Validator.
func New(anchor *trust.Anchor, cat *catalog.Catalog, cfg Config) (*Validator, error) {
	if anchor == nil || cat == nil {
		return nil, fmt.Errorf("validator requires a trust anchor and a catalog")
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, struct{}](cfg.ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &Validator{
		anchor:  anchor,
		catalog: cat,
		cfg:     cfg,
		replay:  cache,
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source.
func (v *Validator) SetClock(now func() time.Time) {
	v.clockMu.Lock()
	v.now = now
	v.clockMu.Unlock()
}

func (v *Validator) clock() time.Time {
	v.clockMu.RLock()
	defer v.clockMu.RUnlock()
	return v.now()
}

// Config returns the effective configuration.
func (v *Validator) Config() Config { return v.cfg }

// Decode parses a raw message into a Command.
func (v *Validator) Decode(data []byte) (*protocol.Command, error) {
	if len(data) > v.cfg.MaxBytes {
		return nil, Rejectf(ReasonMalformed, "message is %d bytes, limit %d", len(data), v.cfg.MaxBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var cmd protocol.Command
	if err := dec.Decode(&cmd); err != nil {
		return nil, Reject(ReasonMalformed, err)
	}
	if dec.More() {
		return nil, Rejectf(ReasonMalformed, "trailing data after command")
	}
	return &cmd, nil
}

// Validate runs every check in order and returns a *Rejection for the first one
// that fails. The replay entry is recorded only when all other checks pass, so a
// forged copy cannot consume a legitimate command's nonce.
func (v *Validator) Validate(cmd *protocol.Command) error {
	if cmd.ID == "" {
		return Rejectf(ReasonMalformed, "missing required field: id")
	}
	if cmd.Command == "" {
		return Rejectf(ReasonMalformed, "missing required field: command")
	}
	if !cmd.Signed() {
		return Reject(ReasonUnsigned, trust.ErrUnsigned)
	}

	now := v.clock()
	if err := v.anchor.Verify(cmd, now); err != nil {
		return Reject(trustReason(err), err)
	}

	if cmd.IssuedAt <= 0 {
		return Rejectf(ReasonMalformed, "missing required field: issued_at")
	}

	issued := time.Unix(cmd.IssuedAt, 0)
	if age := now.Sub(issued); age > v.cfg.MaxAge {
		return Rejectf(ReasonStale, "issued %s ago, limit %s", age.Truncate(time.Second), v.cfg.MaxAge)
	}
	if ahead := issued.Sub(now); ahead > v.cfg.MaxSkew {
		return Rejectf(ReasonFuture, "issued %s in the future, limit %s", ahead.Truncate(time.Second), v.cfg.MaxSkew)
	}

	if err := v.catalog.Check(cmd.Command, cmd.Payload); err != nil {
		if errors.Is(err, catalog.ErrUnknownCommand) {
			return Reject(ReasonUnknownCommand, err)
		}
		return Reject(ReasonBadPayload, err)
	}

	if seen, _ := v.replay.ContainsOrAdd(replayKey(cmd), struct{}{}); seen {
		return Rejectf(ReasonReplay, "command %s already accepted", cmd.ID)
	}
	return nil
}

// Spec returns the catalog entry for an already validated command.
func (v *Validator) Spec(command string) (catalog.Spec, bool) {
	return v.catalog.Lookup(command)
}

func replayKey(cmd *protocol.Command) string {
	return cmd.KeyID + "\x00" + cmd.ID + "\x00" + cmd.Nonce
}

func trustReason(err error) Reason {
	switch {
	case errors.Is(err, trust.ErrUnsigned):
		return ReasonUnsigned
	case errors.Is(err, trust.ErrUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, trust.ErrKeyRevoked):
		return ReasonKeyRevoked
	case errors.Is(err, trust.ErrKeyExpired):
		return ReasonKeyExpired
	case errors.Is(err, trust.ErrAlgorithm):
		return ReasonAlgorithm
	case errors.Is(err, trust.ErrNotAuthorized):
		return ReasonNotAuthorized
	default:
		return ReasonBadSignature
	}
}
