package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Signature algorithms accepted on the wire.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgEd25519    = "ed25519"
)

// Safe-state management opcodes. Every partition handles these itself; they
// never reach the executor.
const (
	CmdEnterSafeState = "enter_safe_state"
	CmdClearSafeState = "clear_safe_state"
)

// Command is the canonical command envelope published on safepart.commands.<partition>.
type Command struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	KeyID     string         `json:"key_id,omitempty"`
	IssuedAt  int64          `json:"issued_at"`
	Nonce     string         `json:"nonce,omitempty"`
	Algorithm string         `json:"alg,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// NewCommand creates an unsigned Command with a generated ID, nonce and issue time.
func NewCommand(command, source string, payload map[string]any) *Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Command{
		ID:       "cmd_" + uuid.NewString(),
		Command:  command,
		Payload:  payload,
		Source:   source,
		IssuedAt: time.Now().Unix(),
		Nonce:    uuid.NewString(),
	}
}

// Signed reports whether the command carries a signature.
func (c *Command) Signed() bool {
	return c.Signature != ""
}
