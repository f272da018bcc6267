package protocol

import "time"

// Result statuses.
const (
	StatusExecuted = "executed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Partition modes.
const (
	ModeNominal = "nominal"
	ModeSafe    = "safe"
)

// Result is published on safepart.results.<partition> and safepart.audit.<partition>
// once a command has been executed, rejected or has failed.
type Result struct {
	CommandID string         `json:"command_id"`
	Command   string         `json:"command"`
	Source    string         `json:"source"`
	KeyID     string         `json:"key_id,omitempty"`
	Partition string         `json:"partition"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Mode      string         `json:"mode"`
	Timestamp time.Time      `json:"timestamp"`
}
