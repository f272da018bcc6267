// Package sockpath provides the default Unix socket path for the safepartd daemon.
// safepartd and safepartctl use this to agree on the default.
package sockpath

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the default path for the safepartd Unix socket.
// It prefers $XDG_RUNTIME_DIR/safepart/safepartd.sock (tmpfs-backed on Linux),
// falling back to ~/.config/safepart/safepartd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "safepart", "safepartd.sock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "safepart", "safepartd.sock")
}
