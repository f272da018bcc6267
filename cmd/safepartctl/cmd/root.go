package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sekia-ai/safepart/pkg/sockpath"
)

var (
	socketPath string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root safepartctl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "safepartctl",
		Short:   "safepart CLI: inspect partitions and send signed commands",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", sockpath.DefaultSocketPath(), "safepartd Unix socket path")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPartitionsCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newInterlocksCmd())
	rootCmd.AddCommand(newSecretsCmd())

	return rootCmd
}
