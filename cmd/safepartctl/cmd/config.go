package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage partition configuration",
	}

	cmd.AddCommand(newConfigReloadCmd())

	return cmd
}

func newConfigReloadCmd() *cobra.Command {
	var partition string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask partitions to reload their trust anchor and interlocks",
		Long: `Sends a config reload request via NATS. By default, broadcasts to all
partitions. A partition whose config no longer parses keeps its current keys.

Examples:
  safepartctl config reload
  safepartctl config reload --partition fcc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/config/reload"
			if partition != "" {
				path += "?partition=" + url.QueryEscape(partition)
			}

			var resp map[string]string
			if err := apiPost(path, &resp); err != nil {
				return err
			}
			fmt.Printf("Config reload requested on %s\n", resp["subject"])
			return nil
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "partition name (default: all)")

	return cmd
}
