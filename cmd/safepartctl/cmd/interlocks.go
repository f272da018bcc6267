package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sekia-ai/safepart/internal/interlock"
)

func defaultInterlockDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "safepart", "interlocks")
}

func newInterlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interlocks",
		Short: "Manage Lua interlock rules",
	}

	cmd.AddCommand(newInterlocksHashCmd())
	cmd.AddCommand(newInterlocksVerifyCmd())
	cmd.AddCommand(newInterlocksCheckCmd())

	return cmd
}

func newInterlocksHashCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Write the integrity manifest for the rule directory",
		Long: `Hashes every .lua file in the rule directory and writes ` + interlock.ManifestFilename + `.
Partitions with verify_integrity enabled refuse rule files that do not match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := interlock.SealDir(dir)
			if err != nil {
				return fmt.Errorf("seal rules: %w", err)
			}
			fmt.Printf("Wrote %s with %d entries\n", filepath.Join(dir, interlock.ManifestFilename), m.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", defaultInterlockDir(), "rule directory")
	return cmd
}

func newInterlocksVerifyCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check rule files against the integrity manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := interlock.ReadManifest(dir)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("no %s in %s; run 'safepartctl interlocks hash' first", interlock.ManifestFilename, dir)
			}

			files, err := m.Audit(dir)
			if err != nil {
				return err
			}
			bad := 0
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSTATUS")
			for _, f := range files {
				if f.Status != interlock.FileOK {
					bad++
				}
				fmt.Fprintf(w, "%s\t%s\n", f.Name, f.Status)
			}
			w.Flush()
			if bad > 0 {
				return fmt.Errorf("%d of %d rule files do not match %s", bad, len(files), interlock.ManifestFilename)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", defaultInterlockDir(), "rule directory")
	return cmd
}

func newInterlocksCheckCmd() *cobra.Command {
	var (
		dir    string
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the rule directory and list its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := interlock.New(dir, time.Second, zerolog.Nop())
			defer eng.Close()
			eng.SetVerifyIntegrity(verify)
			loadErr := eng.LoadDir()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE SET\tRULES\tPATTERNS\tSTATUS")
			for _, rs := range eng.RuleSets() {
				status := "ok"
				if rs.Error != "" {
					status = "BROKEN: " + rs.Error
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rs.Name, rs.Rules, strings.Join(rs.Patterns, ","), status)
			}
			w.Flush()
			return loadErr
		},
	}

	cmd.Flags().StringVar(&dir, "dir", defaultInterlockDir(), "rule directory")
	cmd.Flags().BoolVar(&verify, "verify-integrity", false, "require the integrity manifest")
	return cmd
}
