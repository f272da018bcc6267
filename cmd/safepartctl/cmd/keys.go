package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate command signing keys",
	}

	cmd.AddCommand(newKeysKeygenCmd())
	cmd.AddCommand(newKeysHMACCmd())

	return cmd
}

func newKeysKeygenCmd() *cobra.Command {
	var (
		id     string
		output string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key",
		Long: `Generates an ed25519 keypair. The private seed is written to --output with
mode 0600; the [[keys]] entry for the partition config is printed to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = id + ".key"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("key file already exists: %s (remove it first to regenerate)", output)
			}

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			content := fmt.Sprintf("# created: %s\n# key id: %s\n%s\n",
				time.Now().Format(time.RFC3339), id, hex.EncodeToString(priv.Seed()))
			if err := os.WriteFile(output, []byte(content), 0600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}

			fmt.Printf("Private key written to: %s\n\n", output)
			fmt.Printf("[[keys]]\nid = %q\ntype = \"ed25519\"\npublic_key = %q\n", id, hex.EncodeToString(pub))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "ground", "key id")
	cmd.Flags().StringVarP(&output, "output", "o", "", "private key path (default: <id>.key)")
	return cmd
}

func newKeysHMACCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "hmac",
		Short: "Generate a random HMAC secret",
		Long: `Prints a [[keys]] entry with a fresh 256-bit secret. Encrypt the secret with
'safepartctl secrets encrypt' before committing the config anywhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			fmt.Printf("[[keys]]\nid = %q\ntype = \"hmac\"\nsecret = %q\n", id, hex.EncodeToString(buf))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "ops", "key id")
	return cmd
}
