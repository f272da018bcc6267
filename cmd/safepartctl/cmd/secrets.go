package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sekia-ai/safepart/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Encrypt config values such as HMAC key secrets",
	}

	cmd.AddCommand(newSecretsKeygenCmd(), newSecretsSealCmd(), newSecretsOpenCmd())
	return cmd
}

func newSecretsKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the age identity used to seal config values",
		Long: `Writes a new X25519 age identity to a file readable only by the owner and
prints its recipient for 'safepartctl secrets seal --recipient' on other hosts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := secrets.NewIdentity()
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}

			if output == "" {
				output = secrets.DefaultKeyPath()
			}
			if output == "" {
				return fmt.Errorf("no home directory; pass --output")
			}
			if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("key file already exists: %s (remove it first to regenerate)", output)
			}

			content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
				time.Now().Format(time.RFC3339),
				identity.Recipient().String(),
				identity.String(),
			)
			if err := os.WriteFile(output, []byte(content), 0600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}

			fmt.Printf("identity: %s\nrecipient: %s\n", output, identity.Recipient())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: ~/.config/safepart/age.key)")
	return cmd
}

func newSecretsSealCmd() *cobra.Command {
	var recipientKey string

	cmd := &cobra.Command{
		Use:     "seal <value>",
		Aliases: []string{"encrypt"},
		Short:   "Seal a value as ENC[...] for a config file",
		Long: `Prints the ENC[...] form of a value, typically the secret of an hmac
[[keys]] entry or the NATS token. Without --recipient the value is sealed to the
locally resolved identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recipient age.Recipient
			if recipientKey != "" {
				r, err := age.ParseX25519Recipient(recipientKey)
				if err != nil {
					return fmt.Errorf("parse recipient: %w", err)
				}
				recipient = r
			} else {
				keyring, err := secrets.Resolve(viper.New())
				if err != nil {
					return err
				}
				r, err := keyring.Recipient()
				if err != nil {
					return fmt.Errorf("%w; run 'safepartctl secrets keygen' or pass --recipient", err)
				}
				recipient = r
			}

			sealed, err := secrets.Seal(args[0], recipient)
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age recipient (default: from the resolved identity)")
	return cmd
}

func newSecretsOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "open <ENC[...]>",
		Aliases: []string{"decrypt"},
		Short:   "Print the plaintext of a sealed value",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyring, err := secrets.Resolve(viper.New())
			if err != nil {
				return err
			}
			plain, err := keyring.Open(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "identity: %s\n", keyring.Source())
			fmt.Println(plain)
			return nil
		},
	}
}
