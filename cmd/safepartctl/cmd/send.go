package cmd

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

func newSendCmd() *cobra.Command {
	var (
		partition string
		natsURL   string
		token     string
		source    string
		keyID     string
		secret    string
		keyFile   string
		unsigned  bool
		params    []string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Sign and publish a command to a partition",
		Long: `Builds a command envelope, signs it and publishes it on
safepart.commands.<partition>. Parameters are key=value pairs; values that
parse as JSON (numbers, booleans) are sent typed, anything else as a string.

Sign with a shared HMAC secret (--secret or SAFEPART_COMMAND_SECRET) or an
ed25519 private key written by 'safepartctl keys keygen' (--key-file).

Examples:
  safepartctl send start_engines --key-id ops --secret "$SECRET"
  safepartctl send set_throttle -p percentage=75 --key-id ground --key-file ground.key
  safepartctl send get_telemetry --unsigned   # expect a rejection`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseParams(params)
			if err != nil {
				return err
			}
			c := protocol.NewCommand(args[0], source, payload)
			if !unsigned {
				if err := signCommand(c, keyID, secret, keyFile); err != nil {
					return err
				}
			}
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}

			opts := []nats.Option{nats.Name("safepartctl")}
			if token != "" {
				opts = append(opts, nats.Token(token))
			}
			nc, err := nats.Connect(natsURL, opts...)
			if err != nil {
				return fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
			}
			defer nc.Close()

			var sub *nats.Subscription
			if wait > 0 {
				if sub, err = nc.SubscribeSync(protocol.SubjectResults(partition)); err != nil {
					return fmt.Errorf("subscribe results: %w", err)
				}
			}
			if err := nc.Publish(protocol.SubjectCommands(partition), data); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			if err := nc.Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Printf("Sent %s (%s) to %s\n", c.Command, c.ID, partition)

			if sub == nil {
				return nil
			}
			res, err := awaitResult(sub, c.ID, wait)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "fcc", "target partition")
	cmd.Flags().StringVar(&natsURL, "nats", envOr("SAFEPART_NATS_URL", nats.DefaultURL), "NATS URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("SAFEPART_NATS_TOKEN"), "NATS token")
	cmd.Flags().StringVar(&source, "source", "safepartctl", "command source")
	cmd.Flags().StringVar(&keyID, "key-id", "", "trust anchor key id")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("SAFEPART_COMMAND_SECRET"), "HMAC secret")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "ed25519 private key file")
	cmd.Flags().BoolVar(&unsigned, "unsigned", false, "send without a signature")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "payload parameter key=value (repeatable)")
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "wait this long for the result (0 = don't wait)")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseParams turns key=value pairs into a payload map.
func parseParams(params []string) (map[string]any, error) {
	payload := make(map[string]any, len(params))
	for _, p := range params {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		payload[key] = v
	}
	return payload, nil
}

func signCommand(c *protocol.Command, keyID, secret, keyFile string) error {
	if keyID == "" {
		return errors.New("--key-id is required to sign (or pass --unsigned)")
	}
	switch {
	case keyFile != "":
		priv, err := loadPrivateKey(keyFile)
		if err != nil {
			return err
		}
		return protocol.SignCommandEd25519(c, keyID, priv)
	case secret != "":
		return protocol.SignCommand(c, keyID, secret)
	default:
		return errors.New("no signing key: use --secret, --key-file or --unsigned")
	}
}

// loadPrivateKey reads a hex-encoded ed25519 seed or full private key.
func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var keyHex string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			keyHex = line
			break
		}
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("key file holds %d bytes, want a %d-byte seed", len(raw), ed25519.SeedSize)
	}
}

func awaitResult(sub *nats.Subscription, id string, wait time.Duration) (*protocol.Result, error) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no result for %s within %s", id, wait)
		}
		msg, err := sub.NextMsg(remaining)
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("no result for %s within %s", id, wait)
		}
		if err != nil {
			return nil, err
		}
		var res protocol.Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			continue
		}
		if res.CommandID == id {
			return &res, nil
		}
	}
}

func printResult(res *protocol.Result) error {
	fmt.Printf("Status: %s  Mode: %s\n", res.Status, res.Mode)
	if res.Reason != "" {
		fmt.Printf("Reason: %s\n", res.Reason)
	}
	if res.Error != "" {
		fmt.Printf("Error:  %s\n", res.Error)
	}
	if len(res.Output) > 0 {
		out, _ := json.MarshalIndent(res.Output, "", "  ")
		fmt.Printf("Output: %s\n", out)
	}
	if res.Status != protocol.StatusExecuted {
		return fmt.Errorf("command %s", res.Status)
	}
	return nil
}
