package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sekia-ai/safepart/internal/secrets"
	"github.com/sekia-ai/safepart/internal/trust"
	"github.com/sekia-ai/safepart/internal/validate"
)

// Config is the safepart-partition configuration.
type Config struct {
	Name       string            `mapstructure:"name"`
	NATS       NATSConfig        `mapstructure:"nats"`
	Queue      QueueConfig       `mapstructure:"queue"`
	Task       TaskConfig        `mapstructure:"task"`
	Validation validate.Config   `mapstructure:"validation"`
	Keys       []trust.KeyConfig `mapstructure:"keys"`
	Interlocks InterlockConfig   `mapstructure:"interlocks"`
	Dynamics   DynamicsConfig    `mapstructure:"dynamics"`
	Web        WebConfig         `mapstructure:"web"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// QueueConfig sizes the bounded command queue.
type QueueConfig struct {
	Size int `mapstructure:"size"`
}

// InterlockConfig holds Lua interlock settings.
type InterlockConfig struct {
	Dir             string        `mapstructure:"dir"`
	HotReload       bool          `mapstructure:"hot_reload"`
	Timeout         time.Duration `mapstructure:"timeout"`
	VerifyIntegrity bool          `mapstructure:"verify_integrity"`
}

// DynamicsConfig controls the vehicle dynamics task.
type DynamicsConfig struct {
	Period time.Duration `mapstructure:"period"`
}

// WebConfig holds the metrics and health listener. Empty Listen disables it.
type WebConfig struct {
	Listen   string `mapstructure:"listen"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` // #nosec G117 -- config deserialization, not hardcoded
}

// LoadConfig reads configuration from file, env, and defaults. HMAC key
// secrets and any other string value may be ENC[...].
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("name", "fcc")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.size", 64)
	v.SetDefault("task.period", 20*time.Millisecond)
	v.SetDefault("task.batch_size", 16)
	v.SetDefault("task.auth_failure_threshold", 5)
	v.SetDefault("task.rate_limit", 50.0)
	v.SetDefault("task.rate_burst", 10)
	v.SetDefault("task.breaker_failures", 3)
	v.SetDefault("task.breaker_timeout", 30*time.Second)
	v.SetDefault("task.exec_timeout", time.Second)
	v.SetDefault("validation.max_age", validate.DefaultMaxAge)
	v.SetDefault("validation.max_skew", validate.DefaultMaxSkew)
	v.SetDefault("validation.replay_window", validate.DefaultReplayWindow)
	v.SetDefault("validation.max_bytes", validate.DefaultMaxBytes)
	v.SetDefault("dynamics.period", 100*time.Millisecond)

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("interlocks.dir", filepath.Join(homeDir, ".config", "safepart", "interlocks"))
	v.SetDefault("interlocks.hot_reload", true)
	v.SetDefault("interlocks.timeout", 50*time.Millisecond)
	v.SetDefault("interlocks.verify_integrity", false)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("safepart-partition")
		v.AddConfigPath("/etc/safepart")
		v.AddConfigPath("$HOME/.config/safepart")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SAFEPART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("nats.url", "SAFEPART_NATS_URL")
	v.BindEnv("nats.token", "SAFEPART_NATS_TOKEN")
	v.BindEnv("web.username", "SAFEPART_WEB_USERNAME")
	v.BindEnv("web.password", "SAFEPART_WEB_PASSWORD")

	// Config file is optional, but a named one must parse.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	keyring, err := secrets.Apply(v)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	for i, kc := range cfg.Keys {
		plain, err := keyring.Open(kc.Secret)
		if err != nil {
			return cfg, fmt.Errorf("key %q: %w", kc.ID, err)
		}
		cfg.Keys[i].Secret = plain
	}

	if cfg.Name == "" {
		return cfg, fmt.Errorf("name is required")
	}
	if len(cfg.Keys) == 0 {
		return cfg, fmt.Errorf("at least one [[keys]] entry is required; without a trust anchor every command is rejected")
	}
	return cfg, nil
}
