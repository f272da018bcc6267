package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sekia-ai/safepart/internal/audit"
	"github.com/sekia-ai/safepart/internal/natsserver"
	"github.com/sekia-ai/safepart/internal/secrets"
	"github.com/sekia-ai/safepart/pkg/sockpath"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	NATS   NATSConfig   `mapstructure:"nats"`
	Audit  AuditConfig  `mapstructure:"audit"`
}

// ServerConfig holds socket settings.
type ServerConfig struct {
	Socket string `mapstructure:"socket"`
}

// NATSConfig holds embedded NATS settings.
type NATSConfig struct {
	Name       string `mapstructure:"name"`
	DataDir    string `mapstructure:"data_dir"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Token      string `mapstructure:"token"`
	MaxPayload int32  `mapstructure:"max_payload"`
}

// AuditConfig controls the JetStream audit trail.
type AuditConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxRecords int64         `mapstructure:"max_records"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	Memory     bool          `mapstructure:"memory"`
}

// Store returns the stream limits.
func (c AuditConfig) Store() audit.StoreConfig {
	return audit.StoreConfig{MaxRecords: c.MaxRecords, MaxAge: c.MaxAge, Memory: c.Memory}
}

// LoadConfig reads configuration from file, env, and flags.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.socket", sockpath.DefaultSocketPath())
	v.SetDefault("nats.name", "safepartd")
	v.SetDefault("nats.host", "127.0.0.1")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.max_payload", natsserver.DefaultMaxPayload)

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("nats.data_dir", filepath.Join(homeDir, ".local", "share", "safepart", "nats"))

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_records", audit.DefaultMaxRecords)
	v.SetDefault("audit.max_age", 0)
	v.SetDefault("audit.memory", false)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("safepartd")
		v.AddConfigPath("/etc/safepart")
		v.AddConfigPath("$HOME/.config/safepart")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SAFEPART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("nats.token", "SAFEPART_NATS_TOKEN")

	// Config file is optional, but a named one must parse.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if _, err := secrets.Apply(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
