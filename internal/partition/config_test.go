package partition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safepart-partition.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
name = "fcc-test"

[queue]
size = 8

[task]
period = "10ms"
auth_failure_threshold = 2

[validation]
max_age = "5s"

[[keys]]
id = "ops"
type = "hmac"
secret = "s3cret"
commands = ["set_*", "get_telemetry"]

[[keys]]
id = "ground"
type = "ed25519"
public_key = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "fcc-test" || cfg.Queue.Size != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Task.Period != 10*time.Millisecond || cfg.Task.AuthFailureThreshold != 2 {
		t.Fatalf("unexpected task config: %+v", cfg.Task)
	}
	if cfg.Task.BreakerFailures != 3 || cfg.Task.RateLimit != 50 {
		t.Fatalf("defaults not applied: %+v", cfg.Task)
	}
	if cfg.Validation.MaxAge != 5*time.Second {
		t.Fatalf("max_age = %s", cfg.Validation.MaxAge)
	}
	if len(cfg.Keys) != 2 || cfg.Keys[0].Secret != "s3cret" || len(cfg.Keys[0].Commands) != 2 {
		t.Fatalf("unexpected keys: %+v", cfg.Keys)
	}
	if cfg.Interlocks.Timeout != 50*time.Millisecond || !cfg.Interlocks.HotReload {
		t.Fatalf("unexpected interlock defaults: %+v", cfg.Interlocks)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
[[keys]]
id = "ops"
type = "hmac"
secret = "s3cret"
`)
	t.Setenv("SAFEPART_NATS_URL", "nats://10.0.0.1:4222")
	t.Setenv("SAFEPART_WEB_PASSWORD", "hunter2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NATS.URL != "nats://10.0.0.1:4222" {
		t.Errorf("nats.url = %q", cfg.NATS.URL)
	}
	if cfg.Web.Password != "hunter2" {
		t.Errorf("web.password = %q", cfg.Web.Password)
	}
	if cfg.Name != "fcc" {
		t.Errorf("name = %q, want default fcc", cfg.Name)
	}
}

func TestLoadConfig_RequiresKeys(t *testing.T) {
	path := writeConfig(t, `name = "fcc"`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "keys") {
		t.Fatalf("expected missing keys error, got %v", err)
	}
}

func TestLoadConfig_MissingNamedFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
