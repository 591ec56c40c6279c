package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const baseConfig = `
env: production
session:
  apiKey: foo
  apiSecret: c2VjcmV0
  passphrase: bar
  heartbeatInterval: 10s
transport:
  kind: tcp
  addr: fix.test:4198
log:
  level: debug
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.APIKey != "foo" || cfg.Transport.Addr != "fix.test:4198" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeatInterval = %s", cfg.Session.HeartbeatInterval)
	}
	// 未写出的字段保留默认值
	if cfg.Session.LogonTimeout != 10*time.Second || cfg.Gateway.Burst != 15 || cfg.Session.TargetCompID != "Coinbase" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log config: %+v", cfg.Log)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: production
session:
  apiKey: foo
transport:
  kind: tcp
  addr: fix.test:4198
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing credentials error")
	}

	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "ZW52LXNlY3JldA==")
	t.Setenv(EnvPassphrase, "env-pass")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.APIKey != "env-key" || cfg.Session.APISecret != "ZW52LXNlY3JldA==" || cfg.Session.Passphrase != "env-pass" {
		t.Fatalf("env overrides not applied: %+v", cfg.Session)
	}
}

func TestSandboxSwitchesDefaultEndpoints(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, `
env: sandbox
session:
  apiKey: foo
  apiSecret: c2VjcmV0
  passphrase: bar
gateway:
  restURL: http://localhost:8080
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.Addr != SandboxFIXAddr || cfg.Gateway.FeedURL != SandboxFeedURL {
		t.Fatalf("sandbox endpoints not applied: %+v %+v", cfg.Transport, cfg.Gateway)
	}
	// 显式配置的地址不被覆盖
	if cfg.Gateway.RESTURL != "http://localhost:8080" {
		t.Fatalf("explicit restURL overwritten: %s", cfg.Gateway.RESTURL)
	}
}

func TestValidate(t *testing.T) {
	err := Validate(AppConfig{})
	if err == nil {
		t.Fatalf("expected error for empty config")
	}

	valid := Default()
	valid.Session.APIKey, valid.Session.APISecret, valid.Session.Passphrase = "k", "c2VjcmV0", "p"
	if err := Validate(valid); err != nil {
		t.Fatalf("default config with credentials should validate: %v", err)
	}

	cases := map[string]func(*AppConfig){
		"secret not base64": func(c *AppConfig) { c.Session.APISecret = "%%%" },
		"short heartbeat":   func(c *AppConfig) { c.Session.HeartbeatInterval = 500 * time.Millisecond },
		"grace":             func(c *AppConfig) { c.Session.HeartbeatGrace = 1 },
		"transport kind":    func(c *AppConfig) { c.Transport.Kind = "udp" },
		"websocket url":     func(c *AppConfig) { c.Transport.Kind = "websocket" },
		"log level":         func(c *AppConfig) { c.Log.Level = "loud" },
		"channel":           func(c *AppConfig) { c.Gateway.Channels = []string{"ticker", "trades"} },
		"rate":              func(c *AppConfig) { c.Gateway.RateLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			err := Validate(cfg)
			var inv ErrInvalid
			if !errors.As(err, &inv) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv(EnvAPIKey, "key")
	t.Setenv(EnvAPISecret, "c2VjcmV0")
	t.Setenv(EnvPassphrase, "pass")
	cfg, err := LoadWithEnvOverrides(filepath.Join("..", "configs", "fixsession.example.yaml"))
	if err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if cfg.Gateway.RESTURL != SandboxRESTURL || cfg.Gateway.FeedURL != SandboxFeedURL {
		t.Fatalf("sandbox endpoints not applied: %+v", cfg.Gateway)
	}
	if cfg.Gateway.LoadConstraints || cfg.Ops.AlertThrottle != time.Minute {
		t.Fatalf("unexpected gateway/ops: %+v %+v", cfg.Gateway, cfg.Ops)
	}
}
