package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  username: cat@example.com
  password: hunter2
  client_id: cid
  client_secret: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8099" {
		t.Fatalf("unexpected default addr %q", cfg.HTTP.Addr)
	}
	if cfg.Poll.Interval != 60*time.Second {
		t.Fatalf("unexpected default interval %s", cfg.Poll.Interval)
	}
	if cfg.Cloud.BaseURL == "" || cfg.Cloud.TokenURL == "" {
		t.Fatal("expected default cloud endpoints")
	}
	if cfg.MQTT.Enabled {
		t.Fatal("mqtt must default to disabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9000"
poll:
  interval: 30s
cloud:
  username: cat@example.com
  password: hunter2
  client_id: cid
  client_secret: secret
mqtt:
  enabled: true
  broker_url: tcp://broker:1883
  topic_prefix: cats
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
	if cfg.Poll.Interval != 30*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Poll.Interval)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.BrokerURL != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "cats" {
		t.Fatalf("unexpected mqtt config: %+v", cfg.MQTT)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
cloud:
  username: file-user
  password: file-pass
  client_id: cid
  client_secret: secret
`)

	t.Setenv("LR_USERNAME", "env-user")
	t.Setenv("LR_PASSWORD", "env-pass")
	t.Setenv("HTTP_ADDR", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloud.Username != "env-user" || cfg.Cloud.Password != "env-pass" {
		t.Fatalf("expected env credentials, got %q/%q", cfg.Cloud.Username, cfg.Cloud.Password)
	}
	if cfg.HTTP.Addr != ":7777" {
		t.Fatalf("expected env addr, got %q", cfg.HTTP.Addr)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing credentials", `
cloud:
  client_id: cid
  client_secret: secret
`},
		{"interval below floor", `
poll:
  interval: 2s
cloud:
  username: u
  password: p
  client_id: cid
  client_secret: secret
`},
		{"mqtt without broker", `
mqtt:
  enabled: true
cloud:
  username: u
  password: p
  client_id: cid
  client_secret: secret
`},
		{"bad qos", `
mqtt:
  qos: 5
cloud:
  username: u
  password: p
  client_id: cid
  client_secret: secret
`},
	}
	for _, c := range cases {
		path := writeConfig(t, c.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
