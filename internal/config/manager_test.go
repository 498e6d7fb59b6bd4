package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: INFO
  console: true
platforms:
  - platform-a
  - platform-b
subscriptions:
  - platform: platform-a
    id: sub1
renewal:
  enabled: true
  check_interval: "1h"
  grace: "168h"
  period: "720h"
`

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Platforms) != 2 || cfg.Platforms[0] != "platform-a" {
		t.Fatalf("platforms = %v", cfg.Platforms)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].ID != "sub1" {
		t.Fatalf("subscriptions = %v", cfg.Subscriptions)
	}
	if !cfg.Renewal.Enabled || cfg.Renewal.Grace != "168h" {
		t.Fatalf("renewal = %+v", cfg.Renewal)
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "DEBUG", "console": true},
		"platforms": ["platform-a"],
		"renewal": {"enabled": false}
	}`)
	m := NewManager(path)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML+"\nrenewl:\n  enabled: true\n")
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse accepted unknown top-level key")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"platforms":["a"],"renewal":{}}{"x":1}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse accepted trailing JSON tokens")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get returned a different config than Load committed")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	cfg, _ := m.Load()

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatalf("received wrong config")
		}
	default:
		t.Fatalf("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
}

func TestPublishDropsOldestWhenSlow(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)

	first, _ := m.Load()
	second, _ := m.Parse()

	ch := m.Subscribe(1)
	m.publish(first)
	m.publish(second) // buffer full; must drop first and deliver second

	got := <-ch
	if got != second {
		t.Fatalf("slow subscriber did not receive the newest config")
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Platforms: []string{"p1"}}
	b := &Config{Platforms: []string{"p1", "p2"}}
	sections, _ := SummarizeChange(a, b)
	if len(sections) != 1 || sections[0] != "platforms" {
		t.Fatalf("sections = %v, want [platforms]", sections)
	}

	sections, _ = SummarizeChange(a, a)
	if len(sections) != 0 {
		t.Fatalf("identical configs reported changes: %v", sections)
	}
}

func TestParseSignedDuration(t *testing.T) {
	d, err := ParseSignedDurationField("renewal.grace", "-72h", 0)
	if err != nil {
		t.Fatalf("ParseSignedDurationField: %v", err)
	}
	if d >= 0 {
		t.Fatalf("d = %v, want negative", d)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("ParseDurationField accepted negative value")
	}
}
