package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Run.Model != "claude-haiku-4-5-20251001" {
		t.Errorf("expected default model claude-haiku-4-5-20251001, got %s", cfg.Run.Model)
	}
	if cfg.Run.TurnBudget != 15 {
		t.Errorf("expected turn_budget 15, got %d", cfg.Run.TurnBudget)
	}
	if cfg.Run.ApprovalToken != "APPROVED" {
		t.Errorf("expected approval token APPROVED, got %s", cfg.Run.ApprovalToken)
	}
	if cfg.Run.ExchangeTimeout != 15*time.Minute {
		t.Errorf("expected exchange_timeout 15m, got %v", cfg.Run.ExchangeTimeout)
	}
	if cfg.Invoker.Kind != "nats" {
		t.Errorf("expected invoker nats, got %s", cfg.Invoker.Kind)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Store.Path != "data/conclave.db" {
		t.Errorf("expected store path data/conclave.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("CONCLAVE_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("CONCLAVE_MODEL", "claude-sonnet")
	t.Setenv("CONCLAVE_TURN_BUDGET", "4")
	t.Setenv("CONCLAVE_WEB_PASSWORD", "secret")
	t.Setenv("CONCLAVE_WEB_PORT", "9090")
	t.Setenv("CONCLAVE_TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Run.Model != "claude-sonnet" {
		t.Errorf("expected model claude-sonnet, got %s", cfg.Run.Model)
	}
	if cfg.Run.TurnBudget != 4 {
		t.Errorf("expected turn budget 4, got %d", cfg.Run.TurnBudget)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Telegram.ChatID != -100123 {
		t.Errorf("expected chat id -100123, got %d", cfg.Telegram.ChatID)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(filepath.Join(dir, "critic.md"), []byte("You review <role> output."), 0o644); err != nil {
		t.Fatal(err)
	}

	yaml := `
run:
  turn_budget: 6
  approval_token: "LGTM"
  max_parallel: 2
  exchange_timeout: 2m
invoker:
  kind: cli
  command: "agent-cli"
  args: ["--print"]
roles:
  builder:
    archetype: "You build things in <output_dir>."
    model: "claude-opus"
  critic:
    archetype_file: "critic.md"
pipeline:
  edges:
    - {from: pm, to: swe}
    - {from: swe, to: qa}
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONCLAVE_CONFIG", cfgPath)
	t.Setenv("CONCLAVE_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Run.TurnBudget != 6 {
		t.Errorf("expected turn budget 6, got %d", cfg.Run.TurnBudget)
	}
	if cfg.Run.ApprovalToken != "LGTM" {
		t.Errorf("expected approval token LGTM, got %s", cfg.Run.ApprovalToken)
	}
	if cfg.Run.ExchangeTimeout != 2*time.Minute {
		t.Errorf("expected exchange timeout 2m, got %v", cfg.Run.ExchangeTimeout)
	}
	if cfg.Invoker.Kind != "cli" || cfg.Invoker.Command != "agent-cli" {
		t.Errorf("unexpected invoker config: %+v", cfg.Invoker)
	}
	if cfg.Roles["builder"].Model != "claude-opus" {
		t.Errorf("expected builder model claude-opus, got %s", cfg.Roles["builder"].Model)
	}
	if cfg.Roles["critic"].Archetype != "You review <role> output." {
		t.Errorf("expected critic archetype from file, got %q", cfg.Roles["critic"].Archetype)
	}
	if len(cfg.Pipeline.Edges) != 2 || cfg.Pipeline.Edges[0].To != "swe" {
		t.Errorf("unexpected pipeline edges: %+v", cfg.Pipeline.Edges)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	// Model not set in YAML keeps the default.
	if cfg.Run.Model != "claude-haiku-4-5-20251001" {
		t.Errorf("expected default model, got %s", cfg.Run.Model)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero budget", func(c *Config) { c.Run.TurnBudget = 0 }, true},
		{"negative parallel", func(c *Config) { c.Run.MaxParallel = -1 }, true},
		{"blank approval token", func(c *Config) { c.Run.ApprovalToken = "  " }, true},
		{"unknown invoker", func(c *Config) { c.Invoker.Kind = "grpc" }, true},
		{"cli without command", func(c *Config) {
			c.Invoker.Kind = "cli"
			c.Invoker.Command = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
