package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Run      RunConfig                 `yaml:"run"`
	Invoker  InvokerConfig             `yaml:"invoker"`
	Roles    map[string]RoleDefinition `yaml:"roles"`
	Pipeline PipelineConfig            `yaml:"pipeline"`
	NATS     NATSConfig                `yaml:"nats"`
	Store    StoreConfig               `yaml:"store"`
	Web      WebConfig                 `yaml:"web"`
	Telegram TelegramConfig            `yaml:"telegram"`
	Log      LogConfig                 `yaml:"log"`
}

// RunConfig holds the defaults applied to every protocol run.
type RunConfig struct {
	Model           string        `yaml:"model"`
	TurnBudget      int           `yaml:"turn_budget"`
	OutputDir       string        `yaml:"output_dir"`
	ApprovalToken   string        `yaml:"approval_token"`
	MaxParallel     int           `yaml:"max_parallel"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
}

type InvokerConfig struct {
	Kind           string        `yaml:"kind"` // "nats" or "cli"
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RoleDefinition configures the sessions created for a role. Archetype is the
// inline archetype prompt; ArchetypeFile, relative to the config file, wins
// when both are set.
type RoleDefinition struct {
	Archetype     string   `yaml:"archetype"`
	ArchetypeFile string   `yaml:"archetype_file"`
	Model         string   `yaml:"model"`
	AllowedTools  []string `yaml:"allowed_tools"`
}

// PipelineConfig lists the stage edges of the role pipeline as "from -> to"
// pairs. An empty list means PM -> TL -> SWE -> QA.
type PipelineConfig struct {
	Stages []string       `yaml:"stages"`
	Edges  []PipelineEdge `yaml:"edges"`
}

type PipelineEdge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"` // external server; empty starts the embedded one
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Run: RunConfig{
			Model:           "claude-haiku-4-5-20251001",
			TurnBudget:      15,
			OutputDir:       "data/runs",
			ApprovalToken:   "APPROVED",
			MaxParallel:     8,
			ExchangeTimeout: 15 * time.Minute,
		},
		Invoker: InvokerConfig{
			Kind:           "nats",
			Command:        "claude",
			Args:           []string{"-p", "--output-format", "stream-json", "--verbose"},
			RequestTimeout: 15 * time.Minute,
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/conclave.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONCLAVE_CONFIG")
	if path == "" {
		path = "config/conclave.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := resolveArchetypeFiles(&cfg, filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if c.Run.TurnBudget <= 0 {
		return fmt.Errorf("run.turn_budget must be positive, got %d", c.Run.TurnBudget)
	}
	if c.Run.MaxParallel < 0 {
		return fmt.Errorf("run.max_parallel must not be negative, got %d", c.Run.MaxParallel)
	}
	if strings.TrimSpace(c.Run.ApprovalToken) == "" {
		return fmt.Errorf("run.approval_token must not be empty")
	}
	switch c.Invoker.Kind {
	case "nats", "cli":
	default:
		return fmt.Errorf("invoker.kind must be nats or cli, got %q", c.Invoker.Kind)
	}
	if c.Invoker.Kind == "cli" && c.Invoker.Command == "" {
		return fmt.Errorf("invoker.command is required for the cli invoker")
	}
	return nil
}

func resolveArchetypeFiles(cfg *Config, baseDir string) error {
	for role, def := range cfg.Roles {
		if def.ArchetypeFile == "" {
			continue
		}
		p := def.ArchetypeFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read archetype for role %s: %w", role, err)
		}
		def.Archetype = string(data)
		cfg.Roles[role] = def
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCLAVE_MODEL"); v != "" {
		cfg.Run.Model = v
	}
	if v := os.Getenv("CONCLAVE_TURN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.TurnBudget = n
		}
	}
	if v := os.Getenv("CONCLAVE_OUTPUT_DIR"); v != "" {
		cfg.Run.OutputDir = v
	}
	if v := os.Getenv("CONCLAVE_INVOKER"); v != "" {
		cfg.Invoker.Kind = v
	}
	if v := os.Getenv("CONCLAVE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CONCLAVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCLAVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONCLAVE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CONCLAVE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("CONCLAVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
