// internal/config/config.go
//
// Runtime configuration for colloquy. Settings load from colloquy.yaml in
// the workspace directory, with environment variables overriding the file
// for anything secret (API keys) or deployment-specific.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFilename is the per-workspace configuration file.
	ConfigFilename = "colloquy.yaml"

	// PlansDirName is where finished documents are written.
	PlansDirName = "plans"

	// LogsDirName holds per-process log files.
	LogsDirName = "logs"
)

// ProviderSettings configures one text-generation collaborator endpoint.
type ProviderSettings struct {
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"-"`
	ContextWindow int           `yaml:"context_window"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SearchSettings configures the web search provider.
type SearchSettings struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"-"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// WorkflowSettings tunes the stage machine's bounded-effort policy.
type WorkflowSettings struct {
	MaturityThreshold    float64 `yaml:"maturity_threshold"`
	MaxRefinementRounds  int     `yaml:"max_refinement_rounds"`
	ExtraSearchBudget    int     `yaml:"extra_search_budget"`
	DispatchConcurrency  int     `yaml:"dispatch_concurrency"`
	MaxConversationRound int     `yaml:"max_conversation_rounds"`
}

// ServerSettings configures the HTTP API listener.
type ServerSettings struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the full runtime configuration.
type Config struct {
	// Workspace is the directory colloquy runs in; plans and logs live under it.
	Workspace string `yaml:"-"`

	Analyst  ProviderSettings `yaml:"analyst"`
	Critic   ProviderSettings `yaml:"critic"`
	Search   SearchSettings   `yaml:"search"`
	Workflow WorkflowSettings `yaml:"workflow"`
	Server   ServerSettings   `yaml:"server"`
}

// Default returns the built-in configuration rooted at workspace.
func Default(workspace string) Config {
	return Config{
		Workspace: workspace,
		Analyst: ProviderSettings{
			BaseURL:       "https://api.deepseek.com/v1",
			Model:         "deepseek-chat",
			ContextWindow: 128000,
			Timeout:       120 * time.Second,
		},
		Critic: ProviderSettings{
			BaseURL:       "http://localhost:11434",
			Model:         "qwen3-coder:latest",
			ContextWindow: 24000,
			Timeout:       120 * time.Second,
		},
		Search: SearchSettings{
			BaseURL:    "https://google.serper.dev",
			MaxResults: 15,
			Timeout:    30 * time.Second,
			CacheTTL:   10 * time.Minute,
		},
		Workflow: WorkflowSettings{
			MaturityThreshold:    0.8,
			MaxRefinementRounds:  6,
			ExtraSearchBudget:    8,
			DispatchConcurrency:  8,
			MaxConversationRound: 50,
		},
		Server: ServerSettings{
			Host:         "127.0.0.1",
			Port:         5000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration for a workspace: defaults, then the yaml
// file when present, then environment overrides.
func Load(workspace string) (Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, ConfigFilename)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// No file is fine; defaults plus env carry the day.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// PlansDir returns the directory finished documents are written to.
func (c Config) PlansDir() string {
	return filepath.Join(c.Workspace, PlansDirName)
}

// LogsDir returns the directory process logs are written to.
func (c Config) LogsDir() string {
	return filepath.Join(c.Workspace, LogsDirName)
}

// EnsureDirs creates the workspace subdirectories colloquy writes to.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.PlansDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		c.Analyst.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_BASE_URL"); v != "" {
		c.Analyst.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Critic.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.Critic.Model = v
	}
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv("COLLOQUY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func (c *Config) normalize() {
	c.Analyst.BaseURL = strings.TrimRight(strings.TrimSpace(c.Analyst.BaseURL), "/")
	c.Critic.BaseURL = strings.TrimRight(strings.TrimSpace(c.Critic.BaseURL), "/")
	c.Search.BaseURL = strings.TrimRight(strings.TrimSpace(c.Search.BaseURL), "/")
	if c.Workflow.DispatchConcurrency <= 0 {
		c.Workflow.DispatchConcurrency = 8
	}
	if c.Workflow.MaxRefinementRounds <= 0 {
		c.Workflow.MaxRefinementRounds = 6
	}
	if c.Workflow.ExtraSearchBudget < 2 {
		c.Workflow.ExtraSearchBudget = 2
	}
	if c.Workflow.ExtraSearchBudget > 8 {
		c.Workflow.ExtraSearchBudget = 8
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 15
	}
	if c.Workflow.MaxConversationRound <= 0 {
		c.Workflow.MaxConversationRound = 50
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("workspace directory is required")
	}
	if c.Analyst.BaseURL == "" {
		return fmt.Errorf("analyst.base_url is required")
	}
	if c.Critic.BaseURL == "" {
		return fmt.Errorf("critic.base_url is required")
	}
	if c.Search.BaseURL == "" {
		return fmt.Errorf("search.base_url is required")
	}
	if c.Workflow.MaturityThreshold <= 0 || c.Workflow.MaturityThreshold > 1 {
		return fmt.Errorf("workflow.maturity_threshold must be in (0, 1]")
	}
	return nil
}

// RequireKeys reports an error naming any missing provider credentials. The
// TUI and server call this at startup so a bad environment fails fast.
func (c Config) RequireKeys() error {
	var missing []string
	if c.Analyst.APIKey == "" {
		missing = append(missing, "DEEPSEEK_API_KEY")
	}
	if c.Search.APIKey == "" {
		missing = append(missing, "SERPER_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
