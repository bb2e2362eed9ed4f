// Package config loads server settings: built-in defaults, then an optional
// YAML file, then environment variables.
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

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"taskflow/pkg/archive"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/generator"
	"taskflow/pkg/pipeline"
)

// Stages that can run on their own model.
const (
	StageBRD            = "brd"
	StagePRD            = "prd"
	StageTasks          = "tasks"
	StageMarketResearch = "market_research"
	StageMarketReport   = "market_report"
	StageGitHub         = "github"
	StagePreview        = "preview"
)

// stageEnv maps a stage to the prefix of its <PREFIX>_MODEL_TYPE and
// <PREFIX>_MODEL_ID variables.
var stageEnv = map[string]string{
	StageBRD:            "BRD",
	StagePRD:            "PRD",
	StageTasks:          "TASK",
	StageMarketResearch: "MARKET_RESEARCH",
	StageMarketReport:   "REPORT_GENERATOR",
	StageGitHub:         "GITHUB",
	StagePreview:        "PREVIEW",
}

// apiKeyEnv is the variable holding each provider's key.
var apiKeyEnv = map[string]string{
	generator.ProviderOpenAI:     "OPENAI_API_KEY",
	generator.ProviderGroq:       "GROQ_API_KEY",
	generator.ProviderMistral:    "MISTRAL_API_KEY",
	generator.ProviderGemini:     "GOOGLE_API_KEY",
	generator.ProviderOpenAILike: "OPENAI_LIKE_API_KEY",
}

// Models holds the default model and per-stage overrides.
type Models struct {
	Default generator.ModelConfig            `yaml:"default"`
	Stages  map[string]generator.ModelConfig `yaml:"stages"`
	// APIKeys by provider, used when a stage sets none.
	APIKeys map[string]string `yaml:"api_keys"`
	// BaseURLs by provider, used when a stage sets none.
	BaseURLs map[string]string `yaml:"base_urls"`
}

// For returns the resolved model config of a stage.
func (m Models) For(stage string) generator.ModelConfig {
	cfg := m.Default
	if s, ok := m.Stages[stage]; ok {
		if s.Provider != "" {
			cfg.Provider = s.Provider
			cfg.ModelID = ""
			cfg.APIKey = ""
			cfg.BaseURL = ""
		}
		if s.ModelID != "" {
			cfg.ModelID = s.ModelID
		}
		if s.APIKey != "" {
			cfg.APIKey = s.APIKey
		}
		if s.BaseURL != "" {
			cfg.BaseURL = s.BaseURL
		}
		if s.Timeout > 0 {
			cfg.Timeout = s.Timeout
		}
	}
	if cfg.ModelID == "" {
		cfg.ModelID = m.Default.ModelID
	}
	if cfg.APIKey == "" {
		cfg.APIKey = m.APIKeys[cfg.Provider]
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = m.BaseURLs[cfg.Provider]
	}
	return cfg
}

// GitHub configures repository setup.
type GitHub struct {
	BaseURL     string `yaml:"base_url"`
	Private     bool   `yaml:"private"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Identity configures the identity provider that validates bearer tokens.
type Identity struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Config is the complete server configuration.
type Config struct {
	Port           string   `yaml:"port"`
	DatabaseURL    string   `yaml:"database_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	JournalPath    string   `yaml:"journal_path"`

	Identity  Identity                        `yaml:"identity"`
	Models    Models                          `yaml:"models"`
	GitHub    GitHub                          `yaml:"github"`
	Mockup    generator.MockupConfig          `yaml:"mockup"`
	Dispatch  dispatch.Config                 `yaml:"dispatch"`
	Sweep     pipeline.SweepConfig            `yaml:"sweep"`
	Deadlines map[artifact.Kind]time.Duration `yaml:"deadlines"`
	Archive   archive.Config                  `yaml:"archive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		AllowedOrigins: []string{"http://localhost:8000"},
		JournalPath:    filepath.Join(xdg.StateHome, "taskflow", "jobs.db"),
		Models: Models{
			Default: generator.ModelConfig{Provider: generator.ProviderGroq, ModelID: "llama-3.3-70b-versatile"},
			Stages: map[string]generator.ModelConfig{
				StageMarketResearch: {Provider: generator.ProviderGemini, ModelID: "gemini-2.5-flash"},
				StageMarketReport:   {Provider: generator.ProviderOpenAI, ModelID: "gpt-4.1-mini"},
			},
			APIKeys:  map[string]string{},
			BaseURLs: map[string]string{},
		},
		GitHub: GitHub{BaseURL: "https://api.github.com", Private: true, AuthorName: "TaskFlow", AuthorEmail: "bot@taskflow.dev"},
		Deadlines: map[artifact.Kind]time.Duration{
			artifact.KindBRD:            10 * time.Minute,
			artifact.KindPRD:            10 * time.Minute,
			artifact.KindTasks:          10 * time.Minute,
			artifact.KindMarketResearch: 15 * time.Minute,
			artifact.KindGitHubSetup:    5 * time.Minute,
			artifact.KindMockup:         20 * time.Minute,
		},
	}
}

// Load builds the configuration. The YAML file is TASKFLOW_CONFIG if set,
// otherwise taskflow/config.yaml in the XDG config dirs if present.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("TASKFLOW_CONFIG")
	if path == "" {
		if found, err := xdg.SearchConfigFile(filepath.Join("taskflow", "config.yaml")); err == nil {
			path = found
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables read through getenv.
func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Port, "PORT")
	set(&c.DatabaseURL, "DATABASE_URL", "POSTGRES_CONNECTION")
	set(&c.JournalPath, "TASKFLOW_JOURNAL")
	set(&c.Identity.URL, "SUPABASE_URL")
	set(&c.Identity.APIKey, "SUPABASE_KEY")
	set(&c.GitHub.BaseURL, "GITHUB_API_URL")
	set(&c.Mockup.BaseURL, "MOCKUP_SERVICE_URL")
	set(&c.Mockup.APIKey, "MOCKUP_SERVICE_KEY")
	set(&c.Archive.Bucket, "ARCHIVE_BUCKET")
	set(&c.Archive.Prefix, "ARCHIVE_PREFIX")
	set(&c.Archive.Region, "AWS_REGION")
	set(&c.Archive.Endpoint, "ARCHIVE_ENDPOINT")
	if v := getenv("FRONTEND_URL"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	set(&c.Models.Default.Provider, "DEFAULT_MODEL_TYPE")
	set(&c.Models.Default.ModelID, "DEFAULT_MODEL_ID")
	if c.Models.Stages == nil {
		c.Models.Stages = map[string]generator.ModelConfig{}
	}
	for stage, prefix := range stageEnv {
		s := c.Models.Stages[stage]
		if v := getenv(prefix + "_MODEL_TYPE"); v != "" {
			s.Provider = v
			s.ModelID = ""
		}
		set(&s.ModelID, prefix+"_MODEL_ID")
		if s != (generator.ModelConfig{}) {
			c.Models.Stages[stage] = s
		}
	}
	if c.Models.APIKeys == nil {
		c.Models.APIKeys = map[string]string{}
	}
	for provider, key := range apiKeyEnv {
		if v := getenv(key); v != "" {
			c.Models.APIKeys[provider] = v
		}
	}
	if c.Models.BaseURLs == nil {
		c.Models.BaseURLs = map[string]string{}
	}
	if v := getenv("OPENAI_LIKE_BASE_URL"); v != "" {
		c.Models.BaseURLs[generator.ProviderOpenAILike] = v
	}

	ints := map[string]*int{
		"DISPATCH_WORKERS":    &c.Dispatch.Workers,
		"DISPATCH_QUEUE_SIZE": &c.Dispatch.QueueSize,
	}
	for k, dst := range ints {
		if v := getenv(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"SWEEP_INTERVAL":       &c.Sweep.Interval,
		"SWEEP_STALE_AFTER":    &c.Sweep.StaleAfter,
		"MOCKUP_POLL_INTERVAL": &c.Mockup.PollInterval,
		"MOCKUP_MAX_WAIT":      &c.Mockup.MaxWait,
	}
	for k, dst := range durations {
		if v := getenv(k); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL (or POSTGRES_CONNECTION) is required")
	}
	if c.Identity.URL == "" {
		return errors.New("SUPABASE_URL is required")
	}
	for stage := range stageEnv {
		if c.Models.For(stage).Provider == "" {
			return fmt.Errorf("no model provider for stage %s", stage)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
