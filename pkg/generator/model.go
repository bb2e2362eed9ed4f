package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Model completes a prompt into text.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Providers accepted by NewModel.
const (
	ProviderClaude     = "claude"
	ProviderOpenAI     = "openai"
	ProviderGroq       = "groq"
	ProviderMistral    = "mistral"
	ProviderOpenAILike = "openai_like"
	ProviderGemini     = "gemini"
)

var defaultBaseURLs = map[string]string{
	ProviderOpenAI:  "https://api.openai.com/v1",
	ProviderGroq:    "https://api.groq.com/openai/v1",
	ProviderMistral: "https://api.mistral.ai/v1",
	ProviderGemini:  "https://generativelanguage.googleapis.com",
}

// ErrUnknownProvider is returned by NewModel for an unsupported provider.
var ErrUnknownProvider = errors.New("unknown model provider")

// ModelConfig selects and configures a model.
type ModelConfig struct {
	Provider string        `yaml:"provider"`
	ModelID  string        `yaml:"model_id"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	// WorkDir is the working directory of the claude CLI.
	WorkDir string `yaml:"work_dir"`
}

// NewModel returns the Model variant for cfg.Provider.
func NewModel(cfg ModelConfig) (Model, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[provider]
	}

	switch provider {
	case ProviderClaude:
		return &ClaudeCLI{model: cfg.ModelID, workDir: cfg.WorkDir, timeout: cfg.Timeout}, nil
	case ProviderOpenAI, ProviderGroq, ProviderMistral, ProviderOpenAILike:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%s: base url is required", provider)
		}
		if cfg.ModelID == "" {
			return nil, fmt.Errorf("%s: model id is required", provider)
		}
		return newChatModel(provider, cfg), nil
	case ProviderGemini:
		if cfg.ModelID == "" {
			return nil, fmt.Errorf("%s: model id is required", provider)
		}
		return newGeminiModel(cfg), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownProvider, cfg.Provider)
}
