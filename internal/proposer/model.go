package proposer

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/remedyd/internal/config"
)

// NewModel creates the langchaingo model named by the proposer config.
func NewModel(cfg config.ProposerConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "anthropic", "":
		if !cfg.APIKey.IsSet() {
			return nil, fmt.Errorf("anthropic API key required")
		}
		opts := []anthropic.Option{
			anthropic.WithToken(cfg.APIKey.Value()),
			anthropic.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)

	case "openai":
		token := cfg.APIKey.Value()
		if token == "" {
			// Local OpenAI-compatible servers accept any token.
			token = "unused"
		}
		opts := []openai.Option{
			openai.WithToken(token),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)

	default:
		return nil, fmt.Errorf("unsupported proposer provider: %s", cfg.Provider)
	}
}
