package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/goframe/llms/gemini"
	"github.com/sevigo/goframe/llms/ollama"

	"github.com/defexai/defex-reviewer/internal/config"
)

// NewGenerator creates the Generator for the configured provider.
func NewGenerator(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		logger.Info("using OpenAI analysis provider", "model", cfg.Model)
		return NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.Temperature), nil

	case "gemini":
		logger.Info("using Gemini analysis provider", "model", cfg.Model)
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set in environment for gemini provider")
		}
		model, err := gemini.New(ctx,
			gemini.WithModel(cfg.Model),
			gemini.WithAPIKey(cfg.GeminiAPIKey),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini model: %w", err)
		}
		return NewModelGenerator(model), nil

	case "ollama":
		logger.Info("using Ollama analysis provider", "model", cfg.Model, "host", cfg.OllamaHost)
		model, err := ollama.New(
			ollama.WithServerURL(cfg.OllamaHost),
			ollama.WithHTTPClient(NewOllamaHTTPClient(cfg.Timeout)),
			ollama.WithModel(cfg.Model),
			ollama.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama model: %w", err)
		}
		return NewModelGenerator(model), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
