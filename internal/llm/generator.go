package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sevigo/goframe/llms"

	"github.com/defexai/defex-reviewer/internal/core"
)

// Generator sends a single prompt to a language model and returns its reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OpenAIGenerator calls the chat completions endpoint of an OpenAI-compatible API.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float64
}

// NewOpenAIGenerator creates a generator. The SDK's own retries are disabled;
// retries are governed by the analysis service's policy.
func NewOpenAIGenerator(apiKey, baseURL, model string, temperature float64) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIGenerator{client: &client, model: model, temperature: temperature}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(g.temperature),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &core.AnalysisServiceError{Err: err, StatusCode: apiErr.StatusCode}
		}
		return "", &core.AnalysisServiceError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &core.AnalysisServiceError{Err: errors.New("received empty response from LLM"), Malformed: true}
	}
	return resp.Choices[0].Message.Content, nil
}

// ModelGenerator adapts a goframe model (gemini, ollama) to Generator.
type ModelGenerator struct {
	model llms.Model
}

// NewModelGenerator wraps model.
func NewModelGenerator(model llms.Model) *ModelGenerator {
	return &ModelGenerator{model: model}
}

// Generate implements Generator.
func (g *ModelGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.Call(ctx, prompt)
	if err != nil {
		return "", &core.AnalysisServiceError{Err: fmt.Errorf("model call failed: %w", err)}
	}
	return resp, nil
}

// NewOllamaHTTPClient creates an HTTP client with generous timeouts; local
// models can take minutes to answer a long diff.
func NewOllamaHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
