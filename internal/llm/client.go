// Package llm adapts langchaingo chat models to the agent loop backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"go-redteam/internal/config"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/models"
)

var ErrEmptyResponse = errors.New("model returned an empty response")

const (
	HuggingFaceRouterURL    = "https://router.huggingface.co/v1"
	HuggingFaceDefaultModel = "meta-llama/Llama-3.1-8B-Instruct"
)

// Client sends rendered transcripts to a chat model.
type Client struct {
	model    llms.Model
	provider string
	log      zerolog.Logger
}

// NewClient wraps an already constructed model.
func NewClient(model llms.Model, provider string, log zerolog.Logger) *Client {
	return &Client{model: model, provider: provider, log: log.With().Str(logger.ProviderField, provider).Logger()}
}

// New builds the model for cfg's provider.
func New(ctx context.Context, cfg config.BackendConfig, log zerolog.Logger) (*Client, error) {
	provider := config.NormalizeProvider(cfg.Provider)
	model, err := newModel(ctx, provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", provider, err)
	}
	return NewClient(model, provider, log), nil
}

func newModel(ctx context.Context, provider string, cfg config.BackendConfig) (llms.Model, error) {
	switch provider {
	case "gemini":
		opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, googleai.WithDefaultModel(cfg.Model))
		}
		return googleai.New(ctx, opts...)
	case "ollama":
		var opts []ollama.Option
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	case "huggingface":
		// The router speaks the OpenAI chat completions protocol.
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = HuggingFaceRouterURL
		}
		model := cfg.Model
		if model == "" {
			model = HuggingFaceDefaultModel
		}
		return openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(model),
			openai.WithBaseURL(baseURL),
			openai.WithHTTPClient(maxTokensDoer{http.DefaultClient}),
		)
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (c *Client) Provider() string { return c.provider }

// Generate implements the loop backend. The reply is cut at the first stop
// sequence even when the provider ignores them.
func (c *Client) Generate(ctx context.Context, history []models.Message, cons models.Constraints) (string, error) {
	opts := []llms.CallOption{llms.WithStopWords(cons.StopSequences)}
	if cons.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cons.MaxTokens))
	}
	opts = append(opts, llms.WithTemperature(cons.Temperature))

	resp, err := c.model.GenerateContent(ctx, Messages(history), opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := Truncate(resp.Choices[0].Content, cons.StopSequences)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	c.log.Debug().Int("chars", len(text)).Msg("model responded")
	return text, nil
}

// Messages converts a rendered transcript to chat messages. Tool
// observations and feedback are sent as human turns; adjacent messages of
// the same type are merged since several providers require alternation.
func Messages(history []models.Message) []llms.MessageContent {
	var out []llms.MessageContent
	var texts []string
	flush := func(role llms.ChatMessageType) {
		if len(texts) > 0 {
			out = append(out, llms.TextParts(role, strings.Join(texts, "\n\n")))
			texts = nil
		}
	}

	var current llms.ChatMessageType
	for _, m := range history {
		role := chatRole(m.Role)
		if role != current {
			flush(current)
			current = role
		}
		texts = append(texts, m.Content)
	}
	flush(current)
	return out
}

func chatRole(r models.Role) llms.ChatMessageType {
	switch r {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAgent:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// Truncate cuts text at the earliest stop sequence.
func Truncate(text string, stops []string) string {
	cut := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}

// maxTokensDoer mirrors max_completion_tokens into max_tokens for
// OpenAI-compatible servers that only honor the older field.
type maxTokensDoer struct {
	client *http.Client
}

func (d maxTokensDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost {
		return d.client.Do(req)
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	var payload map[string]json.RawMessage
	if json.Unmarshal(body, &payload) == nil {
		if n, ok := payload["max_completion_tokens"]; ok {
			if _, set := payload["max_tokens"]; !set {
				payload["max_tokens"] = n
				if b, err := json.Marshal(payload); err == nil {
					body = b
				}
			}
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	return d.client.Do(req)
}
