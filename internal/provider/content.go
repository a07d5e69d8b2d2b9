package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultSystemPrompt = "You are an expert book marketer writing engaging, authentic social media posts."

type ContentConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

// ContentAdapter generates marketing copy through the OpenAI chat completions API.
type ContentAdapter struct {
	client openai.Client
	model  string
}

func NewContentAdapter(cfg ContentConfig) *ContentAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retry policy belongs to the caller, one attempt per call.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTP != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTP))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &ContentAdapter{client: openai.NewClient(opts...), model: model}
}

func (a *ContentAdapter) Execute(ctx context.Context, op Operation, params Params) (Result, error) {
	if op != OpGenerate {
		return nil, unsupported("content", op)
	}
	prompt := params.String("prompt")
	if prompt == "" {
		return nil, &ProviderError{Provider: "content", Message: "prompt is required"}
	}
	system := params.String("system")
	if system == "" {
		system = defaultSystemPrompt
	}

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(params.Float("temperature", 0.8)),
		MaxTokens:   openai.Int(int64(params.Int("max_tokens", 500))),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{
				Provider:   "content",
				Retryable:  retryableStatus(apiErr.StatusCode),
				Message:    apiErr.Error(),
				StatusCode: apiErr.StatusCode,
			}
		}
		return nil, &ProviderError{Provider: "content", Retryable: true, Message: err.Error()}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "content", Message: "empty completion"}
	}
	return Result{
		"text":  strings.TrimSpace(resp.Choices[0].Message.Content),
		"model": resp.Model,
	}, nil
}
