package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIProvider is the alternate LM backend: any OpenAI-compatible chat
// completions endpoint, including local servers that speak the same API.
type OpenAIProvider struct {
	sdk   openai.Client
	model string
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(shared.ChatModelGPT4o)
	}

	return &OpenAIProvider{sdk: openai.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) params(prompt string, opts GenerateOptions) openai.ChatCompletionNewParams {
	msgs := []openai.ChatCompletionMessageParamUnion{}
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(opts.SystemPrompt))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    msgs,
		Temperature: param.NewOpt(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	return params
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	resp, err := p.sdk.Chat.Completions.New(ctx, p.params(prompt, opts))
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai generate: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, h StreamHandler) error {
	stream := p.sdk.Chat.Completions.NewStreaming(ctx, p.params(prompt, opts))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && h != nil {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				h.OnDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

func (p *OpenAIProvider) CheckConnection(ctx context.Context) error {
	_, err := p.sdk.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai connection check: %w", err)
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
