package upstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI generates content with the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI client. baseURL overrides the API endpoint
// (pass "" for the default), which also serves OpenAI-compatible services.
func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

// Name implements Client.
func (p *OpenAI) Name() string { return "openai" }

// Generate implements Client.
func (p *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    req.Model,
	}
	applyOpenAIParams(&params, req.Params)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: no choices returned")
	}

	choice := completion.Choices[0]
	return &Response{
		ID:           completion.ID,
		Model:        completion.Model,
		Provider:     p.Name(),
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

// applyOpenAIParams copies the recognised generation params onto the SDK
// params struct. Unknown keys still take part in the cache fingerprint but
// are not forwarded.
func applyOpenAIParams(params *openai.ChatCompletionNewParams, p map[string]any) {
	if v, ok := Float(p, "temperature"); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := Float(p, "top_p"); ok {
		params.TopP = openai.Float(v)
	}
	if v, ok := Int(p, "max_tokens"); ok {
		params.MaxTokens = openai.Int(v)
	}
	if v, ok := Int(p, "seed"); ok {
		params.Seed = openai.Int(v)
	}
	if v, ok := Float(p, "presence_penalty"); ok {
		params.PresencePenalty = openai.Float(v)
	}
	if v, ok := Float(p, "frequency_penalty"); ok {
		params.FrequencyPenalty = openai.Float(v)
	}
	if stop := Strings(p, "stop"); len(stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: stop,
		}
	}
}
