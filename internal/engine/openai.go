package engine

import (
	"context"

	"github.com/kalambet/esltutor/internal/openai"
)

// OpenAIEngine serves chat and embeddings through the OpenAI API.
type OpenAIEngine struct {
	client *openai.Client
	hasKey bool
}

var _ Engine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(apiKey string, opts ...openai.ClientOption) *OpenAIEngine {
	return &OpenAIEngine{client: openai.NewClient(apiKey, opts...), hasKey: apiKey != ""}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	msgs := make([]openai.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	var o openai.ChatOptions
	if opts != nil {
		o = openai.ChatOptions{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Seed: opts.Seed}
	}
	return e.client.Complete(ctx, model, msgs, o)
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.CreateEmbedding(ctx, model, text)
}

// IsRunning only checks that a key is configured; the hosted API has no
// free health endpoint.
func (e *OpenAIEngine) IsRunning(context.Context) bool {
	return e.hasKey
}
