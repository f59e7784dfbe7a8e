package engine

import (
	"context"
	"time"

	"github.com/kalambet/esltutor/internal/proxy"
)

// OpenRouterEngine serves chat completions through OpenRouter. It has no
// embedding endpoint.
type OpenRouterEngine struct {
	client *proxy.Client
}

var _ Engine = (*OpenRouterEngine)(nil)

func NewOpenRouterEngine(apiKey, baseURL string, timeout time.Duration) *OpenRouterEngine {
	c := proxy.NewClient(apiKey)
	if baseURL != "" {
		c = proxy.NewClientWithBaseURL(apiKey, baseURL)
	}
	if timeout > 0 {
		c.WithTimeout(timeout)
	}
	return &OpenRouterEngine{client: c}
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	req := proxy.ChatRequest{
		Model:    model,
		Messages: make([]proxy.Message, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
		req.Seed = opts.Seed
	}
	return e.client.Complete(ctx, req)
}

func (e *OpenRouterEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, ErrUnsupported
}

// IsRunning reports whether the model list endpoint answers.
func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}
