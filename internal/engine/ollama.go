package engine

import (
	"context"
	"time"

	"github.com/kalambet/esltutor/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

var (
	_ Engine       = (*OllamaEngine)(nil)
	_ ModelManager = (*OllamaEngine)(nil)
)

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string, timeout time.Duration) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL, timeout)}
}

// Client exposes the underlying client for startup checks.
func (e *OllamaEngine) Client() *ollama.Client {
	return e.client
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var o *ollama.Options
	if opts != nil {
		o = &ollama.Options{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
			Seed:        opts.Seed,
		}
	}

	return e.client.Chat(ctx, model, msgs, o)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
