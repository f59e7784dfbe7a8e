package engine

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by providers asked for a capability they lack,
// such as embeddings from a chat-only provider.
var ErrUnsupported = errors.New("operation not supported by this provider")

// Engine abstracts an inference backend (Ollama, OpenRouter, OpenAI).
// Consumers such as the embedder and the homework generator use this
// interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by local backends that can list and pull models.
type ModelManager interface {
	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
