package engine

import "context"

// splitEngine routes chat and embedding calls to different providers, e.g.
// OpenRouter for generation and a local Ollama for embeddings.
type splitEngine struct {
	chat  Engine
	embed Engine
}

// Split returns an Engine that sends Chat to chat and Embed to embed. When
// both are the same engine it is returned unchanged.
func Split(chat, embed Engine) Engine {
	if chat == embed {
		return chat
	}
	return &splitEngine{chat: chat, embed: embed}
}

func (s *splitEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	return s.chat.Chat(ctx, model, messages, opts)
}

func (s *splitEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return s.embed.Embed(ctx, model, text)
}

// IsRunning requires both sides to be reachable.
func (s *splitEngine) IsRunning(ctx context.Context) bool {
	return s.chat.IsRunning(ctx) && s.embed.IsRunning(ctx)
}

// Parts returns the chat and embedding engines behind e. For an engine that
// was not split both results are e.
func Parts(e Engine) (chat, embed Engine) {
	if s, ok := e.(*splitEngine); ok {
		return s.chat, s.embed
	}
	return e, e
}
