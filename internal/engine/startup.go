package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/kalambet/esltutor/internal/ollama"
)

// EnsureReady checks that the engines behind e are reachable. Local Ollama
// backends additionally get missing models pulled, with progress written to w.
func EnsureReady(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	chat, embed := Parts(e)
	if chat == embed {
		return ensureOne(ctx, chat, chatModel, embedModel, w)
	}
	if err := ensureOne(ctx, chat, chatModel, "", w); err != nil {
		return err
	}
	return ensureOne(ctx, embed, "", embedModel, w)
}

func ensureOne(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	if oe, ok := e.(*OllamaEngine); ok {
		return ollama.EnsureReady(ctx, oe.Client(), chatModel, embedModel, w)
	}
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference provider %T is not reachable", e)
	}
	return nil
}
