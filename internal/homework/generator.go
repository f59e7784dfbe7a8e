// Package homework turns an assembled context into a personalized homework
// artifact with exactly one LLM call, and parses the result strictly.
package homework

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/composer"
	"github.com/kalambet/esltutor/internal/engine"
	"github.com/kalambet/esltutor/internal/storage"
)

// LLM is the chat capability. engine.Engine satisfies it.
type LLM interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error)
}

// Spec carries the per-call generation parameters.
type Spec struct {
	TemplateID  int64
	MaxItems    int
	Style       string
	JSON        bool
	Temperature *float64
	MaxTokens   int
	Seed        *int
}

// Generator is the generation orchestrator.
type Generator struct {
	llm    LLM
	model  string
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator creates a Generator for the given chat model.
func NewGenerator(llm LLM, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{llm: llm, model: model, logger: logger, now: time.Now}
}

// Generate builds one prompt from gctx, calls the LLM once and parses the
// reply. Transport errors keep their kind so the caller can retry; output
// that does not parse fails with GenerationParseError and nothing is returned.
func (g *Generator) Generate(ctx context.Context, gctx composer.Context, spec Spec) (storage.PersonalizedHomework, error) {
	prompt := composer.BuildPrompt(gctx, composer.Spec{MaxItems: spec.MaxItems, Style: spec.Style, JSON: spec.JSON})
	studentID := gctx.Student.ID

	g.logger.Debug("generating homework",
		"student", studentID,
		"template_id", spec.TemplateID,
		"context", len(gctx.Templates),
		"tokens", gctx.Tokens(),
	)

	out, err := g.llm.Chat(ctx, g.model, prompt.Messages(), &engine.ChatOptions{
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		Seed:        spec.Seed,
	})
	if err != nil {
		return storage.PersonalizedHomework{}, fmt.Errorf("generating homework for %s: %w", studentID, err)
	}

	questions, err := Parse(out, spec.MaxItems)
	if err != nil {
		g.logger.Warn("unparsable model output", "student", studentID, "error", err, "output_len", len(out))
		return storage.PersonalizedHomework{}, apperr.New(apperr.KindGenerationParse, studentID, err)
	}

	return storage.PersonalizedHomework{
		ID:          uuid.New().String(),
		TemplateID:  spec.TemplateID,
		StudentID:   gctx.Student.SourceID,
		GeneratedAt: g.now().UTC(),
		Status:      storage.StatusCompleted,
		Model:       g.model,
		Questions:   questions,
		ContextIDs:  gctx.ContextIDs(),
	}, nil
}
