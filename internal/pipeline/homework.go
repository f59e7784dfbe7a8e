// Package pipeline wires the retrieval, composition, generation and pairing
// components into the end-to-end flows the CLI runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kalambet/esltutor/internal/composer"
	"github.com/kalambet/esltutor/internal/homework"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
	"github.com/kalambet/esltutor/internal/storage"
)

// ErrNoTemplate is returned when retrieval finds no template to build on.
var ErrNoTemplate = errors.New("no matching template")

// HomeworkStore is the relational access the homework flow needs.
type HomeworkStore interface {
	GetStudent(id int64) (storage.Student, error)
	GetHomeworkTemplate(id int64) (storage.HomeworkTemplate, error)
	SaveHomework(h storage.PersonalizedHomework) error
}

// HomeworkRequest describes one homework run.
type HomeworkRequest struct {
	StudentID int64
	// TemplateID bypasses retrieval when set.
	TemplateID int64
	// ClassID restricts retrieved templates. Zero uses the student's class.
	ClassID int64
	TopK    int
	Budget  int
	Spec    homework.Spec
	Save    bool
}

// HomeworkResult is the generated artifact and the context it was built from.
type HomeworkResult struct {
	Homework storage.PersonalizedHomework
	Context  composer.Context
	Saved    bool
}

// HomeworkFlow generates personalized homework for one student.
type HomeworkFlow struct {
	store     HomeworkStore
	retriever *retrieval.Retriever
	composer  *composer.Composer
	generator *homework.Generator
	retry     homework.RetryPolicy
	logger    *slog.Logger
}

// NewHomeworkFlow creates a HomeworkFlow wired to all its components.
func NewHomeworkFlow(
	store HomeworkStore,
	retriever *retrieval.Retriever,
	comp *composer.Composer,
	gen *homework.Generator,
	retry homework.RetryPolicy,
	logger *slog.Logger,
) *HomeworkFlow {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Logger == nil {
		retry.Logger = logger
	}
	return &HomeworkFlow{
		store:     store,
		retriever: retriever,
		composer:  comp,
		generator: gen,
		retry:     retry,
		logger:    logger,
	}
}

// Run executes the flow:
//  1. Load the student and build its profile record
//  2. Use the explicit template, or retrieve the top-k homework templates
//  3. Assemble the context under the token budget
//  4. Generate, retrying transport failures only
//  5. Optionally persist the artifact
func (f *HomeworkFlow) Run(ctx context.Context, req HomeworkRequest) (HomeworkResult, error) {
	st, err := f.store.GetStudent(req.StudentID)
	if err != nil {
		return HomeworkResult{}, fmt.Errorf("loading student %d: %w", req.StudentID, err)
	}
	student, err := record.FromStudent(st)
	if err != nil {
		return HomeworkResult{}, err
	}

	templates, err := f.templates(ctx, st, req)
	if err != nil {
		return HomeworkResult{}, err
	}

	gctx, err := f.composer.Assemble(student, templates, req.Budget)
	if err != nil {
		return HomeworkResult{}, err
	}
	if len(gctx.Dropped) > 0 {
		f.logger.Info("templates dropped for budget", "student", student.ID, "dropped", gctx.Dropped)
	}

	spec := req.Spec
	if spec.TemplateID == 0 && len(gctx.Templates) > 0 {
		spec.TemplateID = gctx.Templates[0].SourceID()
	}

	hw, err := homework.WithRetry(ctx, f.retry, func(ctx context.Context) (storage.PersonalizedHomework, error) {
		return f.generator.Generate(ctx, gctx, spec)
	})
	if err != nil {
		return HomeworkResult{}, err
	}

	out := HomeworkResult{Homework: hw, Context: gctx}
	if req.Save {
		if err := f.store.SaveHomework(hw); err != nil {
			return out, fmt.Errorf("saving homework %s: %w", hw.ID, err)
		}
		out.Saved = true
	}

	f.logger.Info("homework generated",
		"student", student.ID,
		"template_id", hw.TemplateID,
		"questions", len(hw.Questions),
		"saved", out.Saved,
	)
	return out, nil
}

func (f *HomeworkFlow) templates(ctx context.Context, st storage.Student, req HomeworkRequest) ([]retrieval.Hit, error) {
	if req.TemplateID > 0 {
		ht, err := f.store.GetHomeworkTemplate(req.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("loading homework template %d: %w", req.TemplateID, err)
		}
		rec, err := record.FromHomeworkTemplate(ht)
		if err != nil {
			return nil, err
		}
		return []retrieval.Hit{explicitHit(rec)}, nil
	}

	classID := req.ClassID
	if classID == 0 {
		classID = st.ClassID
	}
	filters := map[string]string{record.MetaKind: string(record.KindHomeworkTemplate)}
	if classID > 0 {
		filters[record.MetaClassID] = strconv.FormatInt(classID, 10)
	}

	hits, err := f.retriever.Retrieve(ctx, retrieval.Query{Text: record.StudentQuery(st)}, req.TopK, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieving templates for student %d: %w", st.ID, err)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("student %d, class %d: %w", st.ID, classID, ErrNoTemplate)
	}
	return hits, nil
}

// explicitHit presents a chosen template as a perfect match.
func explicitHit(rec record.Record) retrieval.Hit {
	return retrieval.Hit{
		Entry: retrieval.Entry{
			ID:          rec.ID,
			Fingerprint: rec.Fingerprint(),
			Text:        rec.Text(),
			Metadata:    rec.Metadata,
		},
		Score: 1,
	}
}
