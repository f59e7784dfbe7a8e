// Package composer assembles retrieved templates and a student profile into a
// budgeted generation context and renders it as a chat prompt.
package composer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/esltutor/internal/engine"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
)

const defaultMaxContextTokens = 4000

// ErrBudgetTooSmall is returned when the student profile alone, with every
// free-text field emptied, still exceeds the budget.
var ErrBudgetTooSmall = errors.New("token budget too small for the student profile")

// Composer builds generation contexts under a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for assembled context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Context is the assembled input for one generation call.
type Context struct {
	Student   record.Record
	Templates []retrieval.Hit
	// Dropped lists template ids left out because of the budget.
	Dropped []string
	// Truncated is set when student free-text fields were shortened.
	Truncated bool
	Budget    int
}

// ContextIDs returns the ids of every record that went into the context,
// templates first.
func (c Context) ContextIDs() []string {
	ids := make([]string, 0, len(c.Templates)+1)
	for _, t := range c.Templates {
		ids = append(ids, t.ID)
	}
	return append(ids, c.Student.ID)
}

// Render returns the assembled context text: templates in rank order, then
// the student profile.
func (c Context) Render() string {
	var sb strings.Builder
	for i, t := range c.Templates {
		sb.WriteString(templateSection(i+1, t))
	}
	sb.WriteString(studentSection(c.Student))
	return sb.String()
}

// Tokens estimates the size of Render.
func (c Context) Tokens() int {
	return EstimateTokens(c.Render())
}

func templateSection(rank int, h retrieval.Hit) string {
	return fmt.Sprintf("[Template %d] (Score: %.2f, Source: %s)\n%s\n\n", rank, h.Score, h.ID, h.Text)
}

func studentSection(r record.Record) string {
	return "[Student Profile]\n" + r.Text() + "\n\n"
}

// Assemble includes templates in descending score order until the next one
// would exceed the budget. The student profile is always included; if it
// does not fit on its own, its free-text fields are shortened, last field
// first. The result is deterministic for identical inputs.
func (c *Composer) Assemble(student record.Record, templates []retrieval.Hit, budget int) (Context, error) {
	if budget <= 0 {
		budget = c.MaxContextTokens
	}
	out := Context{Budget: budget}

	stu, truncated, err := fitStudent(student, budget)
	if err != nil {
		return out, fmt.Errorf("assembling context for %s: %w", student.ID, err)
	}
	out.Student = stu
	out.Truncated = truncated

	sorted := make([]retrieval.Hit, len(templates))
	copy(sorted, templates)
	retrieval.SortHits(sorted)

	// Section estimates are summed; the estimate of a concatenation never
	// exceeds the sum of its parts.
	remaining := budget - EstimateTokens(studentSection(stu))
	for i, t := range sorted {
		tokens := EstimateTokens(templateSection(i+1, t))
		if tokens > remaining {
			for _, d := range sorted[i:] {
				out.Dropped = append(out.Dropped, d.ID)
			}
			break
		}
		out.Templates = append(out.Templates, t)
		remaining -= tokens
	}
	return out, nil
}

// fitStudent shortens free-text fields until the profile section fits.
func fitStudent(r record.Record, budget int) (record.Record, bool, error) {
	fields := make([]record.Field, len(r.Fields))
	for i, f := range r.Fields {
		if f.Items != nil {
			f.Items = append([]string{}, f.Items...)
		}
		fields[i] = f
	}
	r.Fields = fields

	truncated := false
	for {
		over := EstimateTokens(studentSection(r)) - budget
		if over <= 0 {
			return r, truncated, nil
		}
		i := lastFreeText(r.Fields)
		if i < 0 {
			return r, truncated, ErrBudgetTooSmall
		}
		shorten(&r.Fields[i], over*4)
		truncated = true
	}
}

func lastFreeText(fields []record.Field) int {
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if f.FreeText && (f.Value != "" || len(f.Items) > 0) {
			return i
		}
	}
	return -1
}

const ellipsis = "..."

// shorten removes at least excess bytes from a field, or empties it.
func shorten(f *record.Field, excess int) {
	if len(f.Items) > 0 {
		f.Items = f.Items[:len(f.Items)-1]
		return
	}
	keep := len(f.Value) - excess - len(ellipsis)
	if keep <= 0 {
		f.Value = ""
		return
	}
	for keep > 0 && !utf8.RuneStart(f.Value[keep]) {
		keep--
	}
	f.Value = strings.TrimSpace(f.Value[:keep]) + ellipsis
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Spec holds the generation parameters that shape the prompt.
type Spec struct {
	MaxItems int
	// Style is appended to the instructions when set.
	Style string
	// JSON asks for a JSON array instead of labelled blocks.
	JSON bool
}

const instructions = `You are an expert ESL teacher creating personalized homework for your students.

Create personalized versions of the base questions that are more engaging, relevant and effective for this specific student. For each question, adapt the content to the student's interests, profession and cultural background. Keep the grammatical structure and language learning objectives, match the difficulty to the student's proficiency level, and address their learning goals and areas for improvement.

The first template below is the base homework. Any further templates are supporting material.`

// Prompt is the rendered chat prompt.
type Prompt struct {
	System string
	User   string
}

// Messages converts the prompt into chat messages.
func (p Prompt) Messages() []engine.Message {
	return []engine.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}
}

// BuildPrompt renders instructions, then templates highest score first, then
// the student profile, then the output-format directive.
func BuildPrompt(ctx Context, spec Spec) Prompt {
	sys := instructions
	if spec.Style != "" {
		sys += "\n\nStyle: " + spec.Style
	}

	var sb strings.Builder
	sb.WriteString(ctx.Render())
	sb.WriteString(formatDirective(spec))
	return Prompt{System: sys, User: sb.String()}
}

func formatDirective(spec Spec) string {
	n := "each base question"
	if spec.MaxItems > 0 {
		n = fmt.Sprintf("at most %d questions", spec.MaxItems)
	}
	if spec.JSON {
		return "[Output Format]\nWrite " + n + `. Return ONLY a JSON array in a fenced code block, one object per question with the keys "question", "instructions" and "expected_answer".` + "\n"
	}
	return "[Output Format]\nWrite " + n + ". Use exactly this format for every question and return nothing else:\n" +
		"Question 1: <question text>\nInstructions: <instructions>\nExpected Answer: <expected answer>\n"
}
