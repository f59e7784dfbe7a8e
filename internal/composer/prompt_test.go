package composer

import (
	"strings"
	"testing"

	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
)

func student(goals string) record.Record {
	return record.Record{
		ID:       "student_profile_1",
		Kind:     record.KindStudentProfile,
		SourceID: 1,
		Fields: []record.Field{
			{Name: "student", Label: "Student", Value: "Ana Silva"},
			{Name: "proficiency_level", Label: "Proficiency Level", Value: "B1"},
			{Name: "learning_goals", Label: "Learning Goals", Value: goals, FreeText: true},
			{Name: "interests", Label: "Interests", Items: []string{"Cooking", "Travel", "Jazz"}, FreeText: true},
		},
	}
}

func hit(id string, score float32, text string) retrieval.Hit {
	return retrieval.Hit{Entry: retrieval.Entry{ID: id, Text: text}, Score: score}
}

func TestAssemble_OrdersByScoreThenID(t *testing.T) {
	c := New(4000)
	ctx, err := c.Assemble(student("Speak confidently"), []retrieval.Hit{
		hit("homework_template_3", 0.5, "C"),
		hit("homework_template_2", 0.9, "B"),
		hit("homework_template_1", 0.9, "A"),
	}, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	var got []string
	for _, h := range ctx.Templates {
		got = append(got, h.ID)
	}
	want := "homework_template_1,homework_template_2,homework_template_3"
	if strings.Join(got, ",") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
	if ctx.Budget != 4000 || ctx.Truncated {
		t.Errorf("budget = %d, truncated = %v", ctx.Budget, ctx.Truncated)
	}
	ids := ctx.ContextIDs()
	if ids[len(ids)-1] != "student_profile_1" {
		t.Errorf("ContextIDs = %v, want student last", ids)
	}
}

func TestAssemble_DropsLowestRankedFirst(t *testing.T) {
	stu := student("Speak confidently")
	long := strings.Repeat("x", 400)
	templates := []retrieval.Hit{
		hit("homework_template_1", 0.9, long),
		hit("homework_template_2", 0.8, long),
		hit("homework_template_3", 0.7, long),
	}
	budget := EstimateTokens(studentSection(stu)) + 2*EstimateTokens(templateSection(1, templates[0])) + 5

	ctx, err := New(0).Assemble(stu, templates, budget)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Templates) != 2 || ctx.Templates[1].ID != "homework_template_2" {
		t.Errorf("templates = %v", ctx.Templates)
	}
	if len(ctx.Dropped) != 1 || ctx.Dropped[0] != "homework_template_3" {
		t.Errorf("dropped = %v", ctx.Dropped)
	}
	if ctx.Tokens() > budget {
		t.Errorf("tokens = %d exceed budget %d", ctx.Tokens(), budget)
	}
}

func TestAssemble_NeverExceedsBudget(t *testing.T) {
	stu := student(strings.Repeat("improve pronunciation ", 20))
	var templates []retrieval.Hit
	for i, n := range []int{50, 300, 10, 120, 700} {
		templates = append(templates, hit(record.VectorID(record.KindHomeworkTemplate, int64(i+1)), float32(i)/10, strings.Repeat("t", n)))
	}
	for budget := 40; budget <= 800; budget += 37 {
		ctx, err := New(0).Assemble(stu, templates, budget)
		if err != nil {
			continue
		}
		if ctx.Tokens() > budget {
			t.Errorf("budget %d: tokens = %d", budget, ctx.Tokens())
		}
		if ctx.Student.ID != stu.ID {
			t.Errorf("budget %d: student missing", budget)
		}
	}
}

func TestAssemble_TruncatesFreeTextAsLastResort(t *testing.T) {
	goals := strings.Repeat("become fluent at work ", 40)
	stu := student(goals)
	budget := EstimateTokens(studentSection(stu)) - 60

	ctx, err := New(0).Assemble(stu, []retrieval.Hit{hit("homework_template_1", 1, "A")}, budget)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !ctx.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(ctx.Templates) != 0 {
		t.Errorf("templates = %v, want none", ctx.Templates)
	}
	if ctx.Tokens() > budget {
		t.Errorf("tokens = %d exceed budget %d", ctx.Tokens(), budget)
	}
	if ctx.Student.Field("student") != "Ana Silva" || ctx.Student.Field("proficiency_level") != "B1" {
		t.Error("non free-text fields must survive truncation")
	}
	// The caller's record is untouched.
	if stu.Field("learning_goals") != goals || len(stu.Fields[3].Items) != 3 {
		t.Error("input record was mutated")
	}
}

func TestAssemble_BudgetTooSmall(t *testing.T) {
	_, err := New(0).Assemble(student("x"), nil, 3)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	stu := student("goals")
	templates := []retrieval.Hit{hit("homework_template_2", 0.4, "B"), hit("homework_template_1", 0.4, "A")}
	a, _ := New(0).Assemble(stu, templates, 500)
	b, _ := New(0).Assemble(stu, templates, 500)
	if a.Render() != b.Render() {
		t.Error("Render differs across identical calls")
	}
}

func TestBuildPrompt_Order(t *testing.T) {
	ctx, err := New(0).Assemble(student("goals"), []retrieval.Hit{
		hit("homework_template_1", 0.9, "Template Name: Travel"),
		hit("homework_template_2", 0.3, "Template Name: Food"),
	}, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	p := BuildPrompt(ctx, Spec{MaxItems: 5, Style: "friendly"})

	if !strings.Contains(p.System, "ESL teacher") || !strings.HasSuffix(p.System, "Style: friendly") {
		t.Errorf("system = %q", p.System)
	}
	iTravel := strings.Index(p.User, "Travel")
	iFood := strings.Index(p.User, "Food")
	iStudent := strings.Index(p.User, "[Student Profile]")
	iFormat := strings.Index(p.User, "[Output Format]")
	if !(iTravel < iFood && iFood < iStudent && iStudent < iFormat) {
		t.Errorf("sections out of order: travel=%d food=%d student=%d format=%d", iTravel, iFood, iStudent, iFormat)
	}
	if !strings.Contains(p.User, "at most 5 questions") || !strings.Contains(p.User, "Expected Answer:") {
		t.Errorf("format directive = %q", p.User[iFormat:])
	}
	if msgs := p.Messages(); len(msgs) != 2 || msgs[0].Role != "system" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestBuildPrompt_JSONDirective(t *testing.T) {
	ctx, _ := New(0).Assemble(student("goals"), nil, 0)
	p := BuildPrompt(ctx, Spec{JSON: true})
	if !strings.Contains(p.User, "JSON array") || !strings.Contains(p.User, "each base question") {
		t.Errorf("directive = %q", p.User)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
