package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/composer"
	"github.com/kalambet/esltutor/internal/engine"
	"github.com/kalambet/esltutor/internal/homework"
	"github.com/kalambet/esltutor/internal/indexsync"
	"github.com/kalambet/esltutor/internal/pairing"
	"github.com/kalambet/esltutor/internal/retrieval"
	"github.com/kalambet/esltutor/internal/storage"
)

const cannedHomework = `Question 1: Describe your favourite recipe.
Instructions: Use the past tense.
Expected Answer: Last week I cooked paella for my family.`

// testEngine embeds with the hash engine and answers chat with chatFn.
type testEngine struct {
	*engine.HashEngine
	chatFn func(call int32) (string, error)
	calls  atomic.Int32
}

func (e *testEngine) Chat(ctx context.Context, model string, msgs []engine.Message, opts *engine.ChatOptions) (string, error) {
	n := e.calls.Add(1)
	if e.chatFn == nil {
		return cannedHomework, nil
	}
	return e.chatFn(n)
}

type fixture struct {
	store     *storage.Store
	index     *retrieval.SQLiteIndex
	eng       *testEngine
	retriever *retrieval.Retriever
	syncer    *indexsync.Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := &testEngine{HashEngine: engine.NewHashEngine(128)}
	embedder := retrieval.NewEmbedder(eng, "hash")
	index := retrieval.NewSQLiteIndex(store.DB())
	cols := retrieval.DefaultCollections()
	return &fixture{
		store:     store,
		index:     index,
		eng:       eng,
		retriever: retrieval.NewRetriever(embedder, index, cols, nil),
		syncer:    indexsync.New(index, embedder, cols, indexsync.Options{}),
	}
}

func (f *fixture) sync(t *testing.T) indexsync.Report {
	t.Helper()
	rep, err := SyncIndex(context.Background(), f.store, f.syncer)
	if err != nil {
		t.Fatalf("SyncIndex: %v", err)
	}
	return rep
}

func (f *fixture) homeworkFlow() *HomeworkFlow {
	retry := homework.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond}
	return NewHomeworkFlow(f.store, f.retriever, composer.New(0),
		homework.NewGenerator(f.eng, "test-model", nil), retry, nil)
}

func putStudent(t *testing.T, s *storage.Store, id, classID int64, first, level string, interests ...string) {
	t.Helper()
	st := storage.Student{
		ID:               id,
		ClassID:          classID,
		FirstName:        first,
		LastName:         "Test",
		Email:            fmt.Sprintf("s%d@test.example", id),
		ProficiencyLevel: level,
	}
	for _, in := range interests {
		st.Interests = append(st.Interests, storage.Interest{Name: in})
	}
	if err := s.PutStudent(st); err != nil {
		t.Fatalf("PutStudent: %v", err)
	}
}

func seedHomeworkTemplates(t *testing.T, s *storage.Store) {
	t.Helper()
	templates := []storage.HomeworkTemplate{
		{
			ID: 1, ClassID: 1, Name: "Kitchen Talk", ProficiencyLevel: "B1",
			Objective: "Talk about cooking and recipes",
			Questions: []storage.Question{{
				Question:       "What do you cook as a chef?",
				Instructions:   "Describe your favourite cooking recipes",
				ExpectedAnswer: "I cook pasta",
			}},
		},
		{
			ID: 2, ClassID: 1, Name: "Match Report", ProficiencyLevel: "B1",
			Objective: "Describe a football match",
			Questions: []storage.Question{{
				Question:       "Who won the game?",
				Instructions:   "Write two sentences",
				ExpectedAnswer: "The home team won",
			}},
		},
		{
			ID: 3, ClassID: 2, Name: "Kitchen Talk Advanced", ProficiencyLevel: "C1",
			Objective: "Talk about cooking and recipes",
			Questions: []storage.Question{{Question: "What do you cook as a chef?"}},
		},
	}
	for _, ht := range templates {
		if err := s.PutHomeworkTemplate(ht); err != nil {
			t.Fatalf("PutHomeworkTemplate: %v", err)
		}
	}
}

func putActivity(t *testing.T, s *storage.Store, id, classID int64) {
	t.Helper()
	err := s.PutActivityTemplate(storage.ActivityTemplate{
		ID: id, ClassID: classID, Name: "Restaurant Roleplay", ProficiencyLevel: "B1",
		Conversation: storage.Conversation{
			Scenario: "Ordering food at a restaurant",
			Prompts:  []string{"What would you like to eat?"},
		},
	})
	if err != nil {
		t.Fatalf("PutActivityTemplate: %v", err)
	}
}

func TestHomeworkFlow_RetrievesWithinClassAndSaves(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1", "Cooking", "Recipes")
	seedHomeworkTemplates(t, f.store)
	f.sync(t)

	res, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 1, TopK: 3, Save: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Homework.TemplateID != 1 {
		t.Errorf("TemplateID = %d, want 1 (closest template)", res.Homework.TemplateID)
	}
	ids := res.Homework.ContextIDs
	if slices.Contains(ids, "homework_template_3") {
		t.Errorf("context %v contains a template from another class", ids)
	}
	if ids[len(ids)-1] != "student_profile_1" {
		t.Errorf("context %v should end with the student profile", ids)
	}
	if len(res.Homework.Questions) != 1 || res.Homework.Questions[0].ExpectedAnswer == "" {
		t.Errorf("questions = %+v", res.Homework.Questions)
	}
	if !res.Saved {
		t.Fatal("homework not saved")
	}
	saved, err := f.store.ListHomeworkForStudent(1)
	if err != nil {
		t.Fatalf("ListHomeworkForStudent: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != res.Homework.ID {
		t.Errorf("saved = %+v", saved)
	}
}

func TestHomeworkFlow_ExplicitTemplateSkipsRetrieval(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1", "Cooking")
	seedHomeworkTemplates(t, f.store)

	res, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 1, TemplateID: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"homework_template_2", "student_profile_1"}
	if !slices.Equal(res.Homework.ContextIDs, want) {
		t.Errorf("ContextIDs = %v, want %v", res.Homework.ContextIDs, want)
	}
	if res.Homework.TemplateID != 2 {
		t.Errorf("TemplateID = %d, want 2", res.Homework.TemplateID)
	}
	if res.Saved {
		t.Error("saved without being asked to")
	}
}

func TestHomeworkFlow_NoTemplate(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")

	_, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 1, TopK: 3})
	if !errors.Is(err, ErrNoTemplate) {
		t.Errorf("err = %v, want ErrNoTemplate", err)
	}
	if f.eng.calls.Load() != 0 {
		t.Errorf("chat calls = %d, want 0", f.eng.calls.Load())
	}
}

func TestHomeworkFlow_UnknownStudent(t *testing.T) {
	f := newFixture(t)
	_, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 42})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHomeworkFlow_ParseErrorIsNotRetriedOrSaved(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	seedHomeworkTemplates(t, f.store)
	f.eng.chatFn = func(int32) (string, error) { return "Sure! Here is some homework.", nil }

	_, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 1, TemplateID: 1, Save: true})
	if !errors.Is(err, apperr.ErrGenerationParse) {
		t.Fatalf("err = %v, want generation parse error", err)
	}
	if f.eng.calls.Load() != 1 {
		t.Errorf("chat calls = %d, want 1", f.eng.calls.Load())
	}
	saved, _ := f.store.ListHomeworkForStudent(1)
	if len(saved) != 0 {
		t.Errorf("saved %d artifacts after a parse failure", len(saved))
	}
}

func TestHomeworkFlow_TransportFailureRetried(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	seedHomeworkTemplates(t, f.store)
	f.eng.chatFn = func(call int32) (string, error) {
		if call == 1 {
			return "", apperr.Errorf(apperr.KindTransportTimeout, "", "deadline")
		}
		return cannedHomework, nil
	}

	if _, err := f.homeworkFlow().Run(context.Background(), HomeworkRequest{StudentID: 1, TemplateID: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.eng.calls.Load() != 2 {
		t.Errorf("chat calls = %d, want 2", f.eng.calls.Load())
	}
}

func TestPairingFlow_PairsRetrievedTemplateAndSaves(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1", "Cooking")
	putStudent(t, f.store, 2, 1, "Ben", "A2", "Football")
	putStudent(t, f.store, 3, 1, "Cai", "B1", "Cooking")
	putStudent(t, f.store, 4, 1, "Dee", "A2", "Football")
	putStudent(t, f.store, 5, 2, "Eve", "C1")
	putActivity(t, f.store, 7, 1)
	putActivity(t, f.store, 8, 2)
	f.sync(t)

	flow := NewPairingFlow(f.store, f.retriever, nil)
	res, err := flow.Run(context.Background(), PairingRequest{ClassID: 1, Config: pairing.DefaultConfig(), Save: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Template.ID != 7 {
		t.Errorf("template = %d, want 7 (class 1)", res.Template.ID)
	}
	if len(res.Groups) != 2 || len(res.Leftover) != 0 {
		t.Fatalf("groups = %+v, leftover = %v", res.Groups, res.Leftover)
	}
	var seen []int64
	for _, g := range res.Groups {
		seen = append(seen, g.StudentIDs...)
	}
	slices.Sort(seen)
	if !slices.Equal(seen, []int64{1, 2, 3, 4}) {
		t.Errorf("students covered = %v", seen)
	}

	if len(res.Saved) != 2 {
		t.Fatalf("saved = %d groups, want 2", len(res.Saved))
	}
	stored, err := f.store.ListActivityGroups(7)
	if err != nil {
		t.Fatalf("ListActivityGroups: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored groups = %d, want 2", len(stored))
	}
}

func TestPairingFlow_OddRosterLeavesOneOver(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	putStudent(t, f.store, 2, 1, "Ben", "A2")
	putStudent(t, f.store, 3, 1, "Cai", "B1")
	putActivity(t, f.store, 7, 1)

	flow := NewPairingFlow(f.store, f.retriever, nil)
	res, err := flow.Run(context.Background(), PairingRequest{ClassID: 1, TemplateID: 7, Config: pairing.DefaultConfig()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Groups) != 1 || len(res.Leftover) != 1 {
		t.Errorf("groups = %+v, leftover = %v", res.Groups, res.Leftover)
	}
	if res.Saved != nil {
		t.Error("saved without being asked to")
	}
}

func TestPairingFlow_InsufficientRoster(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	putActivity(t, f.store, 7, 1)

	flow := NewPairingFlow(f.store, f.retriever, nil)
	_, err := flow.Run(context.Background(), PairingRequest{ClassID: 1, TemplateID: 7, Config: pairing.DefaultConfig()})
	if !errors.Is(err, apperr.ErrInsufficientRoster) {
		t.Errorf("err = %v, want insufficient roster", err)
	}
}

func TestPairingFlow_SkipsInvalidStudents(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	putStudent(t, f.store, 2, 1, "Ben", "A2")
	putStudent(t, f.store, 3, 1, "Cai", "")
	putStudent(t, f.store, 10, 1, "Jo", "")
	putStudent(t, f.store, 4, 1, "Dee", "B1")
	putActivity(t, f.store, 7, 1)

	flow := NewPairingFlow(f.store, f.retriever, nil)
	res, err := flow.Run(context.Background(), PairingRequest{ClassID: 1, TemplateID: 7, Config: pairing.DefaultConfig()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"student_profile_3", "student_profile_10"}
	if got := res.SkippedIDs(); !slices.Equal(got, want) {
		t.Errorf("SkippedIDs = %v, want %v", got, want)
	}
	if len(res.Groups) != 1 || len(res.Leftover) != 1 {
		t.Errorf("groups = %+v, leftover = %v", res.Groups, res.Leftover)
	}
}

func TestSyncIndex_ReportsInvalidRowsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	putStudent(t, f.store, 2, 1, "Ben", "")
	seedHomeworkTemplates(t, f.store)

	rep := f.sync(t)
	if len(rep.Inserted) != 4 {
		t.Errorf("inserted = %v, want 4 records", rep.Inserted)
	}
	if len(rep.Failed) != 1 || rep.Failed[0].ID != "student_profile_2" {
		t.Errorf("failed = %+v", rep.Failed)
	}

	again := f.sync(t)
	if again.Writes() != 0 {
		t.Errorf("second sync wrote %d entries", again.Writes())
	}
}

func TestIndexStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	seedHomeworkTemplates(t, f.store)

	st, err := IndexStatus(ctx, f.store, f.index, f.syncer, f.eng)
	if err != nil {
		t.Fatalf("IndexStatus: %v", err)
	}
	if !st.ProviderReachable || !st.IndexReachable {
		t.Errorf("reachability = %+v", st)
	}
	if got := collection(t, st, "homework_templates"); got.Missing != 3 || got.Indexed != 0 {
		t.Errorf("before sync = %+v", got)
	}

	f.sync(t)
	ht, _ := f.store.GetHomeworkTemplate(2)
	ht.Objective = "Describe a basketball match"
	if err := f.store.PutHomeworkTemplate(ht); err != nil {
		t.Fatal(err)
	}

	st, err = IndexStatus(ctx, f.store, f.index, f.syncer, f.eng)
	if err != nil {
		t.Fatalf("IndexStatus: %v", err)
	}
	got := collection(t, st, "homework_templates")
	if got.Indexed != 3 || got.Missing != 0 || got.Stale != 1 {
		t.Errorf("after edit = %+v", got)
	}
	if s := collection(t, st, "student_profiles"); s.Indexed != 1 || s.Stale != 0 {
		t.Errorf("students = %+v", s)
	}
}

func collection(t *testing.T, st Status, name string) CollectionStatus {
	t.Helper()
	for _, c := range st.Collections {
		if c.Collection == name {
			return c
		}
	}
	t.Fatalf("collection %s missing from %+v", name, st.Collections)
	return CollectionStatus{}
}

func TestPairingFlow_ExplicitTemplateKeepsRequestedClass(t *testing.T) {
	f := newFixture(t)
	putStudent(t, f.store, 1, 1, "Ana", "B1")
	putStudent(t, f.store, 2, 1, "Ben", "A2")
	putActivity(t, f.store, 8, 2)

	flow := NewPairingFlow(f.store, f.retriever, nil)
	res, err := flow.Run(context.Background(), PairingRequest{ClassID: 1, TemplateID: 8, Config: pairing.DefaultConfig()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ClassID != 1 || res.Template.ClassID != 2 {
		t.Errorf("ClassID = %d, template class = %d; want 1 and 2", res.ClassID, res.Template.ClassID)
	}
}
