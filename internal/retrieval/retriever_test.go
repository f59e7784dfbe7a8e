package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/record"
)

// vocabEngine embeds text onto three axes by keyword.
func vocabEngine() *mockEngine {
	return &mockEngine{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		vec := []float32{0, 0, 0}
		for i, word := range []string{"travel", "business", "cooking"} {
			if strings.Contains(text, word) {
				vec[i] = 1
			}
		}
		if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 {
			vec[2] = 0.01
		}
		return vec, nil
	}}
}

func seedRetriever(t *testing.T, eng *mockEngine) (*Retriever, *SQLiteIndex) {
	t.Helper()
	idx := openTestIndex(t)
	cols := DefaultCollections()
	ctx := context.Background()

	idx.Upsert(ctx, cols.Homework, []Entry{
		entry("homework_template_1", []float32{1, 0, 0}, record.Metadata{"class_id": "1", "kind": "homework_template"}),
		entry("homework_template_2", []float32{0, 1, 0}, record.Metadata{"class_id": "1", "kind": "homework_template"}),
		entry("homework_template_3", []float32{1, 0, 0}, record.Metadata{"class_id": "2", "kind": "homework_template"}),
	})
	idx.Upsert(ctx, cols.Activity, []Entry{
		entry("activity_template_1", []float32{0.9, 0.1, 0}, record.Metadata{"class_id": "1", "kind": "activity_template"}),
	})
	idx.Upsert(ctx, cols.Students, []Entry{
		entry("student_profile_1", []float32{1, 1, 0}, record.Metadata{"class_id": "1", "kind": "student_profile"}),
	})
	return NewRetriever(NewEmbedder(eng, "m"), idx, cols, nil), idx
}

func TestRetrieve_KindFilterSelectsCollection(t *testing.T) {
	r, _ := seedRetriever(t, vocabEngine())

	hits, err := r.Retrieve(context.Background(), Query{Text: "travel"}, 5,
		map[string]string{"kind": "homework_template", "class_id": "1"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got, want := ids(hits), []string{"homework_template_1", "homework_template_2"}; !equal(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
	if hits[0].Kind() != record.KindHomeworkTemplate || hits[0].SourceID() != 1 {
		t.Errorf("hit kind/source = %s/%d", hits[0].Kind(), hits[0].SourceID())
	}
}

func TestRetrieve_MergesAllCollections(t *testing.T) {
	r, _ := seedRetriever(t, vocabEngine())

	hits, err := r.Retrieve(context.Background(), Query{Text: "travel"}, 3, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want := []string{"homework_template_1", "homework_template_3", "activity_template_1"}
	if got := ids(hits); !equal(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not in descending score order: %v", hits)
		}
	}
}

func TestRetrieve_NoMatchIsEmpty(t *testing.T) {
	r, _ := seedRetriever(t, vocabEngine())

	hits, err := r.Retrieve(context.Background(), Query{Text: "travel"}, 3, map[string]string{"class_id": "42"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestRetrieve_RecordQueryUsesStoredVectorAndExcludesSelf(t *testing.T) {
	eng := vocabEngine()
	r, idx := seedRetriever(t, eng)
	ctx := context.Background()

	rec := record.Record{
		ID:       "homework_template_9",
		Kind:     record.KindHomeworkTemplate,
		SourceID: 9,
		Fields:   []record.Field{{Name: "name", Label: "Template Name", Value: "Business emails"}},
	}
	idx.Upsert(ctx, DefaultCollections().Homework, []Entry{{
		ID: rec.ID, Fingerprint: rec.Fingerprint(), Model: "m", Text: rec.Text(), Embedding: []float32{0, 1, 0},
	}})

	hits, err := r.Retrieve(ctx, Query{Record: &rec}, 1, map[string]string{"kind": "homework_template"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := ids(hits); !equal(got, []string{"homework_template_2"}) {
		t.Errorf("ids = %v, want [homework_template_2]", got)
	}
	if eng.calls.Load() != 0 {
		t.Errorf("engine calls = %d, want 0 for an indexed record", eng.calls.Load())
	}

	// A changed record is embedded on the fly.
	rec.Fields[0].Value = "Cooking at home"
	hits, err = r.Retrieve(ctx, Query{Record: &rec}, 1, map[string]string{"kind": "homework_template"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
	for _, h := range hits {
		if h.ID == rec.ID {
			t.Error("query record returned in its own results")
		}
	}
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	eng := &mockEngine{embedFn: func(context.Context, string, string) ([]float32, error) {
		return nil, errors.New("engine down")
	}}
	r, _ := seedRetriever(t, eng)

	_, err := r.Retrieve(context.Background(), Query{Text: "travel"}, 3, nil)
	if !errors.Is(err, apperr.ErrEmbeddingFailure) {
		t.Errorf("err = %v, want embedding failure", err)
	}
}

func TestRetrieve_UnknownKindFilter(t *testing.T) {
	r, _ := seedRetriever(t, vocabEngine())
	if _, err := r.Retrieve(context.Background(), Query{Text: "x"}, 3, map[string]string{"kind": "lesson"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestVectors_ReusesIndexedAndEmbedsRest(t *testing.T) {
	eng := vocabEngine()
	r, idx := seedRetriever(t, eng)
	ctx := context.Background()

	indexed := record.Record{ID: "student_profile_5", Kind: record.KindStudentProfile, SourceID: 5,
		Fields: []record.Field{{Name: "student", Label: "Student", Value: "Ana"}}}
	fresh := record.Record{ID: "student_profile_6", Kind: record.KindStudentProfile, SourceID: 6,
		Fields: []record.Field{{Name: "student", Label: "Student", Value: "Ben likes business"}}}
	idx.Upsert(ctx, DefaultCollections().Students, []Entry{{
		ID: indexed.ID, Fingerprint: indexed.Fingerprint(), Model: "m", Embedding: []float32{0, 0, 1},
	}})

	vecs, err := r.Vectors(ctx, []record.Record{fresh, indexed})
	if err != nil {
		t.Fatalf("Vectors: %v", err)
	}
	if vecs[0][1] != 1 || vecs[1][2] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
}

func TestVectors_ReembedsEntriesFromAnotherModel(t *testing.T) {
	eng := vocabEngine()
	r, idx := seedRetriever(t, eng)
	ctx := context.Background()

	rec := record.Record{ID: "student_profile_5", Kind: record.KindStudentProfile, SourceID: 5,
		Fields: []record.Field{{Name: "student", Label: "Student", Value: "Ana likes travel"}}}
	idx.Upsert(ctx, DefaultCollections().Students, []Entry{{
		ID: rec.ID, Fingerprint: rec.Fingerprint(), Model: "old-model", Embedding: []float32{0, 0, 1},
	}})

	vecs, err := r.Vectors(ctx, []record.Record{rec})
	if err != nil {
		t.Fatalf("Vectors: %v", err)
	}
	if vecs[0][0] != 1 || vecs[0][2] != 0 {
		t.Errorf("vec = %v, want a fresh embedding", vecs[0])
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
}
