package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/storage"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSQLiteIndex(store.DB())
}

func entry(id string, vec []float32, meta record.Metadata) Entry {
	return Entry{ID: id, Fingerprint: "fp-" + id, Model: "m", Text: "text " + id, Embedding: vec, Metadata: meta}
}

func TestSQLiteIndex_QueryOrdersByScoreThenID(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Homework

	err := idx.Upsert(ctx, coll, []Entry{
		entry("homework_template_10", []float32{1, 0}, nil),
		entry("homework_template_2", []float32{1, 0}, nil),
		entry("homework_template_3", []float32{0, 1}, nil),
		entry("homework_template_4", []float32{0.8, 0.6}, nil),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for i := 0; i < 3; i++ {
		hits, err := idx.Query(ctx, coll, []float32{1, 0}, 3, nil)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		got := ids(hits)
		want := []string{"homework_template_2", "homework_template_10", "homework_template_4"}
		if !equal(got, want) {
			t.Fatalf("run %d: ids = %v, want %v", i, got, want)
		}
		if hits[0].Score < 0.999 {
			t.Errorf("top score = %f, want ~1", hits[0].Score)
		}
	}
}

func TestSQLiteIndex_TieBreakSurvivesHeapEviction(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Students

	var entries []Entry
	for _, id := range []string{"student_profile_9", "student_profile_3", "student_profile_7", "student_profile_1"} {
		entries = append(entries, entry(id, []float32{1, 1}, nil))
	}
	if err := idx.Upsert(ctx, coll, entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := idx.Query(ctx, coll, []float32{1, 1}, 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, want := ids(hits), []string{"student_profile_1", "student_profile_3"}; !equal(got, want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

func TestSQLiteIndex_Filters(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Homework

	idx.Upsert(ctx, coll, []Entry{
		entry("homework_template_1", []float32{1, 0}, record.Metadata{"class_id": "1", "level": "B1"}),
		entry("homework_template_2", []float32{1, 0}, record.Metadata{"class_id": "2", "level": "B1"}),
		entry("homework_template_3", []float32{1, 0}, record.Metadata{"class_id": "1", "level": "A2"}),
	})

	hits, err := idx.Query(ctx, coll, []float32{1, 0}, 10, map[string]string{"class_id": "1", "level": "B1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := ids(hits); !equal(got, []string{"homework_template_1"}) {
		t.Errorf("ids = %v", got)
	}
	if hits[0].Metadata["level"] != "B1" {
		t.Errorf("metadata = %v", hits[0].Metadata)
	}

	hits, err = idx.Query(ctx, coll, []float32{1, 0}, 10, map[string]string{"class_id": "99"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for unmatched filter, want 0", len(hits))
	}

	if _, err := idx.Query(ctx, coll, []float32{1, 0}, 10, map[string]string{"x') OR 1=1 --": "1"}); err == nil {
		t.Error("expected error for invalid filter key")
	}
}

func TestSQLiteIndex_CollectionsAreIsolated(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	cols := DefaultCollections()

	idx.Upsert(ctx, cols.Homework, []Entry{entry("homework_template_1", []float32{1, 0}, nil)})
	idx.Upsert(ctx, cols.Activity, []Entry{entry("activity_template_1", []float32{1, 0}, nil)})

	n, err := idx.Count(ctx, cols.Homework)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
	hits, _ := idx.Query(ctx, cols.Activity, []float32{1, 0}, 5, nil)
	if got := ids(hits); !equal(got, []string{"activity_template_1"}) {
		t.Errorf("ids = %v", got)
	}
}

func TestSQLiteIndex_SkipsMismatchedDimensions(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Homework

	idx.Upsert(ctx, coll, []Entry{
		entry("homework_template_1", []float32{1, 0, 0}, nil),
		entry("homework_template_2", []float32{1, 0}, nil),
	})
	hits, err := idx.Query(ctx, coll, []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := ids(hits); !equal(got, []string{"homework_template_2"}) {
		t.Errorf("ids = %v", got)
	}
}

func TestSQLiteIndex_ZeroQueryVector(t *testing.T) {
	idx := openTestIndex(t)
	coll := DefaultCollections().Homework
	idx.Upsert(context.Background(), coll, []Entry{entry("homework_template_1", []float32{1, 0}, nil)})

	hits, err := idx.Query(context.Background(), coll, []float32{0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestSQLiteIndex_UpsertReplaces(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Homework

	idx.Upsert(ctx, coll, []Entry{entry("homework_template_1", []float32{1, 0}, nil)})
	updated := entry("homework_template_1", []float32{0, 1}, record.Metadata{"level": "C1"})
	updated.Fingerprint = "fp-new"
	if err := idx.Upsert(ctx, coll, []Entry{updated}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := idx.Get(ctx, coll, []string{"homework_template_1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got[0].Fingerprint != "fp-new" || got[0].Embedding[1] != 1 || got[0].Metadata["level"] != "C1" {
		t.Errorf("entry = %+v", got[0])
	}
	if n, _ := idx.Count(ctx, coll); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestSQLiteIndex_StampsAndUpdateMetadata(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Students

	e := entry("student_profile_1", []float32{1, 0, 0}, record.Metadata{"level": "B1"})
	e.Model = "nomic-embed-text"
	idx.Upsert(ctx, coll, []Entry{e})
	if err := idx.UpdateMetadata(ctx, coll, "student_profile_1", record.Metadata{"level": "B2"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	stamps, err := idx.Stamps(ctx, coll)
	if err != nil {
		t.Fatalf("Stamps: %v", err)
	}
	st := stamps["student_profile_1"]
	if st.Fingerprint != "fp-student_profile_1" || st.Metadata["level"] != "B2" {
		t.Errorf("stamp = %+v", st)
	}
	if st.Model != "nomic-embed-text" || st.Dims != 3 {
		t.Errorf("stamp model/dims = %q/%d, want nomic-embed-text/3", st.Model, st.Dims)
	}
	got, err := idx.Get(ctx, coll, []string{"student_profile_1"})
	if err != nil || len(got) != 1 || got[0].Model != "nomic-embed-text" {
		t.Errorf("Get = %+v, %v", got, err)
	}

	if err := idx.UpdateMetadata(ctx, coll, "student_profile_404", nil); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestSQLiteIndex_Delete(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	coll := DefaultCollections().Homework

	idx.Upsert(ctx, coll, []Entry{
		entry("homework_template_1", []float32{1, 0}, nil),
		entry("homework_template_2", []float32{1, 0}, nil),
	})
	if err := idx.Delete(ctx, coll, []string{"homework_template_1", "homework_template_404"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := idx.Count(ctx, coll); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestSQLiteIndex_ClosedDatabaseIsUnavailable(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	idx := NewSQLiteIndex(store.DB())
	store.Close()

	_, err = idx.Query(context.Background(), "homework_templates", []float32{1}, 1, nil)
	if !errors.Is(err, apperr.ErrIndexUnavailable) {
		t.Errorf("Query err = %v, want index unavailable", err)
	}
	if err := idx.Ping(context.Background()); !errors.Is(err, apperr.ErrIndexUnavailable) {
		t.Errorf("Ping err = %v, want index unavailable", err)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0.1, -2.5, 3}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 || out[1] != -2.5 {
		t.Errorf("decoded = %v", out)
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSQLiteIndex_CanceledContextIsNotUnavailable(t *testing.T) {
	idx := openTestIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := idx.Upsert(ctx, DefaultCollections().Homework, []Entry{entry("homework_template_1", []float32{1, 0}, nil)})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
	if errors.Is(err, apperr.ErrIndexUnavailable) {
		t.Errorf("err = %v, must not be index unavailable", err)
	}
}
