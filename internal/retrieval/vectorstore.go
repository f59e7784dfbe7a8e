package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/esltutor/internal/record"
)

// Index is the vector index capability: three logical collections supporting
// upsert, filtered similarity query and deletion. Implementations must be safe
// for concurrent upserts to different ids.
type Index interface {
	// Upsert inserts or replaces entries in one collection.
	Upsert(ctx context.Context, collection string, entries []Entry) error

	// UpdateMetadata replaces the metadata of an existing entry without touching
	// its vector.
	UpdateMetadata(ctx context.Context, collection, id string, meta record.Metadata) error

	// Query returns up to topK entries ordered by descending cosine similarity,
	// ties broken by ascending id. filter is an exact-match metadata filter.
	Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Hit, error)

	// Delete removes entries by id. Missing ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	// Stamps returns the fingerprint, model, vector size and metadata of every
	// entry in a collection.
	Stamps(ctx context.Context, collection string) (map[string]Stamp, error)

	// Get returns the entries with the given ids. Missing ids are skipped.
	Get(ctx context.Context, collection string, ids []string) ([]Entry, error)

	// Count returns the number of entries in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// Ping fails with an IndexUnavailable error when the backing store is unreachable.
	Ping(ctx context.Context) error
}

// Entry is one stored vector with the fingerprint and embedding model it was
// computed from.
type Entry struct {
	ID          string
	Fingerprint string
	Model       string
	Text        string
	Embedding   []float32
	Metadata    record.Metadata
	UpdatedAt   time.Time
}

// Hit is an Entry with a similarity score attached.
type Hit struct {
	Entry
	Score float32
}

// Stamp is the change-detection view of an entry.
type Stamp struct {
	Fingerprint string
	Model       string
	Dims        int
	Metadata    record.Metadata
}

// Collections names the three logical collections.
type Collections struct {
	Homework string
	Activity string
	Students string
}

// DefaultCollections returns the standard collection names.
func DefaultCollections() Collections {
	return Collections{
		Homework: "homework_templates",
		Activity: "activity_templates",
		Students: "student_profiles",
	}
}

// For maps a record kind to its collection.
func (c Collections) For(k record.Kind) string {
	switch k {
	case record.KindHomeworkTemplate:
		return c.Homework
	case record.KindActivityTemplate:
		return c.Activity
	case record.KindStudentProfile:
		return c.Students
	}
	return ""
}

// All returns the collection names in kind order.
func (c Collections) All() []string {
	return []string{c.Homework, c.Activity, c.Students}
}
