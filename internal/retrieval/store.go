package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/record"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex stores vectors in the index_vectors table and answers queries
// with a brute-force cosine scan. Each logical collection is a partition of
// the table keyed by the collection column.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB. The index_vectors table must
// already exist (created via storage migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

var filterKey = regexp.MustCompile(`^[a-z0-9_]+$`)

// unavailable tags err as IndexUnavailable. Cancellation and deadline errors
// keep their own identity so callers can tell an aborted run from a dead index.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.New(apperr.KindIndexUnavailable, "", fmt.Errorf("%s: %w", op, err))
}

// Ping checks that the database answers.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging index", err)
	}
	return nil
}

// Upsert inserts or replaces entries in one transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, collection string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning upsert transaction", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO index_vectors (collection, id, fingerprint, model, text_chunk, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			model = excluded.model,
			text_chunk = excluded.text_chunk,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return unavailable("preparing upsert statement", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if len(e.Embedding) == 0 {
			tx.Rollback()
			return fmt.Errorf("entry %s has no embedding", e.ID)
		}
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding metadata for %s: %w", e.ID, err)
		}
		updatedAt := e.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, collection, e.ID, e.Fingerprint, e.Model, e.Text,
			encodeFloat32s(e.Embedding), meta, updatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return unavailable("upserting "+e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing upsert", err)
	}
	return nil
}

// UpdateMetadata rewrites the metadata column only.
func (s *SQLiteIndex) UpdateMetadata(ctx context.Context, collection, id string, meta record.Metadata) error {
	enc, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE index_vectors SET metadata = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		enc, time.Now().UTC().Format(time.RFC3339), collection, id)
	if err != nil {
		return unavailable("updating metadata for "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("updating metadata for "+id, err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s not found in %s", id, collection)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Full entries are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// better reports whether a ranks ahead of b: higher score first, then lower id.
func better(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return record.CompareIDs(a.ID, b.ID) < 0
}

// Query performs a filtered brute-force cosine scan and returns the top-K
// entries. Rows whose dimension differs from the query vector are skipped.
func (s *SQLiteIndex) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args, err := filterClause(collection, filter)
	if err != nil {
		return nil, err
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM index_vectors WHERE `+where, args...)
	if err != nil {
		return nil, unavailable("querying vectors", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, unavailable("scanning row", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			continue
		}

		cand := idScore{ID: id, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if better(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating rows", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full entries only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	entries, err := s.Get(ctx, collection, topIDs)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, Hit{Entry: e, Score: scores[e.ID]})
	}
	SortHits(hits)
	return hits, nil
}

// SortHits orders hits by descending score, ties by ascending id.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return better(idScore{hits[i].ID, hits[i].Score}, idScore{hits[j].ID, hits[j].Score})
	})
}

func filterClause(collection string, filter map[string]string) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !filterKey.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter key %q", k)
		}
		clauses = append(clauses, "json_extract(metadata, '$."+k+"') = ?")
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Delete removes entries by id. Missing ids are ignored.
func (s *SQLiteIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `DELETE FROM index_vectors WHERE collection = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable("deleting entries", err)
	}
	return nil
}

// Stamps returns fingerprint, model, vector size and metadata for every entry
// of a collection.
func (s *SQLiteIndex) Stamps(ctx context.Context, collection string) (map[string]Stamp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, model, length(embedding) / 4, metadata FROM index_vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, unavailable("listing "+collection, err)
	}
	defer rows.Close()

	out := make(map[string]Stamp)
	for rows.Next() {
		var id, fp, model, meta string
		var dims int
		if err := rows.Scan(&id, &fp, &model, &dims, &meta); err != nil {
			return nil, unavailable("scanning row", err)
		}
		m, err := decodeMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		out[id] = Stamp{Fingerprint: fp, Model: model, Dims: dims, Metadata: m}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating rows", err)
	}
	return out, nil
}

// Get returns entries matching the given ids, ordered by id.
func (s *SQLiteIndex) Get(ctx context.Context, collection string, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]any, 0, len(ids)+1)
	queryArgs = append(queryArgs, collection)
	for _, id := range ids {
		queryArgs = append(queryArgs, id)
	}

	query := `SELECT id, fingerprint, model, text_chunk, embedding, metadata, updated_at
		FROM index_vectors WHERE collection = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, unavailable("querying by ids", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var meta, updatedAt string
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.Model, &e.Text, &blob, &meta, &updatedAt); err != nil {
			return nil, unavailable("scanning row", err)
		}
		if e.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
		}
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for id %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating rows", err)
	}
	sort.Slice(entries, func(i, j int) bool { return record.CompareIDs(entries[i].ID, entries[j].ID) < 0 })
	return entries, nil
}

// Count returns the number of entries in a collection.
func (s *SQLiteIndex) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM index_vectors WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return 0, unavailable("counting "+collection, err)
	}
	return count, nil
}

func encodeMetadata(m record.Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) (record.Metadata, error) {
	m := record.Metadata{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// Cosine returns the cosine similarity of two vectors, 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float32 {
	return cosine(a, b, norm(a))
}

// idScoreHeap is a min-heap of idScore: the root is the worst candidate kept.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
