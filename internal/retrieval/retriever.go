package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/record"
)

// Query is either an existing record or raw text. When Record is set, Text
// is ignored and the record's own entry is excluded from the results.
type Query struct {
	Record *record.Record
	Text   string
}

// Kind returns the record kind encoded in the hit id.
func (h Hit) Kind() record.Kind {
	k, _, _ := record.ParseVectorID(h.ID)
	return k
}

// SourceID returns the storage row id encoded in the hit id.
func (h Hit) SourceID() int64 {
	_, n, _ := record.ParseVectorID(h.ID)
	return n
}

// Retriever combines embedding and vector search to find relevant records.
type Retriever struct {
	embedder    *Embedder
	index       Index
	collections Collections
	logger      *slog.Logger
}

// NewRetriever creates a Retriever backed by the given Embedder and Index.
func NewRetriever(embedder *Embedder, index Index, collections Collections, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, index: index, collections: collections, logger: logger}
}

// Retrieve returns up to topK hits ordered by descending score, ties by
// ascending id. filters holds exact-match metadata constraints; the "kind"
// key selects a single collection, otherwise all three are searched and
// merged. No match is an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query, topK int, filters map[string]string) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	collections, filter, err := r.scope(filters)
	if err != nil {
		return nil, err
	}

	vec, err := r.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}

	selfID := ""
	fetch := topK
	if q.Record != nil {
		selfID = q.Record.ID
		fetch++
	}

	seen := make(map[string]bool)
	var merged []Hit
	for _, coll := range collections {
		hits, err := r.index.Query(ctx, coll, vec, fetch, filter)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", coll, err)
		}
		for _, h := range hits {
			if h.ID == selfID || seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			merged = append(merged, h)
		}
	}

	SortHits(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	r.logger.Debug("retrieved", "collections", collections, "hits", len(merged))
	return merged, nil
}

func (r *Retriever) scope(filters map[string]string) ([]string, map[string]string, error) {
	filter := make(map[string]string, len(filters))
	for k, v := range filters {
		filter[k] = v
	}
	kind, ok := filter[record.MetaKind]
	if !ok {
		return r.collections.All(), filter, nil
	}
	delete(filter, record.MetaKind)
	k, err := record.ParseKind(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("kind filter: %w", err)
	}
	return []string{r.collections.For(k)}, filter, nil
}

func (r *Retriever) queryVector(ctx context.Context, q Query) ([]float32, error) {
	if q.Record == nil {
		vec, err := r.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, asEmbeddingFailure("", err)
		}
		return vec, nil
	}

	rec := *q.Record
	entries, err := r.index.Get(ctx, r.collections.For(rec.Kind), []string{rec.ID})
	if err != nil {
		return nil, err
	}
	if len(entries) == 1 && r.embedder.Fresh(entries[0], rec.Fingerprint()) {
		return entries[0].Embedding, nil
	}
	vec, err := r.embedder.Embed(ctx, rec.Text())
	if err != nil {
		return nil, asEmbeddingFailure(rec.ID, err)
	}
	return vec, nil
}

func asEmbeddingFailure(id string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindEmbeddingFailure && ae.ID == id {
		return err
	}
	return apperr.New(apperr.KindEmbeddingFailure, id, err)
}

// Vectors returns one vector per record, in input order. Indexed vectors
// whose fingerprint and model still match are reused; the rest are embedded.
func (r *Retriever) Vectors(ctx context.Context, recs []record.Record) ([][]float32, error) {
	out := make([][]float32, len(recs))

	byColl := make(map[string][]string)
	for _, rec := range recs {
		coll := r.collections.For(rec.Kind)
		byColl[coll] = append(byColl[coll], rec.ID)
	}
	stored := make(map[string]Entry)
	for coll, ids := range byColl {
		entries, err := r.index.Get(ctx, coll, ids)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			stored[e.ID] = e
		}
	}

	var missing []int
	var texts []string
	for i, rec := range recs {
		if e, ok := stored[rec.ID]; ok && r.embedder.Fresh(e, rec.Fingerprint()) {
			out[i] = e.Embedding
			continue
		}
		missing = append(missing, i)
		texts = append(texts, rec.Text())
	}
	if len(missing) == 0 {
		return out, nil
	}

	r.logger.Debug("embedding unindexed records", "count", len(missing))
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, asEmbeddingFailure("", err)
	}
	for j, i := range missing {
		out[i] = vecs[j]
	}
	if err := sameDims(out); err != nil {
		return nil, apperr.New(apperr.KindEmbeddingFailure, "", err)
	}
	return out, nil
}
