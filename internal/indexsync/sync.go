// Package indexsync reconciles relational records into the vector index.
// Only records whose fingerprint changed are re-embedded; entries whose
// source record disappeared are deleted. Running twice on unchanged input
// performs no writes the second time.
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
)

// ContentEmbedder generates embeddings for text. Model and Dimensions
// identify the vectors it produces; Dimensions is 0 when not pinned.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// Options tunes a Syncer.
type Options struct {
	// Workers bounds concurrent embed+upsert jobs. Defaults to 4.
	Workers int
	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration
	// Progress is called after each embedding job finishes.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// Syncer is the sync engine.
type Syncer struct {
	index       retrieval.Index
	embedder    ContentEmbedder
	collections retrieval.Collections
	opts        Options
}

// New creates a Syncer.
func New(index retrieval.Index, embedder ContentEmbedder, collections retrieval.Collections, opts Options) *Syncer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer{index: index, embedder: embedder, collections: collections, opts: opts}
}

// ItemError is a per-record failure.
type ItemError struct {
	ID   string
	Kind apperr.Kind
	Err  error
}

func (e ItemError) Error() string { return e.ID + ": " + e.Err.Error() }

// Report enumerates what a run did, per record id.
type Report struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	Inserted        []string
	Updated         []string
	MetadataUpdated []string
	Deleted         []string
	Unchanged       int
	Failed          []ItemError
	Aborted         []string
}

// Writes counts index mutations.
func (r Report) Writes() int {
	return len(r.Inserted) + len(r.Updated) + len(r.MetadataUpdated) + len(r.Deleted)
}

// OK reports whether every item completed.
func (r Report) OK() bool {
	return len(r.Failed) == 0 && len(r.Aborted) == 0
}

// FailedIDs returns the ids of failed and aborted items.
func (r Report) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed)+len(r.Aborted))
	for _, f := range r.Failed {
		ids = append(ids, f.ID)
	}
	return append(ids, r.Aborted...)
}

// Plan is the set of changes a sync would apply to one collection.
type Plan struct {
	Collection string
	Insert     []record.Record
	Update     []record.Record
	Metadata   []record.Record
	Delete     []string
	Unchanged  int
}

// Jobs counts the records that need embedding.
func (p Plan) Jobs() int { return len(p.Insert) + len(p.Update) }

// Plan computes the per-collection changes without writing anything.
// Duplicate ids and invalid records are returned as item errors and are
// otherwise ignored.
func (s *Syncer) Plan(ctx context.Context, recs []record.Record) ([]Plan, []ItemError, error) {
	byColl := make(map[string]map[string]record.Record)
	for _, c := range s.collections.All() {
		byColl[c] = make(map[string]record.Record)
	}

	var rejected []ItemError
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			rejected = append(rejected, ItemError{ID: r.ID, Kind: apperr.KindOf(err), Err: err})
			continue
		}
		coll := s.collections.For(r.Kind)
		if _, dup := byColl[coll][r.ID]; dup {
			err := errors.New("duplicate record id in input")
			rejected = append(rejected, ItemError{ID: r.ID, Kind: apperr.KindOf(err), Err: err})
			continue
		}
		byColl[coll][r.ID] = r
	}

	plans := make([]Plan, 0, len(byColl))
	for _, coll := range s.collections.All() {
		stamps, err := s.index.Stamps(ctx, coll)
		if err != nil {
			return nil, rejected, fmt.Errorf("reading %s stamps: %w", coll, err)
		}
		plans = append(plans, s.diff(coll, byColl[coll], stamps))
	}
	return plans, rejected, nil
}

// diff re-embeds entries whose content changed or whose vector came from a
// different model or has a different size than the embedder now produces.
func (s *Syncer) diff(coll string, want map[string]record.Record, have map[string]retrieval.Stamp) Plan {
	p := Plan{Collection: coll}
	model, dims := s.embedder.Model(), s.embedder.Dimensions()
	for _, id := range sortedKeys(want) {
		r := want[id]
		st, ok := have[id]
		switch {
		case !ok:
			p.Insert = append(p.Insert, r)
		case st.Fingerprint != r.Fingerprint(),
			st.Model != model,
			dims > 0 && st.Dims != dims:
			p.Update = append(p.Update, r)
		case !maps.Equal(st.Metadata, r.Metadata):
			p.Metadata = append(p.Metadata, r)
		default:
			p.Unchanged++
		}
	}
	for _, id := range sortedKeys(have) {
		if _, ok := want[id]; !ok {
			p.Delete = append(p.Delete, id)
		}
	}
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return record.CompareIDs(keys[i], keys[j]) < 0 })
	return keys
}

type job struct {
	coll   string
	rec    record.Record
	update bool
}

type outcome int

const (
	pending outcome = iota
	written
	failed
	aborted
)

// Sync reconciles recs into the index. Per-item failures are collected in
// the report. The run aborts with an IndexUnavailable error as soon as the
// index cannot be reached, and with a timeout error when the run deadline
// passes; in both cases the report lists completed and aborted ids.
func (s *Syncer) Sync(ctx context.Context, recs []record.Record) (rep Report, err error) {
	rep = Report{RunID: uuid.New().String(), StartedAt: time.Now().UTC()}
	log := s.opts.Logger.With("run_id", rep.RunID)
	defer func() { rep.FinishedAt = time.Now().UTC() }()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	if err := s.index.Ping(ctx); err != nil {
		return rep, err
	}

	plans, rejected, err := s.Plan(ctx, recs)
	rep.Failed = append(rep.Failed, rejected...)
	if err != nil {
		return rep, err
	}

	var jobs []job
	for _, p := range plans {
		rep.Unchanged += p.Unchanged
		if len(p.Delete) > 0 {
			if err := s.index.Delete(ctx, p.Collection, p.Delete); err != nil {
				return rep, fmt.Errorf("deleting from %s: %w", p.Collection, err)
			}
			rep.Deleted = append(rep.Deleted, p.Delete...)
			log.Debug("deleted entries", "collection", p.Collection, "count", len(p.Delete))
		}
		for _, r := range p.Metadata {
			if err := s.index.UpdateMetadata(ctx, p.Collection, r.ID, r.Metadata); err != nil {
				if apperr.KindOf(err) == apperr.KindIndexUnavailable {
					return rep, err
				}
				rep.Failed = append(rep.Failed, ItemError{ID: r.ID, Kind: apperr.KindOf(err), Err: err})
				continue
			}
			rep.MetadataUpdated = append(rep.MetadataUpdated, r.ID)
		}
		for _, r := range p.Insert {
			jobs = append(jobs, job{coll: p.Collection, rec: r})
		}
		for _, r := range p.Update {
			jobs = append(jobs, job{coll: p.Collection, rec: r, update: true})
		}
	}

	fatal := s.runJobs(ctx, jobs, &rep, log)

	log.Info("sync finished",
		"inserted", len(rep.Inserted),
		"updated", len(rep.Updated),
		"metadata_updated", len(rep.MetadataUpdated),
		"deleted", len(rep.Deleted),
		"unchanged", rep.Unchanged,
		"failed", len(rep.Failed),
		"aborted", len(rep.Aborted),
	)

	if fatal != nil {
		return rep, fatal
	}
	if err := ctx.Err(); err != nil && len(rep.Aborted) > 0 {
		return rep, fmt.Errorf("sync run %s: %d items aborted: %w", rep.RunID, len(rep.Aborted), err)
	}
	return rep, nil
}

// runJobs embeds and upserts each job on a bounded pool. Results are
// recorded in job order regardless of completion order.
func (s *Syncer) runJobs(ctx context.Context, jobs []job, rep *Report, log *slog.Logger) error {
	if len(jobs) == 0 {
		return nil
	}

	results := make([]outcome, len(jobs))
	errs := make([]error, len(jobs))

	var mu sync.Mutex
	done := 0
	progress := func() {
		if s.opts.Progress == nil {
			return
		}
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		s.opts.Progress(n, len(jobs))
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, j := range jobs {
		g.Go(func() error {
			defer progress()
			if gCtx.Err() != nil {
				results[i] = aborted
				return nil
			}
			err := s.process(gCtx, j)
			switch {
			case err == nil:
				results[i] = written
			case gCtx.Err() != nil:
				results[i] = aborted
			case apperr.KindOf(err) == apperr.KindIndexUnavailable:
				results[i] = failed
				errs[i] = err
				return err
			default:
				results[i] = failed
				errs[i] = err
				log.Warn("sync item failed", "id", j.rec.ID, "error", err)
			}
			return nil
		})
	}
	fatal := g.Wait()

	for i, j := range jobs {
		switch results[i] {
		case written:
			if j.update {
				rep.Updated = append(rep.Updated, j.rec.ID)
			} else {
				rep.Inserted = append(rep.Inserted, j.rec.ID)
			}
		case failed:
			rep.Failed = append(rep.Failed, ItemError{ID: j.rec.ID, Kind: apperr.KindOf(errs[i]), Err: errs[i]})
		default:
			rep.Aborted = append(rep.Aborted, j.rec.ID)
		}
	}
	return fatal
}

func (s *Syncer) process(ctx context.Context, j job) error {
	text := j.rec.Text()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", j.rec.ID, err)
	}
	return s.index.Upsert(ctx, j.coll, []retrieval.Entry{{
		ID:          j.rec.ID,
		Fingerprint: j.rec.Fingerprint(),
		Model:       s.embedder.Model(),
		Text:        text,
		Embedding:   vec,
		Metadata:    j.rec.Metadata,
		UpdatedAt:   time.Now().UTC(),
	}})
}
