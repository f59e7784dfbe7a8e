package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/indexsync"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
)

// SyncIndex loads every row from the store and reconciles the index with it.
// Rows rejected at the record boundary are reported as failed items and are
// not indexed, so any stale entry they left behind is deleted.
func SyncIndex(ctx context.Context, store record.Store, syncer *indexsync.Syncer) (indexsync.Report, error) {
	set, err := record.Load(store)
	if err != nil {
		return indexsync.Report{}, fmt.Errorf("loading records: %w", err)
	}

	rep, err := syncer.Sync(ctx, set.Records)
	rep.Failed = append(rep.Failed, invalidItems(set.Invalid)...)
	sort.SliceStable(rep.Failed, func(i, j int) bool {
		return record.CompareIDs(rep.Failed[i].ID, rep.Failed[j].ID) < 0
	})
	return rep, err
}

func invalidItems(invalid map[string]error) []indexsync.ItemError {
	out := make([]indexsync.ItemError, 0, len(invalid))
	for id, err := range invalid {
		out = append(out, indexsync.ItemError{ID: id, Kind: apperr.KindUnknown, Err: err})
	}
	return out
}

// CollectionStatus summarizes one collection against the store.
type CollectionStatus struct {
	Collection string `json:"collection"`
	Indexed    int    `json:"indexed"`
	// Missing counts store rows with no index entry.
	Missing int `json:"missing"`
	// Stale counts entries whose fingerprint no longer matches the store.
	Stale int `json:"stale"`
	// MetadataStale counts entries with matching content but old metadata.
	MetadataStale int `json:"metadata_stale"`
	// Orphaned counts entries whose row is gone.
	Orphaned int `json:"orphaned"`
}

// Status is the health of the whole system.
type Status struct {
	ProviderReachable bool               `json:"provider_reachable"`
	IndexReachable    bool               `json:"index_reachable"`
	Collections       []CollectionStatus `json:"collections"`
	Invalid           []string           `json:"invalid,omitempty"`
}

// Pinger reports provider reachability. engine.Engine satisfies it.
type Pinger interface {
	IsRunning(ctx context.Context) bool
}

// IndexStatus reports provider reachability and, per collection, how far the
// index is behind the store. It never writes.
func IndexStatus(ctx context.Context, store record.Store, index retrieval.Index, syncer *indexsync.Syncer, provider Pinger) (Status, error) {
	st := Status{ProviderReachable: provider.IsRunning(ctx)}

	if err := index.Ping(ctx); err != nil {
		return st, nil
	}
	st.IndexReachable = true

	set, err := record.Load(store)
	if err != nil {
		return st, fmt.Errorf("loading records: %w", err)
	}
	for id := range set.Invalid {
		st.Invalid = append(st.Invalid, id)
	}
	sort.Slice(st.Invalid, func(i, j int) bool { return record.CompareIDs(st.Invalid[i], st.Invalid[j]) < 0 })

	plans, _, err := syncer.Plan(ctx, set.Records)
	if err != nil {
		return st, err
	}
	for _, p := range plans {
		n, err := index.Count(ctx, p.Collection)
		if err != nil {
			return st, err
		}
		st.Collections = append(st.Collections, CollectionStatus{
			Collection:    p.Collection,
			Indexed:       n,
			Missing:       len(p.Insert),
			Stale:         len(p.Update),
			MetadataStale: len(p.Metadata),
			Orphaned:      len(p.Delete),
		})
	}
	return st, nil
}
