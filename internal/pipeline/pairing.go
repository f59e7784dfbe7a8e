package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/esltutor/internal/pairing"
	"github.com/kalambet/esltutor/internal/record"
	"github.com/kalambet/esltutor/internal/retrieval"
	"github.com/kalambet/esltutor/internal/storage"
)

// PairingStore is the relational access the pairing flow needs.
type PairingStore interface {
	ListStudentsByClass(classID int64) ([]storage.Student, error)
	GetActivityTemplate(id int64) (storage.ActivityTemplate, error)
	PartnerHistory(studentIDs []int64) (map[storage.PairKey]int, error)
	SaveActivityGroups(groups []storage.ActivityGroup) ([]storage.ActivityGroup, error)
}

// PairingRequest describes one pairing run for a class.
type PairingRequest struct {
	ClassID int64
	// TemplateID bypasses retrieval when set.
	TemplateID int64
	Config     pairing.Config
	// CompletionDate is stamped on persisted groups. Zero means now.
	CompletionDate time.Time
	Save           bool
}

// PairingResult is the partition plus what it was computed from.
type PairingResult struct {
	pairing.Result
	ClassID  int64
	Template storage.ActivityTemplate
	// Skipped maps student vector ids rejected at the record boundary to
	// the reason.
	Skipped map[string]string
	Saved   []storage.ActivityGroup
}

// SkippedIDs returns the skipped student ids in id order.
func (r PairingResult) SkippedIDs() []string {
	ids := make([]string, 0, len(r.Skipped))
	for id := range r.Skipped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return record.CompareIDs(ids[i], ids[j]) < 0 })
	return ids
}

// PairingFlow forms conversation groups for one class.
type PairingFlow struct {
	store     PairingStore
	retriever *retrieval.Retriever
	logger    *slog.Logger
	now       func() time.Time
}

// NewPairingFlow creates a PairingFlow.
func NewPairingFlow(store PairingStore, retriever *retrieval.Retriever, logger *slog.Logger) *PairingFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingFlow{store: store, retriever: retriever, logger: logger, now: time.Now}
}

// Run loads the roster and the activity template, scores every pair from
// profile vectors and partner history, partitions the class and optionally
// persists the groups.
func (f *PairingFlow) Run(ctx context.Context, req PairingRequest) (PairingResult, error) {
	students, err := f.store.ListStudentsByClass(req.ClassID)
	if err != nil {
		return PairingResult{}, fmt.Errorf("loading roster for class %d: %w", req.ClassID, err)
	}

	out := PairingResult{ClassID: req.ClassID, Skipped: make(map[string]string)}
	recs := make([]record.Record, 0, len(students))
	levels := make(map[int64]string, len(students))
	for _, st := range students {
		rec, err := record.FromStudent(st)
		if err != nil {
			id := record.VectorID(record.KindStudentProfile, st.ID)
			out.Skipped[id] = err.Error()
			f.logger.Warn("skipping student", "id", id, "error", err)
			continue
		}
		recs = append(recs, rec)
		levels[st.ID] = st.ProficiencyLevel
	}

	tmpl, err := f.template(ctx, req, students)
	if err != nil {
		return PairingResult{}, err
	}
	out.Template = tmpl

	vecs, err := f.retriever.Vectors(ctx, recs)
	if err != nil {
		return PairingResult{}, fmt.Errorf("loading profile vectors: %w", err)
	}
	roster := make([]pairing.Member, len(recs))
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		roster[i] = pairing.Member{ID: rec.SourceID, Level: levels[rec.SourceID], Vector: vecs[i]}
		ids[i] = rec.SourceID
	}

	history, err := f.store.PartnerHistory(ids)
	if err != nil {
		return PairingResult{}, fmt.Errorf("loading partner history: %w", err)
	}

	res, err := pairing.Pair(roster, tmpl.ID, req.Config, history)
	if err != nil {
		return PairingResult{}, err
	}
	out.Result = res

	if req.Save {
		date := req.CompletionDate
		if date.IsZero() {
			date = f.now()
		}
		saved, err := f.store.SaveActivityGroups(res.ActivityGroups(date))
		if err != nil {
			return out, fmt.Errorf("saving activity groups: %w", err)
		}
		out.Saved = saved
	}

	f.logger.Info("class paired",
		"class_id", req.ClassID,
		"template_id", tmpl.ID,
		"groups", len(res.Groups),
		"leftover", res.Leftover,
		"total", res.Total(),
	)
	return out, nil
}

func (f *PairingFlow) template(ctx context.Context, req PairingRequest, students []storage.Student) (storage.ActivityTemplate, error) {
	id := req.TemplateID
	if id == 0 {
		filters := map[string]string{
			record.MetaKind:    string(record.KindActivityTemplate),
			record.MetaClassID: strconv.FormatInt(req.ClassID, 10),
		}
		hits, err := f.retriever.Retrieve(ctx, retrieval.Query{Text: rosterQuery(students)}, 1, filters)
		if err != nil {
			return storage.ActivityTemplate{}, fmt.Errorf("retrieving activity template for class %d: %w", req.ClassID, err)
		}
		if len(hits) == 0 {
			return storage.ActivityTemplate{}, fmt.Errorf("class %d: %w", req.ClassID, ErrNoTemplate)
		}
		id = hits[0].SourceID()
	}

	at, err := f.store.GetActivityTemplate(id)
	if err != nil {
		return storage.ActivityTemplate{}, fmt.Errorf("loading activity template %d: %w", id, err)
	}
	return at, nil
}

// rosterQuery summarizes a class as retrieval text: its levels and the
// interests its students share.
func rosterQuery(students []storage.Student) string {
	levels := make(map[string]bool)
	interests := make(map[string]bool)
	for _, st := range students {
		if st.ProficiencyLevel != "" {
			levels[st.ProficiencyLevel] = true
		}
		for _, in := range st.Interests {
			interests[strings.ToLower(in.Name)] = true
		}
	}
	parts := []string{"Conversation activity"}
	if len(levels) > 0 {
		parts = append(parts, "Proficiency Levels: "+strings.Join(sortedSet(levels), ", "))
	}
	if len(interests) > 0 {
		parts = append(parts, "Interests: "+strings.Join(sortedSet(interests), ", "))
	}
	return strings.Join(parts, ", ")
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
