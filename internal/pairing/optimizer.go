package pairing

import (
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/storage"
)

const epsilon = 1e-9

// Group is one activity group. StudentIDs are ascending.
type Group struct {
	StudentIDs []int64
	// Score is the mean pairwise compatibility inside the group.
	Score float64
}

// Result is the outcome of one pairing run.
type Result struct {
	TemplateID int64
	Groups     []Group
	// Leftover holds students that could not fill a complete group.
	Leftover []int64
}

// Total sums group scores.
func (r Result) Total() float64 {
	var t float64
	for _, g := range r.Groups {
		t += g.Score
	}
	return t
}

// ActivityGroups converts the result for persistence.
func (r Result) ActivityGroups(completed time.Time) []storage.ActivityGroup {
	out := make([]storage.ActivityGroup, len(r.Groups))
	for i, g := range r.Groups {
		out[i] = storage.ActivityGroup{
			ActivityTemplateID: r.TemplateID,
			StudentIDs:         append([]int64(nil), g.StudentIDs...),
			Score:              g.Score,
			CompletionDate:     completed,
		}
	}
	return out
}

// Pair scores the roster and partitions it into groups of cfg.GroupSize.
func Pair(roster []Member, templateID int64, cfg Config, history History) (Result, error) {
	if cfg.GroupSize < 2 {
		return Result{}, fmt.Errorf("group size must be at least 2, got %d", cfg.GroupSize)
	}
	if len(roster) < cfg.GroupSize {
		return Result{}, apperr.Errorf(apperr.KindInsufficientRoster, "",
			"roster has %d students, group size is %d", len(roster), cfg.GroupSize)
	}
	mat, err := Compatibility(roster, cfg, history)
	if err != nil {
		return Result{}, err
	}
	groups, leftover := Partition(mat, cfg.GroupSize)
	return Result{TemplateID: templateID, Groups: groups, Leftover: leftover}, nil
}

type edge struct {
	i, j int
	w    float64
}

// Partition greedily forms groups from the matrix. Each group is seeded by
// the highest remaining pair (ties by ascending id pair) and grown by the
// unassigned student with the highest mean score to current members (ties
// by lowest id). A swap pass then exchanges members between groups while
// that strictly raises the total. Students left when fewer than groupSize
// remain are returned as leftover.
func Partition(m *Matrix, groupSize int) ([]Group, []int64) {
	n := len(m.IDs)
	assigned := make([]bool, n)

	edges := make([]edge, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			edges = append(edges, edge{i, j, m.At(i, j)})
		}
	}
	sort.SliceStable(edges, func(a, b int) bool {
		if edges[a].w != edges[b].w {
			return edges[a].w > edges[b].w
		}
		if edges[a].i != edges[b].i {
			return edges[a].i < edges[b].i
		}
		return edges[a].j < edges[b].j
	})

	var groups [][]int
	remaining := n
	next := 0
	for remaining >= groupSize {
		for assigned[edges[next].i] || assigned[edges[next].j] {
			next++
		}
		e := edges[next]
		members := []int{e.i, e.j}
		assigned[e.i], assigned[e.j] = true, true

		for len(members) < groupSize {
			best, bestScore := -1, 0.0
			for c := 0; c < n; c++ {
				if assigned[c] {
					continue
				}
				s := meanTo(m, c, members)
				if best < 0 || s > bestScore+epsilon {
					best, bestScore = c, s
				}
			}
			members = append(members, best)
			assigned[best] = true
		}
		groups = append(groups, members)
		remaining -= groupSize
	}

	improve(m, groups)

	out := make([]Group, len(groups))
	for gi, members := range groups {
		ids := make([]int64, len(members))
		for k, idx := range members {
			ids[k] = m.IDs[idx]
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		out[gi] = Group{StudentIDs: ids, Score: groupScore(m, members)}
	}

	var leftover []int64
	for i := 0; i < n; i++ {
		if !assigned[i] {
			leftover = append(leftover, m.IDs[i])
		}
	}
	return out, leftover
}

func meanTo(m *Matrix, c int, members []int) float64 {
	var s float64
	for _, x := range members {
		s += m.At(c, x)
	}
	return s / float64(len(members))
}

// intra sums pairwise scores inside a group.
func intra(m *Matrix, members []int) float64 {
	var s float64
	for a := 0; a < len(members); a++ {
		for b := a + 1; b < len(members); b++ {
			s += m.At(members[a], members[b])
		}
	}
	return s
}

func groupScore(m *Matrix, members []int) float64 {
	k := len(members)
	if k < 2 {
		return 0
	}
	return intra(m, members) / float64(k*(k-1)/2)
}

// improve swaps single members between two groups while any swap strictly
// raises the summed intra-group score. Scans run in a fixed order and the
// first improving swap is applied, so the outcome is deterministic.
func improve(m *Matrix, groups [][]int) {
	for changed := true; changed; {
		changed = false
		for g1 := 0; g1 < len(groups); g1++ {
			for g2 := g1 + 1; g2 < len(groups); g2++ {
				if trySwap(m, groups[g1], groups[g2]) {
					changed = true
				}
			}
		}
	}
}

func trySwap(m *Matrix, a, b []int) bool {
	before := intra(m, a) + intra(m, b)
	for x := range a {
		for y := range b {
			a[x], b[y] = b[y], a[x]
			if intra(m, a)+intra(m, b) > before+epsilon {
				return true
			}
			a[x], b[y] = b[y], a[x]
		}
	}
	return false
}
