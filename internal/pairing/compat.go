// Package pairing partitions a class roster into conversation groups that
// maximize pairwise compatibility. The optimizer is a greedy approximation
// of maximum-weight matching followed by a member-swap pass, not an exact
// solver.
package pairing

import (
	"fmt"
	"math"
	"sort"

	"github.com/kalambet/esltutor/internal/storage"
)

// LevelRule selects how proficiency levels adjust compatibility.
type LevelRule string

const (
	// PeerTeaching favours mixed-level groups.
	PeerTeaching LevelRule = "peer_teaching"
	// SameLevel favours groups of equal level.
	SameLevel LevelRule = "same_level"
	// NoLevelRule ignores levels.
	NoLevelRule LevelRule = "none"
)

// ParseLevelRule accepts the three rule names; empty means none.
func ParseLevelRule(s string) (LevelRule, error) {
	switch r := LevelRule(s); r {
	case PeerTeaching, SameLevel, NoLevelRule:
		return r, nil
	case "":
		return NoLevelRule, nil
	}
	return "", fmt.Errorf("unknown level rule %q (want peer_teaching, same_level or none)", s)
}

// Config is the compatibility rule set for one run.
type Config struct {
	GroupSize     int
	LevelRule     LevelRule
	LevelWeight   float64
	RepeatPenalty float64
}

// DefaultConfig pairs students with a mild peer-teaching bias.
func DefaultConfig() Config {
	return Config{GroupSize: 2, LevelRule: PeerTeaching, LevelWeight: 0.1, RepeatPenalty: 0.2}
}

// Member is one student as the optimizer sees it.
type Member struct {
	ID     int64
	Level  string
	Vector []float32
}

// History counts previous groupings per student pair.
type History map[storage.PairKey]int

// Matrix holds symmetric compatibility scores over ids sorted ascending.
type Matrix struct {
	IDs []int64
	w   [][]float64
}

// NewMatrix returns a zero matrix over ids. ids must be unique.
func NewMatrix(ids []int64) *Matrix {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	w := make([][]float64, len(sorted))
	for i := range w {
		w[i] = make([]float64, len(sorted))
	}
	return &Matrix{IDs: sorted, w: w}
}

// Set stores a symmetric score by index.
func (m *Matrix) Set(i, j int, v float64) {
	m.w[i][j] = v
	m.w[j][i] = v
}

// At returns the score between indexes i and j.
func (m *Matrix) At(i, j int) float64 { return m.w[i][j] }

// Score returns the score between two student ids, or 0 for unknown ids.
func (m *Matrix) Score(a, b int64) float64 {
	i, okA := m.index(a)
	j, okB := m.index(b)
	if !okA || !okB {
		return 0
	}
	return m.w[i][j]
}

func (m *Matrix) index(id int64) (int, bool) {
	i := sort.Search(len(m.IDs), func(i int) bool { return m.IDs[i] >= id })
	return i, i < len(m.IDs) && m.IDs[i] == id
}

// Compatibility scores every pair: cosine similarity of profile vectors,
// plus or minus the level weight, minus the repeat penalty per previous
// grouping.
func Compatibility(roster []Member, cfg Config, history History) (*Matrix, error) {
	byID := make(map[int64]Member, len(roster))
	ids := make([]int64, 0, len(roster))
	for _, m := range roster {
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate student %d in roster", m.ID)
		}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	mat := NewMatrix(ids)
	for i := range mat.IDs {
		a := byID[mat.IDs[i]]
		for j := i + 1; j < len(mat.IDs); j++ {
			b := byID[mat.IDs[j]]
			s := cosine(a.Vector, b.Vector) + levelAdjustment(a.Level, b.Level, cfg)
			s -= cfg.RepeatPenalty * float64(history[storage.NewPairKey(a.ID, b.ID)])
			mat.Set(i, j, s)
		}
	}
	return mat, nil
}

func levelAdjustment(a, b string, cfg Config) float64 {
	if a == "" || b == "" {
		return 0
	}
	same := a == b
	switch cfg.LevelRule {
	case PeerTeaching:
		if same {
			return -cfg.LevelWeight
		}
		return cfg.LevelWeight
	case SameLevel:
		if same {
			return cfg.LevelWeight
		}
		return -cfg.LevelWeight
	}
	return 0
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
