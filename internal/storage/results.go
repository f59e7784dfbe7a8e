package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// --- Personalized homework ---

// SaveHomework persists a generated homework artifact.
func (s *Store) SaveHomework(h PersonalizedHomework) error {
	status := h.Status
	if status == "" {
		status = StatusCompleted
	}
	questions, err := marshalText(h.Questions)
	if err != nil {
		return fmt.Errorf("encoding homework %s questions: %w", h.ID, err)
	}
	contextIDs, err := marshalText(h.ContextIDs)
	if err != nil {
		return fmt.Errorf("encoding homework %s context ids: %w", h.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO personalized_homework (id, template_id, student_id, generated_at, status, model, questions, context_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TemplateID, h.StudentID, formatTime(h.GeneratedAt), status, h.Model, questions, contextIDs,
	)
	if err != nil {
		return fmt.Errorf("saving homework %s: %w", h.ID, err)
	}
	return nil
}

func scanHomework(r rowScanner) (PersonalizedHomework, error) {
	var h PersonalizedHomework
	var generatedAt, questions, contextIDs string
	if err := r.Scan(&h.ID, &h.TemplateID, &h.StudentID, &generatedAt, &h.Status, &h.Model, &questions, &contextIDs); err != nil {
		return PersonalizedHomework{}, err
	}
	if err := unmarshalText(questions, &h.Questions); err != nil {
		return PersonalizedHomework{}, fmt.Errorf("decoding homework %s questions: %w", h.ID, err)
	}
	if err := unmarshalText(contextIDs, &h.ContextIDs); err != nil {
		return PersonalizedHomework{}, fmt.Errorf("decoding homework %s context ids: %w", h.ID, err)
	}
	t, err := parseTime(generatedAt)
	if err != nil {
		return PersonalizedHomework{}, err
	}
	h.GeneratedAt = t
	return h, nil
}

func (s *Store) GetHomework(id string) (PersonalizedHomework, error) {
	h, err := scanHomework(s.db.QueryRow(`
		SELECT id, template_id, student_id, generated_at, status, model, questions, context_ids
		FROM personalized_homework WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return PersonalizedHomework{}, ErrNotFound
	}
	return h, err
}

// ListHomeworkForStudent returns a student's homework, newest first.
func (s *Store) ListHomeworkForStudent(studentID int64) ([]PersonalizedHomework, error) {
	rows, err := s.db.Query(`
		SELECT id, template_id, student_id, generated_at, status, model, questions, context_ids
		FROM personalized_homework WHERE student_id = ? ORDER BY generated_at DESC, id ASC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersonalizedHomework
	for rows.Next() {
		h, err := scanHomework(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Activity groups ---

// SaveActivityGroups persists groups in one transaction and returns them with
// their assigned ids.
func (s *Store) SaveActivityGroups(groups []ActivityGroup) ([]ActivityGroup, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning group transaction: %w", err)
	}

	out := make([]ActivityGroup, len(groups))
	for i, g := range groups {
		date := g.CompletionDate
		if date.IsZero() {
			date = time.Now()
		}
		res, err := tx.Exec(`
			INSERT INTO activity_groups (activity_template_id, score, completion_date, notes)
			VALUES (?, ?, ?, ?)`,
			g.ActivityTemplateID, g.Score, date.UTC().Format(time.DateOnly), g.Notes,
		)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting activity group: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		for pos, sid := range g.StudentIDs {
			if _, err := tx.Exec(`
				INSERT INTO activity_group_members (group_id, student_id, position) VALUES (?, ?, ?)`,
				id, sid, pos,
			); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("inserting member %d of group %d: %w", sid, id, err)
			}
		}
		g.ID = id
		g.CompletionDate = date
		out[i] = g
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing activity groups: %w", err)
	}
	return out, nil
}

// ListActivityGroups returns all groups formed for a template, oldest first.
func (s *Store) ListActivityGroups(templateID int64) ([]ActivityGroup, error) {
	rows, err := s.db.Query(`
		SELECT g.id, g.activity_template_id, g.score, g.completion_date, g.notes, m.student_id
		FROM activity_groups g
		JOIN activity_group_members m ON m.group_id = g.id
		WHERE g.activity_template_id = ?
		ORDER BY g.id ASC, m.position ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityGroup
	for rows.Next() {
		var g ActivityGroup
		var date string
		var sid int64
		if err := rows.Scan(&g.ID, &g.ActivityTemplateID, &g.Score, &date, &g.Notes, &sid); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == g.ID {
			out[n-1].StudentIDs = append(out[n-1].StudentIDs, sid)
			continue
		}
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, fmt.Errorf("parsing completion_date %q: %w", date, err)
		}
		g.CompletionDate = t
		g.StudentIDs = []int64{sid}
		out = append(out, g)
	}
	return out, rows.Err()
}

// PairKey is an unordered student pair with A < B.
type PairKey struct {
	A, B int64
}

// NewPairKey orders a and b.
func NewPairKey(a, b int64) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// PartnerHistory counts how many times each pair among studentIDs has already
// been grouped together in any activity.
func (s *Store) PartnerHistory(studentIDs []int64) (map[PairKey]int, error) {
	history := make(map[PairKey]int)
	if len(studentIDs) < 2 {
		return history, nil
	}

	ids := append([]int64(nil), studentIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, args...)
	in := "(?" + strings.Repeat(",?", len(ids)-1) + ")"

	rows, err := s.db.Query(`
		SELECT a.student_id, b.student_id, COUNT(*)
		FROM activity_group_members a
		JOIN activity_group_members b ON a.group_id = b.group_id AND a.student_id < b.student_id
		WHERE a.student_id IN `+in+` AND b.student_id IN `+in+`
		GROUP BY a.student_id, b.student_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying partner history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a, b int64
		var n int
		if err := rows.Scan(&a, &b, &n); err != nil {
			return nil, err
		}
		history[NewPairKey(a, b)] = n
	}
	return history, rows.Err()
}
