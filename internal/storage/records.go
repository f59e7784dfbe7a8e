package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalText(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// --- Students ---

const studentColumns = `id, class_id, first_name, last_name, email, proficiency_level,
	basic_info, personal_background, professional_background, learning_context,
	interests, cultural_elements, social_aspects, created_at`

// PutStudent inserts or replaces a student row.
func (s *Store) PutStudent(st Student) error {
	if strings.TrimSpace(st.Email) == "" {
		return fmt.Errorf("saving student %d: %w", st.ID, ErrEmailRequired)
	}
	sections := []any{st.BasicInfo, st.PersonalBackground, st.ProfessionalBackground,
		st.LearningContext, st.Interests, st.CulturalElements, st.SocialAspects}
	encoded := make([]any, len(sections))
	for i, sec := range sections {
		text, err := marshalText(sec)
		if err != nil {
			return fmt.Errorf("encoding student %d profile: %w", st.ID, err)
		}
		encoded[i] = text
	}

	args := append([]any{st.ID, st.ClassID, st.FirstName, st.LastName, st.Email, st.ProficiencyLevel}, encoded...)
	args = append(args, formatTime(st.CreatedAt))
	_, err := s.db.Exec(`
		INSERT INTO students (`+studentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class_id = excluded.class_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			proficiency_level = excluded.proficiency_level,
			basic_info = excluded.basic_info,
			personal_background = excluded.personal_background,
			professional_background = excluded.professional_background,
			learning_context = excluded.learning_context,
			interests = excluded.interests,
			cultural_elements = excluded.cultural_elements,
			social_aspects = excluded.social_aspects`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("saving student %d: %w", st.ID, err)
	}
	return nil
}

func scanStudent(r rowScanner) (Student, error) {
	var st Student
	var basic, personal, professional, learning, interests, cultural, social, createdAt string
	if err := r.Scan(&st.ID, &st.ClassID, &st.FirstName, &st.LastName, &st.Email, &st.ProficiencyLevel,
		&basic, &personal, &professional, &learning, &interests, &cultural, &social, &createdAt); err != nil {
		return Student{}, err
	}
	targets := []struct {
		raw string
		dst any
	}{
		{basic, &st.BasicInfo},
		{personal, &st.PersonalBackground},
		{professional, &st.ProfessionalBackground},
		{learning, &st.LearningContext},
		{interests, &st.Interests},
		{cultural, &st.CulturalElements},
		{social, &st.SocialAspects},
	}
	for _, t := range targets {
		if err := unmarshalText(t.raw, t.dst); err != nil {
			return Student{}, fmt.Errorf("decoding student %d profile: %w", st.ID, err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Student{}, err
	}
	st.CreatedAt = t
	return st, nil
}

func (s *Store) GetStudent(id int64) (Student, error) {
	st, err := scanStudent(s.db.QueryRow(`SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Student{}, ErrNotFound
	}
	return st, err
}

// ListStudents returns all students ordered by id.
func (s *Store) ListStudents() ([]Student, error) {
	return s.queryStudents(`SELECT ` + studentColumns + ` FROM students ORDER BY id ASC`)
}

// ListStudentsByClass returns the roster of one class ordered by id.
func (s *Store) ListStudentsByClass(classID int64) ([]Student, error) {
	return s.queryStudents(`SELECT `+studentColumns+` FROM students WHERE class_id = ? ORDER BY id ASC`, classID)
}

func (s *Store) queryStudents(query string, args ...any) ([]Student, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Homework templates ---

func (s *Store) PutHomeworkTemplate(ht HomeworkTemplate) error {
	questions, err := marshalText(ht.Questions)
	if err != nil {
		return fmt.Errorf("encoding homework template %d: %w", ht.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO homework_templates (id, class_id, name, objective, proficiency_level, questions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class_id = excluded.class_id,
			name = excluded.name,
			objective = excluded.objective,
			proficiency_level = excluded.proficiency_level,
			questions = excluded.questions`,
		ht.ID, ht.ClassID, ht.Name, ht.Objective, ht.ProficiencyLevel, questions, formatTime(ht.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving homework template %d: %w", ht.ID, err)
	}
	return nil
}

func scanHomeworkTemplate(r rowScanner) (HomeworkTemplate, error) {
	var ht HomeworkTemplate
	var questions, createdAt string
	if err := r.Scan(&ht.ID, &ht.ClassID, &ht.Name, &ht.Objective, &ht.ProficiencyLevel, &questions, &createdAt); err != nil {
		return HomeworkTemplate{}, err
	}
	if err := unmarshalText(questions, &ht.Questions); err != nil {
		return HomeworkTemplate{}, fmt.Errorf("decoding homework template %d questions: %w", ht.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return HomeworkTemplate{}, err
	}
	ht.CreatedAt = t
	return ht, nil
}

func (s *Store) GetHomeworkTemplate(id int64) (HomeworkTemplate, error) {
	ht, err := scanHomeworkTemplate(s.db.QueryRow(`
		SELECT id, class_id, name, objective, proficiency_level, questions, created_at
		FROM homework_templates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return HomeworkTemplate{}, ErrNotFound
	}
	return ht, err
}

func (s *Store) ListHomeworkTemplates() ([]HomeworkTemplate, error) {
	rows, err := s.db.Query(`
		SELECT id, class_id, name, objective, proficiency_level, questions, created_at
		FROM homework_templates ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HomeworkTemplate
	for rows.Next() {
		ht, err := scanHomeworkTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ht)
	}
	return out, rows.Err()
}

// --- Activity templates ---

func (s *Store) PutActivityTemplate(at ActivityTemplate) error {
	conv, err := marshalText(at.Conversation)
	if err != nil {
		return fmt.Errorf("encoding activity template %d: %w", at.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO activity_templates (id, class_id, name, objective, proficiency_level, conversation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class_id = excluded.class_id,
			name = excluded.name,
			objective = excluded.objective,
			proficiency_level = excluded.proficiency_level,
			conversation = excluded.conversation`,
		at.ID, at.ClassID, at.Name, at.Objective, at.ProficiencyLevel, conv, formatTime(at.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving activity template %d: %w", at.ID, err)
	}
	return nil
}

func scanActivityTemplate(r rowScanner) (ActivityTemplate, error) {
	var at ActivityTemplate
	var conv, createdAt string
	if err := r.Scan(&at.ID, &at.ClassID, &at.Name, &at.Objective, &at.ProficiencyLevel, &conv, &createdAt); err != nil {
		return ActivityTemplate{}, err
	}
	if err := unmarshalText(conv, &at.Conversation); err != nil {
		return ActivityTemplate{}, fmt.Errorf("decoding activity template %d conversation: %w", at.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return ActivityTemplate{}, err
	}
	at.CreatedAt = t
	return at, nil
}

func (s *Store) GetActivityTemplate(id int64) (ActivityTemplate, error) {
	at, err := scanActivityTemplate(s.db.QueryRow(`
		SELECT id, class_id, name, objective, proficiency_level, conversation, created_at
		FROM activity_templates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ActivityTemplate{}, ErrNotFound
	}
	return at, err
}

func (s *Store) ListActivityTemplates() ([]ActivityTemplate, error) {
	rows, err := s.db.Query(`
		SELECT id, class_id, name, objective, proficiency_level, conversation, created_at
		FROM activity_templates ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityTemplate
	for rows.Next() {
		at, err := scanActivityTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}
