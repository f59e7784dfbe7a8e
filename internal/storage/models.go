package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailRequired is returned when a student is saved without an email.
var ErrEmailRequired = errors.New("student email is required")

// Student is an ESL learner. Profile sections are free-form key/value maps
// stored as JSON text.
type Student struct {
	ID                     int64
	ClassID                int64
	FirstName              string
	LastName               string
	Email                  string
	ProficiencyLevel       string
	BasicInfo              map[string]string
	PersonalBackground     map[string]string
	ProfessionalBackground map[string]string
	LearningContext        map[string]string
	Interests              []Interest
	CulturalElements       map[string]string
	SocialAspects          map[string]string
	CreatedAt              time.Time
}

// FullName returns "First Last".
func (s Student) FullName() string {
	switch {
	case s.FirstName == "":
		return s.LastName
	case s.LastName == "":
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

type Interest struct {
	Name        string `json:"name" yaml:"name"`
	Category    string `json:"category,omitempty" yaml:"category"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Question is one item of a homework template or a generated homework.
type Question struct {
	Question       string `json:"question" yaml:"question"`
	Instructions   string `json:"instructions,omitempty" yaml:"instructions"`
	ExpectedAnswer string `json:"expected_answer,omitempty" yaml:"expected_answer"`
}

type HomeworkTemplate struct {
	ID               int64
	ClassID          int64
	Name             string
	Objective        string
	ProficiencyLevel string
	Questions        []Question
	CreatedAt        time.Time
}

// Conversation is the body of a paired speaking activity.
type Conversation struct {
	Scenario     string   `json:"scenario,omitempty" yaml:"scenario"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions"`
	Prompts      []string `json:"prompts,omitempty" yaml:"prompts"`
}

type ActivityTemplate struct {
	ID               int64
	ClassID          int64
	Name             string
	Objective        string
	ProficiencyLevel string
	Conversation     Conversation
	CreatedAt        time.Time
}

// Homework generation statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type PersonalizedHomework struct {
	ID          string
	TemplateID  int64
	StudentID   int64
	GeneratedAt time.Time
	Status      string
	Model       string
	Questions   []Question
	ContextIDs  []string
}

type ActivityGroup struct {
	ID                 int64
	ActivityTemplateID int64
	StudentIDs         []int64
	Score              float64
	CompletionDate     time.Time
	Notes              string
}
