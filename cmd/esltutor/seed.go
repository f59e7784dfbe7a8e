package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/esltutor/internal/storage"
)

//go:embed seed.yaml
var sampleFixtures []byte

// fixtures is the YAML layout accepted by the seed command.
type fixtures struct {
	Students          []studentFixture          `yaml:"students"`
	HomeworkTemplates []homeworkTemplateFixture `yaml:"homework_templates"`
	ActivityTemplates []activityTemplateFixture `yaml:"activity_templates"`
}

type studentFixture struct {
	ID                     int64              `yaml:"id"`
	ClassID                int64              `yaml:"class_id"`
	FirstName              string             `yaml:"first_name"`
	LastName               string             `yaml:"last_name"`
	Email                  string             `yaml:"email"`
	ProficiencyLevel       string             `yaml:"proficiency_level"`
	BasicInfo              map[string]string  `yaml:"basic_info"`
	PersonalBackground     map[string]string  `yaml:"personal_background"`
	ProfessionalBackground map[string]string  `yaml:"professional_background"`
	LearningContext        map[string]string  `yaml:"learning_context"`
	Interests              []storage.Interest `yaml:"interests"`
	CulturalElements       map[string]string  `yaml:"cultural_elements"`
	SocialAspects          map[string]string  `yaml:"social_aspects"`
}

type homeworkTemplateFixture struct {
	ID               int64              `yaml:"id"`
	ClassID          int64              `yaml:"class_id"`
	Name             string             `yaml:"name"`
	Objective        string             `yaml:"objective"`
	ProficiencyLevel string             `yaml:"proficiency_level"`
	Questions        []storage.Question `yaml:"questions"`
}

type activityTemplateFixture struct {
	ID               int64                `yaml:"id"`
	ClassID          int64                `yaml:"class_id"`
	Name             string               `yaml:"name"`
	Objective        string               `yaml:"objective"`
	ProficiencyLevel string               `yaml:"proficiency_level"`
	Conversation     storage.Conversation `yaml:"conversation"`
}

// loadFixtures reads path, or the bundled sample data when path is empty.
func loadFixtures(path string) (fixtures, error) {
	data := sampleFixtures
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return fixtures{}, fmt.Errorf("reading fixtures: %w", err)
		}
	}
	var fx fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fixtures{}, fmt.Errorf("parsing fixtures: %w", err)
	}
	if err := fx.validate(); err != nil {
		return fixtures{}, err
	}
	return fx, nil
}

// validate rejects student rows the store would refuse, before any row is
// written.
func (fx fixtures) validate() error {
	emails := make(map[string]int64, len(fx.Students))
	for _, s := range fx.Students {
		email := strings.ToLower(strings.TrimSpace(s.Email))
		if email == "" {
			return fmt.Errorf("fixture student %d: %w", s.ID, storage.ErrEmailRequired)
		}
		if other, dup := emails[email]; dup {
			return fmt.Errorf("fixture students %d and %d share email %q", other, s.ID, s.Email)
		}
		emails[email] = s.ID
	}
	return nil
}

type seedCounts struct {
	Students, HomeworkTemplates, ActivityTemplates int
}

// apply upserts every fixture row into the store.
func (fx fixtures) apply(store *storage.Store) (seedCounts, error) {
	var n seedCounts
	for _, s := range fx.Students {
		err := store.PutStudent(storage.Student{
			ID:                     s.ID,
			ClassID:                s.ClassID,
			FirstName:              s.FirstName,
			LastName:               s.LastName,
			Email:                  s.Email,
			ProficiencyLevel:       s.ProficiencyLevel,
			BasicInfo:              s.BasicInfo,
			PersonalBackground:     s.PersonalBackground,
			ProfessionalBackground: s.ProfessionalBackground,
			LearningContext:        s.LearningContext,
			Interests:              s.Interests,
			CulturalElements:       s.CulturalElements,
			SocialAspects:          s.SocialAspects,
		})
		if err != nil {
			return n, err
		}
		n.Students++
	}
	for _, h := range fx.HomeworkTemplates {
		err := store.PutHomeworkTemplate(storage.HomeworkTemplate{
			ID:               h.ID,
			ClassID:          h.ClassID,
			Name:             h.Name,
			Objective:        h.Objective,
			ProficiencyLevel: h.ProficiencyLevel,
			Questions:        h.Questions,
		})
		if err != nil {
			return n, err
		}
		n.HomeworkTemplates++
	}
	for _, a := range fx.ActivityTemplates {
		err := store.PutActivityTemplate(storage.ActivityTemplate{
			ID:               a.ID,
			ClassID:          a.ClassID,
			Name:             a.Name,
			Objective:        a.Objective,
			ProficiencyLevel: a.ProficiencyLevel,
			Conversation:     a.Conversation,
		})
		if err != nil {
			return n, err
		}
		n.ActivityTemplates++
	}
	return n, nil
}
