package record

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kalambet/esltutor/internal/storage"
)

// FromStudent builds a student_profile record.
func FromStudent(st storage.Student) (Record, error) {
	if st.ID <= 0 {
		return Record{}, fmt.Errorf("student: invalid id %d", st.ID)
	}
	name := strings.TrimSpace(st.FullName())
	if name == "" {
		return Record{}, fmt.Errorf("student %d: missing name", st.ID)
	}
	if st.ProficiencyLevel == "" {
		return Record{}, fmt.Errorf("student %d: missing proficiency level", st.ID)
	}

	pro := st.ProfessionalBackground
	occupation := pro["current_occupation"]
	if c := pro["company"]; c != "" {
		occupation += " at " + c
	}

	fields := []Field{
		{Name: "student", Label: "Student", Value: name},
		{Name: "proficiency_level", Label: "Proficiency Level", Value: st.ProficiencyLevel},
		{Name: "native_language", Label: "Native Language", Value: st.BasicInfo["native_language"]},
		{Name: "country_of_origin", Label: "Country of Origin", Value: st.PersonalBackground["country_of_origin"]},
		{Name: "hometown", Label: "Hometown", Value: st.PersonalBackground["hometown"]},
		{Name: "occupation", Label: "Occupation", Value: occupation},
		{Name: "industry", Label: "Industry", Value: pro["industry"]},
		{Name: "education_level", Label: "Education Level", Value: pro["education_level"]},
		{Name: "learning_goals", Label: "Learning Goals", Value: st.LearningContext["learning_goals"], FreeText: true},
		{Name: "learning_style", Label: "Learning Style", Value: st.LearningContext["preferred_learning_style"]},
		{Name: "strengths", Label: "Strengths", Value: st.LearningContext["strengths"], FreeText: true},
		{Name: "areas_for_improvement", Label: "Areas for Improvement", Value: st.LearningContext["areas_for_improvement"], FreeText: true},
		{Name: "cultural_background", Label: "Cultural Background", Value: st.CulturalElements["cultural_background"], FreeText: true},
		{Name: "communication_style", Label: "Communication Style", Value: st.SocialAspects["communication_style"], FreeText: true},
	}

	var tags []string
	if len(st.Interests) > 0 {
		items := make([]string, 0, len(st.Interests))
		for _, in := range st.Interests {
			items = append(items, formatInterest(in))
			if in.Category != "" {
				tags = append(tags, strings.ToLower(in.Category))
			}
		}
		fields = append(fields, Field{Name: "interests", Label: "Interests and Hobbies", Items: items, FreeText: true})
	}

	return Record{
		ID:       VectorID(KindStudentProfile, st.ID),
		Kind:     KindStudentProfile,
		SourceID: st.ID,
		Fields:   fields,
		Metadata: Metadata{
			MetaClassID:  strconv.FormatInt(st.ClassID, 10),
			MetaLevel:    st.ProficiencyLevel,
			MetaKind:     string(KindStudentProfile),
			MetaName:     name,
			MetaSourceID: strconv.FormatInt(st.ID, 10),
			MetaTags:     joinTags(tags),
		},
	}, nil
}

func formatInterest(in storage.Interest) string {
	s := "Interest/Hobby: " + in.Name
	if in.Category != "" {
		s += " (" + in.Category + ")"
	}
	if in.Description != "" {
		s += " - " + in.Description
	}
	return s
}

// FromHomeworkTemplate builds a homework_template record. Question fields are
// numbered so that names stay unique.
func FromHomeworkTemplate(ht storage.HomeworkTemplate) (Record, error) {
	if ht.ID <= 0 {
		return Record{}, fmt.Errorf("homework template: invalid id %d", ht.ID)
	}
	if ht.Name == "" {
		return Record{}, fmt.Errorf("homework template %d: missing name", ht.ID)
	}
	if len(ht.Questions) == 0 {
		return Record{}, fmt.Errorf("homework template %d: no questions", ht.ID)
	}

	fields := []Field{
		{Name: "name", Label: "Template Name", Value: ht.Name},
		{Name: "objective", Label: "Objective", Value: ht.Objective},
	}
	for i, q := range ht.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return Record{}, fmt.Errorf("homework template %d: question %d is empty", ht.ID, i+1)
		}
		n := strconv.Itoa(i + 1)
		fields = append(fields,
			Field{Name: "question_" + n, Label: "Question", Value: q.Question},
			Field{Name: "instructions_" + n, Label: "Instructions", Value: q.Instructions},
			Field{Name: "expected_answer_" + n, Label: "Expected Answer", Value: q.ExpectedAnswer},
		)
	}

	return Record{
		ID:       VectorID(KindHomeworkTemplate, ht.ID),
		Kind:     KindHomeworkTemplate,
		SourceID: ht.ID,
		Fields:   fields,
		Metadata: templateMetadata(KindHomeworkTemplate, ht.ID, ht.ClassID, ht.ProficiencyLevel, ht.Name),
	}, nil
}

// FromActivityTemplate builds an activity_template record.
func FromActivityTemplate(at storage.ActivityTemplate) (Record, error) {
	if at.ID <= 0 {
		return Record{}, fmt.Errorf("activity template: invalid id %d", at.ID)
	}
	if at.Name == "" {
		return Record{}, fmt.Errorf("activity template %d: missing name", at.ID)
	}
	c := at.Conversation
	if c.Scenario == "" && c.Instructions == "" && len(c.Prompts) == 0 {
		return Record{}, fmt.Errorf("activity template %d: empty conversation", at.ID)
	}

	prompts := c.Prompts
	if prompts == nil {
		prompts = []string{}
	}
	return Record{
		ID:       VectorID(KindActivityTemplate, at.ID),
		Kind:     KindActivityTemplate,
		SourceID: at.ID,
		Fields: []Field{
			{Name: "name", Label: "Template Name", Value: at.Name},
			{Name: "objective", Label: "Objective", Value: at.Objective},
			{Name: "scenario", Label: "Scenario", Value: c.Scenario},
			{Name: "instructions", Label: "Instructions", Value: c.Instructions},
			{Name: "prompts", Label: "Prompts", Items: prompts},
		},
		Metadata: templateMetadata(KindActivityTemplate, at.ID, at.ClassID, at.ProficiencyLevel, at.Name),
	}, nil
}

func templateMetadata(kind Kind, id, classID int64, level, name string) Metadata {
	return Metadata{
		MetaClassID:  strconv.FormatInt(classID, 10),
		MetaLevel:    level,
		MetaKind:     string(kind),
		MetaName:     name,
		MetaSourceID: strconv.FormatInt(id, 10),
	}
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sort.Strings(tags)
	out := tags[:1]
	for _, t := range tags[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}

// StudentQuery is the retrieval query used to find templates for a student:
// name, level, interests, occupation and learning goals.
func StudentQuery(st storage.Student) string {
	parts := []string{
		"Student: " + st.FullName(),
		"Proficiency Level: " + st.ProficiencyLevel,
	}
	if len(st.Interests) > 0 {
		names := make([]string, 0, len(st.Interests))
		for _, in := range st.Interests {
			names = append(names, in.Name)
		}
		parts = append(parts, "Interests: "+strings.Join(names, ", "))
	}
	if occ := st.ProfessionalBackground["current_occupation"]; occ != "" {
		parts = append(parts, "Occupation: "+occ)
	}
	if goals := st.LearningContext["learning_goals"]; goals != "" {
		parts = append(parts, "Learning Goals: "+goals)
	}
	return strings.Join(parts, ", ")
}

// Set is the full record set read from the store.
type Set struct {
	Records []Record
	// Invalid holds rows rejected at the boundary, keyed by vector id.
	Invalid map[string]error
}

// Store is the read side of the relational store needed to build records.
type Store interface {
	ListStudents() ([]storage.Student, error)
	ListHomeworkTemplates() ([]storage.HomeworkTemplate, error)
	ListActivityTemplates() ([]storage.ActivityTemplate, error)
}

// Load reads every row from the store and converts it. Rows that fail
// validation are reported in Invalid instead of aborting the load.
func Load(s Store) (Set, error) {
	set := Set{Invalid: make(map[string]error)}

	hts, err := s.ListHomeworkTemplates()
	if err != nil {
		return Set{}, fmt.Errorf("listing homework templates: %w", err)
	}
	for _, ht := range hts {
		r, err := FromHomeworkTemplate(ht)
		set.add(VectorID(KindHomeworkTemplate, ht.ID), r, err)
	}

	ats, err := s.ListActivityTemplates()
	if err != nil {
		return Set{}, fmt.Errorf("listing activity templates: %w", err)
	}
	for _, at := range ats {
		r, err := FromActivityTemplate(at)
		set.add(VectorID(KindActivityTemplate, at.ID), r, err)
	}

	sts, err := s.ListStudents()
	if err != nil {
		return Set{}, fmt.Errorf("listing students: %w", err)
	}
	for _, st := range sts {
		r, err := FromStudent(st)
		set.add(VectorID(KindStudentProfile, st.ID), r, err)
	}

	return set, nil
}

func (s *Set) add(id string, r Record, err error) {
	if err != nil {
		s.Invalid[id] = err
		return
	}
	s.Records = append(s.Records, r)
}
