// Package record defines the indexable unit shared by the sync engine, the
// retriever and the generation flows. A Record is a tagged union over three
// kinds, each built from its storage row by exactly one adapter.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the three record variants.
type Kind string

const (
	KindHomeworkTemplate Kind = "homework_template"
	KindActivityTemplate Kind = "activity_template"
	KindStudentProfile   Kind = "student_profile"
)

// Kinds lists every kind in collection order.
var Kinds = []Kind{KindHomeworkTemplate, KindActivityTemplate, KindStudentProfile}

func (k Kind) Valid() bool {
	switch k {
	case KindHomeworkTemplate, KindActivityTemplate, KindStudentProfile:
		return true
	}
	return false
}

// ParseKind accepts the canonical kind names.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// Metadata keys understood by exact-match filters.
const (
	MetaClassID  = "class_id"
	MetaLevel    = "level"
	MetaKind     = "kind"
	MetaTags     = "tags"
	MetaName     = "name"
	MetaSourceID = "source_id"
)

// Metadata is the filterable side of a record. It never contributes to the
// fingerprint.
type Metadata map[string]string

// Matches reports whether every filter key is present with an equal value.
func (m Metadata) Matches(filter map[string]string) bool {
	for k, v := range filter {
		if m[k] != v {
			return false
		}
	}
	return true
}

// Field is one labelled piece of embeddable content. Items renders as a
// bulleted list under the label instead of Value.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Value    string   `json:"value,omitempty"`
	Items    []string `json:"items,omitempty"`
	FreeText bool     `json:"free_text,omitempty"`
}

func (f Field) render() string {
	if f.Items != nil {
		var b strings.Builder
		b.WriteString(f.Label)
		b.WriteString(":")
		for _, it := range f.Items {
			b.WriteString("\n- ")
			b.WriteString(it)
		}
		return b.String()
	}
	if f.Label == "" {
		return f.Value
	}
	return f.Label + ": " + f.Value
}

// Record is one indexable entity.
type Record struct {
	ID       string
	Kind     Kind
	SourceID int64
	Fields   []Field
	Metadata Metadata
}

// VectorID builds the index id for a storage row.
func VectorID(kind Kind, sourceID int64) string {
	return string(kind) + "_" + strconv.FormatInt(sourceID, 10)
}

// ParseVectorID splits an index id back into its kind and row id.
func ParseVectorID(id string) (Kind, int64, error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed vector id %q", id)
	}
	kind, err := ParseKind(id[:i])
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed vector id %q: %w", id, err)
	}
	return kind, n, nil
}

// Text joins the fields into the text that gets embedded.
func (r Record) Text() string {
	parts := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		parts = append(parts, f.render())
	}
	return strings.Join(parts, "\n")
}

// Fingerprint hashes the kind and the ordered content fields. Metadata is
// excluded so that reclassifying a record does not force a re-embed.
func (r Record) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Kind))
	for _, f := range r.Fields {
		h.Write([]byte{0x1e})
		h.Write([]byte(f.Name))
		h.Write([]byte{0x1f})
		h.Write([]byte(f.Value))
		for _, it := range f.Items {
			h.Write([]byte{0x1f})
			h.Write([]byte(it))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Field returns the value of the named field, or "".
func (r Record) Field(name string) string {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Validate checks the invariants every adapter guarantees.
func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("record %q: unknown kind %q", r.ID, r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("%s record without id", r.Kind)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("record %s has no content fields", r.ID)
	}
	seen := make(map[string]bool, len(r.Fields))
	for _, f := range r.Fields {
		if f.Name == "" {
			return fmt.Errorf("record %s has an unnamed field", r.ID)
		}
		if seen[f.Name] {
			return fmt.Errorf("record %s has duplicate field %q", r.ID, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// CompareIDs orders vector ids by kind, then by numeric row id, so that
// student_profile_9 sorts before student_profile_10. Ids that do not parse
// fall back to plain string order.
func CompareIDs(a, b string) int {
	ka, na, errA := ParseVectorID(a)
	kb, nb, errB := ParseVectorID(b)
	if errA != nil || errB != nil || ka != kb {
		return strings.Compare(a, b)
	}
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return 0
}

// SortByID orders records by id in place.
func SortByID(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return CompareIDs(recs[i].ID, recs[j].ID) < 0 })
}
