package homework

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/esltutor/internal/storage"
)

// ParseError describes why model output did not match the expected format.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)\n\\s*```")
	labelRe = regexp.MustCompile(`^[#*\s]*(Question(?:\s+(\d+))?|Instructions|Expected Answer)\s*\**\s*:\s*\**\s*(.*)$`)
)

// Parse turns model output into questions. Two shapes are accepted: a JSON
// array of {question, instructions, expected_answer} objects (bare or in a
// fenced code block), or "Question N:" / "Instructions:" / "Expected Answer:"
// blocks with nothing before the first question. maxItems <= 0 means no limit.
func Parse(text string, maxItems int) ([]storage.Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ParseError{Reason: "empty output"}
	}

	var qs []storage.Question
	var err error
	if body, ok := jsonBody(text); ok {
		qs, err = parseJSON(body)
	} else {
		qs, err = parseBlocks(text)
	}
	if err != nil {
		return nil, err
	}

	if len(qs) == 0 {
		return nil, &ParseError{Reason: "no questions found"}
	}
	if maxItems > 0 && len(qs) > maxItems {
		return nil, &ParseError{Reason: fmt.Sprintf("got %d questions, at most %d allowed", len(qs), maxItems)}
	}
	for i, q := range qs {
		if strings.TrimSpace(q.Question) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("question %d has no text", i+1)}
		}
	}
	return qs, nil
}

func jsonBody(text string) (string, bool) {
	if strings.HasPrefix(text, "[") {
		return text, true
	}
	if m := fenceRe.FindStringSubmatch(text); m != nil && strings.HasPrefix(text, "```") {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

func parseJSON(body string) ([]storage.Question, error) {
	var qs []storage.Question
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&qs); err != nil {
		return nil, &ParseError{Reason: "invalid JSON array: " + err.Error()}
	}
	if dec.More() {
		return nil, &ParseError{Reason: "trailing data after JSON array"}
	}
	for i := range qs {
		qs[i].Question = strings.TrimSpace(qs[i].Question)
		qs[i].Instructions = strings.TrimSpace(qs[i].Instructions)
		qs[i].ExpectedAnswer = strings.TrimSpace(qs[i].ExpectedAnswer)
	}
	return qs, nil
}

func parseBlocks(text string) ([]storage.Question, error) {
	var qs []storage.Question
	var cur *storage.Question
	var field *string

	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo := n + 1

		m := labelRe.FindStringSubmatch(line)
		if m == nil {
			if field == nil {
				return nil, &ParseError{Line: lineNo, Reason: "text before the first question"}
			}
			if *field == "" {
				*field = line
			} else {
				*field += " " + line
			}
			continue
		}

		value := strings.TrimSpace(m[3])
		switch {
		case strings.HasPrefix(m[1], "Question"):
			if m[2] != "" {
				num, _ := strconv.Atoi(m[2])
				if num != len(qs)+1 {
					return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("question numbered %d, expected %d", num, len(qs)+1)}
				}
			}
			qs = append(qs, storage.Question{Question: value})
			cur = &qs[len(qs)-1]
			field = &cur.Question
		case cur == nil:
			return nil, &ParseError{Line: lineNo, Reason: m[1] + " before the first question"}
		case m[1] == "Instructions":
			if field == &cur.Instructions || cur.Instructions != "" {
				return nil, &ParseError{Line: lineNo, Reason: "duplicate Instructions"}
			}
			cur.Instructions = value
			field = &cur.Instructions
		default:
			if cur.ExpectedAnswer != "" || field == &cur.ExpectedAnswer {
				return nil, &ParseError{Line: lineNo, Reason: "duplicate Expected Answer"}
			}
			cur.ExpectedAnswer = value
			field = &cur.ExpectedAnswer
		}
	}
	return qs, nil
}
