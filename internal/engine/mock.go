package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// HashEngine produces deterministic embeddings without a model server by
// hashing lowercased word tokens into a fixed number of buckets. Texts that
// share words end up close in cosine space, which is enough for offline runs
// and tests. It cannot chat.
type HashEngine struct {
	dimensions int
}

var _ Engine = (*HashEngine)(nil)

// NewHashEngine returns a HashEngine with the given vector size (default 256).
func NewHashEngine(dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEngine{dimensions: dimensions}
}

func (e *HashEngine) Chat(context.Context, string, []Message, *ChatOptions) (string, error) {
	return "", ErrUnsupported
}

func (e *HashEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil, fmt.Errorf("text cannot be empty")
	}

	vec := make([]float32, e.dimensions)
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.LittleEndian.Uint32(sum[:4]) % uint32(e.dimensions)
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	return normalize(vec), nil
}

func (e *HashEngine) IsRunning(context.Context) bool { return true }

// normalize scales v to unit length in place.
func normalize(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	magnitude := float32(math.Sqrt(sum))
	if magnitude == 0 {
		return v
	}
	for i := range v {
		v[i] /= magnitude
	}
	return v
}
