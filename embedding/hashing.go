package embedding

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// hashingEmbedder maps each lowercased token to a bucket by xxhash and
// counts occurrences, with a sign bit to spread collisions. The result is
// L2-normalised, so boards sharing words score above zero without any model.
type hashingEmbedder struct {
	dim int
}

// NewHashing returns a deterministic bag-of-words embedder of size dim.
func NewHashing(dim int) Embedder {
	if dim <= 0 {
		dim = 256
	}
	return &hashingEmbedder{dim: dim}
}

func (h *hashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		sum := xxhash.Sum64String(tok)
		i := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			vec[i]--
		} else {
			vec[i]++
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *hashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (h *hashingEmbedder) Dimension() int { return h.dim }
func (h *hashingEmbedder) Model() string  { return "hashing" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	n := Norm(vec)
	if n == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / n)
	}
}
