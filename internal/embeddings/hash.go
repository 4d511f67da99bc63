package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension matches the bge-small-en-v1.5 dimension so the two
// providers are interchangeable in a vector store.
const DefaultHashDimension = 384

// HashEmbedder is a deterministic bag-of-tokens embedder.
//
// Each token is hashed into a bucket of the output vector and the vector is
// L2-normalized, giving a crude but stable term-overlap similarity. It has
// no semantic understanding; it exists so retrieval keeps working in builds
// without CGO and so tests do not need model downloads.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hash embedder with the given output dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{dimension: dimension}
}

// EmbedDocuments generates embeddings for multiple texts.
func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = h.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return h.embed(text), nil
}

// Dimension returns the embedding dimension.
func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimension)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		hash := fnv.New32a()
		hash.Write([]byte(token))
		sum := hash.Sum32()
		bucket := int(sum % uint32(h.dimension))
		// Sign from a spare hash bit spreads tokens across both halves
		// of the space, which keeps unrelated texts near-orthogonal.
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
