// Package embedding wraps the injected embedding callable and normalizes
// its output to the fixed storage width. Generators for Google GenAI and
// Ollama are provided as defaults; any func with the right shape works.
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// DefaultStorageWidth is the fixed number of floats a stored embedding
// occupies. Narrower generator output is zero-padded; wider output is an
// error.
const DefaultStorageWidth = 2000

// Func generates an embedding vector for a text.
type Func func(ctx context.Context, text string) ([]float32, error)

// Service pads generator output to the storage width and applies the
// configured timeout. Stateless and safe for concurrent use.
type Service struct {
	embed   Func
	width   int
	timeout time.Duration
}

// NewService builds a Service around an embedding callable.
func NewService(fn Func, width int, timeout time.Duration) *Service {
	if width <= 0 {
		width = DefaultStorageWidth
	}
	return &Service{embed: fn, width: width, timeout: timeout}
}

// Width returns the storage width in floats.
func (s *Service) Width() int { return s.width }

// Generate embeds text and pads the result. Returns the padded vector and
// the generator's original dimension.
func (s *Service) Generate(ctx context.Context, text string) ([]float32, int, error) {
	if s.embed == nil {
		return nil, 0, fmt.Errorf("%w: no embedding generator configured", errs.ErrConfiguration)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		logging.Errorf(logging.CategoryEmbedding, "generator failed: %v", err)
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrEmbedding, err)
	}
	dim := len(vec)
	padded, err := Pad(vec, s.width)
	if err != nil {
		return nil, 0, err
	}
	logging.Debugf(logging.CategoryEmbedding, "embedded %d chars -> %d dims (padded to %d)", len(text), dim, s.width)
	return padded, dim, nil
}

// Pad zero-extends vec to width. Vectors wider than width fail with
// ErrEmbeddingDimension.
func Pad(vec []float32, width int) ([]float32, error) {
	if len(vec) > width {
		return nil, fmt.Errorf("%w: got %d dims, storage width is %d", errs.ErrEmbeddingDimension, len(vec), width)
	}
	if len(vec) == width {
		return vec, nil
	}
	out := make([]float32, width)
	copy(out, vec)
	return out, nil
}

// CosineSimilarity computes cosine similarity between two vectors of equal
// length. Zero vectors yield similarity 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Encode serializes a vector as little-endian float32 bytes, the layout
// sqlite-vec expects for float[] columns.
func Encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Decode deserializes little-endian float32 bytes back into a vector.
func Decode(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
