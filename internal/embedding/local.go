package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// LocalEngine is a deterministic, dependency-free embedder: hashed
// bag-of-words with L2 normalization. It gives stable, useful similarity
// for overlapping vocabularies, which is enough for offline runs and for
// tests that need the embedder to be deterministic. It is not a semantic
// model.
type LocalEngine struct {
	dims int
}

const defaultLocalDims = 256

// NewLocalEngine creates a local engine. dims <= 0 selects the default.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = defaultLocalDims
	}
	return &LocalEngine{dims: dims}
}

var tokenRe = regexp.MustCompile(`[a-z0-9]{2,}`)

// Embed hashes each token into a bucket and normalizes the result.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(e.dims)]++
	}
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector size.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return "local:hashed-bow"
}
