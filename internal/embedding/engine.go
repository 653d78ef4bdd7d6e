// Package embedding provides vector embedding generation for associative
// memory recall. Backends: Ollama (local), Google GenAI (cloud), and a
// deterministic local engine for offline runs and tests.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"codecrew/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama", "genai", or "local".
	Provider string `json:"provider" yaml:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint" yaml:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model" yaml:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key" yaml:"genai_api_key"`
	GenAIModel  string `json:"genai_model" yaml:"genai_model"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "local",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embed("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error
	switch cfg.Provider {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "local", "":
		engine = NewLocalEngine(0)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai', or 'local')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbed).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embed("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one ranked similarity search hit.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK ranks the corpus by cosine similarity to the query and returns
// the top k results. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbed).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
