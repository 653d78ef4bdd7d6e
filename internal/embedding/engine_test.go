package embedding

import (
	"context"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if sim < 0.999 {
		t.Errorf("identical vectors similarity = %f, want ~1", sim)
	}

	sim, err = CosineSimilarity(a, c)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if sim > 0.001 {
		t.Errorf("orthogonal vectors similarity = %f, want ~0", sim)
	}

	if _, err := CosineSimilarity(a, []float32{1, 2}); err == nil {
		t.Error("dimension mismatch should error")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if sim != 0 {
		t.Errorf("zero vector similarity = %f, want 0", sim)
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{0.7, 0.7},   // diagonal
		{1, 0, 0, 0}, // wrong dimensions, skipped
	}
	results := FindTopK(query, corpus, 2)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("top result index = %d, want 1", results[0].Index)
	}
	if results[1].Index != 2 {
		t.Errorf("second result index = %d, want 2", results[1].Index)
	}
}

func TestLocalEngineDeterministic(t *testing.T) {
	e := NewLocalEngine(0)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "items endpoint returns the list of items")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := e.Embed(ctx, "items endpoint returns the list of items")
	if err != nil {
		t.Fatal(err)
	}
	sim, err := CosineSimilarity(a1, a2)
	if err != nil {
		t.Fatal(err)
	}
	if sim < 0.999 {
		t.Errorf("same text similarity = %f, want ~1", sim)
	}

	b, err := e.Embed(ctx, "quarterly validator staking rewards")
	if err != nil {
		t.Fatal(err)
	}
	cross, err := CosineSimilarity(a1, b)
	if err != nil {
		t.Fatal(err)
	}
	if cross >= sim {
		t.Errorf("unrelated text similarity %f should be below identical %f", cross, sim)
	}
}

func TestNewEngineFactory(t *testing.T) {
	e, err := NewEngine(Config{Provider: "local"})
	if err != nil {
		t.Fatalf("NewEngine(local): %v", err)
	}
	if e.Dimensions() != defaultLocalDims {
		t.Errorf("dims = %d, want %d", e.Dimensions(), defaultLocalDims)
	}
	if _, err := NewEngine(Config{Provider: "bogus"}); err == nil {
		t.Error("unknown provider should error")
	}
	if _, err := NewEngine(Config{Provider: "genai"}); err == nil {
		t.Error("genai without api key should error")
	}
}
