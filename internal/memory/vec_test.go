//go:build sqlite_vec && cgo

package memory

import (
	"context"
	"testing"
)

func TestVectorIndexRecall(t *testing.T) {
	s := newTestStore(t)
	if !s.vec {
		t.Fatal("vector index inactive under this build")
	}
	ctx := context.Background()

	entries := []string{
		"health endpoint returns status ok",
		"items endpoint returns the list of items",
		"tests cover the create item handler",
	}
	for _, e := range entries {
		if err := s.Remember(ctx, "dev", e, nil); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}
	hits, err := s.Recall(ctx, "dev", "list of items endpoint", 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Content != entries[1] {
		t.Errorf("top hit = %q, want the items entry", hits[0].Content)
	}
}
