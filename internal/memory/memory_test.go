package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codecrew/internal/embedding"
)

func newTestStore(t *testing.T) *AssociativeStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assoc.db")
	s, err := NewAssociativeStore(path, "proj-test", embedding.NewLocalEngine(0), DefaultAssociativeConfig())
	if err != nil {
		t.Fatalf("NewAssociativeStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRememberThenRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []string{
		"health endpoint returns status ok",
		"items endpoint returns the list of items",
		"tests cover the create item handler",
	}
	for _, e := range entries {
		if err := s.Remember(ctx, "planning", e, nil); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}

	hits, err := s.Recall(ctx, "planning", "list of items endpoint", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits returned")
	}
	// Remembered content must be in the candidate set.
	found := false
	for _, h := range hits {
		if h.Content == entries[1] {
			found = true
		}
	}
	if !found {
		t.Errorf("remembered content not in recall candidates: %+v", hits)
	}
	if hits[0].Content != entries[1] {
		t.Errorf("top hit = %q, want the items entry", hits[0].Content)
	}
}

func TestRecallScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Remember(ctx, "planning", "requirements include three user stories", nil); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Recall(ctx, "development", "user stories", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("recall from a different scope returned %d hits", len(hits))
	}
}

func TestImportanceInfluencesScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assoc.db")
	cfg := DefaultAssociativeConfig()
	cfg.ImportanceWeight = 0.5
	cfg.SimilarityWeight = 0.5
	cfg.RecencyWeight = 0
	s, err := NewAssociativeStore(path, "p", embedding.NewLocalEngine(0), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Remember(ctx, "s", "database schema uses sqlite", map[string]any{"importance": 0.1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remember(ctx, "s", "database schema uses sqlite tables", map[string]any{"importance": 0.9}); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Recall(ctx, "s", "database schema sqlite", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Content != "database schema uses sqlite tables" {
		t.Errorf("high-importance entry should rank first, got %q", hits[0].Content)
	}
}

func TestFetchCandidatesFiltersScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Remember(ctx, "planning", "three user stories", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Remember(ctx, "development", "items endpoint implemented", nil); err != nil {
		t.Fatal(err)
	}

	// Index hits from another scope must not leak into a recall.
	got, err := s.fetchCandidates("development", []int64{1, 2})
	if err != nil {
		t.Fatalf("fetchCandidates: %v", err)
	}
	if len(got) != 1 || got[0].content != "items endpoint implemented" {
		t.Errorf("candidates = %+v", got)
	}
}

func TestRecallWithoutVectorIndexScans(t *testing.T) {
	s := newTestStore(t)
	if s.vec {
		t.Skip("vector index active in this build")
	}
	ctx := context.Background()
	if err := s.Remember(ctx, "dev", "handler returns 201 on create", nil); err != nil {
		t.Fatal(err)
	}
	hits, err := s.Recall(ctx, "dev", "create handler status", 3)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1 via scan", len(hits))
	}
}

func TestPurgeRemovesProjectEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Remember(ctx, "x", "ephemeral note", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	hits, err := s.Recall(ctx, "x", "ephemeral note", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("purged store returned %d hits", len(hits))
	}
}

func TestDisabledMemoryIsNoop(t *testing.T) {
	var m Disabled
	ctx := context.Background()
	if err := m.Remember(ctx, "s", "content", nil); err != nil {
		t.Errorf("Remember: %v", err)
	}
	hits, err := m.Recall(ctx, "s", "content", 5)
	if err != nil {
		t.Errorf("Recall: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("disabled memory returned hits")
	}
}

func TestRelationalStoreMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	s, err := NewRelationalStore(path)
	if err != nil {
		t.Fatalf("NewRelationalStore: %v", err)
	}
	defer s.Close()

	start := time.Now().UTC()
	if err := s.RunStarted("run-1", start); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if err := s.RecordPhase(PhaseMetric{
		RunID: "run-1", Phase: "planning", Duration: 3 * time.Second,
		Retries: 0, TokensIn: 1200, TokensOut: 800, Outcome: "success",
	}); err != nil {
		t.Fatalf("RecordPhase: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordInvocation("backend_developer", "model-a", 100, 50, i == 2); err != nil {
			t.Fatalf("RecordInvocation: %v", err)
		}
	}
	if err := s.RunEnded("run-1", start.Add(time.Minute), "complete"); err != nil {
		t.Fatalf("RunEnded: %v", err)
	}

	runs, err := s.Runs(10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].FinalPhase != "complete" || runs[0].EndedAt == nil {
		t.Errorf("runs = %+v", runs)
	}

	metrics, err := s.RoleMetrics()
	if err != nil {
		t.Fatalf("RoleMetrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("metrics rows = %d, want 1", len(metrics))
	}
	m := metrics[0]
	if m.Invocations != 3 || m.TokensIn != 300 || m.TokensOut != 150 || m.Failures != 1 {
		t.Errorf("aggregates = %+v", m)
	}
}
