// Package memory implements the two semantic stores: a session-scoped
// associative store with embedding recall and a cross-session relational
// store for run and role metrics. Both are SQLite-backed.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"codecrew/internal/embedding"
	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// DefaultHalfLife controls recency decay: an entry this old scores half
// its original recency weight.
const DefaultHalfLife = 30 * time.Minute

// AssociativeConfig tunes recall scoring.
type AssociativeConfig struct {
	HalfLife time.Duration `json:"half_life" yaml:"half_life"`

	// Weights compose the recall score. They are normalized at use, so
	// only their ratios matter.
	SimilarityWeight float64 `json:"similarity_weight" yaml:"similarity_weight"`
	RecencyWeight    float64 `json:"recency_weight" yaml:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight" yaml:"importance_weight"`
}

// DefaultAssociativeConfig matches the recall behavior the flow expects:
// similarity dominates, recency and importance break ties.
func DefaultAssociativeConfig() AssociativeConfig {
	return AssociativeConfig{
		HalfLife:         DefaultHalfLife,
		SimilarityWeight: 0.6,
		RecencyWeight:    0.2,
		ImportanceWeight: 0.2,
	}
}

// AssociativeStore is the session-scoped semantic store. Entries are
// partitioned by project id and purged when the run completes. A
// per-scope lock orders writes before recalls in the same scope.
type AssociativeStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	engine    embedding.Engine
	projectID string
	cfg       AssociativeConfig
	// vec is true when the vec0 index table exists; recall then asks the
	// index first and only falls back to the full scan on error.
	vec bool

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex
}

// NewAssociativeStore opens (or creates) the store at path.
func NewAssociativeStore(path, projectID string, engine embedding.Engine, cfg AssociativeConfig) (*AssociativeStore, error) {
	if engine == nil {
		return nil, fmt.Errorf("embedding engine required")
	}
	if cfg.HalfLife <= 0 {
		cfg = DefaultAssociativeConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.MemoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &AssociativeStore{
		db:        db,
		engine:    engine,
		projectID: projectID,
		cfg:       cfg,
		scopes:    map[string]*sync.Mutex{},
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Memory("Associative store ready: path=%s project=%s engine=%s", path, projectID, engine.Name())
	return s, nil
}

func (s *AssociativeStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		importance REAL NOT NULL DEFAULT 0.5,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(project_id, scope);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	ok, err := vecInit(s.db, s.engine.Dimensions())
	if err != nil {
		logging.MemoryDebug("Vector index unavailable, using scan recall: %v", err)
	} else if ok {
		logging.Memory("Vector index enabled (dims=%d)", s.engine.Dimensions())
	}
	s.vec = ok
	return nil
}

func (s *AssociativeStore) scopeLock(scope string) *sync.Mutex {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	if m, ok := s.scopes[scope]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.scopes[scope] = m
	return m
}

// Remember embeds and stores content in a scope. Importance comes from
// metadata key "importance" (0..1) when present, else 0.5. Embedding
// failures degrade to a keyword-only entry rather than failing the run.
func (s *AssociativeStore) Remember(ctx context.Context, scope, content string, metadata map[string]any) error {
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	importance := 0.5
	if v, ok := metadata["importance"]; ok {
		if f, ok := v.(float64); ok && f >= 0 && f <= 1 {
			importance = f
		}
	}

	var embJSON string
	emb, err := s.engine.Embed(ctx, content)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Embed failed, storing without vector: %v", err)
		emb = nil
	} else {
		data, err := json.Marshal(emb)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embJSON = string(data)
	}
	metaJSON, _ := json.Marshal(metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO memories (project_id, scope, content, embedding, importance, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.projectID, scope, content, embJSON, importance, string(metaJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}
	if s.vec && emb != nil {
		if id, err := res.LastInsertId(); err == nil {
			if err := vecStore(s.db, id, emb); err != nil {
				logging.MemoryDebug("Vector index store failed: %v", err)
			}
		}
	}
	logging.AuditWithProject(s.projectID).Log(logging.AuditEvent{
		EventType: logging.AuditMemoryStore, Target: scope, Success: true,
	})
	return nil
}

type candidate struct {
	content    string
	embedding  []float32
	importance float64
	metadata   map[string]any
	createdAt  time.Time
}

// Recall returns the k best-scoring entries in a scope for a query.
// Scores compose semantic similarity, recency decay, and importance.
// Embedding failure returns no hits, treated as memory disabled for the
// call.
func (s *AssociativeStore) Recall(ctx context.Context, scope, query string, k int) ([]types.MemoryHit, error) {
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	if k <= 0 {
		k = 5
	}
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Query embed failed, recall disabled: %v", err)
		return nil, nil
	}

	s.mu.RLock()
	var candidates []candidate
	if s.vec {
		// Overfetch: index order is pure similarity, final ranking also
		// weighs recency and importance.
		ids, verr := vecSearch(s.db, queryVec, k*8)
		if verr != nil {
			logging.MemoryDebug("Vector search failed, falling back to scan: %v", verr)
		} else if len(ids) > 0 {
			candidates, verr = s.fetchCandidates(scope, ids)
			if verr != nil {
				s.mu.RUnlock()
				return nil, verr
			}
		}
	}
	if candidates == nil {
		var serr error
		candidates, serr = s.scanCandidates(scope)
		if serr != nil {
			s.mu.RUnlock()
			return nil, serr
		}
	}
	s.mu.RUnlock()

	wSum := s.cfg.SimilarityWeight + s.cfg.RecencyWeight + s.cfg.ImportanceWeight
	if wSum <= 0 {
		wSum = 1
	}
	now := time.Now().UTC()
	var hits []types.MemoryHit
	for _, c := range candidates {
		if c.embedding == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, c.embedding)
		if err != nil {
			continue
		}
		age := now.Sub(c.createdAt)
		recency := math.Exp2(-age.Seconds() / s.cfg.HalfLife.Seconds())
		score := (s.cfg.SimilarityWeight*sim +
			s.cfg.RecencyWeight*recency +
			s.cfg.ImportanceWeight*c.importance) / wSum
		hits = append(hits, types.MemoryHit{
			Content:  c.content,
			Score:    score,
			Metadata: c.metadata,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	logging.AuditWithProject(s.projectID).Log(logging.AuditEvent{
		EventType: logging.AuditMemoryRecall, Target: scope, Success: true,
		Fields: map[string]any{"hits": len(hits)},
	})
	logging.MemoryDebug("Recall scope=%s query_len=%d hits=%d", scope, len(query), len(hits))
	return hits, nil
}

// scanCandidates loads every entry in a scope. Caller holds the read
// lock.
func (s *AssociativeStore) scanCandidates(scope string) ([]candidate, error) {
	rows, err := s.db.Query(
		`SELECT content, embedding, importance, metadata, created_at
		 FROM memories WHERE project_id = ? AND scope = ?`,
		s.projectID, scope,
	)
	if err != nil {
		return nil, fmt.Errorf("recall query failed: %w", err)
	}
	defer rows.Close()
	return collectCandidates(rows), nil
}

// fetchCandidates loads the index hits that belong to this project and
// scope. Index order is discarded: scoring re-ranks.
func (s *AssociativeStore) fetchCandidates(scope string, ids []int64) ([]candidate, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, s.projectID, scope)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.Query(
		`SELECT content, embedding, importance, metadata, created_at
		 FROM memories WHERE project_id = ? AND scope = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("recall fetch failed: %w", err)
	}
	defer rows.Close()
	return collectCandidates(rows), nil
}

func collectCandidates(rows *sql.Rows) []candidate {
	var out []candidate
	for rows.Next() {
		var c candidate
		var embJSON, metaJSON string
		if err := rows.Scan(&c.content, &embJSON, &c.importance, &metaJSON, &c.createdAt); err != nil {
			continue
		}
		if embJSON != "" {
			json.Unmarshal([]byte(embJSON), &c.embedding)
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &c.metadata)
		}
		out = append(out, c)
	}
	return out
}

// Purge removes every entry for this run. Called on completion.
func (s *AssociativeStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM memories WHERE project_id = ?`, s.projectID)
	if err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}
	if s.vec {
		if _, err := s.db.Exec(
			`DELETE FROM memory_vectors WHERE memory_id NOT IN (SELECT id FROM memories)`); err != nil {
			logging.MemoryDebug("Vector index purge failed: %v", err)
		}
	}
	logging.Memory("Purged associative memory for project %s", s.projectID)
	return nil
}

// Close closes the database.
func (s *AssociativeStore) Close() error {
	return s.db.Close()
}

// Disabled is the no-op memory used when the memory layer is off:
// recalls are empty and remembers do nothing.
type Disabled struct{}

// Remember is a no-op.
func (Disabled) Remember(context.Context, string, string, map[string]any) error { return nil }

// Recall returns no hits.
func (Disabled) Recall(context.Context, string, string, int) ([]types.MemoryHit, error) {
	return nil, nil
}
