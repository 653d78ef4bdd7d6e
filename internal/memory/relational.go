package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"codecrew/internal/logging"
)

// RelationalStore is the cross-session metrics store. It is append-only
// from the flow's point of view and never read on the control path; the
// status CLI reads it for observability.
type RelationalStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRelationalStore opens (or creates) the store at path.
func NewRelationalStore(path string) (*RelationalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.MemoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}

	s := &RelationalStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RelationalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		final_phase TEXT
	);
	CREATE TABLE IF NOT EXISTS phase_metrics (
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS role_metrics (
		role TEXT NOT NULL,
		model_id TEXT NOT NULL,
		invocations INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (role, model_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RunStarted records a new run.
func (s *RelationalStore) RunStarted(runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC(),
	)
	return err
}

// RunEnded records the run outcome.
func (s *RelationalStore) RunEnded(runID string, endedAt time.Time, finalPhase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE runs SET ended_at = ?, final_phase = ? WHERE run_id = ?`,
		endedAt.UTC(), finalPhase, runID,
	)
	return err
}

// PhaseMetric is one phase execution record.
type PhaseMetric struct {
	RunID     string
	Phase     string
	Duration  time.Duration
	Retries   int
	TokensIn  int
	TokensOut int
	Outcome   string
}

// RecordPhase appends a phase metric.
func (s *RelationalStore) RecordPhase(m PhaseMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO phase_metrics (run_id, phase, duration_ms, retries, tokens_in, tokens_out, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Phase, m.Duration.Milliseconds(), m.Retries, m.TokensIn, m.TokensOut, m.Outcome,
	)
	return err
}

// RecordInvocation upserts aggregate metrics for one worker invocation.
func (s *RelationalStore) RecordInvocation(role, modelID string, tokensIn, tokensOut int, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	failures := 0
	if failed {
		failures = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO role_metrics (role, model_id, invocations, tokens_in, tokens_out, failures)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(role, model_id) DO UPDATE SET
			invocations = invocations + 1,
			tokens_in = tokens_in + excluded.tokens_in,
			tokens_out = tokens_out + excluded.tokens_out,
			failures = failures + excluded.failures`,
		role, modelID, tokensIn, tokensOut, failures,
	)
	return err
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	EndedAt    *time.Time
	FinalPhase string
}

// Runs returns recorded runs, newest first.
func (s *RelationalStore) Runs(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT run_id, started_at, ended_at, COALESCE(final_phase, '')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var ended sql.NullTime
		if err := rows.Scan(&r.RunID, &r.StartedAt, &ended, &r.FinalPhase); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoleMetric is one row of the role_metrics table.
type RoleMetric struct {
	Role        string
	ModelID     string
	Invocations int
	TokensIn    int
	TokensOut   int
	Failures    int
}

// RoleMetrics returns aggregate per-role metrics.
func (s *RelationalStore) RoleMetrics() ([]RoleMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT role, model_id, invocations, tokens_in, tokens_out, failures
		 FROM role_metrics ORDER BY role, model_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleMetric
	for rows.Next() {
		var m RoleMetric
		if err := rows.Scan(&m.Role, &m.ModelID, &m.Invocations, &m.TokensIn, &m.TokensOut, &m.Failures); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *RelationalStore) Close() error {
	return s.db.Close()
}
