package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"codecrew/internal/logging"
)

// Store persists run state under one directory per project:
//
//	<root>/<project_id>/state.json       last full snapshot
//	<root>/<project_id>/transitions.log  append-only JSON lines
//	<root>/<project_id>/errors.log       append-only JSON lines
//	<root>/<project_id>/workspace/       generated files
//
// Snapshots are written atomically (temp file + rename) so a crash never
// leaves a truncated state.json behind.
type Store struct {
	root string
}

// NewStore creates the persistence root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("persistence root required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persistence root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the persistence root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the directory for a run, creating it if needed.
func (s *Store) ProjectDir(projectID string) (string, error) {
	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create project dir: %w", err)
	}
	return dir, nil
}

// WorkspaceDir returns the workspace subtree for generated files.
func (s *Store) WorkspaceDir(projectID string) (string, error) {
	dir := filepath.Join(s.root, projectID, "workspace")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}
	return dir, nil
}

// SaveSnapshot writes the full state atomically.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	dir, err := s.ProjectDir(snap.ProjectID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	final := filepath.Join(dir, "state.json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	logging.Persist("snapshot saved: project=%s phase=%s", snap.ProjectID, snap.Phase)
	return nil
}

// LoadSnapshot reads the last persisted snapshot for a run.
func (s *Store) LoadSnapshot(projectID string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(filepath.Join(s.root, projectID, "state.json"))
	if err != nil {
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}

// AppendTransition writes one transition record to the append-only log.
func (s *Store) AppendTransition(projectID string, t Transition) error {
	return s.appendJSONLine(projectID, "transitions.log", t)
}

// AppendError writes one error record to the append-only log.
func (s *Store) AppendError(projectID string, e ErrorRecord) error {
	return s.appendJSONLine(projectID, "errors.log", e)
}

func (s *Store) appendJSONLine(projectID, name string, v any) error {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

// ReadTransitionLog returns all transitions from the append-only log.
func (s *Store) ReadTransitionLog(projectID string) ([]Transition, error) {
	var out []Transition
	err := s.readJSONLines(projectID, "transitions.log", func(line []byte) error {
		var t Transition
		if err := json.Unmarshal(line, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// ReadErrorLog returns all error records from the append-only log.
func (s *Store) ReadErrorLog(projectID string) ([]ErrorRecord, error) {
	var out []ErrorRecord
	err := s.readJSONLines(projectID, "errors.log", func(line []byte) error {
		var e ErrorRecord
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *Store) readJSONLines(projectID, name string, fn func([]byte) error) error {
	data, err := os.ReadFile(filepath.Join(s.root, projectID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			if err := fn(line); err != nil {
				return fmt.Errorf("corrupt line in %s: %w", name, err)
			}
		}
	}
	return nil
}

// FailureReport captures why a run ended badly, for post-mortem reading.
type FailureReport struct {
	ProjectID    string        `json:"project_id"`
	Phase        Phase         `json:"phase"`
	Errors       []ErrorRecord `json:"errors,omitempty"`
	LastVerdicts []string      `json:"last_verdicts,omitempty"`
	LastOutput   string        `json:"last_output,omitempty"`
}

// WriteFailureReport persists a structured failure report next to the
// snapshot.
func (s *Store) WriteFailureReport(report FailureReport) error {
	dir, err := s.ProjectDir(report.ProjectID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "failure_report.json"), data, 0644)
}

// ListRuns returns the project ids with a persisted snapshot, newest
// first by directory modification time.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "state.json")); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
