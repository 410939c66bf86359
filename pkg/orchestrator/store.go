package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrRunNotFound is returned when no report exists for a run ID
var ErrRunNotFound = errors.New("run report not found")

// ReportStore persists run reports
type ReportStore interface {
	Save(result *ParallelExecutionResult) error
	Get(runID string) (*ParallelExecutionResult, error)
	List() ([]*ParallelExecutionResult, error)
	Delete(runID string) error
}

// RunStore implements ReportStore with one JSON file per run
type RunStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewRunStore creates the directory if needed and returns a store rooted there
func NewRunStore(baseDir string) (*RunStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}
	return &RunStore{baseDir: baseDir}, nil
}

func (s *RunStore) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id: %q", runID)
	}
	return filepath.Join(s.baseDir, runID+".json"), nil
}

// Save writes a report atomically
func (s *RunStore) Save(result *ParallelExecutionResult) error {
	if result == nil {
		return errors.New("result is nil")
	}
	path, err := s.path(result.RunID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit run report: %w", err)
	}
	return nil
}

// Get reads one report
func (s *RunStore) Get(runID string) (*ParallelExecutionResult, error) {
	path, err := s.path(runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return readReport(path, runID)
}

func readReport(path, runID string) (*ParallelExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run report: %w", err)
	}

	var result ParallelExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run report: %w", err)
	}
	return &result, nil
}

// List returns every readable report, most recent first. Corrupt files are skipped.
func (s *RunStore) List() ([]*ParallelExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read run store directory: %w", err)
	}

	var results []*ParallelExecutionResult
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		runID := strings.TrimSuffix(entry.Name(), ".json")
		result, err := readReport(filepath.Join(s.baseDir, entry.Name()), runID)
		if err != nil {
			continue
		}
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	return results, nil
}

// Delete removes a report. Deleting a missing report is not an error.
func (s *RunStore) Delete(runID string) error {
	path, err := s.path(runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run report: %w", err)
	}
	return nil
}
