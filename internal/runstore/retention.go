package runstore

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// Sweep removes run directories whose workflow reached a terminal status
// before the retention window. Half-created runs (no workflow document)
// older than the window are removed as well. Returns the removed run ids.
//
// Active runs are never touched regardless of age.
func (s *Store) Sweep(retention time.Duration) ([]string, error) {
	cutoff := s.clock.Now().UTC().Add(-retention)

	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "read runs directory").WithCause(err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !core.ValidRunID(entry.Name()) {
			continue
		}
		runID := entry.Name()

		expired, err := s.runExpired(runID, cutoff)
		if err != nil {
			s.logger.Warn("retention skip", "run_id", runID, "error", err)
			continue
		}
		if !expired {
			continue
		}

		if err := os.RemoveAll(s.RunDir(runID)); err != nil {
			s.logger.Warn("retention remove failed", "run_id", runID, "error", err)
			continue
		}
		s.logger.Info("run removed by retention", "run_id", runID)
		removed = append(removed, runID)
	}

	sort.Strings(removed)
	return removed, nil
}

func (s *Store) runExpired(runID string, cutoff time.Time) (bool, error) {
	wf, err := s.LoadWorkflow(runID)
	if err == nil {
		return wf.IsTerminal() && wf.UpdatedAt.Before(cutoff), nil
	}
	if !core.IsCategory(err, core.ErrCatNotFound) {
		return false, err
	}

	// No workflow document: the run never got past creation. Expire it by
	// task age.
	var task core.RunTask
	if err := s.readJSON(filepath.Join(s.RunDir(runID), taskFile), &task); err != nil {
		return false, err
	}
	return task.CreatedAt.Before(cutoff), nil
}
