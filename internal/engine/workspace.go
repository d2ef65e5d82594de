package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// workspacePath names a run's exclusive build directory. The timestamp
// keeps directories distinguishable when a run id is reused across
// environments.
func workspacePath(root, runID string, at time.Time) string {
	name := fmt.Sprintf("build_%s_%s", runID, at.UTC().Format("20060102_150405"))
	return filepath.Join(root, name)
}

func (e *Engine) createWorkspace(runID string) (string, error) {
	dir := workspacePath(e.cfg.WorkspaceRoot, runID, e.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// removeWorkspace deletes a build directory. Failures are logged, not
// returned: the run's terminal status must not depend on local disk
// cleanup.
func (e *Engine) removeWorkspace(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		e.log.Error("remove workspace", "dir", dir, "error", err)
	}
}
