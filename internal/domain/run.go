package domain

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// PipelineRun is one attempt to execute a selected set of build steps
// against one repository source.
type PipelineRun struct {
	ID           string
	Status       RunStatus
	Steps        []string
	SourceID     string // empty means the official upstream repository
	OutputType   OutputType
	RegistryID   string
	TemplateID   string
	ConfigName   string
	ErrorMessage string
	Logs         string
	CreatedAt    time.Time
	CreatedBy    string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (r PipelineRun) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(r.ID) == "" {
		verr.Add("run id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		verr.Add("status is required")
	}
	if len(r.Steps) == 0 {
		verr.Add("at least one step is required")
	}
	if !r.OutputType.ValidForRun() {
		verr.Add("output type must be one of: zip, container_image, both")
	}
	return verr.OrNil()
}

// Terminal reports whether the run has finished executing.
func (r PipelineRun) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// HasStep reports whether the step key is part of the run's selection.
func (r PipelineRun) HasStep(key string) bool {
	for _, s := range r.Steps {
		if s == key {
			return true
		}
	}
	return false
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending):
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusFailed):
		return RunStatusFailed
	default:
		return ""
	}
}

// CanTransitionRunStatus enforces the run state machine: pending moves to
// running exactly once, running ends in exactly one terminal status, and
// terminal statuses never change.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// FormatLogLine renders one run log line: a UTC timestamp prefix and the
// message, newline terminated.
func FormatLogLine(at time.Time, message string) string {
	return "[" + at.UTC().Format("2006-01-02 15:04:05") + "] " + message + "\n"
}
