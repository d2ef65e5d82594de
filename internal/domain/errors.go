package domain

import (
	"fmt"
	"strings"
)

// ValidationError collects every issue found while validating a request so
// callers see the full list at once rather than one problem per attempt.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

// Add appends an issue to the error.
func (e *ValidationError) Add(issue string) {
	e.Issues = append(e.Issues, issue)
}

// Addf appends a formatted issue to the error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// OrNil returns the error if any issues were recorded, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// InvalidStateError reports an operation attempted against a run whose
// status does not allow it, e.g. executing a run that is already running.
type InvalidStateError struct {
	RunID  string
	Status RunStatus
	Want   RunStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("pipeline run %s is %s, expected %s", e.RunID, e.Status, e.Want)
}
