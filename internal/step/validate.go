package step

import (
	"fmt"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

// DependencyError reports a selected step whose prerequisites are not part
// of the same selection.
type DependencyError struct {
	Step    string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s requires %s", e.Step, strings.Join(e.Missing, ", "))
}

// ValidateSelection checks a step selection against the catalog: the
// selection must be non-empty, every key must be known, clone_repo must be
// included, and every selected step's dependencies must be selected too.
//
// Structural problems aggregate into a *domain.ValidationError; an unmet
// dependency on an otherwise well-formed selection returns a
// *DependencyError for the first violating step in execution order.
func ValidateSelection(keys []string) error {
	verr := &domain.ValidationError{}
	if len(keys) == 0 {
		verr.Add("at least one step is required")
		return verr
	}
	hasClone := false
	for _, k := range keys {
		if _, ok := byKey[k]; !ok {
			verr.Addf("unknown step: %s", k)
			continue
		}
		if k == KeyCloneRepo {
			hasClone = true
		}
	}
	if !hasClone {
		verr.Addf("step %s is required", KeyCloneRepo)
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	selected := make(map[string]bool, len(keys))
	for _, k := range keys {
		selected[k] = true
	}
	for _, k := range Canonicalize(keys) {
		s := byKey[k]
		var missing []string
		for _, dep := range s.DependsOn {
			if !selected[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return &DependencyError{Step: k, Missing: missing}
		}
	}
	return nil
}
