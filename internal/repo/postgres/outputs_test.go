package postgres

import (
	"strings"
	"testing"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

func TestBuildOutputListQueryWithRunAndType(t *testing.T) {
	query, args, err := buildOutputListQuery(repo.OutputFilter{RunID: "run-1", Type: domain.OutputTypeZip, Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if !strings.Contains(query, "run_id = $1") {
		t.Fatalf("expected run_id predicate in query, got %s", query)
	}
	if !strings.Contains(query, "output_type = $2") {
		t.Fatalf("expected output_type predicate in query, got %s", query)
	}
	if !strings.Contains(query, "LIMIT $3") {
		t.Fatalf("expected limit in query, got %s", query)
	}
}

func TestBuildOutputListQueryRejectsBoth(t *testing.T) {
	_, _, err := buildOutputListQuery(repo.OutputFilter{Type: domain.OutputTypeBoth})
	if err == nil {
		t.Fatalf("expected error for non-concrete output type")
	}
}

func TestBuildOutputListQueryNoFilter(t *testing.T) {
	query, args, err := buildOutputListQuery(repo.OutputFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
	if strings.Contains(query, "WHERE") {
		t.Fatalf("expected no predicates, got %s", query)
	}
}
