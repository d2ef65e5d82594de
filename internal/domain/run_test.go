package domain

import (
	"testing"
	"time"
)

func TestNormalizeRunStatus(t *testing.T) {
	cases := []struct {
		in   string
		want RunStatus
	}{
		{"pending", RunStatusPending},
		{" Running ", RunStatusRunning},
		{"COMPLETED", RunStatusCompleted},
		{"failed", RunStatusFailed},
		{"cancelled", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRunStatus(tc.in); got != tc.want {
			t.Fatalf("NormalizeRunStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanTransitionRunStatus(t *testing.T) {
	cases := []struct {
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusPending, RunStatusCompleted, false},
		{RunStatusPending, RunStatusFailed, false},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusRunning, RunStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransitionRunStatus(tc.current, tc.next); got != tc.want {
			t.Fatalf("CanTransitionRunStatus(%s, %s) = %v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestFormatLogLine(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	got := FormatLogLine(at, "Starting pipeline execution...")
	want := "[2025-03-14 08:26:53] Starting pipeline execution...\n"
	if got != want {
		t.Fatalf("FormatLogLine = %q, want %q", got, want)
	}
}

func TestPipelineRunValidate(t *testing.T) {
	run := PipelineRun{
		ID:         "run-1",
		Status:     RunStatusPending,
		Steps:      []string{"clone_repo"},
		OutputType: OutputTypeZip,
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("valid run rejected: %v", err)
	}

	bad := PipelineRun{Status: "paused", OutputType: "tarball"}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Issues) != 4 {
		t.Fatalf("expected 4 issues, got %d: %v", len(verr.Issues), verr.Issues)
	}
}

func TestPipelineRunTerminal(t *testing.T) {
	for _, tc := range []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
	} {
		run := PipelineRun{Status: tc.status}
		if got := run.Terminal(); got != tc.want {
			t.Fatalf("Terminal() with status %s = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestPipelineRunHasStep(t *testing.T) {
	run := PipelineRun{Steps: []string{"clone_repo", "create_zip"}}
	if !run.HasStep("create_zip") {
		t.Fatal("expected create_zip to be present")
	}
	if run.HasStep("build_image") {
		t.Fatal("did not expect build_image to be present")
	}
}
