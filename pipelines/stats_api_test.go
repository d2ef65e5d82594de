package main

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatisticsSummarizesRuns(t *testing.T) {
	fx := newAPIFixture(t)
	fx.completedRunWithOutputs(t, []string{"clone_repo", "create_zip"}, "zip")
	fx.completedRunWithOutputs(t, []string{"clone_repo", "create_zip", "build_image"}, "both")

	fx.cloner.err = errors.New("network unreachable")
	failedID := fx.createRun(t, map[string]any{
		"steps":       []string{"clone_repo", "create_zip"},
		"output_type": "zip",
	})
	if rec := fx.do(t, "POST", "/pipeline-runs/"+failedID+"/execute?wait=1", nil); rec.Code != http.StatusOK {
		t.Fatalf("execute failed run: status = %d", rec.Code)
	}
	fx.cloner.err = nil

	fx.createRun(t, map[string]any{
		"steps":       []string{"clone_repo", "build_image"},
		"output_type": "container_image",
	})

	rec := fx.do(t, "GET", "/statistics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var stats struct {
		PeriodDays         int            `json:"period_days"`
		TotalRuns          int            `json:"total_runs"`
		CompletedRuns      int            `json:"completed_runs"`
		FailedRuns         int            `json:"failed_runs"`
		PendingRuns        int            `json:"pending_runs"`
		RunningRuns        int            `json:"running_runs"`
		SuccessRatePercent float64        `json:"success_rate_percent"`
		PopularSteps       []struct {
			Step  string `json:"step"`
			Name  string `json:"name"`
			Count int    `json:"count"`
		} `json:"popular_steps"`
		OutputCounts map[string]int `json:"output_counts"`
	}
	decodeBody(t, rec, &stats)

	if stats.PeriodDays != 30 {
		t.Fatalf("period_days = %d, want 30", stats.PeriodDays)
	}
	if stats.TotalRuns != 4 || stats.CompletedRuns != 2 || stats.FailedRuns != 1 || stats.PendingRuns != 1 || stats.RunningRuns != 0 {
		t.Fatalf("run counts = %+v", stats)
	}
	if stats.SuccessRatePercent != 50 {
		t.Fatalf("success rate = %v, want 50", stats.SuccessRatePercent)
	}
	if len(stats.PopularSteps) != 3 {
		t.Fatalf("popular steps = %+v", stats.PopularSteps)
	}
	if stats.PopularSteps[0].Step != "clone_repo" || stats.PopularSteps[0].Count != 4 {
		t.Fatalf("top step = %+v", stats.PopularSteps[0])
	}
	if stats.PopularSteps[1].Step != "create_zip" || stats.PopularSteps[1].Count != 3 {
		t.Fatalf("second step = %+v", stats.PopularSteps[1])
	}
	if stats.OutputCounts["zip"] != 2 || stats.OutputCounts["container_image"] != 1 {
		t.Fatalf("output counts = %+v", stats.OutputCounts)
	}
}

func TestStatisticsRejectsBadPeriod(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, "GET", "/statistics?period_days=0", nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_failed" {
		t.Fatalf("status = %d, code = %s", rec.Code, errorCode(t, rec))
	}
}
