// Package stats aggregates pipeline run statistics over a trailing
// window.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/step"
)

type Service struct {
	runs    repo.RunRepository
	outputs repo.OutputRepository
}

func New(runRepo repo.RunRepository, outputRepo repo.OutputRepository) *Service {
	if runRepo == nil || outputRepo == nil {
		return nil
	}
	return &Service{runs: runRepo, outputs: outputRepo}
}

// StepUsage counts how often one catalog step was selected.
type StepUsage struct {
	Step  string `json:"step"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DateRange bounds the statistics window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Statistics is the aggregate view over runs created in the window.
type Statistics struct {
	PeriodDays         int            `json:"period_days"`
	TotalRuns          int            `json:"total_runs"`
	CompletedRuns      int            `json:"completed_runs"`
	FailedRuns         int            `json:"failed_runs"`
	PendingRuns        int            `json:"pending_runs"`
	RunningRuns        int            `json:"running_runs"`
	SuccessRatePercent float64        `json:"success_rate_percent"`
	PopularSteps       []StepUsage    `json:"popular_steps"`
	OutputCounts       map[string]int `json:"output_counts"`
	DateRange          DateRange      `json:"date_range"`
}

// Statistics aggregates over runs created in the trailing periodDays
// window. The window selects on creation time, so long-running work
// started inside the window counts even when it finishes outside it.
func (s *Service) Statistics(ctx context.Context, periodDays int) (Statistics, error) {
	if s == nil {
		return Statistics{}, fmt.Errorf("stats service not initialized")
	}
	if periodDays <= 0 {
		verr := &domain.ValidationError{}
		verr.Add("period_days must be positive")
		return Statistics{}, verr.OrNil()
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -periodDays)

	summaries, err := s.runs.ListRunSummaries(ctx, start)
	if err != nil {
		return Statistics{}, fmt.Errorf("list run summaries: %w", err)
	}
	outputSummaries, err := s.outputs.ListOutputSummaries(ctx, start)
	if err != nil {
		return Statistics{}, fmt.Errorf("list output summaries: %w", err)
	}

	result := Statistics{
		PeriodDays: periodDays,
		OutputCounts: map[string]int{
			string(domain.OutputTypeZip):   0,
			string(domain.OutputTypeImage): 0,
		},
		DateRange: DateRange{Start: start, End: end},
	}

	stepCounts := map[string]int{}
	for _, run := range summaries {
		result.TotalRuns++
		switch run.Status {
		case domain.RunStatusCompleted:
			result.CompletedRuns++
		case domain.RunStatusFailed:
			result.FailedRuns++
		case domain.RunStatusPending:
			result.PendingRuns++
		case domain.RunStatusRunning:
			result.RunningRuns++
		}
		for _, key := range run.Steps {
			stepCounts[key]++
		}
	}
	if result.TotalRuns > 0 {
		rate := float64(result.CompletedRuns) / float64(result.TotalRuns) * 100
		result.SuccessRatePercent = math.Round(rate*100) / 100
	}

	// Catalog order first, so equal counts sort deterministically.
	for _, entry := range step.Catalog() {
		if count := stepCounts[entry.Key]; count > 0 {
			result.PopularSteps = append(result.PopularSteps, StepUsage{
				Step:  entry.Key,
				Name:  entry.Name,
				Count: count,
			})
		}
	}
	sort.SliceStable(result.PopularSteps, func(i, j int) bool {
		return result.PopularSteps[i].Count > result.PopularSteps[j].Count
	})

	for _, out := range outputSummaries {
		result.OutputCounts[string(out.Type)]++
	}
	return result, nil
}
