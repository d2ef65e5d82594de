package repo

import (
	"context"
	"errors"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

// ErrNotFound is returned by every repository when the addressed row does
// not exist.
var ErrNotFound = errors.New("not found")

type RunFilter struct {
	Status    domain.RunStatus
	CreatedBy string
	Limit     int
}

type OutputFilter struct {
	RunID string
	Type  domain.OutputType
	Limit int
}

type SourceFilter struct {
	Name  string
	Limit int
}

type RegistryFilter struct {
	Name  string
	Type  domain.RegistryType
	Limit int
}

type TemplateFilter struct {
	Name  string
	Limit int
}

// RunSummary is the slice of a run the statistics service aggregates over.
type RunSummary struct {
	Status     domain.RunStatus
	Steps      []string
	OutputType domain.OutputType
	CreatedAt  time.Time
}

// OutputSummary is the slice of a build output the statistics service
// aggregates over.
type OutputSummary struct {
	Type      domain.OutputType
	CreatedAt time.Time
}

// RunRepository manages pipeline runs and their append-only logs. Status
// moves through MarkRunRunning and FinishRun only, so the state machine is
// enforced at the row level.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)

	// MarkRunRunning claims a pending run. It reports false when the run is
	// missing or not pending; callers re-read the run to tell those apart.
	MarkRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	FinishRun(ctx context.Context, id string, status domain.RunStatus, errorMessage string, completedAt time.Time) error
	AppendRunLog(ctx context.Context, id, line string) error

	// DeleteRun removes a run that is not currently running, cascading its
	// build outputs.
	DeleteRun(ctx context.Context, id string) error
	ListRunSummaries(ctx context.Context, since time.Time) ([]RunSummary, error)
}

// OutputRepository manages build outputs.
type OutputRepository interface {
	CreateOutput(ctx context.Context, output domain.BuildOutput) error
	GetOutput(ctx context.Context, id string) (domain.BuildOutput, error)
	ListOutputs(ctx context.Context, filter OutputFilter) ([]domain.BuildOutput, error)

	// MarkOutputPublished finalizes a run's image output after a registry
	// push: the reference becomes the published one and the expiry clears.
	MarkOutputPublished(ctx context.Context, runID, imageReference string) error
	IncrementDownloadCount(ctx context.Context, id string) error
	ListExpiredOutputs(ctx context.Context, now time.Time, limit int) ([]domain.BuildOutput, error)
	DeleteOutput(ctx context.Context, id string) error
	ListOutputSummaries(ctx context.Context, since time.Time) ([]OutputSummary, error)
}

// SourceRepository manages repository sources.
type SourceRepository interface {
	CreateSource(ctx context.Context, source domain.RepositorySource) error
	GetSource(ctx context.Context, id string) (domain.RepositorySource, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]domain.RepositorySource, error)

	// UpdateSourceVerification records a verification attempt. A non-empty
	// defaultBranch also fills the source's default branch.
	UpdateSourceVerification(ctx context.Context, id string, verified bool, at time.Time, defaultBranch string) error
	DeleteSource(ctx context.Context, id string) error
}

// RegistryRepository manages container registries.
type RegistryRepository interface {
	CreateRegistry(ctx context.Context, registry domain.ContainerRegistry) error
	GetRegistry(ctx context.Context, id string) (domain.ContainerRegistry, error)
	ListRegistries(ctx context.Context, filter RegistryFilter) ([]domain.ContainerRegistry, error)
	UpdateRegistryVerification(ctx context.Context, id string, verified bool, at time.Time) error
	DeleteRegistry(ctx context.Context, id string) error
}

// TemplateRepository manages branding templates.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, template domain.BrandingTemplate) error
	GetTemplate(ctx context.Context, id string) (domain.BrandingTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]domain.BrandingTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
}
