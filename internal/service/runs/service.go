package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/step"
	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

const seedLogMessage = "Pipeline run created. Waiting for execution."

// ImageRemover deletes a locally built image. A missing image is not an
// error.
type ImageRemover interface {
	Remove(ctx context.Context, reference string) error
}

type Service struct {
	runs       repo.RunRepository
	outputs    repo.OutputRepository
	sources    repo.SourceRepository
	registries repo.RegistryRepository
	templates  repo.TemplateRepository

	store  objectstore.Store
	bucket string
	images ImageRemover
}

// New wires the run service. The image remover may be nil when no Docker
// daemon is reachable; run deletion then leaves local images behind.
func New(
	runRepo repo.RunRepository,
	outputRepo repo.OutputRepository,
	sourceRepo repo.SourceRepository,
	registryRepo repo.RegistryRepository,
	templateRepo repo.TemplateRepository,
	store objectstore.Store,
	bucket string,
	images ImageRemover,
) *Service {
	if runRepo == nil || outputRepo == nil || sourceRepo == nil || registryRepo == nil || templateRepo == nil || store == nil {
		return nil
	}
	return &Service{
		runs:       runRepo,
		outputs:    outputRepo,
		sources:    sourceRepo,
		registries: registryRepo,
		templates:  templateRepo,
		store:      store,
		bucket:     bucket,
		images:     images,
	}
}

// CreateRequest carries the user's run configuration.
type CreateRequest struct {
	Steps      []string
	SourceID   string
	OutputType string
	RegistryID string
	TemplateID string
	ConfigName string
	CreatedBy  string
}

// Create validates the step selection against the catalog and the run
// configuration against the selection, then persists a pending run with
// its seed log line. Nothing is cloned, built or pushed here.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.PipelineRun, error) {
	if s == nil {
		return domain.PipelineRun{}, fmt.Errorf("run service not initialized")
	}
	if err := step.ValidateSelection(req.Steps); err != nil {
		return domain.PipelineRun{}, err
	}
	selected := step.Canonicalize(req.Steps)
	outputType := domain.NormalizeOutputType(req.OutputType)

	verr := &domain.ValidationError{}
	if !outputType.ValidForRun() {
		verr.Add("output type must be one of: zip, container_image, both")
	}
	if outputType.Includes(domain.OutputTypeZip) && !hasStep(selected, step.KeyCreateZip) {
		verr.Addf("output type %s requires the %s step", outputType, step.KeyCreateZip)
	}
	if outputType.Includes(domain.OutputTypeImage) && !hasStep(selected, step.KeyBuildImage) {
		verr.Addf("output type %s requires the %s step", outputType, step.KeyBuildImage)
	}
	if hasStep(selected, step.KeyPushRegistry) && strings.TrimSpace(req.RegistryID) == "" {
		verr.Addf("step %s requires a container registry", step.KeyPushRegistry)
	}
	if hasStep(selected, step.KeyApplyBranding) && strings.TrimSpace(req.TemplateID) == "" {
		verr.Addf("step %s requires a branding template", step.KeyApplyBranding)
	}
	if hasStep(selected, step.KeyApplyConfig) && strings.TrimSpace(req.ConfigName) == "" {
		verr.Addf("step %s requires a configuration name", step.KeyApplyConfig)
	}
	if err := verr.OrNil(); err != nil {
		return domain.PipelineRun{}, err
	}

	if err := s.checkReferences(ctx, req); err != nil {
		return domain.PipelineRun{}, err
	}

	now := time.Now().UTC()
	run := domain.PipelineRun{
		ID:         uuid.NewString(),
		Status:     domain.RunStatusPending,
		Steps:      selected,
		SourceID:   strings.TrimSpace(req.SourceID),
		OutputType: outputType,
		RegistryID: strings.TrimSpace(req.RegistryID),
		TemplateID: strings.TrimSpace(req.TemplateID),
		ConfigName: strings.TrimSpace(req.ConfigName),
		Logs:       domain.FormatLogLine(now, seedLogMessage),
		CreatedAt:  now,
		CreatedBy:  strings.TrimSpace(req.CreatedBy),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("create pipeline run: %w", err)
	}
	return run, nil
}

// checkReferences verifies that every row the run points at exists.
// Missing rows are validation failures, not lookup errors.
func (s *Service) checkReferences(ctx context.Context, req CreateRequest) error {
	verr := &domain.ValidationError{}
	if id := strings.TrimSpace(req.SourceID); id != "" {
		if _, err := s.sources.GetSource(ctx, id); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("get repository source: %w", err)
			}
			verr.Addf("unknown repository source: %s", id)
		}
	}
	if id := strings.TrimSpace(req.RegistryID); id != "" {
		if _, err := s.registries.GetRegistry(ctx, id); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("get container registry: %w", err)
			}
			verr.Addf("unknown container registry: %s", id)
		}
	}
	if id := strings.TrimSpace(req.TemplateID); id != "" {
		if _, err := s.templates.GetTemplate(ctx, id); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("get branding template: %w", err)
			}
			verr.Addf("unknown branding template: %s", id)
		}
	}
	return verr.OrNil()
}

func (s *Service) Get(ctx context.Context, id string) (domain.PipelineRun, error) {
	return s.runs.GetRun(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	return s.runs.ListRuns(ctx, filter)
}

// Logs returns the run's raw log text.
func (s *Service) Logs(ctx context.Context, id string) (string, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	return run.Logs, nil
}

// Delete removes a run that is not currently running, its output rows,
// stored archives and unpublished local images.
func (s *Service) Delete(ctx context.Context, id string) error {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == domain.RunStatusRunning {
		return &domain.InvalidStateError{RunID: id, Status: run.Status, Want: "not running"}
	}

	outputs, err := s.outputs.ListOutputs(ctx, repo.OutputFilter{RunID: id})
	if err != nil {
		return fmt.Errorf("list run outputs: %w", err)
	}
	for _, out := range outputs {
		if err := s.discardStoredArtifacts(ctx, out); err != nil {
			return err
		}
	}
	return s.runs.DeleteRun(ctx, id)
}

// discardStoredArtifacts removes whatever an output row materialized
// outside the database. Published images stay in their remote registry.
func (s *Service) discardStoredArtifacts(ctx context.Context, out domain.BuildOutput) error {
	if out.FilePath != "" {
		if err := s.store.Delete(ctx, s.bucket, out.FilePath); err != nil && !objectstore.IsNotExist(err) {
			return fmt.Errorf("delete stored archive %s: %w", out.FilePath, err)
		}
	}
	if out.Type == domain.OutputTypeImage && out.ExpiresAt != nil && out.ImageReference != "" && s.images != nil {
		if err := s.images.Remove(ctx, out.ImageReference); err != nil {
			return fmt.Errorf("remove local image %s: %w", out.ImageReference, err)
		}
	}
	return nil
}

func hasStep(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
