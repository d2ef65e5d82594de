// Package engine executes pipeline runs. It claims pending runs with a
// compare-and-swap, walks the selected steps in catalog order inside an
// exclusive workspace, and records run logs and build outputs as steps
// complete. Runs always end in a terminal status, whatever the exit
// path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/registry"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/step"
)

// ErrConcurrencyLimit rejects an execute while the concurrent run limit
// is reached. The run stays pending and may be retried.
var ErrConcurrencyLimit = errors.New("concurrent run limit reached")

// ErrCancelled marks a run stopped by an operator.
var ErrCancelled = errors.New("pipeline run cancelled")

// ErrTimeout marks a run stopped by the build timeout.
var ErrTimeout = errors.New("pipeline run timed out")

// ErrNotExecuting rejects a cancel for a run that is running in the
// database but not claimed by this instance.
var ErrNotExecuting = errors.New("run not executing on this instance")

// StepError reports the step that failed a run.
type StepError struct {
	Step string
	Name string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

type Config struct {
	WorkspaceRoot string

	// DefaultRepoURL is cloned when a run selects no repository source.
	DefaultRepoURL string
	DefaultBranch  string

	BuildTimeout   time.Duration
	MaxConcurrent  int
	ZipRetention   time.Duration
	ImageRetention time.Duration

	// ImageName is the local repository built images are tagged under.
	ImageName string
}

const (
	defaultBuildTimeout   = time.Hour
	defaultMaxConcurrent  = 3
	defaultZipRetention   = 7 * 24 * time.Hour
	defaultImageRetention = 24 * time.Hour
	defaultImageName      = "forgeline/custom-build"
)

func (c Config) withDefaults() Config {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(os.TempDir(), "forgeline-builds")
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.ZipRetention <= 0 {
		c.ZipRetention = defaultZipRetention
	}
	if c.ImageRetention <= 0 {
		c.ImageRetention = defaultImageRetention
	}
	if c.ImageName == "" {
		c.ImageName = defaultImageName
	}
	return c
}

// Deps carries the engine's repositories and step collaborators.
type Deps struct {
	Runs       repo.RunRepository
	Outputs    repo.OutputRepository
	Sources    repo.SourceRepository
	Registries repo.RegistryRepository
	Templates  repo.TemplateRepository

	Cloner    Cloner
	Branding  BrandingApplier
	AppConfig ConfigApplier
	Packager  Packager
	Builder   ImageBuilder
	Publisher Publisher

	// Credentials resolves registry push credentials; Secrets opens
	// sealed source credentials. Both may be nil when runs never use
	// protected sources or registries.
	Credentials CredentialResolver
	Secrets     Decrypter

	Logger *slog.Logger
}

type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	slots  chan struct{}
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Runs == nil || deps.Outputs == nil || deps.Sources == nil || deps.Registries == nil || deps.Templates == nil {
		return nil, fmt.Errorf("engine requires all repositories")
	}
	if deps.Cloner == nil || deps.Branding == nil || deps.AppConfig == nil || deps.Packager == nil || deps.Builder == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("engine requires all step collaborators")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		log:    logger,
		now:    time.Now,
		active: map[string]context.CancelFunc{},
		slots:  make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Execute claims the run and drives it to a terminal status, blocking
// until it finishes. It returns the final run and the failure cause: a
// *StepError, ErrTimeout, ErrCancelled, or nil on success.
func (e *Engine) Execute(ctx context.Context, runID string) (domain.PipelineRun, error) {
	run, runCtx, release, err := e.claim(ctx, runID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	cause := e.drive(runCtx, release, run)

	final, err := e.deps.Runs.GetRun(context.Background(), runID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	return final, cause
}

// ExecuteAsync claims the run synchronously, so callers still see claim
// failures, then completes in the background.
func (e *Engine) ExecuteAsync(ctx context.Context, runID string) error {
	run, runCtx, release, err := e.claim(ctx, runID)
	if err != nil {
		return err
	}
	go func() {
		if cause := e.drive(runCtx, release, run); cause != nil {
			e.log.Info("pipeline run failed", "run_id", run.ID, "cause", cause)
		}
	}()
	return nil
}

// Cancel stops a run executing on this instance. The in-flight step's
// context is cancelled; the run ends failed with a cancellation cause.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	run, err := e.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusRunning {
		return &domain.InvalidStateError{RunID: runID, Status: run.Status, Want: domain.RunStatusRunning}
	}
	return fmt.Errorf("pipeline run %s: %w", runID, ErrNotExecuting)
}

// claim moves a pending run to running. Exactly one of two concurrent
// claims wins the row-level compare-and-swap; the loser reads the run
// again and reports its actual status.
func (e *Engine) claim(ctx context.Context, runID string) (domain.PipelineRun, context.Context, func(), error) {
	run, err := e.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.PipelineRun{}, nil, nil, err
	}
	if run.Status != domain.RunStatusPending {
		return domain.PipelineRun{}, nil, nil, &domain.InvalidStateError{RunID: runID, Status: run.Status, Want: domain.RunStatusPending}
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return domain.PipelineRun{}, nil, nil, ErrConcurrencyLimit
	}

	startedAt := e.now().UTC()
	claimed, err := e.deps.Runs.MarkRunRunning(ctx, runID, startedAt)
	if err != nil {
		<-e.slots
		return domain.PipelineRun{}, nil, nil, fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		<-e.slots
		current, err := e.deps.Runs.GetRun(ctx, runID)
		if err != nil {
			return domain.PipelineRun{}, nil, nil, err
		}
		return domain.PipelineRun{}, nil, nil, &domain.InvalidStateError{RunID: runID, Status: current.Status, Want: domain.RunStatusPending}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.BuildTimeout)
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()

	release := func() {
		cancel()
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		<-e.slots
	}

	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	return run, runCtx, release, nil
}

type runState struct {
	run            domain.PipelineRun
	workspace      string
	sourceDir      string
	builtImage     string
	imageOutputID  string
	outputsCreated int
}

// drive runs a claimed run to its terminal status. It owns the release
// of the concurrency slot and the removal of the workspace.
func (e *Engine) drive(ctx context.Context, release func(), run domain.PipelineRun) error {
	defer release()

	e.appendLog(run.ID, "Starting pipeline execution...")

	if err := step.ValidateSelection(run.Steps); err != nil {
		e.appendLog(run.ID, fmt.Sprintf("Pipeline validation failed: %v", err))
		e.finish(run.ID, domain.RunStatusFailed, err.Error())
		return err
	}

	dir, err := e.createWorkspace(run.ID)
	if err != nil {
		e.appendLog(run.ID, fmt.Sprintf("Pipeline setup failed: %v", err))
		e.finish(run.ID, domain.RunStatusFailed, err.Error())
		return err
	}
	defer e.removeWorkspace(dir)

	st := &runState{run: run, workspace: dir, sourceDir: filepath.Join(dir, "source")}

	cause := e.runSteps(ctx, st)
	if cause == nil {
		e.appendLog(run.ID, fmt.Sprintf("Pipeline completed successfully. Generated %d output(s).", st.outputsCreated))
		e.finish(run.ID, domain.RunStatusCompleted, "")
		return nil
	}
	e.failRun(st, cause)
	return cause
}

func (e *Engine) runSteps(ctx context.Context, st *runState) error {
	for _, key := range step.Canonicalize(st.run.Steps) {
		if ctx.Err() != nil {
			return interruptCause(ctx.Err())
		}
		entry, ok := step.ByKey(key)
		if !ok {
			continue
		}
		e.appendLog(st.run.ID, fmt.Sprintf("Executing step: %s", entry.Name))
		if err := e.runStep(ctx, st, entry); err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return interruptCause(ctx.Err())
			}
			e.appendLog(st.run.ID, fmt.Sprintf("✗ Step failed: %s: %v", entry.Name, err))
			return &StepError{Step: entry.Key, Name: entry.Name, Err: err}
		}
		e.appendLog(st.run.ID, fmt.Sprintf("✓ Step completed: %s", entry.Name))
	}
	return nil
}

func interruptCause(ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

// failRun records the terminal failure. Interrupted runs also drop the
// locally built image; completed-step outputs such as stored archives
// stay and age out through retention.
func (e *Engine) failRun(st *runState, cause error) {
	runID := st.run.ID
	var stepErr *StepError
	switch {
	case errors.Is(cause, ErrTimeout):
		e.appendLog(runID, fmt.Sprintf("✗ Pipeline timed out after %s.", e.cfg.BuildTimeout))
		e.discardImage(st)
		e.finish(runID, domain.RunStatusFailed, fmt.Sprintf("build timed out after %s", e.cfg.BuildTimeout))
	case errors.Is(cause, ErrCancelled):
		e.appendLog(runID, "Pipeline execution cancelled.")
		e.discardImage(st)
		e.finish(runID, domain.RunStatusFailed, "pipeline run cancelled")
	case errors.As(cause, &stepErr):
		e.appendLog(runID, fmt.Sprintf("Pipeline failed. Failed steps: %s", stepErr.Name))
		e.finish(runID, domain.RunStatusFailed, stepErr.Error())
	default:
		e.finish(runID, domain.RunStatusFailed, cause.Error())
	}
}

func (e *Engine) runStep(ctx context.Context, st *runState, entry step.Step) error {
	switch entry.Key {
	case step.KeyCloneRepo:
		return e.stepClone(ctx, st)
	case step.KeyApplyBranding:
		return e.stepBranding(ctx, st)
	case step.KeyApplyConfig:
		return e.stepConfig(ctx, st)
	case step.KeyCreateZip:
		return e.stepPackage(ctx, st)
	case step.KeyBuildImage:
		return e.stepBuildImage(ctx, st)
	case step.KeyPushRegistry:
		return e.stepPush(ctx, st)
	default:
		return fmt.Errorf("unknown step %s", entry.Key)
	}
}

func (e *Engine) stepClone(ctx context.Context, st *runState) error {
	req := gitsource.CloneRequest{
		URL:      e.cfg.DefaultRepoURL,
		Protocol: domain.SourceProtocolHTTPS,
		Branch:   e.cfg.DefaultBranch,
		Dir:      st.sourceDir,
	}
	if st.run.SourceID != "" {
		src, err := e.deps.Sources.GetSource(ctx, st.run.SourceID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("repository source %s not found", st.run.SourceID)
			}
			return fmt.Errorf("load repository source: %w", err)
		}
		credential := ""
		if src.EncryptedCredential != "" {
			if e.deps.Secrets == nil {
				return fmt.Errorf("credential cipher not configured")
			}
			credential, err = e.deps.Secrets.Decrypt(src.EncryptedCredential)
			if err != nil {
				return fmt.Errorf("decrypt source credential: %w", err)
			}
		}
		req = gitsource.CloneRequest{
			URL:        src.URL,
			Protocol:   src.Protocol,
			Branch:     src.Branch(),
			Username:   src.Username,
			Credential: credential,
			Dir:        st.sourceDir,
		}
	} else if req.URL == "" {
		return fmt.Errorf("no repository source configured")
	}

	result, err := e.deps.Cloner.Clone(ctx, req)
	if err != nil {
		return err
	}
	e.appendLog(st.run.ID, fmt.Sprintf("Cloned %s (branch %s, commit %s)", req.URL, result.Branch, result.CommitSHA))
	return nil
}

func (e *Engine) stepBranding(ctx context.Context, st *runState) error {
	if st.run.TemplateID == "" {
		return fmt.Errorf("no branding template configured")
	}
	template, err := e.deps.Templates.GetTemplate(ctx, st.run.TemplateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("branding template %s not found", st.run.TemplateID)
		}
		return fmt.Errorf("load branding template: %w", err)
	}
	result, err := e.deps.Branding.Apply(ctx, st.sourceDir, template)
	if err != nil {
		return err
	}
	e.appendLog(st.run.ID, fmt.Sprintf("Applied branding template %s: %d replacement(s) in %d file(s)",
		template.Name, result.Replacements, result.FilesChanged))
	return nil
}

func (e *Engine) stepConfig(ctx context.Context, st *runState) error {
	if st.run.ConfigName == "" {
		return fmt.Errorf("no configuration profile selected")
	}
	result, err := e.deps.AppConfig.Apply(ctx, st.sourceDir, st.run.ConfigName)
	if err != nil {
		return err
	}
	e.appendLog(st.run.ID, fmt.Sprintf("Applied configuration %s: %d setting(s)",
		st.run.ConfigName, result.EnvKeys+result.OverrideKeys))
	return nil
}

func (e *Engine) stepPackage(ctx context.Context, st *runState) error {
	key := fmt.Sprintf("outputs/%s.zip", st.run.ID)
	artifact, err := e.deps.Packager.Package(ctx, st.sourceDir, key)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	expires := now.Add(e.cfg.ZipRetention)
	out := domain.BuildOutput{
		ID:             uuid.NewString(),
		RunID:          st.run.ID,
		Type:           domain.OutputTypeZip,
		FilePath:       artifact.Key,
		FileSizeBytes:  artifact.SizeBytes,
		ChecksumSHA256: artifact.ChecksumSHA256,
		ExpiresAt:      &expires,
		CreatedAt:      now,
	}
	if err := e.deps.Outputs.CreateOutput(ctx, out); err != nil {
		return fmt.Errorf("record zip output: %w", err)
	}
	st.outputsCreated++
	e.appendLog(st.run.ID, fmt.Sprintf("Created ZIP archive: %s (%d bytes)", artifact.Key, artifact.SizeBytes))
	return nil
}

func (e *Engine) stepBuildImage(ctx context.Context, st *runState) error {
	reference := fmt.Sprintf("%s:custom-%s", e.cfg.ImageName, st.run.ID)
	img, err := e.deps.Builder.Build(ctx, st.sourceDir, reference)
	if err != nil {
		return err
	}
	st.builtImage = img.Reference

	now := e.now().UTC()
	expires := now.Add(e.cfg.ImageRetention)
	out := domain.BuildOutput{
		ID:             uuid.NewString(),
		RunID:          st.run.ID,
		Type:           domain.OutputTypeImage,
		ImageReference: img.Reference,
		ExpiresAt:      &expires,
		CreatedAt:      now,
	}
	if err := e.deps.Outputs.CreateOutput(ctx, out); err != nil {
		return fmt.Errorf("record image output: %w", err)
	}
	st.imageOutputID = out.ID
	st.outputsCreated++
	e.appendLog(st.run.ID, fmt.Sprintf("Built Docker image: %s", img.Reference))
	return nil
}

func (e *Engine) stepPush(ctx context.Context, st *runState) error {
	if st.run.RegistryID == "" {
		return fmt.Errorf("no container registry configured")
	}
	if st.builtImage == "" {
		return fmt.Errorf("no local image to push")
	}
	reg, err := e.deps.Registries.GetRegistry(ctx, st.run.RegistryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("container registry %s not found", st.run.RegistryID)
		}
		return fmt.Errorf("load container registry: %w", err)
	}

	creds := registry.Credentials{}
	if e.deps.Credentials != nil {
		creds, err = e.deps.Credentials.Resolve(ctx, reg)
		if err != nil {
			return err
		}
	}

	remote := reg.RemoteImage(st.run.ID)
	if err := e.deps.Publisher.Push(ctx, st.builtImage, remote, creds); err != nil {
		return err
	}
	if err := e.deps.Outputs.MarkOutputPublished(ctx, st.run.ID, remote); err != nil {
		return fmt.Errorf("finalize image output: %w", err)
	}
	e.appendLog(st.run.ID, fmt.Sprintf("Pushed Docker image to registry: %s", remote))
	return nil
}

// discardImage drops a locally built image and its pending output row
// after an interrupted run. The run's own context is already dead, so
// cleanup runs under a fresh one.
func (e *Engine) discardImage(st *runState) {
	if st.builtImage == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.deps.Builder.Remove(ctx, st.builtImage); err != nil {
		e.log.Error("remove interrupted build image", "image", st.builtImage, "error", err)
	}
	if st.imageOutputID != "" {
		if err := e.deps.Outputs.DeleteOutput(ctx, st.imageOutputID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			e.log.Error("delete interrupted image output", "output_id", st.imageOutputID, "error", err)
		}
	}
}

// appendLog writes one timestamped line to the run's log under a fresh
// context, so bookkeeping survives run cancellation.
func (e *Engine) appendLog(runID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Runs.AppendRunLog(ctx, runID, domain.FormatLogLine(e.now(), message)); err != nil {
		e.log.Error("append run log", "run_id", runID, "error", err)
	}
}

func (e *Engine) finish(runID string, status domain.RunStatus, errorMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Runs.FinishRun(ctx, runID, status, errorMessage, e.now().UTC()); err != nil {
		e.log.Error("finish run", "run_id", runID, "status", string(status), "error", err)
	}
}
