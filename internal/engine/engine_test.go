package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeline-labs/forgeline/internal/appconfig"
	"github.com/forgeline-labs/forgeline/internal/archive"
	"github.com/forgeline-labs/forgeline/internal/branding"
	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/imagebuild"
	"github.com/forgeline-labs/forgeline/internal/registry"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/step"
)

func TestExecuteRunsFullPipeline(t *testing.T) {
	run := pendingRun("run-1",
		step.KeyCloneRepo, step.KeyApplyBranding, step.KeyApplyConfig,
		step.KeyCreateZip, step.KeyBuildImage, step.KeyPushRegistry)
	run.SourceID = "src-1"
	run.RegistryID = "reg-1"
	run.TemplateID = "tpl-1"
	run.ConfigName = "production"
	run.OutputType = domain.OutputTypeBoth

	root := t.TempDir()
	fx := newFixture(t, Config{WorkspaceRoot: root, ImageName: "forgeline/app"}, run)

	final, err := fx.engine.Execute(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: started=%v completed=%v", final.StartedAt, final.CompletedAt)
	}

	for _, want := range []string{
		"Starting pipeline execution...",
		"Executing step: Clone Git Repository",
		"✓ Step completed: Clone Git Repository",
		"✓ Step completed: Apply Branding Template",
		"✓ Step completed: Apply Configuration",
		"✓ Step completed: Create ZIP Archive",
		"✓ Step completed: Build Docker Image",
		"Pushed Docker image to registry: quay.io/acme/app:custom-run-1",
		"✓ Step completed: Push to Registry",
		"Pipeline completed successfully. Generated 2 output(s).",
	} {
		if !strings.Contains(final.Logs, want) {
			t.Fatalf("log missing %q:\n%s", want, final.Logs)
		}
	}
	if clone, push := strings.Index(final.Logs, "Executing step: Clone Git Repository"), strings.Index(final.Logs, "Executing step: Push to Registry"); clone > push {
		t.Fatalf("steps executed out of order:\n%s", final.Logs)
	}

	// The clone uses the configured source, with its credential opened.
	req := fx.cloner.lastRequest(t)
	if req.URL != "https://github.com/acme/app.git" || req.Branch != "develop" {
		t.Fatalf("clone request = %+v", req)
	}
	if req.Username != "builder" || req.Credential != "gh-token" {
		t.Fatalf("clone credential not resolved: %+v", req)
	}
	if filepath.Base(req.Dir) != "source" || !strings.HasPrefix(req.Dir, root) {
		t.Fatalf("clone dir = %s, want source dir under %s", req.Dir, root)
	}

	if got := fx.builder.builtReference(t); got != "forgeline/app:custom-run-1" {
		t.Fatalf("built image = %s", got)
	}
	local, remote := fx.publisher.lastPush(t)
	if local != "forgeline/app:custom-run-1" || remote != "quay.io/acme/app:custom-run-1" {
		t.Fatalf("pushed %s -> %s", local, remote)
	}

	outputs := fx.outputs.forRun("run-1")
	if len(outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(outputs))
	}
	var zip, image domain.BuildOutput
	for _, out := range outputs {
		switch out.Type {
		case domain.OutputTypeZip:
			zip = out
		case domain.OutputTypeImage:
			image = out
		}
	}
	if zip.FilePath != "outputs/run-1.zip" || zip.FileSizeBytes != 2048 {
		t.Fatalf("zip output = %+v", zip)
	}
	if zip.ExpiresAt == nil || zip.ExpiresAt.Sub(zip.CreatedAt) != 7*24*time.Hour {
		t.Fatalf("zip expiry = %v", zip.ExpiresAt)
	}
	if image.ImageReference != "quay.io/acme/app:custom-run-1" {
		t.Fatalf("image output not published: %+v", image)
	}
	if image.ExpiresAt != nil {
		t.Fatalf("published image still expires at %v", image.ExpiresAt)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not removed: %v", entries)
	}
}

func TestExecuteClonesOfficialUpstreamByDefault(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyCreateZip)
	fx := newFixture(t, Config{DefaultRepoURL: "https://github.com/forgeline-labs/webapp.git"}, run)

	if _, err := fx.engine.Execute(context.Background(), "run-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	req := fx.cloner.lastRequest(t)
	if req.URL != "https://github.com/forgeline-labs/webapp.git" {
		t.Fatalf("clone url = %s", req.URL)
	}
	if req.Branch != "main" || req.Credential != "" {
		t.Fatalf("default clone request = %+v", req)
	}
}

func TestExecuteRejectsNonPendingRun(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo)
	run.Status = domain.RunStatusCompleted
	fx := newFixture(t, Config{}, run)

	_, err := fx.engine.Execute(context.Background(), "run-1")
	var stateErr *domain.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if stateErr.Status != domain.RunStatusCompleted {
		t.Fatalf("reported status = %s", stateErr.Status)
	}

	if _, err := fx.engine.Execute(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing run err = %v, want ErrNotFound", err)
	}
}

func TestExecuteClaimsRunExactlyOnce(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyCreateZip)
	fx := newFixture(t, Config{}, run)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.engine.Execute(context.Background(), "run-1")
		}(i)
	}
	wg.Wait()

	var won, rejected int
	for _, err := range errs {
		var stateErr *domain.InvalidStateError
		switch {
		case err == nil:
			won++
		case errors.As(err, &stateErr):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || rejected != 1 {
		t.Fatalf("winners = %d, rejections = %d, want 1 and 1", won, rejected)
	}
	if calls := fx.cloner.callCount(); calls != 1 {
		t.Fatalf("pipeline executed %d times", calls)
	}
}

func TestExecuteEnforcesConcurrencyLimit(t *testing.T) {
	first := pendingRun("run-1", step.KeyCloneRepo)
	second := pendingRun("run-2", step.KeyCloneRepo)
	fx := newFixture(t, Config{MaxConcurrent: 1}, first, second)
	fx.cloner.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := fx.engine.Execute(context.Background(), "run-1")
		done <- err
	}()
	waitFor(t, func() bool { return fx.cloner.callCount() == 1 })

	if _, err := fx.engine.Execute(context.Background(), "run-2"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("err = %v, want ErrConcurrencyLimit", err)
	}
	if got := fx.runs.get(t, "run-2").Status; got != domain.RunStatusPending {
		t.Fatalf("rejected run status = %s, want pending", got)
	}

	close(fx.cloner.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The slot is free again: the rejected run now executes.
	if _, err := fx.engine.Execute(context.Background(), "run-2"); err != nil {
		t.Fatalf("retry after slot freed: %v", err)
	}
}

func TestExecuteStopsOnStepFailure(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyApplyBranding, step.KeyCreateZip)
	run.TemplateID = "tpl-1"
	root := t.TempDir()
	fx := newFixture(t, Config{WorkspaceRoot: root}, run)
	fx.cloner.err = &gitsource.CloneError{Message: "authentication failed"}

	final, err := fx.engine.Execute(context.Background(), "run-1")
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want StepError", err)
	}
	if stepErr.Step != step.KeyCloneRepo {
		t.Fatalf("failed step = %s", stepErr.Step)
	}

	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorMessage != "Clone Git Repository: authentication failed" {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	for _, want := range []string{
		"✗ Step failed: Clone Git Repository: authentication failed",
		"Pipeline failed. Failed steps: Clone Git Repository",
	} {
		if !strings.Contains(final.Logs, want) {
			t.Fatalf("log missing %q:\n%s", want, final.Logs)
		}
	}
	if fx.branding.callCount() != 0 || fx.packager.callCount() != 0 {
		t.Fatalf("later steps ran after failure")
	}
	if outputs := fx.outputs.forRun("run-1"); len(outputs) != 0 {
		t.Fatalf("failed run produced outputs: %v", outputs)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not removed after failure: %v", entries)
	}
}

func TestExecuteFailsInvalidSelection(t *testing.T) {
	// Seeded behind the service's back: push_registry without build_image.
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyPushRegistry)
	run.RegistryID = "reg-1"
	fx := newFixture(t, Config{}, run)

	final, err := fx.engine.Execute(context.Background(), "run-1")
	var depErr *step.DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("err = %v, want DependencyError", err)
	}
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Logs, "Pipeline validation failed: step push_registry requires build_image") {
		t.Fatalf("log missing validation failure:\n%s", final.Logs)
	}
	if fx.cloner.callCount() != 0 {
		t.Fatalf("steps ran despite invalid selection")
	}
}

func TestCancelStopsRunAndDiscardsImage(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyBuildImage, step.KeyPushRegistry)
	run.RegistryID = "reg-1"
	fx := newFixture(t, Config{ImageName: "forgeline/app"}, run)
	fx.publisher.block = make(chan struct{})

	type result struct {
		run domain.PipelineRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		final, err := fx.engine.Execute(context.Background(), "run-1")
		done <- result{final, err}
	}()
	waitFor(t, func() bool { return fx.publisher.callCount() == 1 })

	if err := fx.engine.Cancel(context.Background(), "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res := <-done
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("cause = %v, want ErrCancelled", res.err)
	}
	if res.run.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", res.run.Status)
	}
	if res.run.ErrorMessage != "pipeline run cancelled" {
		t.Fatalf("error message = %q", res.run.ErrorMessage)
	}
	if !strings.Contains(res.run.Logs, "Pipeline execution cancelled.") {
		t.Fatalf("log missing cancellation:\n%s", res.run.Logs)
	}

	// The half-built image does not survive the cancelled run.
	if got := fx.builder.removedReferences(); len(got) != 1 || got[0] != "forgeline/app:custom-run-1" {
		t.Fatalf("removed images = %v", got)
	}
	if outputs := fx.outputs.forRun("run-1"); len(outputs) != 0 {
		t.Fatalf("cancelled run kept outputs: %v", outputs)
	}
}

func TestCancelRequiresRunningRun(t *testing.T) {
	pending := pendingRun("run-1", step.KeyCloneRepo)
	orphan := pendingRun("run-2", step.KeyCloneRepo)
	orphan.Status = domain.RunStatusRunning
	fx := newFixture(t, Config{}, pending, orphan)

	var stateErr *domain.InvalidStateError
	if err := fx.engine.Cancel(context.Background(), "run-1"); !errors.As(err, &stateErr) {
		t.Fatalf("cancel pending err = %v, want InvalidStateError", err)
	}
	if err := fx.engine.Cancel(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cancel missing err = %v, want ErrNotFound", err)
	}

	// Running in the database but not claimed by this instance.
	if err := fx.engine.Cancel(context.Background(), "run-2"); !errors.Is(err, ErrNotExecuting) {
		t.Fatalf("cancel orphan err = %v", err)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyBuildImage)
	fx := newFixture(t, Config{BuildTimeout: 50 * time.Millisecond}, run)
	fx.builder.block = make(chan struct{})

	final, err := fx.engine.Execute(context.Background(), "run-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("cause = %v, want ErrTimeout", err)
	}
	if final.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorMessage != "build timed out after 50ms" {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	if !strings.Contains(final.Logs, "✗ Pipeline timed out after 50ms.") {
		t.Fatalf("log missing timeout:\n%s", final.Logs)
	}
}

func TestExecuteAsyncCompletesInBackground(t *testing.T) {
	run := pendingRun("run-1", step.KeyCloneRepo, step.KeyCreateZip)
	fx := newFixture(t, Config{}, run)

	if err := fx.engine.ExecuteAsync(context.Background(), "run-1"); err != nil {
		t.Fatalf("execute async: %v", err)
	}
	waitFor(t, func() bool {
		return fx.runs.get(t, "run-1").Status == domain.RunStatusCompleted
	})

	// Claim failures still surface synchronously.
	var stateErr *domain.InvalidStateError
	if err := fx.engine.ExecuteAsync(context.Background(), "run-1"); !errors.As(err, &stateErr) {
		t.Fatalf("second async err = %v, want InvalidStateError", err)
	}
}

// fixture wires an engine over map-backed repositories and scripted step
// collaborators.
type fixture struct {
	runs      *fakeRunRepo
	outputs   *fakeOutputRepo
	cloner    *fakeCloner
	branding  *fakeBrandingApplier
	config    *fakeConfigApplier
	packager  *fakePackager
	builder   *fakeImageBuilder
	publisher *fakePublisher
	engine    *Engine
}

func newFixture(t *testing.T, cfg Config, runs ...domain.PipelineRun) *fixture {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	fx := &fixture{
		runs:    newFakeRunRepo(runs...),
		outputs: newFakeOutputRepo(),
		cloner: &fakeCloner{
			result: gitsource.CloneResult{Branch: "main", CommitSHA: "0bd5c4e"},
		},
		branding:  &fakeBrandingApplier{result: branding.Result{FilesChanged: 3, Replacements: 12}},
		config:    &fakeConfigApplier{result: appconfig.Result{EnvKeys: 4, OverrideKeys: 2}},
		packager:  &fakePackager{artifact: archive.Artifact{SizeBytes: 2048, ChecksumSHA256: "deadbeef"}},
		builder:   &fakeImageBuilder{},
		publisher: &fakePublisher{},
	}
	eng, err := New(cfg, Deps{
		Runs:    fx.runs,
		Outputs: fx.outputs,
		Sources: &fakeSourceRepo{sources: map[string]domain.RepositorySource{
			"src-1": {
				ID:                  "src-1",
				Name:                "Acme Fork",
				URL:                 "https://github.com/acme/app.git",
				Protocol:            domain.SourceProtocolHTTPS,
				DefaultBranch:       "develop",
				Username:            "builder",
				EncryptedCredential: "sealed:gh-token",
			},
		}},
		Registries: &fakeRegistryRepo{registries: map[string]domain.ContainerRegistry{
			"reg-1": {
				ID:        "reg-1",
				Name:      "Quay",
				Type:      domain.RegistryTypeQuay,
				BaseImage: "quay.io/acme/app",
				Username:  "acme+push",
			},
		}},
		Templates: &fakeTemplateRepo{templates: map[string]domain.BrandingTemplate{
			"tpl-1": {ID: "tpl-1", Name: "Acme Dark", AppTitle: "Acme Console"},
		}},
		Cloner:      fx.cloner,
		Branding:    fx.branding,
		AppConfig:   fx.config,
		Packager:    fx.packager,
		Builder:     fx.builder,
		Publisher:   fx.publisher,
		Credentials: &fakeCredentialResolver{creds: registry.Credentials{Username: "acme+push", Password: "pw", ServerAddress: "quay.io"}},
		Secrets:     &fakeDecrypter{opened: map[string]string{"sealed:gh-token": "gh-token"}},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fx.engine = eng
	return fx
}

func pendingRun(id string, steps ...string) domain.PipelineRun {
	return domain.PipelineRun{
		ID:         id,
		Status:     domain.RunStatusPending,
		Steps:      steps,
		OutputType: domain.OutputTypeZip,
		CreatedBy:  "tester",
		CreatedAt:  time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within 5s")
}

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.PipelineRun
}

func newFakeRunRepo(runs ...domain.PipelineRun) *fakeRunRepo {
	r := &fakeRunRepo{runs: map[string]domain.PipelineRun{}}
	for _, run := range runs {
		r.runs[run.ID] = run
	}
	return r
}

func (r *fakeRunRepo) get(t *testing.T, id string) domain.PipelineRun {
	t.Helper()
	run, err := r.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run %s: %v", id, err)
	}
	return run
}

func (r *fakeRunRepo) CreateRun(_ context.Context, run domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *fakeRunRepo) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (r *fakeRunRepo) ListRuns(_ context.Context, _ repo.RunFilter) ([]domain.PipelineRun, error) {
	return nil, nil
}

func (r *fakeRunRepo) MarkRunRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != domain.RunStatusPending {
		return false, nil
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	r.runs[id] = run
	return true, nil
}

func (r *fakeRunRepo) FinishRun(_ context.Context, id string, status domain.RunStatus, errorMessage string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != domain.RunStatusRunning {
		return repo.ErrNotFound
	}
	run.Status = status
	run.ErrorMessage = errorMessage
	run.CompletedAt = &completedAt
	r.runs[id] = run
	return nil
}

func (r *fakeRunRepo) AppendRunLog(_ context.Context, id, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Logs += line
	r.runs[id] = run
	return nil
}

func (r *fakeRunRepo) DeleteRun(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
	return nil
}

func (r *fakeRunRepo) ListRunSummaries(_ context.Context, _ time.Time) ([]repo.RunSummary, error) {
	return nil, nil
}

type fakeOutputRepo struct {
	mu      sync.Mutex
	outputs map[string]domain.BuildOutput
}

func newFakeOutputRepo() *fakeOutputRepo {
	return &fakeOutputRepo{outputs: map[string]domain.BuildOutput{}}
}

func (r *fakeOutputRepo) forRun(runID string) []domain.BuildOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BuildOutput
	for _, o := range r.outputs {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return out
}

func (r *fakeOutputRepo) CreateOutput(_ context.Context, output domain.BuildOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[output.ID] = output
	return nil
}

func (r *fakeOutputRepo) GetOutput(_ context.Context, id string) (domain.BuildOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[id]
	if !ok {
		return domain.BuildOutput{}, repo.ErrNotFound
	}
	return out, nil
}

func (r *fakeOutputRepo) ListOutputs(_ context.Context, filter repo.OutputFilter) ([]domain.BuildOutput, error) {
	return r.forRun(filter.RunID), nil
}

func (r *fakeOutputRepo) MarkOutputPublished(_ context.Context, runID, imageReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, out := range r.outputs {
		if out.RunID == runID && out.Type == domain.OutputTypeImage {
			out.ImageReference = imageReference
			out.ExpiresAt = nil
			r.outputs[id] = out
			return nil
		}
	}
	return repo.ErrNotFound
}

func (r *fakeOutputRepo) IncrementDownloadCount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[id]
	if !ok {
		return repo.ErrNotFound
	}
	out.DownloadCount++
	r.outputs[id] = out
	return nil
}

func (r *fakeOutputRepo) ListExpiredOutputs(_ context.Context, now time.Time, _ int) ([]domain.BuildOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BuildOutput
	for _, o := range r.outputs {
		if o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeOutputRepo) DeleteOutput(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outputs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.outputs, id)
	return nil
}

func (r *fakeOutputRepo) ListOutputSummaries(_ context.Context, _ time.Time) ([]repo.OutputSummary, error) {
	return nil, nil
}

type fakeSourceRepo struct {
	sources map[string]domain.RepositorySource
}

func (r *fakeSourceRepo) CreateSource(_ context.Context, _ domain.RepositorySource) error {
	return nil
}

func (r *fakeSourceRepo) GetSource(_ context.Context, id string) (domain.RepositorySource, error) {
	src, ok := r.sources[id]
	if !ok {
		return domain.RepositorySource{}, repo.ErrNotFound
	}
	return src, nil
}

func (r *fakeSourceRepo) ListSources(_ context.Context, _ repo.SourceFilter) ([]domain.RepositorySource, error) {
	return nil, nil
}

func (r *fakeSourceRepo) UpdateSourceVerification(_ context.Context, _ string, _ bool, _ time.Time, _ string) error {
	return nil
}

func (r *fakeSourceRepo) DeleteSource(_ context.Context, _ string) error { return nil }

type fakeRegistryRepo struct {
	registries map[string]domain.ContainerRegistry
}

func (r *fakeRegistryRepo) CreateRegistry(_ context.Context, _ domain.ContainerRegistry) error {
	return nil
}

func (r *fakeRegistryRepo) GetRegistry(_ context.Context, id string) (domain.ContainerRegistry, error) {
	reg, ok := r.registries[id]
	if !ok {
		return domain.ContainerRegistry{}, repo.ErrNotFound
	}
	return reg, nil
}

func (r *fakeRegistryRepo) ListRegistries(_ context.Context, _ repo.RegistryFilter) ([]domain.ContainerRegistry, error) {
	return nil, nil
}

func (r *fakeRegistryRepo) UpdateRegistryVerification(_ context.Context, _ string, _ bool, _ time.Time) error {
	return nil
}

func (r *fakeRegistryRepo) DeleteRegistry(_ context.Context, _ string) error { return nil }

type fakeTemplateRepo struct {
	templates map[string]domain.BrandingTemplate
}

func (r *fakeTemplateRepo) CreateTemplate(_ context.Context, _ domain.BrandingTemplate) error {
	return nil
}

func (r *fakeTemplateRepo) GetTemplate(_ context.Context, id string) (domain.BrandingTemplate, error) {
	tpl, ok := r.templates[id]
	if !ok {
		return domain.BrandingTemplate{}, repo.ErrNotFound
	}
	return tpl, nil
}

func (r *fakeTemplateRepo) ListTemplates(_ context.Context, _ repo.TemplateFilter) ([]domain.BrandingTemplate, error) {
	return nil, nil
}

func (r *fakeTemplateRepo) DeleteTemplate(_ context.Context, _ string) error { return nil }

// blockOrCancel parks a scripted collaborator until the gate closes or
// the step context dies.
func blockOrCancel(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeCloner struct {
	mu     sync.Mutex
	reqs   []gitsource.CloneRequest
	result gitsource.CloneResult
	err    error
	block  chan struct{}
}

func (f *fakeCloner) Clone(ctx context.Context, req gitsource.CloneRequest) (gitsource.CloneResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate := f.block
	f.mu.Unlock()
	if err := blockOrCancel(ctx, gate); err != nil {
		return gitsource.CloneResult{}, err
	}
	if f.err != nil {
		return gitsource.CloneResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeCloner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeCloner) lastRequest(t *testing.T) gitsource.CloneRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatalf("cloner never called")
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeBrandingApplier struct {
	mu     sync.Mutex
	calls  int
	result branding.Result
	err    error
}

func (f *fakeBrandingApplier) Apply(_ context.Context, _ string, _ domain.BrandingTemplate) (branding.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return branding.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeBrandingApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConfigApplier struct {
	mu     sync.Mutex
	calls  int
	result appconfig.Result
	err    error
}

func (f *fakeConfigApplier) Apply(_ context.Context, _ string, _ string) (appconfig.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return appconfig.Result{}, f.err
	}
	return f.result, nil
}

type fakePackager struct {
	mu       sync.Mutex
	calls    int
	artifact archive.Artifact
	err      error
}

func (f *fakePackager) Package(_ context.Context, _ string, key string) (archive.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return archive.Artifact{}, f.err
	}
	artifact := f.artifact
	artifact.Key = key
	return artifact, nil
}

func (f *fakePackager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeImageBuilder struct {
	mu      sync.Mutex
	built   []string
	removed []string
	err     error
	block   chan struct{}
}

func (f *fakeImageBuilder) Build(ctx context.Context, _ string, reference string) (imagebuild.Image, error) {
	f.mu.Lock()
	f.built = append(f.built, reference)
	gate := f.block
	f.mu.Unlock()
	if err := blockOrCancel(ctx, gate); err != nil {
		return imagebuild.Image{}, err
	}
	if f.err != nil {
		return imagebuild.Image{}, f.err
	}
	return imagebuild.Image{Reference: reference}, nil
}

func (f *fakeImageBuilder) Remove(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, reference)
	return nil
}

func (f *fakeImageBuilder) builtReference(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		t.Fatalf("builder never called")
	}
	return f.built[len(f.built)-1]
}

func (f *fakeImageBuilder) removedReferences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakePublisher struct {
	mu     sync.Mutex
	locals []string
	remote string
	err    error
	block  chan struct{}
}

func (f *fakePublisher) Push(ctx context.Context, localRef, remoteRef string, _ registry.Credentials) error {
	f.mu.Lock()
	f.locals = append(f.locals, localRef)
	f.remote = remoteRef
	gate := f.block
	f.mu.Unlock()
	if err := blockOrCancel(ctx, gate); err != nil {
		return err
	}
	return f.err
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locals)
}

func (f *fakePublisher) lastPush(t *testing.T) (local, remote string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.locals) == 0 {
		t.Fatalf("publisher never called")
	}
	return f.locals[len(f.locals)-1], f.remote
}

type fakeCredentialResolver struct {
	creds registry.Credentials
	err   error
}

func (f *fakeCredentialResolver) Resolve(_ context.Context, _ domain.ContainerRegistry) (registry.Credentials, error) {
	if f.err != nil {
		return registry.Credentials{}, f.err
	}
	return f.creds, nil
}

type fakeDecrypter struct {
	opened map[string]string
	err    error
}

func (f *fakeDecrypter) Decrypt(sealed string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	plain, ok := f.opened[sealed]
	if !ok {
		return "", errors.New("unknown ciphertext")
	}
	return plain, nil
}
