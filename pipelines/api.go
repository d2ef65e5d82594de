package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgeline-labs/forgeline/internal/credentials"
	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/engine"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/platform/auditlog"
	"github.com/forgeline-labs/forgeline/internal/platform/auth"
	"github.com/forgeline-labs/forgeline/internal/registry"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/service/outputs"
	"github.com/forgeline-labs/forgeline/internal/service/runs"
	"github.com/forgeline-labs/forgeline/internal/service/stats"
	"github.com/forgeline-labs/forgeline/internal/step"
	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

// remoteLister advertises a repository's remote refs without cloning it.
type remoteLister interface {
	ListRemoteRefs(ctx context.Context, rawURL string, protocol domain.SourceProtocol, username, credential string) (gitsource.RemoteInfo, error)
}

// registryPinger checks that a registry accepts the given credentials.
type registryPinger interface {
	Verify(ctx context.Context, host string, creds registry.Credentials) error
}

// credentialResolver produces registry credentials for a registry row.
type credentialResolver interface {
	Resolve(ctx context.Context, reg domain.ContainerRegistry) (registry.Credentials, error)
}

type pipelinesAPI struct {
	logger   *slog.Logger
	db       *sql.DB
	store    objectstore.Store
	storeCfg objectstore.Config

	runs    *runs.Service
	outputs *outputs.Service
	stats   *stats.Service
	engine  *engine.Engine

	sources    repo.SourceRepository
	registries repo.RegistryRepository
	templates  repo.TemplateRepository

	cipher   *credentials.Cipher
	refs     remoteLister
	pinger   registryPinger
	regCreds credentialResolver

	allowedHosts   []string
	uploadMaxBytes int64
	verifyTimeout  time.Duration
}

func newPipelinesAPI(
	logger *slog.Logger,
	db *sql.DB,
	store objectstore.Store,
	storeCfg objectstore.Config,
	runSvc *runs.Service,
	outputSvc *outputs.Service,
	statsSvc *stats.Service,
	eng *engine.Engine,
	sources repo.SourceRepository,
	registries repo.RegistryRepository,
	templates repo.TemplateRepository,
	cipher *credentials.Cipher,
	refs remoteLister,
	pinger registryPinger,
	regCreds credentialResolver,
	allowedHosts []string,
) *pipelinesAPI {
	return &pipelinesAPI{
		logger:         logger,
		db:             db,
		store:          store,
		storeCfg:       storeCfg,
		runs:           runSvc,
		outputs:        outputSvc,
		stats:          statsSvc,
		engine:         eng,
		sources:        sources,
		registries:     registries,
		templates:      templates,
		cipher:         cipher,
		refs:           refs,
		pinger:         pinger,
		regCreds:       regCreds,
		allowedHosts:   allowedHosts,
		uploadMaxBytes: 64 << 20, // 64 MiB
		verifyTimeout:  30 * time.Second,
	}
}

func (api *pipelinesAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pipeline-steps", api.handleListSteps)

	mux.HandleFunc("POST /pipeline-runs", api.handleCreateRun)
	mux.HandleFunc("GET /pipeline-runs", api.handleListRuns)
	mux.HandleFunc("GET /pipeline-runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("DELETE /pipeline-runs/{run_id}", api.handleDeleteRun)
	mux.HandleFunc("POST /pipeline-runs/{run_id}/execute", api.handleExecuteRun)
	mux.HandleFunc("POST /pipeline-runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /pipeline-runs/{run_id}/logs", api.handleRunLogs)
	mux.HandleFunc("GET /pipeline-runs/{run_id}/outputs", api.handleRunOutputs)

	mux.HandleFunc("GET /build-outputs", api.handleListOutputs)
	mux.HandleFunc("GET /build-outputs/{output_id}", api.handleGetOutput)
	mux.HandleFunc("GET /build-outputs/{output_id}/download", api.handleDownloadOutput)
	mux.HandleFunc("POST /build-outputs/cleanup", api.handleCleanupOutputs)

	mux.HandleFunc("GET /repository-sources", api.handleListSources)
	mux.HandleFunc("POST /repository-sources", api.handleCreateSource)
	mux.HandleFunc("GET /repository-sources/{source_id}", api.handleGetSource)
	mux.HandleFunc("DELETE /repository-sources/{source_id}", api.handleDeleteSource)
	mux.HandleFunc("POST /repository-sources/{source_id}/verify", api.handleVerifySource)

	mux.HandleFunc("GET /container-registries", api.handleListRegistries)
	mux.HandleFunc("POST /container-registries", api.handleCreateRegistry)
	mux.HandleFunc("GET /container-registries/{registry_id}", api.handleGetRegistry)
	mux.HandleFunc("DELETE /container-registries/{registry_id}", api.handleDeleteRegistry)
	mux.HandleFunc("POST /container-registries/{registry_id}/verify", api.handleVerifyRegistry)

	mux.HandleFunc("GET /branding-templates", api.handleListTemplates)
	mux.HandleFunc("POST /branding-templates", api.handleCreateTemplate)
	mux.HandleFunc("POST /branding-templates/import", api.handleImportTemplate)
	mux.HandleFunc("GET /branding-templates/{template_id}", api.handleGetTemplate)
	mux.HandleFunc("DELETE /branding-templates/{template_id}", api.handleDeleteTemplate)
	mux.HandleFunc("POST /branding-assets", api.handleUploadAsset)

	mux.HandleFunc("GET /statistics", api.handleStatistics)
}

// writeServiceError maps the shared service error taxonomy to HTTP.
// Handlers deal with their endpoint-specific errors before falling back
// here.
func (api *pipelinesAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var depErr *step.DependencyError
	if errors.As(err, &depErr) {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_step_selection", map[string]any{
			"step":    depErr.Step,
			"missing": depErr.Missing,
		})
		return
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_failed", verr.Issues)
		return
	}
	var stateErr *domain.InvalidStateError
	if errors.As(err, &stateErr) {
		api.writeErrorWithDetails(w, r, http.StatusConflict, "invalid_run_state", map[string]any{
			"run_id": stateErr.RunID,
			"status": stateErr.Status,
		})
		return
	}
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

// audit records a mutation as an audit event. Audit writes never fail
// the request; a rejected event is logged and dropped.
func (api *pipelinesAPI) audit(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = "pipelines"

	auditCtx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actorFrom(r.Context()),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// actorFrom names the requesting identity. Requests that carry none,
// which happens with auth disabled, act as "anonymous".
func actorFrom(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && strings.TrimSpace(identity.Subject) != "" {
		return identity.Subject
	}
	return "anonymous"
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *pipelinesAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *pipelinesAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *pipelinesAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func sanitizeFilename(name string) string {
	base := path.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == "/" {
		return "asset.bin"
	}
	return base
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
