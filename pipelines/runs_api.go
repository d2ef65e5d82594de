package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/engine"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/service/runs"
)

type pipelineRun struct {
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	Steps        []string   `json:"steps"`
	SourceID     string     `json:"source_id,omitempty"`
	OutputType   string     `json:"output_type"`
	RegistryID   string     `json:"registry_id,omitempty"`
	TemplateID   string     `json:"template_id,omitempty"`
	ConfigName   string     `json:"config_name,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Logs         string     `json:"logs,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// runToDTO maps a run without its log text; the get and execute handlers
// attach logs themselves.
func runToDTO(run domain.PipelineRun) pipelineRun {
	return pipelineRun{
		RunID:        run.ID,
		Status:       string(run.Status),
		Steps:        run.Steps,
		SourceID:     run.SourceID,
		OutputType:   string(run.OutputType),
		RegistryID:   run.RegistryID,
		TemplateID:   run.TemplateID,
		ConfigName:   run.ConfigName,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		CreatedBy:    run.CreatedBy,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

type createRunRequest struct {
	Steps      []string `json:"steps"`
	SourceID   string   `json:"source_id,omitempty"`
	OutputType string   `json:"output_type"`
	RegistryID string   `json:"registry_id,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	ConfigName string   `json:"config_name,omitempty"`
}

func (api *pipelinesAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	run, err := api.runs.Create(r.Context(), runs.CreateRequest{
		Steps:      req.Steps,
		SourceID:   req.SourceID,
		OutputType: req.OutputType,
		RegistryID: req.RegistryID,
		TemplateID: req.TemplateID,
		ConfigName: req.ConfigName,
		CreatedBy:  actorFrom(r.Context()),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "run.created", "pipeline_run", run.ID, map[string]any{
		"steps":       run.Steps,
		"source_id":   run.SourceID,
		"output_type": string(run.OutputType),
		"registry_id": run.RegistryID,
		"template_id": run.TemplateID,
		"config_name": run.ConfigName,
	})

	w.Header().Set("Location", "/pipeline-runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, runToDTO(run))
}

func (api *pipelinesAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		CreatedBy: strings.TrimSpace(r.URL.Query().Get("created_by")),
		Limit:     clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}

	list, err := api.runs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]pipelineRun, 0, len(list))
	for _, run := range list {
		out = append(out, runToDTO(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipeline_runs": out})
}

func (api *pipelinesAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.runs.Get(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	dto := runToDTO(run)
	dto.Logs = run.Logs
	api.writeJSON(w, http.StatusOK, dto)
}

func (api *pipelinesAPI) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	wait, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))

	if wait {
		// The run reaching a terminal status is a successful execute,
		// whatever that status is; the cause lives in error_message.
		final, err := api.engine.Execute(r.Context(), runID)
		if err != nil && final.ID == "" {
			api.writeExecuteError(w, r, err)
			return
		}
		api.audit(r, "run.executed", "pipeline_run", runID, map[string]any{
			"wait":   true,
			"status": string(final.Status),
		})
		dto := runToDTO(final)
		dto.Logs = final.Logs
		api.writeJSON(w, http.StatusOK, dto)
		return
	}

	if err := api.engine.ExecuteAsync(r.Context(), runID); err != nil {
		api.writeExecuteError(w, r, err)
		return
	}
	api.audit(r, "run.executed", "pipeline_run", runID, map[string]any{"wait": false})

	run, err := api.runs.Get(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, runToDTO(run))
}

func (api *pipelinesAPI) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, engine.ErrConcurrencyLimit) {
		api.writeError(w, r, http.StatusTooManyRequests, "concurrency_limit")
		return
	}
	api.writeServiceError(w, r, err)
}

func (api *pipelinesAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if err := api.engine.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, engine.ErrNotExecuting) {
			api.writeError(w, r, http.StatusConflict, "run_not_executing")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "run.cancelled", "pipeline_run", runID, nil)
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "cancelling",
	})
}

func (api *pipelinesAPI) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	logs, err := api.runs.Logs(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, logs)
}

func (api *pipelinesAPI) handleRunOutputs(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if _, err := api.runs.Get(r.Context(), runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	list, err := api.outputs.List(r.Context(), repo.OutputFilter{RunID: runID})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]buildOutput, 0, len(list))
	for _, o := range list {
		out = append(out, outputToDTO(o))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"outputs": out})
}

func (api *pipelinesAPI) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if err := api.runs.Delete(r.Context(), runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, "run.deleted", "pipeline_run", runID, nil)
	w.WriteHeader(http.StatusNoContent)
}
