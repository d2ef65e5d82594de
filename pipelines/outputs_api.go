package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/service/outputs"
)

type buildOutput struct {
	OutputID       string     `json:"output_id"`
	RunID          string     `json:"run_id"`
	OutputType     string     `json:"output_type"`
	FilePath       string     `json:"file_path,omitempty"`
	FileSizeBytes  int64      `json:"file_size_bytes,omitempty"`
	ChecksumSHA256 string     `json:"checksum_sha256,omitempty"`
	ImageReference string     `json:"image_reference,omitempty"`
	DownloadCount  int64      `json:"download_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func outputToDTO(out domain.BuildOutput) buildOutput {
	return buildOutput{
		OutputID:       out.ID,
		RunID:          out.RunID,
		OutputType:     string(out.Type),
		FilePath:       out.FilePath,
		FileSizeBytes:  out.FileSizeBytes,
		ChecksumSHA256: out.ChecksumSHA256,
		ImageReference: out.ImageReference,
		DownloadCount:  out.DownloadCount,
		ExpiresAt:      out.ExpiresAt,
		CreatedAt:      out.CreatedAt,
	}
}

func (api *pipelinesAPI) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	filter := repo.OutputFilter{
		RunID: strings.TrimSpace(r.URL.Query().Get("run_id")),
		Type:  domain.OutputType(strings.TrimSpace(r.URL.Query().Get("output_type"))),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}

	list, err := api.outputs.List(r.Context(), filter)
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

func (api *pipelinesAPI) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	outputID := strings.TrimSpace(r.PathValue("output_id"))
	if outputID == "" {
		api.writeError(w, r, http.StatusBadRequest, "output_id_required")
		return
	}

	out, err := api.outputs.Get(r.Context(), outputID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, outputToDTO(out))
}

func (api *pipelinesAPI) handleDownloadOutput(w http.ResponseWriter, r *http.Request) {
	outputID := strings.TrimSpace(r.PathValue("output_id"))
	if outputID == "" {
		api.writeError(w, r, http.StatusBadRequest, "output_id_required")
		return
	}

	body, info, err := api.outputs.Download(r.Context(), outputID)
	if err != nil {
		switch {
		case errors.Is(err, outputs.ErrExpired):
			api.writeError(w, r, http.StatusGone, "output_expired")
		case errors.Is(err, outputs.ErrNotDownloadable):
			api.writeError(w, r, http.StatusConflict, "output_not_downloadable")
		default:
			api.writeServiceError(w, r, err)
		}
		return
	}
	defer body.Close()

	api.audit(r, "output.downloaded", "build_output", outputID, map[string]any{
		"run_id":   info.Output.RunID,
		"filename": info.Filename,
	})

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Filename))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (api *pipelinesAPI) handleCleanupOutputs(w http.ResponseWriter, r *http.Request) {
	result, err := api.outputs.CleanupExpired(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "outputs.cleaned", "build_output", "expired", map[string]any{
		"files_cleaned":  result.FilesCleaned,
		"images_cleaned": result.ImagesCleaned,
	})
	api.writeJSON(w, http.StatusOK, result)
}
