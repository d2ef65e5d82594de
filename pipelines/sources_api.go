package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type repositorySource struct {
	SourceID       string     `json:"source_id"`
	Name           string     `json:"name"`
	URL            string     `json:"url"`
	Protocol       string     `json:"protocol"`
	DefaultBranch  string     `json:"default_branch,omitempty"`
	Username       string     `json:"username,omitempty"`
	HasCredential  bool       `json:"has_credential"`
	IsVerified     bool       `json:"is_verified"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by,omitempty"`
}

// sourceToDTO never exposes the sealed credential, only its presence.
func sourceToDTO(src domain.RepositorySource) repositorySource {
	return repositorySource{
		SourceID:       src.ID,
		Name:           src.Name,
		URL:            src.URL,
		Protocol:       string(src.Protocol),
		DefaultBranch:  src.DefaultBranch,
		Username:       src.Username,
		HasCredential:  src.EncryptedCredential != "",
		IsVerified:     src.IsVerified,
		LastVerifiedAt: src.LastVerifiedAt,
		CreatedAt:      src.CreatedAt,
		CreatedBy:      src.CreatedBy,
	}
}

type createSourceRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Protocol      string `json:"protocol"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Username      string `json:"username,omitempty"`
	Credential    string `json:"credential,omitempty"`
}

func (api *pipelinesAPI) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	src := domain.RepositorySource{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(req.Name),
		URL:           strings.TrimSpace(req.URL),
		Protocol:      domain.NormalizeSourceProtocol(req.Protocol),
		DefaultBranch: strings.TrimSpace(req.DefaultBranch),
		Username:      strings.TrimSpace(req.Username),
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     actorFrom(r.Context()),
	}
	if err := src.Validate(); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if err := gitsource.ValidateURL(src.URL, src.Protocol, api.allowedHosts); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_repository_url", err.Error())
		return
	}

	if req.Credential != "" {
		if api.cipher == nil {
			api.writeError(w, r, http.StatusServiceUnavailable, "credentials_not_configured")
			return
		}
		sealed, err := api.cipher.Encrypt(req.Credential)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		src.EncryptedCredential = sealed
	}

	if err := api.sources.CreateSource(r.Context(), src); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "source_name_exists")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "source.created", "repository_source", src.ID, map[string]any{
		"name":           src.Name,
		"url":            src.URL,
		"protocol":       string(src.Protocol),
		"has_credential": src.EncryptedCredential != "",
	})

	w.Header().Set("Location", "/repository-sources/"+src.ID)
	api.writeJSON(w, http.StatusCreated, sourceToDTO(src))
}

func (api *pipelinesAPI) handleListSources(w http.ResponseWriter, r *http.Request) {
	filter := repo.SourceFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	list, err := api.sources.ListSources(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]repositorySource, 0, len(list))
	for _, src := range list {
		out = append(out, sourceToDTO(src))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (api *pipelinesAPI) handleGetSource(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(r.PathValue("source_id"))
	if sourceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "source_id_required")
		return
	}

	src, err := api.sources.GetSource(r.Context(), sourceID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, sourceToDTO(src))
}

func (api *pipelinesAPI) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(r.PathValue("source_id"))
	if sourceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "source_id_required")
		return
	}

	if err := api.sources.DeleteSource(r.Context(), sourceID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, "source.deleted", "repository_source", sourceID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type verificationResult struct {
	Verified      bool      `json:"verified"`
	Error         string    `json:"error,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Branches      []string  `json:"branches,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// handleVerifySource contacts the remote and records the outcome either
// way. A reachability or auth failure is a negative verification, not an
// HTTP error.
func (api *pipelinesAPI) handleVerifySource(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(r.PathValue("source_id"))
	if sourceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "source_id_required")
		return
	}

	src, err := api.sources.GetSource(r.Context(), sourceID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	credential := ""
	if src.EncryptedCredential != "" {
		if api.cipher == nil {
			api.writeError(w, r, http.StatusServiceUnavailable, "credentials_not_configured")
			return
		}
		credential, err = api.cipher.Decrypt(src.EncryptedCredential)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), api.verifyTimeout)
	defer cancel()
	info, verifyErr := api.refs.ListRemoteRefs(verifyCtx, src.URL, src.Protocol, src.Username, credential)
	if r.Context().Err() != nil {
		// Client went away mid-probe; record nothing.
		return
	}

	now := time.Now().UTC()
	result := verificationResult{Verified: verifyErr == nil, VerifiedAt: now}
	branch := ""
	if verifyErr == nil {
		result.DefaultBranch = info.DefaultBranch
		result.Branches = info.Branches
		if strings.TrimSpace(src.DefaultBranch) == "" {
			branch = info.DefaultBranch
		}
	} else {
		result.Error = verifyErr.Error()
	}

	if err := api.sources.UpdateSourceVerification(r.Context(), sourceID, result.Verified, now, branch); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "source.verified", "repository_source", sourceID, map[string]any{
		"verified": result.Verified,
		"error":    result.Error,
	})
	api.writeJSON(w, http.StatusOK, result)
}
