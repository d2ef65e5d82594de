package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/registry"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type containerRegistry struct {
	RegistryID     string     `json:"registry_id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	BaseImage      string     `json:"base_image"`
	Username       string     `json:"username,omitempty"`
	HasCredential  bool       `json:"has_credential"`
	AWSRegion      string     `json:"aws_region,omitempty"`
	IsVerified     bool       `json:"is_verified"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by,omitempty"`
}

func registryToDTO(reg domain.ContainerRegistry) containerRegistry {
	return containerRegistry{
		RegistryID:     reg.ID,
		Name:           reg.Name,
		Type:           string(reg.Type),
		BaseImage:      reg.BaseImage,
		Username:       reg.Username,
		HasCredential:  reg.EncryptedCredential != "",
		AWSRegion:      reg.AWSRegion,
		IsVerified:     reg.IsVerified,
		LastVerifiedAt: reg.LastVerifiedAt,
		CreatedAt:      reg.CreatedAt,
		CreatedBy:      reg.CreatedBy,
	}
}

type createRegistryRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	BaseImage  string `json:"base_image"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
	AWSRegion  string `json:"aws_region,omitempty"`
}

func (api *pipelinesAPI) handleCreateRegistry(w http.ResponseWriter, r *http.Request) {
	var req createRegistryRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	reg := domain.ContainerRegistry{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Type:      domain.NormalizeRegistryType(req.Type),
		BaseImage: strings.TrimSpace(req.BaseImage),
		Username:  strings.TrimSpace(req.Username),
		AWSRegion: strings.TrimSpace(req.AWSRegion),
		CreatedAt: time.Now().UTC(),
		CreatedBy: actorFrom(r.Context()),
	}
	if err := reg.Validate(); err != nil {
		api.writeServiceError(w, r, err)
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
		reg.EncryptedCredential = sealed
	}

	if err := api.registries.CreateRegistry(r.Context(), reg); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "registry_name_exists")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "registry.created", "container_registry", reg.ID, map[string]any{
		"name":       reg.Name,
		"type":       string(reg.Type),
		"base_image": reg.BaseImage,
	})

	w.Header().Set("Location", "/container-registries/"+reg.ID)
	api.writeJSON(w, http.StatusCreated, registryToDTO(reg))
}

func (api *pipelinesAPI) handleListRegistries(w http.ResponseWriter, r *http.Request) {
	filter := repo.RegistryFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Type:  domain.NormalizeRegistryType(r.URL.Query().Get("type")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" && filter.Type == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_registry_type")
		return
	}
	list, err := api.registries.ListRegistries(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]containerRegistry, 0, len(list))
	for _, reg := range list {
		out = append(out, registryToDTO(reg))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"registries": out})
}

func (api *pipelinesAPI) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	registryID := strings.TrimSpace(r.PathValue("registry_id"))
	if registryID == "" {
		api.writeError(w, r, http.StatusBadRequest, "registry_id_required")
		return
	}

	reg, err := api.registries.GetRegistry(r.Context(), registryID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, registryToDTO(reg))
}

func (api *pipelinesAPI) handleDeleteRegistry(w http.ResponseWriter, r *http.Request) {
	registryID := strings.TrimSpace(r.PathValue("registry_id"))
	if registryID == "" {
		api.writeError(w, r, http.StatusBadRequest, "registry_id_required")
		return
	}

	if err := api.registries.DeleteRegistry(r.Context(), registryID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, "registry.deleted", "container_registry", registryID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyRegistry resolves credentials and pings the registry's v2
// endpoint. Like source verification, an unreachable or unauthenticated
// registry is a recorded negative, not an HTTP error.
func (api *pipelinesAPI) handleVerifyRegistry(w http.ResponseWriter, r *http.Request) {
	registryID := strings.TrimSpace(r.PathValue("registry_id"))
	if registryID == "" {
		api.writeError(w, r, http.StatusBadRequest, "registry_id_required")
		return
	}

	reg, err := api.registries.GetRegistry(r.Context(), registryID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if reg.EncryptedCredential != "" && api.cipher == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "credentials_not_configured")
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), api.verifyTimeout)
	defer cancel()

	verifyErr := func() error {
		creds, err := api.regCreds.Resolve(verifyCtx, reg)
		if err != nil {
			return err
		}
		host := registry.RegistryHost(reg)
		if host == "" {
			host = registry.HostFromServerAddress(creds.ServerAddress)
		}
		return api.pinger.Verify(verifyCtx, host, creds)
	}()
	if r.Context().Err() != nil {
		// Client went away mid-probe; record nothing.
		return
	}

	now := time.Now().UTC()
	result := verificationResult{Verified: verifyErr == nil, VerifiedAt: now}
	if verifyErr != nil {
		result.Error = verifyErr.Error()
	}

	if err := api.registries.UpdateRegistryVerification(r.Context(), registryID, result.Verified, now); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "registry.verified", "container_registry", registryID, map[string]any{
		"verified": result.Verified,
		"error":    result.Error,
	})
	api.writeJSON(w, http.StatusOK, result)
}
