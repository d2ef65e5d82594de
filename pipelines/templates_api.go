package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline-labs/forgeline/internal/branding"
	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type replacementRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	UseRegex    bool   `json:"use_regex,omitempty"`
}

type templateAsset struct {
	AssetKey string `json:"asset_key"`
	DestPath string `json:"dest_path"`
}

type brandingTemplate struct {
	TemplateID  string            `json:"template_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	AppTitle    string            `json:"app_title,omitempty"`
	Rules       []replacementRule `json:"rules,omitempty"`
	Assets      []templateAsset   `json:"assets,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

func templateToDTO(tpl domain.BrandingTemplate) brandingTemplate {
	dto := brandingTemplate{
		TemplateID:  tpl.ID,
		Name:        tpl.Name,
		Description: tpl.Description,
		AppTitle:    tpl.AppTitle,
		CreatedAt:   tpl.CreatedAt,
		CreatedBy:   tpl.CreatedBy,
	}
	for _, rule := range tpl.Rules {
		dto.Rules = append(dto.Rules, replacementRule{
			Pattern:     rule.Pattern,
			Replacement: rule.Replacement,
			UseRegex:    rule.UseRegex,
		})
	}
	for _, asset := range tpl.Assets {
		dto.Assets = append(dto.Assets, templateAsset{
			AssetKey: asset.AssetKey,
			DestPath: asset.DestPath,
		})
	}
	return dto
}

type createTemplateRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	AppTitle    string            `json:"app_title,omitempty"`
	Rules       []replacementRule `json:"rules,omitempty"`
	Assets      []templateAsset   `json:"assets,omitempty"`
}

func (api *pipelinesAPI) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	tpl := domain.BrandingTemplate{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		AppTitle:    strings.TrimSpace(req.AppTitle),
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   actorFrom(r.Context()),
	}
	for _, rule := range req.Rules {
		tpl.Rules = append(tpl.Rules, domain.ReplacementRule{
			Pattern:     rule.Pattern,
			Replacement: rule.Replacement,
			UseRegex:    rule.UseRegex,
		})
	}
	for _, asset := range req.Assets {
		tpl.Assets = append(tpl.Assets, domain.TemplateAsset{
			AssetKey: strings.TrimSpace(asset.AssetKey),
			DestPath: strings.TrimSpace(asset.DestPath),
		})
	}
	if err := tpl.Validate(); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	if err := api.templates.CreateTemplate(r.Context(), tpl); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "template_name_exists")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "template.created", "branding_template", tpl.ID, map[string]any{
		"name":   tpl.Name,
		"rules":  len(tpl.Rules),
		"assets": len(tpl.Assets),
	})

	w.Header().Set("Location", "/branding-templates/"+tpl.ID)
	api.writeJSON(w, http.StatusCreated, templateToDTO(tpl))
}

// handleImportTemplate accepts a YAML template document as the request
// body, the same format dev fixtures and exports use.
func (api *pipelinesAPI) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	spec, err := branding.ParseSpec(raw)
	if err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_template_spec", err.Error())
		return
	}

	tpl := spec.ToTemplate()
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = time.Now().UTC()
	tpl.CreatedBy = actorFrom(r.Context())

	if err := api.templates.CreateTemplate(r.Context(), tpl); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "template_name_exists")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	api.audit(r, "template.imported", "branding_template", tpl.ID, map[string]any{
		"name":   tpl.Name,
		"rules":  len(tpl.Rules),
		"assets": len(tpl.Assets),
	})

	w.Header().Set("Location", "/branding-templates/"+tpl.ID)
	api.writeJSON(w, http.StatusCreated, templateToDTO(tpl))
}

func (api *pipelinesAPI) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := repo.TemplateFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	list, err := api.templates.ListTemplates(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]brandingTemplate, 0, len(list))
	for _, tpl := range list {
		out = append(out, templateToDTO(tpl))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (api *pipelinesAPI) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	if templateID == "" {
		api.writeError(w, r, http.StatusBadRequest, "template_id_required")
		return
	}

	tpl, err := api.templates.GetTemplate(r.Context(), templateID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, templateToDTO(tpl))
}

func (api *pipelinesAPI) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	if templateID == "" {
		api.writeError(w, r, http.StatusBadRequest, "template_id_required")
		return
	}

	if err := api.templates.DeleteTemplate(r.Context(), templateID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit(r, "template.deleted", "branding_template", templateID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadAsset streams one multipart file part into the asset bucket
// and hands back the object key templates reference it by.
func (api *pipelinesAPI) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return
	}

	var (
		assetKey      string
		filename      string
		contentType   string
		contentSHA256 string
		sizeBytes     int64
	)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
			return
		}
		switch part.FormName() {
		case "file":
			if assetKey != "" {
				_ = part.Close()
				api.writeError(w, r, http.StatusBadRequest, "multiple_files_not_supported")
				return
			}

			filename = sanitizeFilename(part.FileName())
			contentType = strings.TrimSpace(part.Header.Get("Content-Type"))
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			assetKey = uuid.NewString() + "/" + filename
			hasher := sha256.New()
			counter := &countingWriter{}
			reader := io.TeeReader(part, io.MultiWriter(hasher, counter))

			uploadCtx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
			putErr := api.store.Put(uploadCtx, api.storeCfg.BucketAssets, assetKey, reader, -1, contentType)
			cancel()
			_ = part.Close()
			if putErr != nil {
				api.writeError(w, r, http.StatusBadRequest, "upload_failed")
				return
			}
			contentSHA256 = hex.EncodeToString(hasher.Sum(nil))
			sizeBytes = counter.n
		default:
			_ = part.Close()
		}
	}

	if assetKey == "" {
		api.writeError(w, r, http.StatusBadRequest, "file_required")
		return
	}

	api.audit(r, "asset.uploaded", "branding_asset", assetKey, map[string]any{
		"filename":   filename,
		"size_bytes": sizeBytes,
	})

	api.writeJSON(w, http.StatusCreated, map[string]any{
		"asset_key":       assetKey,
		"filename":        filename,
		"content_type":    contentType,
		"size_bytes":      sizeBytes,
		"checksum_sha256": contentSHA256,
	})
}
