package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgeline-labs/forgeline/internal/platform/auth"
)

func TestCreateTemplateWithRulesAndAssets(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, "POST", "/branding-templates", map[string]any{
		"name":        "Acme Rebrand",
		"description": "Co-branded build for Acme",
		"app_title":   "Acme Console",
		"rules": []map[string]any{
			{"pattern": "WebAdmin", "replacement": "Acme Console"},
			{"pattern": `Web\s*Admin`, "replacement": "Acme Console", "use_regex": true},
		},
		"assets": []map[string]any{
			{"asset_key": "uploads/logo.svg", "dest_path": "static/logo.svg"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var dto brandingTemplate
	decodeBody(t, rec, &dto)
	if dto.TemplateID == "" || dto.Name != "Acme Rebrand" || dto.AppTitle != "Acme Console" {
		t.Fatalf("template = %+v", dto)
	}
	if len(dto.Rules) != 2 || !dto.Rules[1].UseRegex {
		t.Fatalf("rules = %+v", dto.Rules)
	}
	if len(dto.Assets) != 1 || dto.Assets[0].DestPath != "static/logo.svg" {
		t.Fatalf("assets = %+v", dto.Assets)
	}

	getRec := fx.do(t, "GET", "/branding-templates/"+dto.TemplateID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d", getRec.Code)
	}
}

func TestCreateTemplateRejectsBadPatterns(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, "POST", "/branding-templates", map[string]any{
		"name": "Broken",
		"rules": []map[string]any{
			{"pattern": "[", "replacement": "x", "use_regex": true},
		},
	})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_failed" {
		t.Fatalf("bad regex: status = %d, code = %s", rec.Code, errorCode(t, rec))
	}

	// Asset destinations may not climb out of the checkout.
	rec = fx.do(t, "POST", "/branding-templates", map[string]any{
		"name": "Escape",
		"assets": []map[string]any{
			{"asset_key": "uploads/logo.svg", "dest_path": "../../etc/passwd"},
		},
	})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_failed" {
		t.Fatalf("escaping dest: status = %d, code = %s", rec.Code, errorCode(t, rec))
	}
}

func TestCreateTemplateDuplicateName(t *testing.T) {
	fx := newAPIFixture(t)
	fx.createTemplate(t, "Acme Dark")

	rec := fx.do(t, "POST", "/branding-templates", map[string]any{
		"name":      "Acme Dark",
		"app_title": "Acme",
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "template_name_exists" {
		t.Fatalf("status = %d, code = %s", rec.Code, errorCode(t, rec))
	}
}

func TestImportTemplateFromYAML(t *testing.T) {
	fx := newAPIFixture(t)

	doc := `schema: forgeline.branding.v1
name: Acme Rebrand
description: Imported from fixtures
app_title: Acme Console
rules:
  - pattern: WebAdmin
    replacement: Acme Console
assets:
  - asset_key: uploads/logo.svg
    dest_path: static/logo.svg
`
	rec := fx.do(t, "POST", "/branding-templates/import", doc)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var dto brandingTemplate
	decodeBody(t, rec, &dto)
	if dto.Name != "Acme Rebrand" || dto.AppTitle != "Acme Console" {
		t.Fatalf("imported template = %+v", dto)
	}
	if len(dto.Rules) != 1 || len(dto.Assets) != 1 {
		t.Fatalf("imported template = %+v", dto)
	}

	rec = fx.do(t, "POST", "/branding-templates/import", "schema: v2\nname: Nope\n")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_template_spec" {
		t.Fatalf("bad schema: status = %d, code = %s", rec.Code, errorCode(t, rec))
	}
}

func (fx *apiFixture) doMultipart(t *testing.T, target string, build func(w *multipart.Writer)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	build(w)
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart body: %v", err)
	}

	req := httptest.NewRequest("POST", target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Request-Id", "req-1")
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{
		Subject: "tester",
		Roles:   []string{"admin"},
	}))
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadAssetStoresObject(t *testing.T) {
	fx := newAPIFixture(t)
	content := []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)

	rec := fx.doMultipart(t, "/branding-assets", func(w *multipart.Writer) {
		part, err := w.CreateFormFile("file", "logo.svg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AssetKey       string `json:"asset_key"`
		Filename       string `json:"filename"`
		ContentType    string `json:"content_type"`
		SizeBytes      int64  `json:"size_bytes"`
		ChecksumSHA256 string `json:"checksum_sha256"`
	}
	decodeBody(t, rec, &body)
	if body.Filename != "logo.svg" || !strings.HasSuffix(body.AssetKey, "/logo.svg") {
		t.Fatalf("upload response = %+v", body)
	}
	if body.SizeBytes != int64(len(content)) {
		t.Fatalf("size = %d, want %d", body.SizeBytes, len(content))
	}
	sum := sha256.Sum256(content)
	if body.ChecksumSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %s", body.ChecksumSHA256)
	}

	obj, info, err := fx.store.Get(context.Background(), fx.storeCfg.BucketAssets, body.AssetKey)
	if err != nil {
		t.Fatalf("stored asset missing: %v", err)
	}
	defer obj.Close()
	stored, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read stored asset: %v", err)
	}
	if !bytes.Equal(stored, content) || info.Size != int64(len(content)) {
		t.Fatalf("stored asset = %q (%d bytes)", stored, info.Size)
	}
}

func TestUploadAssetRequiresFile(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.doMultipart(t, "/branding-assets", func(w *multipart.Writer) {
		if err := w.WriteField("note", "no file here"); err != nil {
			t.Fatalf("write field: %v", err)
		}
	})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "file_required" {
		t.Fatalf("status = %d, code = %s", rec.Code, errorCode(t, rec))
	}
}

func TestDeleteTemplate(t *testing.T) {
	fx := newAPIFixture(t)
	templateID := fx.createTemplate(t, "Acme Dark")

	rec := fx.do(t, "DELETE", "/branding-templates/"+templateID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := fx.do(t, "GET", "/branding-templates/"+templateID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("template still present: status = %d", rec.Code)
	}
}
