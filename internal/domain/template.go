package domain

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReplacementRule rewrites occurrences of Pattern to Replacement in text
// files of the cloned source tree. When UseRegex is set Pattern is a Go
// regular expression and Replacement may use $1-style group references.
type ReplacementRule struct {
	Pattern     string
	Replacement string
	UseRegex    bool
}

func (r ReplacementRule) Validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return &ValidationError{Issues: []string{"replacement rule pattern is required"}}
	}
	if r.UseRegex {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return &ValidationError{Issues: []string{"replacement rule pattern is not a valid regular expression: " + err.Error()}}
		}
	}
	return nil
}

// TemplateAsset copies an uploaded file from the asset bucket into the
// cloned source tree at DestPath (relative to the repository root).
type TemplateAsset struct {
	AssetKey string
	DestPath string
}

func (a TemplateAsset) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(a.AssetKey) == "" {
		verr.Add("asset key is required")
	}
	if !safeRelPath(a.DestPath) {
		verr.Add("asset destination must be a relative path inside the repository")
	}
	return verr.OrNil()
}

// BrandingTemplate bundles the replacement rules and asset overlays that
// rebrand a cloned source tree.
type BrandingTemplate struct {
	ID          string
	Name        string
	Description string
	AppTitle    string
	Rules       []ReplacementRule
	Assets      []TemplateAsset
	CreatedAt   time.Time
	CreatedBy   string
}

func (t BrandingTemplate) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(t.ID) == "" {
		verr.Add("template id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		verr.Add("template name is required")
	}
	for i, rule := range t.Rules {
		if err := rule.Validate(); err != nil {
			verr.Add("rule " + strconv.Itoa(i) + ": " + err.Error())
		}
	}
	for i, asset := range t.Assets {
		if err := asset.Validate(); err != nil {
			verr.Add("asset " + strconv.Itoa(i) + ": " + err.Error())
		}
	}
	return verr.OrNil()
}

func safeRelPath(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}
