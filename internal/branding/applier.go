// Package branding rewrites a cloned source tree according to a branding
// template: text replacements across known source file types plus asset
// overlays fetched from the object store.
package branding

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

// ApplicationError reports a branding template that could not be applied.
// The message is the user-facing failure cause.
type ApplicationError struct {
	Message string
	Err     error
}

func (e *ApplicationError) Error() string { return e.Message }

func (e *ApplicationError) Unwrap() error { return e.Err }

// Text file types eligible for replacement rules.
var textExtensions = map[string]struct{}{
	".js":   {},
	".ts":   {},
	".jsx":  {},
	".tsx":  {},
	".html": {},
	".css":  {},
	".scss": {},
	".json": {},
	".md":   {},
	".txt":  {},
	".py":   {},
}

var titlePattern = regexp.MustCompile(`(<title[^>]*>)[^<]*(</title>)`)

// Result summarizes one template application.
type Result struct {
	FilesChanged int
	Replacements int
	AssetsCopied int
}

// Applier applies branding templates to a checked-out source tree. Store
// and Bucket locate uploaded template assets; they may be zero when the
// template carries none.
type Applier struct {
	Store  objectstore.Store
	Bucket string
}

type compiledRule struct {
	literal     string
	pattern     *regexp.Regexp
	replacement string
}

// Apply rewrites dir in place per the template and reports what changed.
func (a *Applier) Apply(ctx context.Context, dir string, template domain.BrandingTemplate) (Result, error) {
	if strings.TrimSpace(dir) == "" {
		return Result{}, fmt.Errorf("target directory is required")
	}
	if err := template.Validate(); err != nil {
		return Result{}, &ApplicationError{Message: err.Error(), Err: err}
	}
	rules, err := compileRules(template)
	if err != nil {
		return Result{}, &ApplicationError{Message: err.Error(), Err: err}
	}

	var result Result
	if len(rules) > 0 || template.AppTitle != "" {
		if err := a.rewriteTree(ctx, dir, template.AppTitle, rules, &result); err != nil {
			return Result{}, err
		}
	}
	for _, asset := range template.Assets {
		if err := a.copyAsset(ctx, dir, asset); err != nil {
			return Result{}, err
		}
		result.AssetsCopied++
	}
	return result, nil
}

func (a *Applier) rewriteTree(ctx context.Context, dir, appTitle string, rules []compiledRule, result *Result) error {
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := textExtensions[ext]; !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return &ApplicationError{Message: fmt.Sprintf("read %s: %v", d.Name(), err), Err: err}
		}
		content := string(data)
		replaced := 0
		for _, rule := range rules {
			content, replaced = rule.apply(content, replaced)
		}
		if appTitle != "" && ext == ".html" {
			title := strings.ReplaceAll(appTitle, "$", "$$")
			if n := len(titlePattern.FindAllStringIndex(content, -1)); n > 0 {
				content = titlePattern.ReplaceAllString(content, "${1}"+title+"${2}")
				replaced += n
			}
		}
		if replaced == 0 || content == string(data) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return &ApplicationError{Message: fmt.Sprintf("stat %s: %v", d.Name(), err), Err: err}
		}
		if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
			return &ApplicationError{Message: fmt.Sprintf("write %s: %v", d.Name(), err), Err: err}
		}
		result.FilesChanged++
		result.Replacements += replaced
		return nil
	})
	return walkErr
}

func (a *Applier) copyAsset(ctx context.Context, dir string, asset domain.TemplateAsset) error {
	if a == nil || a.Store == nil {
		return &ApplicationError{Message: fmt.Sprintf("asset %s: no asset store configured", asset.AssetKey)}
	}
	obj, _, err := a.Store.Get(ctx, a.Bucket, asset.AssetKey)
	if err != nil {
		if objectstore.IsNotExist(err) {
			return &ApplicationError{Message: fmt.Sprintf("asset %s not found", asset.AssetKey), Err: err}
		}
		return &ApplicationError{Message: fmt.Sprintf("fetch asset %s: %v", asset.AssetKey, err), Err: err}
	}
	defer obj.Close()

	dest := filepath.Join(dir, filepath.FromSlash(asset.DestPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &ApplicationError{Message: fmt.Sprintf("place asset %s: %v", asset.AssetKey, err), Err: err}
	}
	f, err := os.Create(dest)
	if err != nil {
		return &ApplicationError{Message: fmt.Sprintf("place asset %s: %v", asset.AssetKey, err), Err: err}
	}
	if _, err := io.Copy(f, obj); err != nil {
		f.Close()
		return &ApplicationError{Message: fmt.Sprintf("place asset %s: %v", asset.AssetKey, err), Err: err}
	}
	if err := f.Close(); err != nil {
		return &ApplicationError{Message: fmt.Sprintf("place asset %s: %v", asset.AssetKey, err), Err: err}
	}
	return nil
}

func compileRules(template domain.BrandingTemplate) ([]compiledRule, error) {
	rules := make([]compiledRule, 0, len(template.Rules))
	for _, rule := range template.Rules {
		if rule.UseRegex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compile rule %q: %w", rule.Pattern, err)
			}
			rules = append(rules, compiledRule{pattern: re, replacement: rule.Replacement})
			continue
		}
		rules = append(rules, compiledRule{literal: rule.Pattern, replacement: rule.Replacement})
	}
	return rules, nil
}

func (r compiledRule) apply(content string, replaced int) (string, int) {
	if r.pattern != nil {
		n := len(r.pattern.FindAllStringIndex(content, -1))
		if n == 0 {
			return content, replaced
		}
		return r.pattern.ReplaceAllString(content, r.replacement), replaced + n
	}
	n := strings.Count(content, r.literal)
	if n == 0 {
		return content, replaced
	}
	return strings.ReplaceAll(content, r.literal, r.replacement), replaced + n
}
