// Package appconfig materializes named configuration profiles into a
// checked-out source tree. A profile is a JSON document with environment
// values and structured overrides; applying it writes an .env.custom file
// and, when overrides are present, a config.custom.json next to it.
package appconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	envFileName      = ".env.custom"
	overrideFileName = "config.custom.json"
)

// ApplicationError reports a configuration profile that could not be
// applied. The message is the user-facing failure cause.
type ApplicationError struct {
	Message string
	Err     error
}

func (e *ApplicationError) Error() string { return e.Message }

func (e *ApplicationError) Unwrap() error { return e.Err }

type profileDocument struct {
	Env       map[string]string `json:"env"`
	Overrides map[string]any    `json:"overrides"`
}

// Result summarizes one profile application.
type Result struct {
	EnvKeys      int
	OverrideKeys int
}

// Applier loads profiles from a directory of <name>.json documents.
type Applier struct {
	Dir string
}

// Apply writes the named profile into dir.
func (a *Applier) Apply(ctx context.Context, dir, name string) (Result, error) {
	if a == nil || strings.TrimSpace(a.Dir) == "" {
		return Result{}, &ApplicationError{Message: "no configuration profile directory configured"}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Result{}, &ApplicationError{Message: fmt.Sprintf("invalid configuration profile name: %q", name)}
	}
	raw, err := os.ReadFile(filepath.Join(a.Dir, name+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, &ApplicationError{Message: fmt.Sprintf("unknown configuration profile: %s", name), Err: err}
		}
		return Result{}, &ApplicationError{Message: fmt.Sprintf("read configuration profile %s: %v", name, err), Err: err}
	}
	var profile profileDocument
	if err := json.Unmarshal(raw, &profile); err != nil {
		return Result{}, &ApplicationError{Message: fmt.Sprintf("parse configuration profile %s: %v", name, err), Err: err}
	}
	if len(profile.Env) == 0 && len(profile.Overrides) == 0 {
		return Result{}, &ApplicationError{Message: fmt.Sprintf("configuration profile %s is empty", name)}
	}

	if err := writeEnvFile(filepath.Join(dir, envFileName), profile.Env); err != nil {
		return Result{}, &ApplicationError{Message: fmt.Sprintf("write %s: %v", envFileName, err), Err: err}
	}
	if len(profile.Overrides) > 0 {
		encoded, err := json.MarshalIndent(profile.Overrides, "", "  ")
		if err != nil {
			return Result{}, &ApplicationError{Message: fmt.Sprintf("encode overrides: %v", err), Err: err}
		}
		if err := os.WriteFile(filepath.Join(dir, overrideFileName), append(encoded, '\n'), 0o644); err != nil {
			return Result{}, &ApplicationError{Message: fmt.Sprintf("write %s: %v", overrideFileName, err), Err: err}
		}
	}
	return Result{EnvKeys: len(profile.Env), OverrideKeys: len(profile.Overrides)}, nil
}

func writeEnvFile(path string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
