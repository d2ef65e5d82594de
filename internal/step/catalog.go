// Package step defines the catalog of pipeline build steps and validates
// step selections against it.
package step

import "sort"

// Step keys, as stored on pipeline runs and sent over the API.
const (
	KeyCloneRepo     = "clone_repo"
	KeyApplyBranding = "apply_branding"
	KeyApplyConfig   = "apply_config"
	KeyCreateZip     = "create_zip"
	KeyBuildImage    = "build_image"
	KeyPushRegistry  = "push_registry"
)

// Step describes one catalog entry. Order fixes the execution position
// regardless of the order steps were selected in.
type Step struct {
	Key       string
	Name      string
	Order     int
	Required  bool
	DependsOn []string
}

var catalog = []Step{
	{Key: KeyCloneRepo, Name: "Clone Git Repository", Order: 1, Required: true},
	{Key: KeyApplyBranding, Name: "Apply Branding Template", Order: 2, DependsOn: []string{KeyCloneRepo}},
	{Key: KeyApplyConfig, Name: "Apply Configuration", Order: 3, DependsOn: []string{KeyCloneRepo}},
	{Key: KeyCreateZip, Name: "Create ZIP Archive", Order: 4, DependsOn: []string{KeyCloneRepo}},
	{Key: KeyBuildImage, Name: "Build Docker Image", Order: 5, DependsOn: []string{KeyCloneRepo}},
	{Key: KeyPushRegistry, Name: "Push to Registry", Order: 6, DependsOn: []string{KeyCloneRepo, KeyBuildImage}},
}

var byKey = func() map[string]Step {
	m := make(map[string]Step, len(catalog))
	for _, s := range catalog {
		m[s.Key] = s
	}
	return m
}()

// Catalog returns every known step in execution order.
func Catalog() []Step {
	out := make([]Step, len(catalog))
	copy(out, catalog)
	return out
}

// ByKey looks up a catalog entry.
func ByKey(key string) (Step, bool) {
	s, ok := byKey[key]
	return s, ok
}

// DisplayName returns the human-readable name for a step key, or the key
// itself when it is not in the catalog.
func DisplayName(key string) string {
	if s, ok := byKey[key]; ok {
		return s.Name
	}
	return key
}

// Canonicalize deduplicates the keys and sorts them into execution order.
// Keys not in the catalog keep their relative input order at the end.
func Canonicalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return orderOf(out[i]) < orderOf(out[j])
	})
	return out
}

func orderOf(key string) int {
	if s, ok := byKey[key]; ok {
		return s.Order
	}
	return len(catalog) + 1
}
