package branding

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

const SpecSchemaV1 = "forgeline.branding.v1"

// TemplateSpec is the importable YAML form of a branding template.
type TemplateSpec struct {
	Schema      string      `json:"schema" yaml:"schema"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	AppTitle    string      `json:"app_title,omitempty" yaml:"app_title,omitempty"`
	Rules       []RuleSpec  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Assets      []AssetSpec `json:"assets,omitempty" yaml:"assets,omitempty"`
}

type RuleSpec struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`
	UseRegex    bool   `json:"use_regex,omitempty" yaml:"use_regex,omitempty"`
}

type AssetSpec struct {
	AssetKey string `json:"asset_key" yaml:"asset_key"`
	DestPath string `json:"dest_path" yaml:"dest_path"`
}

// ParseSpec decodes and validates a YAML template document.
func ParseSpec(input []byte) (TemplateSpec, error) {
	var spec TemplateSpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return TemplateSpec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return TemplateSpec{}, err
	}
	return spec, nil
}

func (s TemplateSpec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("spec.name is required")
	}
	if len(s.Rules) == 0 && len(s.Assets) == 0 && strings.TrimSpace(s.AppTitle) == "" {
		return errors.New("spec must define app_title, rules, or assets")
	}
	for i, rule := range s.Rules {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("spec.rules[%d].pattern is required", i)
		}
		if rule.UseRegex {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("spec.rules[%d].pattern is not a valid regular expression: %v", i, err)
			}
		}
	}
	for i, asset := range s.Assets {
		if strings.TrimSpace(asset.AssetKey) == "" {
			return fmt.Errorf("spec.assets[%d].asset_key is required", i)
		}
		if err := (domain.TemplateAsset{AssetKey: asset.AssetKey, DestPath: asset.DestPath}).Validate(); err != nil {
			return fmt.Errorf("spec.assets[%d]: %v", i, err)
		}
	}
	return nil
}

// ToTemplate converts the spec into a domain template. Identity and audit
// fields are the caller's responsibility.
func (s TemplateSpec) ToTemplate() domain.BrandingTemplate {
	template := domain.BrandingTemplate{
		Name:        strings.TrimSpace(s.Name),
		Description: strings.TrimSpace(s.Description),
		AppTitle:    strings.TrimSpace(s.AppTitle),
	}
	for _, rule := range s.Rules {
		template.Rules = append(template.Rules, domain.ReplacementRule{
			Pattern:     rule.Pattern,
			Replacement: rule.Replacement,
			UseRegex:    rule.UseRegex,
		})
	}
	for _, asset := range s.Assets {
		template.Assets = append(template.Assets, domain.TemplateAsset{
			AssetKey: strings.TrimSpace(asset.AssetKey),
			DestPath: strings.TrimSpace(asset.DestPath),
		})
	}
	return template
}
