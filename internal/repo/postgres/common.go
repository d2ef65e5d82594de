package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeSteps(steps []string) ([]byte, error) {
	if steps == nil {
		steps = []string{}
	}
	return json.Marshal(steps)
}

func decodeSteps(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

type ruleRecord struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	UseRegex    bool   `json:"use_regex,omitempty"`
}

func encodeRules(rules []domain.ReplacementRule) ([]byte, error) {
	records := make([]ruleRecord, 0, len(rules))
	for _, r := range rules {
		records = append(records, ruleRecord{Pattern: r.Pattern, Replacement: r.Replacement, UseRegex: r.UseRegex})
	}
	return json.Marshal(records)
}

func decodeRules(raw []byte) ([]domain.ReplacementRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []ruleRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	rules := make([]domain.ReplacementRule, 0, len(records))
	for _, r := range records {
		rules = append(rules, domain.ReplacementRule{Pattern: r.Pattern, Replacement: r.Replacement, UseRegex: r.UseRegex})
	}
	return rules, nil
}

type assetRecord struct {
	AssetKey string `json:"asset_key"`
	DestPath string `json:"dest_path"`
}

func encodeAssets(assets []domain.TemplateAsset) ([]byte, error) {
	records := make([]assetRecord, 0, len(assets))
	for _, a := range assets {
		records = append(records, assetRecord{AssetKey: a.AssetKey, DestPath: a.DestPath})
	}
	return json.Marshal(records)
}

func decodeAssets(raw []byte) ([]domain.TemplateAsset, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []assetRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	assets := make([]domain.TemplateAsset, 0, len(records))
	for _, a := range records {
		assets = append(assets, domain.TemplateAsset{AssetKey: a.AssetKey, DestPath: a.DestPath})
	}
	return assets, nil
}
