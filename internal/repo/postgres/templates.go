package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type TemplateStore struct {
	db DB
}

func NewTemplateStore(db DB) *TemplateStore {
	if db == nil {
		return nil
	}
	return &TemplateStore{db: db}
}

func (s *TemplateStore) CreateTemplate(ctx context.Context, template domain.BrandingTemplate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	rulesJSON, err := encodeRules(template.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	assetsJSON, err := encodeAssets(template.Assets)
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO branding_templates (
			template_id,
			name,
			description,
			app_title,
			rules,
			assets,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(template.ID),
		strings.TrimSpace(template.Name),
		nullIfEmpty(template.Description),
		nullIfEmpty(template.AppTitle),
		rulesJSON,
		assetsJSON,
		normalizeTime(template.CreatedAt),
		strings.TrimSpace(template.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *TemplateStore) GetTemplate(ctx context.Context, id string) (domain.BrandingTemplate, error) {
	if s == nil || s.db == nil {
		return domain.BrandingTemplate{}, fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.BrandingTemplate{}, fmt.Errorf("template id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT template_id, name, description, app_title, rules, assets, created_at, created_by
		 FROM branding_templates
		 WHERE template_id = $1`,
		id,
	)
	template, err := scanTemplate(row)
	if err != nil {
		return domain.BrandingTemplate{}, handleNotFound(err)
	}
	return template, nil
}

func (s *TemplateStore) ListTemplates(ctx context.Context, filter repo.TemplateFilter) ([]domain.BrandingTemplate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("template store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	query := `SELECT template_id, name, description, app_title, rules, assets, created_at, created_by FROM branding_templates`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := make([]domain.BrandingTemplate, 0)
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

func (s *TemplateStore) DeleteTemplate(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("template id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM branding_templates WHERE template_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanTemplate(row rowScanner) (domain.BrandingTemplate, error) {
	var template domain.BrandingTemplate
	var description sql.NullString
	var appTitle sql.NullString
	var rulesJSON []byte
	var assetsJSON []byte
	if err := row.Scan(&template.ID, &template.Name, &description, &appTitle, &rulesJSON, &assetsJSON,
		&template.CreatedAt, &template.CreatedBy); err != nil {
		return domain.BrandingTemplate{}, err
	}
	if description.Valid {
		template.Description = description.String
	}
	if appTitle.Valid {
		template.AppTitle = appTitle.String
	}
	rules, err := decodeRules(rulesJSON)
	if err != nil {
		return domain.BrandingTemplate{}, fmt.Errorf("decode rules: %w", err)
	}
	assets, err := decodeAssets(assetsJSON)
	if err != nil {
		return domain.BrandingTemplate{}, fmt.Errorf("decode assets: %w", err)
	}
	template.Rules = rules
	template.Assets = assets
	return template, nil
}
