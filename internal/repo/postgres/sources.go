package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
)

type SourceStore struct {
	db DB
}

func NewSourceStore(db DB) *SourceStore {
	if db == nil {
		return nil
	}
	return &SourceStore{db: db}
}

func (s *SourceStore) CreateSource(ctx context.Context, source domain.RepositorySource) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("source store not initialized")
	}
	if err := source.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO repository_sources (
			source_id,
			name,
			url,
			protocol,
			default_branch,
			username,
			encrypted_credential,
			is_verified,
			last_verified_at,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(source.ID),
		strings.TrimSpace(source.Name),
		strings.TrimSpace(source.URL),
		string(source.Protocol),
		nullIfEmpty(source.DefaultBranch),
		nullIfEmpty(source.Username),
		nullIfEmpty(source.EncryptedCredential),
		source.IsVerified,
		nullTime(source.LastVerifiedAt),
		normalizeTime(source.CreatedAt),
		strings.TrimSpace(source.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

func (s *SourceStore) GetSource(ctx context.Context, id string) (domain.RepositorySource, error) {
	if s == nil || s.db == nil {
		return domain.RepositorySource{}, fmt.Errorf("source store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RepositorySource{}, fmt.Errorf("source id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT source_id, name, url, protocol, default_branch, username, encrypted_credential,
			is_verified, last_verified_at, created_at, created_by
		 FROM repository_sources
		 WHERE source_id = $1`,
		id,
	)
	source, err := scanSource(row)
	if err != nil {
		return domain.RepositorySource{}, handleNotFound(err)
	}
	return source, nil
}

func (s *SourceStore) ListSources(ctx context.Context, filter repo.SourceFilter) ([]domain.RepositorySource, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("source store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	query := `SELECT source_id, name, url, protocol, default_branch, username, encrypted_credential,
		is_verified, last_verified_at, created_at, created_by FROM repository_sources`
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
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	sources := make([]domain.RepositorySource, 0)
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

func (s *SourceStore) UpdateSourceVerification(ctx context.Context, id string, verified bool, at time.Time, defaultBranch string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("source store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("source id is required")
	}
	query := `UPDATE repository_sources SET is_verified = $1, last_verified_at = $2 WHERE source_id = $3`
	args := []any{verified, at.UTC(), id}
	if strings.TrimSpace(defaultBranch) != "" {
		query = `UPDATE repository_sources SET is_verified = $1, last_verified_at = $2, default_branch = $3 WHERE source_id = $4`
		args = []any{verified, at.UTC(), strings.TrimSpace(defaultBranch), id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update source verification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update source verification: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("source store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("source id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM repository_sources WHERE source_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanSource(row rowScanner) (domain.RepositorySource, error) {
	var source domain.RepositorySource
	var protocol string
	var defaultBranch sql.NullString
	var username sql.NullString
	var credential sql.NullString
	var lastVerifiedAt sql.NullTime
	if err := row.Scan(&source.ID, &source.Name, &source.URL, &protocol, &defaultBranch, &username, &credential,
		&source.IsVerified, &lastVerifiedAt, &source.CreatedAt, &source.CreatedBy); err != nil {
		return domain.RepositorySource{}, err
	}
	source.Protocol = domain.SourceProtocol(protocol)
	if defaultBranch.Valid {
		source.DefaultBranch = defaultBranch.String
	}
	if username.Valid {
		source.Username = username.String
	}
	if credential.Valid {
		source.EncryptedCredential = credential.String
	}
	if lastVerifiedAt.Valid {
		verified := lastVerifiedAt.Time.UTC()
		source.LastVerifiedAt = &verified
	}
	return source, nil
}
