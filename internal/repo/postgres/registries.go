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

type RegistryStore struct {
	db DB
}

func NewRegistryStore(db DB) *RegistryStore {
	if db == nil {
		return nil
	}
	return &RegistryStore{db: db}
}

func (s *RegistryStore) CreateRegistry(ctx context.Context, registry domain.ContainerRegistry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	if err := registry.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO container_registries (
			registry_id,
			name,
			registry_type,
			base_image,
			username,
			encrypted_credential,
			aws_region,
			is_verified,
			last_verified_at,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(registry.ID),
		strings.TrimSpace(registry.Name),
		string(registry.Type),
		strings.TrimSpace(registry.BaseImage),
		nullIfEmpty(registry.Username),
		nullIfEmpty(registry.EncryptedCredential),
		nullIfEmpty(registry.AWSRegion),
		registry.IsVerified,
		nullTime(registry.LastVerifiedAt),
		normalizeTime(registry.CreatedAt),
		strings.TrimSpace(registry.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert registry: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetRegistry(ctx context.Context, id string) (domain.ContainerRegistry, error) {
	if s == nil || s.db == nil {
		return domain.ContainerRegistry{}, fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ContainerRegistry{}, fmt.Errorf("registry id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT registry_id, name, registry_type, base_image, username, encrypted_credential, aws_region,
			is_verified, last_verified_at, created_at, created_by
		 FROM container_registries
		 WHERE registry_id = $1`,
		id,
	)
	registry, err := scanRegistry(row)
	if err != nil {
		return domain.ContainerRegistry{}, handleNotFound(err)
	}
	return registry, nil
}

func (s *RegistryStore) ListRegistries(ctx context.Context, filter repo.RegistryFilter) ([]domain.ContainerRegistry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("registry store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.Type != "" {
		if domain.NormalizeRegistryType(string(filter.Type)) == "" {
			return nil, fmt.Errorf("invalid registry type filter: %s", filter.Type)
		}
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("registry_type = $%d", len(args)))
	}
	query := `SELECT registry_id, name, registry_type, base_image, username, encrypted_credential, aws_region,
		is_verified, last_verified_at, created_at, created_by FROM container_registries`
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
		return nil, fmt.Errorf("list registries: %w", err)
	}
	defer rows.Close()

	registries := make([]domain.ContainerRegistry, 0)
	for rows.Next() {
		registry, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry: %w", err)
		}
		registries = append(registries, registry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}
	return registries, nil
}

func (s *RegistryStore) UpdateRegistryVerification(ctx context.Context, id string, verified bool, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("registry id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE container_registries SET is_verified = $1, last_verified_at = $2 WHERE registry_id = $3`,
		verified,
		at.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update registry verification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update registry verification: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RegistryStore) DeleteRegistry(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("registry id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM container_registries WHERE registry_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete registry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete registry: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanRegistry(row rowScanner) (domain.ContainerRegistry, error) {
	var registry domain.ContainerRegistry
	var registryType string
	var username sql.NullString
	var credential sql.NullString
	var awsRegion sql.NullString
	var lastVerifiedAt sql.NullTime
	if err := row.Scan(&registry.ID, &registry.Name, &registryType, &registry.BaseImage, &username, &credential,
		&awsRegion, &registry.IsVerified, &lastVerifiedAt, &registry.CreatedAt, &registry.CreatedBy); err != nil {
		return domain.ContainerRegistry{}, err
	}
	registry.Type = domain.RegistryType(registryType)
	if username.Valid {
		registry.Username = username.String
	}
	if credential.Valid {
		registry.EncryptedCredential = credential.String
	}
	if awsRegion.Valid {
		registry.AWSRegion = awsRegion.String
	}
	if lastVerifiedAt.Valid {
		verified := lastVerifiedAt.Time.UTC()
		registry.LastVerifiedAt = &verified
	}
	return registry, nil
}
