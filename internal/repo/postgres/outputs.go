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

type OutputStore struct {
	db DB
}

func NewOutputStore(db DB) *OutputStore {
	if db == nil {
		return nil
	}
	return &OutputStore{db: db}
}

func (s *OutputStore) CreateOutput(ctx context.Context, output domain.BuildOutput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	if err := output.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO build_outputs (
			output_id,
			run_id,
			output_type,
			file_path,
			file_size_bytes,
			checksum_sha256,
			image_reference,
			download_count,
			expires_at,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(output.ID),
		strings.TrimSpace(output.RunID),
		string(output.Type),
		nullIfEmpty(output.FilePath),
		output.FileSizeBytes,
		nullIfEmpty(output.ChecksumSHA256),
		nullIfEmpty(output.ImageReference),
		output.DownloadCount,
		nullTime(output.ExpiresAt),
		normalizeTime(output.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

func (s *OutputStore) GetOutput(ctx context.Context, id string) (domain.BuildOutput, error) {
	if s == nil || s.db == nil {
		return domain.BuildOutput{}, fmt.Errorf("output store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.BuildOutput{}, fmt.Errorf("output id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT output_id, run_id, output_type, file_path, file_size_bytes, checksum_sha256,
			image_reference, download_count, expires_at, created_at
		 FROM build_outputs
		 WHERE output_id = $1`,
		id,
	)
	output, err := scanOutput(row)
	if err != nil {
		return domain.BuildOutput{}, handleNotFound(err)
	}
	return output, nil
}

func (s *OutputStore) ListOutputs(ctx context.Context, filter repo.OutputFilter) ([]domain.BuildOutput, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("output store not initialized")
	}
	query, args, err := buildOutputListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	outputs := make([]domain.BuildOutput, 0)
	for rows.Next() {
		output, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	return outputs, nil
}

func (s *OutputStore) MarkOutputPublished(ctx context.Context, runID, imageReference string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	imageReference = strings.TrimSpace(imageReference)
	if imageReference == "" {
		return fmt.Errorf("image reference is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE build_outputs SET image_reference = $1, expires_at = NULL
		 WHERE run_id = $2 AND output_type = $3`,
		imageReference,
		runID,
		string(domain.OutputTypeImage),
	)
	if err != nil {
		return fmt.Errorf("mark output published: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark output published: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *OutputStore) IncrementDownloadCount(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("output id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE build_outputs SET download_count = download_count + 1 WHERE output_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *OutputStore) ListExpiredOutputs(ctx context.Context, now time.Time, limit int) ([]domain.BuildOutput, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("output store not initialized")
	}
	query := `SELECT output_id, run_id, output_type, file_path, file_size_bytes, checksum_sha256,
		image_reference, download_count, expires_at, created_at
		FROM build_outputs
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired outputs: %w", err)
	}
	defer rows.Close()

	outputs := make([]domain.BuildOutput, 0)
	for rows.Next() {
		output, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired outputs: %w", err)
	}
	return outputs, nil
}

func (s *OutputStore) DeleteOutput(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("output store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("output id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM build_outputs WHERE output_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete output: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete output: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *OutputStore) ListOutputSummaries(ctx context.Context, since time.Time) ([]repo.OutputSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("output store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT output_type, created_at FROM build_outputs WHERE created_at >= $1`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list output summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]repo.OutputSummary, 0)
	for rows.Next() {
		var summary repo.OutputSummary
		var outputType string
		if err := rows.Scan(&outputType, &summary.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output summary: %w", err)
		}
		summary.Type = domain.OutputType(outputType)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list output summaries: %w", err)
	}
	return summaries, nil
}

func scanOutput(row rowScanner) (domain.BuildOutput, error) {
	var output domain.BuildOutput
	var outputType string
	var filePath sql.NullString
	var checksum sql.NullString
	var imageReference sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&output.ID, &output.RunID, &outputType, &filePath, &output.FileSizeBytes, &checksum,
		&imageReference, &output.DownloadCount, &expiresAt, &output.CreatedAt); err != nil {
		return domain.BuildOutput{}, err
	}
	output.Type = domain.OutputType(outputType)
	if filePath.Valid {
		output.FilePath = filePath.String
	}
	if checksum.Valid {
		output.ChecksumSHA256 = checksum.String
	}
	if imageReference.Valid {
		output.ImageReference = imageReference.String
	}
	if expiresAt.Valid {
		expires := expiresAt.Time.UTC()
		output.ExpiresAt = &expires
	}
	return output, nil
}

func buildOutputListQuery(filter repo.OutputFilter) (string, []any, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.RunID) != "" {
		args = append(args, strings.TrimSpace(filter.RunID))
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Type != "" {
		if !filter.Type.ValidForOutput() {
			return "", nil, fmt.Errorf("invalid output type filter: %s", filter.Type)
		}
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("output_type = $%d", len(args)))
	}

	query := `SELECT output_id, run_id, output_type, file_path, file_size_bytes, checksum_sha256,
		image_reference, download_count, expires_at, created_at FROM build_outputs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}
