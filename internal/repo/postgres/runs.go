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

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	stepsJSON, err := encodeSteps(run.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (
			run_id,
			status,
			steps,
			source_id,
			output_type,
			registry_id,
			template_id,
			config_name,
			error_message,
			logs,
			created_at,
			created_by,
			started_at,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		strings.TrimSpace(run.ID),
		string(run.Status),
		stepsJSON,
		nullIfEmpty(run.SourceID),
		string(run.OutputType),
		nullIfEmpty(run.RegistryID),
		nullIfEmpty(run.TemplateID),
		nullIfEmpty(run.ConfigName),
		nullIfEmpty(run.ErrorMessage),
		run.Logs,
		normalizeTime(run.CreatedAt),
		strings.TrimSpace(run.CreatedBy),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, status, steps, source_id, output_type, registry_id, template_id, config_name,
			error_message, logs, created_at, created_by, started_at, completed_at
		 FROM pipeline_runs
		 WHERE run_id = $1`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args, err := buildRunListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) MarkRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET status = $1, started_at = $2 WHERE run_id = $3 AND status = $4`,
		string(domain.RunStatusRunning),
		startedAt.UTC(),
		id,
		string(domain.RunStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	return rows > 0, nil
}

func (s *RunStore) FinishRun(ctx context.Context, id string, status domain.RunStatus, errorMessage string, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !domain.CanTransitionRunStatus(domain.RunStatusRunning, status) {
		return fmt.Errorf("invalid terminal status: %s", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET status = $1, error_message = $2, completed_at = $3 WHERE run_id = $4 AND status = $5`,
		string(status),
		nullIfEmpty(errorMessage),
		completedAt.UTC(),
		id,
		string(domain.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) AppendRunLog(ctx context.Context, id, line string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET logs = logs || $1 WHERE run_id = $2`,
		line,
		id,
	)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM pipeline_runs WHERE run_id = $1 AND status <> $2`,
		id,
		string(domain.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListRunSummaries(ctx context.Context, since time.Time) ([]repo.RunSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, steps, output_type, created_at FROM pipeline_runs WHERE created_at >= $1`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list run summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]repo.RunSummary, 0)
	for rows.Next() {
		var summary repo.RunSummary
		var status string
		var stepsJSON []byte
		var outputType string
		if err := rows.Scan(&status, &stepsJSON, &outputType, &summary.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		summary.Status = domain.RunStatus(status)
		summary.OutputType = domain.OutputType(outputType)
		steps, err := decodeSteps(stepsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
		summary.Steps = steps
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run summaries: %w", err)
	}
	return summaries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status string
	var stepsJSON []byte
	var sourceID sql.NullString
	var outputType string
	var registryID sql.NullString
	var templateID sql.NullString
	var configName sql.NullString
	var errorMessage sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &status, &stepsJSON, &sourceID, &outputType, &registryID, &templateID, &configName,
		&errorMessage, &run.Logs, &run.CreatedAt, &run.CreatedBy, &startedAt, &completedAt); err != nil {
		return domain.PipelineRun{}, err
	}
	run.Status = domain.RunStatus(status)
	run.OutputType = domain.OutputType(outputType)
	if sourceID.Valid {
		run.SourceID = sourceID.String
	}
	if registryID.Valid {
		run.RegistryID = registryID.String
	}
	if templateID.Valid {
		run.TemplateID = templateID.String
	}
	if configName.Valid {
		run.ConfigName = configName.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		run.StartedAt = &started
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		run.CompletedAt = &completed
	}
	steps, err := decodeSteps(stepsJSON)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode steps: %w", err)
	}
	run.Steps = steps
	return run, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.Status != "" {
		status := domain.NormalizeRunStatus(string(filter.Status))
		if status == "" {
			return "", nil, fmt.Errorf("invalid status filter: %s", filter.Status)
		}
		args = append(args, string(status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.CreatedBy) != "" {
		args = append(args, strings.TrimSpace(filter.CreatedBy))
		clauses = append(clauses, fmt.Sprintf("created_by = $%d", len(args)))
	}

	query := `SELECT run_id, status, steps, source_id, output_type, registry_id, template_id, config_name,
		error_message, logs, created_at, created_by, started_at, completed_at FROM pipeline_runs`
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
