package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, owner_id, selected_outputs, input_type, input_url, input_name, input_language,
	file_size_mb, status, progress, result_data, error_message, created_at, updated_at, completed_at`

func (r *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id,
			owner_id,
			service_type,
			selected_outputs,
			input_type,
			input_url,
			input_name,
			input_language,
			file_size_mb,
			status,
			progress,
			result_data,
			error_message,
			created_at,
			updated_at,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		job.ID,
		job.OwnerID,
		string(job.ServiceType()),
		outputsToStrings(job.Outputs),
		string(job.InputType),
		job.SourceURL,
		job.SourceName,
		job.Language,
		job.InputSizeMB,
		string(job.Status),
		job.Progress,
		result,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresStore) UpdateProgress(ctx context.Context, jobID string, progress int, at time.Time) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = $2,
			updated_at = $3
		WHERE id = $1 AND status = 'processing' AND progress < $2
	`, jobID, progress, at)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	return command.RowsAffected() > 0, nil
}

func (r *PostgresStore) TransitionJob(
	ctx context.Context,
	jobID string,
	transition domain.JobTransition,
) (*domain.Job, error) {
	if err := transition.Validate(); err != nil {
		return nil, err
	}
	result, err := encodeResult(transition.Result)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3,
			progress = COALESCE($4, progress),
			result_data = $5,
			error_message = $6,
			completed_at = COALESCE($7, completed_at),
			updated_at = $8
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		jobID,
		string(transition.From),
		string(transition.To),
		transition.Progress,
		result,
		transition.ErrorMessage,
		transition.CompletedAt,
		transition.At,
	)
	job, err := scanPostgresJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	if _, getErr := r.GetJob(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConflict
}

func (r *PostgresStore) DeleteJob(ctx context.Context, ownerID, jobID string) (bool, error) {
	command, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND owner_id = $2`, jobID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return command.RowsAffected() > 0, nil
}

func (r *PostgresStore) ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.Job, error) {
	where, args := buildJobFilters(filter)
	query := `SELECT ` + jobColumns + ` ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresStore) CountJobs(ctx context.Context, filter domain.JobListFilter) (int, error) {
	where, args := buildJobFilters(filter)
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return total, nil
}

func buildJobFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM jobs WHERE TRUE")

	args := make([]any, 0, 3)
	if ownerID := strings.TrimSpace(filter.OwnerID); ownerID != "" {
		args = append(args, ownerID)
		query.WriteString(fmt.Sprintf(" AND owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query.WriteString(fmt.Sprintf(" AND created_at >= $%d", len(args)))
	}
	return query.String(), args
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		outputs   []string
		inputType string
		status    string
		result    []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&outputs,
		&inputType,
		&job.SourceURL,
		&job.SourceName,
		&job.Language,
		&job.InputSizeMB,
		&status,
		&job.Progress,
		&result,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Outputs = stringsToOutputs(outputs)
	job.InputType = domain.InputType(inputType)
	job.Status = domain.JobStatus(status)
	if job.Result, err = decodeResult(result); err != nil {
		return nil, err
	}
	return &job, nil
}

// encodeResult stores an empty completed result as {} and no result as NULL.
func encodeResult(result domain.ResultPayload) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return encoded, nil
}

func decodeResult(raw []byte) (domain.ResultPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var result domain.ResultPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

func outputsToStrings(kinds []domain.OutputKind) []string {
	values := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		values = append(values, string(kind))
	}
	return values
}

func stringsToOutputs(values []string) []domain.OutputKind {
	kinds := make([]domain.OutputKind, 0, len(values))
	for _, value := range values {
		kinds = append(kinds, domain.OutputKind(value))
	}
	return kinds
}
