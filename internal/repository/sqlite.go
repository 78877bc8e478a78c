package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
  id TEXT PRIMARY KEY,
  full_name TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  subscription_type TEXT NOT NULL DEFAULT 'free',
  subscription_expires_at INTEGER,
  total_usage_mb REAL NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  service_type TEXT NOT NULL,
  selected_outputs TEXT NOT NULL,
  input_type TEXT NOT NULL DEFAULT 'link',
  input_url TEXT NOT NULL DEFAULT '',
  input_name TEXT NOT NULL DEFAULT '',
  input_language TEXT NOT NULL DEFAULT 'fa',
  file_size_mb REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  result_data TEXT,
  error_message TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE TABLE IF NOT EXISTS usage_history (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  service_id TEXT NOT NULL,
  service_type TEXT NOT NULL,
  file_size_mb REAL NOT NULL DEFAULT 0,
  cost_credits INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_history_user_created_idx ON usage_history (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS subscription_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  name_fa TEXT NOT NULL DEFAULT '',
  price REAL NOT NULL DEFAULT 0,
  duration_days INTEGER NOT NULL DEFAULT 30,
  max_file_size_mb INTEGER NOT NULL,
  monthly_quota_mb INTEGER NOT NULL DEFAULT 0,
  features TEXT NOT NULL DEFAULT '[]',
  is_active INTEGER NOT NULL DEFAULT 1
);
`

// SQLiteStore implements Store on a single sqlite file. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	outputs, err := json.Marshal(outputsToStrings(job.Outputs))
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, service_type, selected_outputs, input_type, input_url, input_name,
			input_language, file_size_mb, status, progress, result_data, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		string(job.ServiceType()),
		string(outputs),
		string(job.InputType),
		job.SourceURL,
		job.SourceName,
		job.Language,
		job.InputSizeMB,
		string(job.Status),
		job.Progress,
		nullableText(result),
		job.ErrorMessage,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		nullableMillis(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, progress int, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND progress < ?`,
		progress, at.UnixMilli(), jobID, progress,
	)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) TransitionJob(
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

	var progress any
	if transition.Progress != nil {
		progress = *transition.Progress
	}
	updated, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
			progress = COALESCE(?, progress),
			result_data = ?,
			error_message = ?,
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(transition.To),
		progress,
		nullableText(result),
		transition.ErrorMessage,
		nullableMillis(transition.CompletedAt),
		transition.At.UnixMilli(),
		jobID,
		string(transition.From),
	)
	if err != nil {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	affected, err := updated.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition job: %w", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrConflict
	}
	return job, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, ownerID, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND owner_id = ?`, jobID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.Job, error) {
	where, args := buildSQLiteJobFilters(filter)
	query := `SELECT ` + jobColumns + ` ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context, filter domain.JobListFilter) (int, error) {
	where, args := buildSQLiteJobFilters(filter)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, accountID string) (*domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, accountID)
	profile, err := scanSQLiteProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return profile, nil
}

func (s *SQLiteStore) CreateProfile(ctx context.Context, profile *domain.Profile) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		profile.ID,
		profile.FullName,
		profile.AvatarURL,
		string(profile.Tier),
		nullableMillis(profile.TierExpiresAt),
		profile.TotalUsageMB,
		profile.CreatedAt.UnixMilli(),
		profile.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) UpdateProfile(
	ctx context.Context,
	accountID string,
	patch domain.ProfilePatch,
) (*domain.Profile, error) {
	profile, err := s.GetProfile(ctx, accountID)
	if err != nil {
		return nil, err
	}
	patch.Apply(profile)

	_, err = s.db.ExecContext(ctx, `
		UPDATE profiles
		SET full_name = ?, avatar_url = ?, subscription_type = ?, subscription_expires_at = ?,
			total_usage_mb = total_usage_mb + ?, updated_at = ?
		WHERE id = ?`,
		profile.FullName,
		profile.AvatarURL,
		string(profile.Tier),
		nullableMillis(profile.TierExpiresAt),
		patch.AddUsageMB,
		profile.UpdatedAt.UnixMilli(),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY price ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]domain.Plan, 0)
	for rows.Next() {
		plan, err := scanSQLitePlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = ?`, planID)
	plan, err := scanSQLitePlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return plan, nil
}

func (s *SQLiteStore) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	features, err := json.Marshal(nonNilStrings(plan.Features))
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			name_fa = excluded.name_fa,
			price = excluded.price,
			duration_days = excluded.duration_days,
			max_file_size_mb = excluded.max_file_size_mb,
			monthly_quota_mb = excluded.monthly_quota_mb,
			features = excluded.features,
			is_active = excluded.is_active`,
		plan.ID,
		plan.Name,
		plan.NameLocal,
		plan.Price,
		plan.DurationDays,
		plan.MaxFileSizeMB,
		plan.MonthlyQuotaMB,
		string(features),
		plan.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, record domain.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history (id, user_id, service_id, service_type, file_size_mb, cost_credits, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.OwnerID,
		record.JobID,
		string(record.ServiceType),
		record.FileSizeMB,
		record.CostCredits,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, ownerID string, limit int) ([]domain.UsageRecord, error) {
	query := `
		SELECT id, user_id, service_id, service_type, file_size_mb, cost_credits, created_at
		FROM usage_history WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	records := make([]domain.UsageRecord, 0)
	for rows.Next() {
		var (
			record      domain.UsageRecord
			serviceType string
			createdMs   int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.OwnerID,
			&record.JobID,
			&serviceType,
			&record.FileSizeMB,
			&record.CostCredits,
			&createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		record.ServiceType = domain.OutputKind(serviceType)
		record.CreatedAt = time.UnixMilli(createdMs).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func buildSQLiteJobFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM jobs WHERE 1 = 1")

	args := make([]any, 0, 3)
	if ownerID := strings.TrimSpace(filter.OwnerID); ownerID != "" {
		query.WriteString(" AND owner_id = ?")
		args = append(args, ownerID)
	}
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query.WriteString(" AND created_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	return query.String(), args
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		outputs     string
		inputType   string
		status      string
		result      sql.NullString
		createdMs   int64
		updatedMs   int64
		completedMs sql.NullInt64
	)
	if err := row.Scan(
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
		&createdMs,
		&updatedMs,
		&completedMs,
	); err != nil {
		return nil, err
	}

	var values []string
	if err := json.Unmarshal([]byte(outputs), &values); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	job.Outputs = stringsToOutputs(values)
	job.InputType = domain.InputType(inputType)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.CompletedAt = millisPtr(completedMs)
	if result.Valid {
		decoded, err := decodeResult([]byte(result.String))
		if err != nil {
			return nil, err
		}
		job.Result = decoded
	}
	return &job, nil
}

func scanSQLiteProfile(row rowScanner) (*domain.Profile, error) {
	var (
		profile   domain.Profile
		tier      string
		expiresMs sql.NullInt64
		createdMs int64
		updatedMs int64
	)
	if err := row.Scan(
		&profile.ID,
		&profile.FullName,
		&profile.AvatarURL,
		&tier,
		&expiresMs,
		&profile.TotalUsageMB,
		&createdMs,
		&updatedMs,
	); err != nil {
		return nil, err
	}
	profile.Tier = domain.Tier(tier)
	profile.TierExpiresAt = millisPtr(expiresMs)
	profile.CreatedAt = time.UnixMilli(createdMs).UTC()
	profile.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &profile, nil
}

func scanSQLitePlan(row rowScanner) (*domain.Plan, error) {
	var (
		plan     domain.Plan
		features string
	)
	if err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.NameLocal,
		&plan.Price,
		&plan.DurationDays,
		&plan.MaxFileSizeMB,
		&plan.MonthlyQuotaMB,
		&features,
		&plan.Active,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &plan.Features); err != nil {
		return nil, fmt.Errorf("decode plan features: %w", err)
	}
	return &plan, nil
}

func nullableText(value []byte) any {
	if value == nil {
		return nil
	}
	return string(value)
}

func nullableMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UnixMilli()
}

func millisPtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := time.UnixMilli(value.Int64).UTC()
	return &parsed
}
