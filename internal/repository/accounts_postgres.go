package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	profileColumns = `id, full_name, avatar_url, subscription_type, subscription_expires_at, total_usage_mb, created_at, updated_at`
	planColumns    = `id, name, name_fa, price, duration_days, max_file_size_mb, monthly_quota_mb, features, is_active`
)

func (r *PostgresStore) GetProfile(ctx context.Context, accountID string) (*domain.Profile, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, accountID)
	profile, err := scanPostgresProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return profile, nil
}

func (r *PostgresStore) CreateProfile(ctx context.Context, profile *domain.Profile) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		profile.ID,
		profile.FullName,
		profile.AvatarURL,
		string(profile.Tier),
		profile.TierExpiresAt,
		profile.TotalUsageMB,
		profile.CreatedAt,
		profile.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (r *PostgresStore) UpdateProfile(
	ctx context.Context,
	accountID string,
	patch domain.ProfilePatch,
) (*domain.Profile, error) {
	var tier *string
	if patch.Tier != nil {
		value := string(*patch.Tier)
		tier = &value
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE profiles
		SET full_name = COALESCE($2, full_name),
			avatar_url = COALESCE($3, avatar_url),
			subscription_type = COALESCE($4, subscription_type),
			subscription_expires_at = CASE WHEN $5 THEN NULL ELSE COALESCE($6, subscription_expires_at) END,
			total_usage_mb = total_usage_mb + $8,
			updated_at = $7
		WHERE id = $1
		RETURNING `+profileColumns,
		accountID,
		patch.FullName,
		patch.AvatarURL,
		tier,
		patch.ClearExpiry,
		patch.TierExpiresAt,
		patch.At,
		patch.AddUsageMB,
	)
	profile, err := scanPostgresProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}

func (r *PostgresStore) ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY price ASC, id ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]domain.Plan, 0)
	for rows.Next() {
		plan, err := scanPostgresPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate plans: %w", rows.Err())
	}
	return plans, nil
}

func (r *PostgresStore) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = $1`, planID)
	plan, err := scanPostgresPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return plan, nil
}

func (r *PostgresStore) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	features, err := json.Marshal(nonNilStrings(plan.Features))
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO subscription_plans (`+planColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			name_fa = EXCLUDED.name_fa,
			price = EXCLUDED.price,
			duration_days = EXCLUDED.duration_days,
			max_file_size_mb = EXCLUDED.max_file_size_mb,
			monthly_quota_mb = EXCLUDED.monthly_quota_mb,
			features = EXCLUDED.features,
			is_active = EXCLUDED.is_active
	`,
		plan.ID,
		plan.Name,
		plan.NameLocal,
		plan.Price,
		plan.DurationDays,
		plan.MaxFileSizeMB,
		plan.MonthlyQuotaMB,
		features,
		plan.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (r *PostgresStore) AppendUsage(ctx context.Context, record domain.UsageRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_history (id, user_id, service_id, service_type, file_size_mb, cost_credits, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		record.ID,
		record.OwnerID,
		record.JobID,
		string(record.ServiceType),
		record.FileSizeMB,
		record.CostCredits,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (r *PostgresStore) ListUsage(ctx context.Context, ownerID string, limit int) ([]domain.UsageRecord, error) {
	query := `
		SELECT id, user_id, service_id, service_type, file_size_mb, cost_credits, created_at
		FROM usage_history
		WHERE user_id = $1
		ORDER BY created_at DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	records := make([]domain.UsageRecord, 0)
	for rows.Next() {
		var (
			record      domain.UsageRecord
			serviceType string
		)
		if err := rows.Scan(
			&record.ID,
			&record.OwnerID,
			&record.JobID,
			&serviceType,
			&record.FileSizeMB,
			&record.CostCredits,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		record.ServiceType = domain.OutputKind(serviceType)
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate usage: %w", rows.Err())
	}
	return records, nil
}

func scanPostgresProfile(row pgx.Row) (*domain.Profile, error) {
	var (
		profile domain.Profile
		tier    string
	)
	if err := row.Scan(
		&profile.ID,
		&profile.FullName,
		&profile.AvatarURL,
		&tier,
		&profile.TierExpiresAt,
		&profile.TotalUsageMB,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		return nil, err
	}
	profile.Tier = domain.Tier(tier)
	return &profile, nil
}

func scanPostgresPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		plan     domain.Plan
		features []byte
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
	if len(features) > 0 {
		if err := json.Unmarshal(features, &plan.Features); err != nil {
			return nil, fmt.Errorf("decode plan features: %w", err)
		}
	}
	return &plan, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
