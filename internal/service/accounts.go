package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/media-jobs-back/internal/cache"
	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/policy"
	"github.com/iago/media-jobs-back/internal/repository"
)

var (
	ErrFullNameRequired = errors.New("full name is required")
	ErrPlanUnavailable  = errors.New("plan is not available")
)

const activePlansKey = "active"

type AccountsConfig struct {
	Limits          policy.TierLimits
	CacheTTL        time.Duration
	CacheMaxEntries int
	Logger          *slog.Logger
}

type AccountsService struct {
	profiles repository.ProfilesRepository
	plans    repository.PlansRepository
	usage    repository.UsageRepository
	limits   policy.TierLimits
	logger   *slog.Logger
	now      func() time.Time

	profileCache *cache.TTL[string, *domain.Profile]
	planCache    *cache.TTL[string, []domain.Plan]
}

func NewAccountsService(
	profiles repository.ProfilesRepository,
	plans repository.PlansRepository,
	usage repository.UsageRepository,
	config AccountsConfig,
) *AccountsService {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AccountsService{
		profiles: profiles,
		plans:    plans,
		usage:    usage,
		limits:   config.Limits,
		logger:   config.Logger.With("component", "accounts"),
		now:      func() time.Time { return time.Now().UTC() },
		profileCache: cache.NewTTL[string, *domain.Profile](cache.Config{
			Name:       "profiles",
			TTL:        config.CacheTTL,
			MaxEntries: config.CacheMaxEntries,
		}),
		planCache: cache.NewTTL[string, []domain.Plan](cache.Config{
			Name:       "plans",
			TTL:        config.CacheTTL,
			MaxEntries: 4,
		}),
	}
}

// Session resolves the acting account, creating a free profile the first
// time an account is seen.
func (s *AccountsService) Session(ctx context.Context, accountID string) (domain.Session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Session{}, errors.New("account id is required")
	}
	profile, err := s.loadProfile(ctx, accountID)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{AccountID: accountID, Profile: profile, Now: s.now()}, nil
}

func (s *AccountsService) loadProfile(ctx context.Context, accountID string) (*domain.Profile, error) {
	if cached, ok := s.profileCache.Get(accountID); ok {
		return cached.Clone(), nil
	}

	profile, err := s.profiles.GetProfile(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		now := s.now()
		profile = &domain.Profile{
			ID:        accountID,
			Tier:      domain.TierFree,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.profiles.CreateProfile(ctx, profile)
		if errors.Is(err, repository.ErrConflict) {
			profile, err = s.profiles.GetProfile(ctx, accountID)
		} else if err == nil {
			s.logger.Info("profile created", "account_id", accountID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	s.profileCache.Set(accountID, profile.Clone())
	return profile, nil
}

// ProfileView is the session profile with its derived limits.
type ProfileView struct {
	ID            string      `json:"id"`
	FullName      string      `json:"full_name"`
	AvatarURL     string      `json:"avatar_url,omitempty"`
	Tier          domain.Tier `json:"subscription_type"`
	EffectiveTier domain.Tier `json:"effective_tier"`
	TierExpiresAt *time.Time  `json:"subscription_expires_at"`
	TotalUsageMB  float64     `json:"total_usage_mb"`
	MaxFileSizeMB int         `json:"max_file_size_mb"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (s *AccountsService) Profile(ctx context.Context, session domain.Session) (ProfileView, error) {
	profile := session.Profile
	if profile == nil {
		loaded, err := s.loadProfile(ctx, session.AccountID)
		if err != nil {
			return ProfileView{}, err
		}
		profile = loaded
	}
	session.Profile = profile
	return ProfileView{
		ID:            profile.ID,
		FullName:      profile.FullName,
		AvatarURL:     profile.AvatarURL,
		Tier:          profile.Tier,
		EffectiveTier: session.Tier(),
		TierExpiresAt: profile.TierExpiresAt,
		TotalUsageMB:  profile.TotalUsageMB,
		MaxFileSizeMB: s.FileLimitMB(ctx, session),
		CreatedAt:     profile.CreatedAt,
		UpdatedAt:     profile.UpdatedAt,
	}, nil
}

type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
}

func (s *AccountsService) UpdateProfile(
	ctx context.Context,
	session domain.Session,
	update ProfileUpdate,
) (*domain.Profile, error) {
	patch := domain.ProfilePatch{At: s.now()}
	if update.FullName != nil {
		name := strings.TrimSpace(*update.FullName)
		if name == "" {
			return nil, &policy.ViolationError{
				Violation: policy.Violation{Field: "full_name", Message: ErrFullNameRequired.Error()},
				Err:       ErrFullNameRequired,
			}
		}
		patch.FullName = &name
	}
	if update.AvatarURL != nil {
		avatar := strings.TrimSpace(*update.AvatarURL)
		patch.AvatarURL = &avatar
	}

	profile, err := s.profiles.UpdateProfile(ctx, session.AccountID, patch)
	s.profileCache.Delete(session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return profile, nil
}

// Plans lists active plans, cheapest first.
func (s *AccountsService) Plans(ctx context.Context) ([]domain.Plan, error) {
	if cached, ok := s.planCache.Get(activePlansKey); ok {
		return append([]domain.Plan(nil), cached...), nil
	}
	plans, err := s.plans.ListPlans(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	s.planCache.Set(activePlansKey, plans)
	return append([]domain.Plan(nil), plans...), nil
}

// SeedPlans upserts the catalog, typically once at startup.
func (s *AccountsService) SeedPlans(ctx context.Context, plans []domain.Plan) error {
	for _, plan := range plans {
		if err := s.plans.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.ID, err)
		}
	}
	s.planCache.Purge()
	return nil
}

// Subscribe moves the account onto planID. The free plan downgrades and
// clears the expiry; any other plan grants premium for its duration.
func (s *AccountsService) Subscribe(
	ctx context.Context,
	session domain.Session,
	planID string,
) (*domain.Profile, error) {
	plan, err := s.plans.GetPlan(ctx, strings.TrimSpace(planID))
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanUnavailable
	}

	now := s.now()
	tier := plan.Tier()
	patch := domain.ProfilePatch{Tier: &tier, At: now}
	if plan.IsFree() || plan.DurationDays <= 0 {
		patch.ClearExpiry = true
	} else {
		expiresAt := now.AddDate(0, 0, plan.DurationDays)
		patch.TierExpiresAt = &expiresAt
	}

	profile, err := s.profiles.UpdateProfile(ctx, session.AccountID, patch)
	s.profileCache.Delete(session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("subscription changed", "account_id", session.AccountID, "plan_id", plan.ID, "tier", tier)
	return profile, nil
}

// FileLimitMB is the single-file limit for the session's effective tier,
// taken from the plan catalog with configured fallbacks.
func (s *AccountsService) FileLimitMB(ctx context.Context, session domain.Session) int {
	tier := session.Tier()
	plans, err := s.Plans(ctx)
	if err != nil {
		s.logger.Warn("plan catalog unavailable, using fallback limits", "error", err)
		return s.limits.For(tier)
	}

	limit := 0
	for _, plan := range plans {
		if plan.Tier() != tier || plan.MaxFileSizeMB <= 0 {
			continue
		}
		if plan.MaxFileSizeMB > limit {
			limit = plan.MaxFileSizeMB
		}
	}
	if limit == 0 {
		return s.limits.For(tier)
	}
	return limit
}

type UploadCheck struct {
	Allowed bool    `json:"allowed"`
	LimitMB int     `json:"limit_mb"`
	SizeMB  float64 `json:"size_mb"`
	MIME    string  `json:"mime_type,omitempty"`
}

// CheckUpload validates a prospective upload before any job is created.
// head is optional; when present it must look like video or audio.
func (s *AccountsService) CheckUpload(
	ctx context.Context,
	session domain.Session,
	sizeBytes int64,
	head []byte,
) (UploadCheck, error) {
	check := UploadCheck{
		LimitMB: s.FileLimitMB(ctx, session),
		SizeMB:  domain.BytesToMB(sizeBytes),
	}
	if err := policy.CheckFileSize(sizeBytes, check.LimitMB); err != nil {
		return check, err
	}
	if len(head) > 0 {
		mime, err := policy.SniffMedia(head)
		if err != nil {
			return check, err
		}
		check.MIME = mime
	}
	check.Allowed = true
	return check, nil
}

func (s *AccountsService) Usage(ctx context.Context, session domain.Session, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	records, err := s.usage.ListUsage(ctx, session.AccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}

// RecordUsage appends the audit row and adds the job's size to the
// profile's cumulative usage.
func (s *AccountsService) RecordUsage(ctx context.Context, job *domain.Job) error {
	record := domain.UsageRecord{
		ID:          uuid.NewString(),
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		ServiceType: job.ServiceType(),
		FileSizeMB:  job.InputSizeMB,
		CostCredits: len(job.Outputs),
		CreatedAt:   s.now(),
	}
	if err := s.usage.AppendUsage(ctx, record); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	if job.InputSizeMB <= 0 {
		return nil
	}
	_, err := s.profiles.UpdateProfile(ctx, job.OwnerID, domain.ProfilePatch{AddUsageMB: job.InputSizeMB, At: record.CreatedAt})
	s.profileCache.Delete(job.OwnerID)
	if err != nil {
		return fmt.Errorf("add profile usage: %w", err)
	}
	return nil
}
