package repository

import (
	"context"
	"sort"

	"github.com/iago/media-jobs-back/internal/domain"
)

type ProfilesRepository interface {
	GetProfile(ctx context.Context, accountID string) (*domain.Profile, error)
	// CreateProfile returns ErrConflict when the account already has one.
	CreateProfile(ctx context.Context, profile *domain.Profile) error
	UpdateProfile(ctx context.Context, accountID string, patch domain.ProfilePatch) (*domain.Profile, error)
}

type PlansRepository interface {
	// ListPlans orders by price ascending.
	ListPlans(ctx context.Context, activeOnly bool) ([]domain.Plan, error)
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	UpsertPlan(ctx context.Context, plan domain.Plan) error
}

// UsageRepository is append-only.
type UsageRepository interface {
	AppendUsage(ctx context.Context, record domain.UsageRecord) error
	ListUsage(ctx context.Context, ownerID string, limit int) ([]domain.UsageRecord, error)
}

func (r *MemoryStore) GetProfile(_ context.Context, accountID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return profile.Clone(), nil
}

func (r *MemoryStore) CreateProfile(_ context.Context, profile *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[profile.ID]; exists {
		return ErrConflict
	}
	r.profiles[profile.ID] = profile.Clone()
	return nil
}

func (r *MemoryStore) UpdateProfile(
	_ context.Context,
	accountID string,
	patch domain.ProfilePatch,
) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(profile)
	return profile.Clone(), nil
}

func (r *MemoryStore) ListPlans(_ context.Context, activeOnly bool) ([]domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plans := make([]domain.Plan, 0, len(r.plans))
	for _, plan := range r.plans {
		if activeOnly && !plan.Active {
			continue
		}
		plan.Features = append([]string(nil), plan.Features...)
		plans = append(plans, plan)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].Price == plans[j].Price {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].Price < plans[j].Price
	})
	return plans, nil
}

func (r *MemoryStore) GetPlan(_ context.Context, planID string) (*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	plan.Features = append([]string(nil), plan.Features...)
	return &plan, nil
}

func (r *MemoryStore) UpsertPlan(_ context.Context, plan domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan.Features = append([]string(nil), plan.Features...)
	r.plans[plan.ID] = plan
	return nil
}

func (r *MemoryStore) AppendUsage(_ context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.usage = append(r.usage, record)
	return nil
}

func (r *MemoryStore) ListUsage(_ context.Context, ownerID string, limit int) ([]domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]domain.UsageRecord, 0)
	for i := len(r.usage) - 1; i >= 0; i-- {
		if r.usage[i].OwnerID != ownerID {
			continue
		}
		records = append(records, r.usage[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}
