package domain

import (
	"strings"
	"time"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

const (
	DefaultFreeMaxFileMB    = 100
	DefaultPremiumMaxFileMB = 1024
)

type Profile struct {
	ID            string
	FullName      string
	AvatarURL     string
	Tier          Tier
	TierExpiresAt *time.Time
	TotalUsageMB  float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveTier treats an expired premium subscription as free. The stored
// tier is left as is.
func (p *Profile) EffectiveTier(now time.Time) Tier {
	if p == nil || p.Tier != TierPremium {
		return TierFree
	}
	if p.TierExpiresAt != nil && !p.TierExpiresAt.After(now) {
		return TierFree
	}
	return TierPremium
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TierExpiresAt != nil {
		expiresAt := *p.TierExpiresAt
		clone.TierExpiresAt = &expiresAt
	}
	return &clone
}

// ProfilePatch carries optional profile updates. ClearExpiry nulls the
// tier expiration.
type ProfilePatch struct {
	FullName      *string
	AvatarURL     *string
	Tier          *Tier
	TierExpiresAt *time.Time
	ClearExpiry   bool
	// AddUsageMB is added to the cumulative usage.
	AddUsageMB    float64
	At            time.Time
}

func (p ProfilePatch) Apply(profile *Profile) {
	if p.FullName != nil {
		profile.FullName = *p.FullName
	}
	if p.AvatarURL != nil {
		profile.AvatarURL = *p.AvatarURL
	}
	if p.Tier != nil {
		profile.Tier = *p.Tier
	}
	if p.ClearExpiry {
		profile.TierExpiresAt = nil
	} else if p.TierExpiresAt != nil {
		expiresAt := *p.TierExpiresAt
		profile.TierExpiresAt = &expiresAt
	}
	profile.TotalUsageMB += p.AddUsageMB
	profile.UpdatedAt = p.At
}

type Plan struct {
	ID             string   `json:"id" toml:"id"`
	Name           string   `json:"name" toml:"name"`
	NameLocal      string   `json:"name_fa,omitempty" toml:"name_fa"`
	Price          float64  `json:"price" toml:"price"`
	DurationDays   int      `json:"duration_days" toml:"duration_days"`
	MaxFileSizeMB  int      `json:"max_file_size_mb" toml:"max_file_size_mb"`
	MonthlyQuotaMB int      `json:"monthly_quota_mb" toml:"monthly_quota_mb"`
	Features       []string `json:"features" toml:"features"`
	Active         bool     `json:"is_active" toml:"is_active"`
}

// IsFree matches the catalog's free entry, which downgrades instead of
// extending premium.
func (p Plan) IsFree() bool {
	return strings.EqualFold(strings.TrimSpace(p.Name), "free")
}

func (p Plan) Tier() Tier {
	if p.IsFree() {
		return TierFree
	}
	return TierPremium
}

type UsageRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"user_id"`
	JobID       string     `json:"service_id"`
	ServiceType OutputKind `json:"service_type"`
	FileSizeMB  float64    `json:"file_size_mb"`
	CostCredits int        `json:"cost_credits"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Session is the acting account, resolved once per request and passed to
// every service entry point.
type Session struct {
	AccountID string
	Profile   *Profile
	Now       time.Time
}

func (s Session) Tier() Tier {
	return s.Profile.EffectiveTier(s.now())
}

func (s Session) now() time.Time {
	if s.Now.IsZero() {
		return time.Now().UTC()
	}
	return s.Now
}

// BytesToMB converts using binary megabytes.
func BytesToMB(size int64) float64 {
	return float64(size) / (1024 * 1024)
}
