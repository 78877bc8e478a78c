package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/iago/media-jobs-back/internal/domain"
)

type planCatalogFile struct {
	Plans []domain.Plan `toml:"plan"`
}

// DefaultPlans seeds stores when no catalog file is configured.
func DefaultPlans(cfg Config) []domain.Plan {
	return []domain.Plan{
		{
			ID:             "free",
			Name:           "Free",
			NameLocal:      "رایگان",
			Price:          0,
			DurationDays:   30,
			MaxFileSizeMB:  cfg.FreeMaxFileMB,
			MonthlyQuotaMB: 500,
			Features:       []string{"summary", "headline", "transcript"},
			Active:         true,
		},
		{
			ID:             "premium-monthly",
			Name:           "Premium",
			NameLocal:      "ویژه",
			Price:          9.99,
			DurationDays:   30,
			MaxFileSizeMB:  cfg.PremiumMaxFileMB,
			MonthlyQuotaMB: 20480,
			Features:       []string{"all outputs", "generated images", "generated video"},
			Active:         true,
		},
	}
}

// LoadPlans decodes a TOML catalog of [[plan]] tables.
func LoadPlans(path string) ([]domain.Plan, error) {
	var catalog planCatalogFile
	if _, err := toml.DecodeFile(path, &catalog); err != nil {
		return nil, fmt.Errorf("decode plan catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(catalog.Plans))
	for index, plan := range catalog.Plans {
		plan.ID = strings.TrimSpace(plan.ID)
		if plan.ID == "" || strings.TrimSpace(plan.Name) == "" {
			return nil, fmt.Errorf("plan %d: id and name are required", index)
		}
		if _, exists := seen[plan.ID]; exists {
			return nil, fmt.Errorf("plan %q declared twice", plan.ID)
		}
		if plan.MaxFileSizeMB <= 0 {
			return nil, fmt.Errorf("plan %q: max_file_size_mb must be positive", plan.ID)
		}
		if plan.DurationDays <= 0 {
			plan.DurationDays = 30
		}
		seen[plan.ID] = struct{}{}
		catalog.Plans[index] = plan
	}
	return catalog.Plans, nil
}
