package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

const defaultCurrency = "KES"

// planNamespace derives stable plan ids from slugs
var planNamespace = uuid.MustParse("6f1c2a4e-3d0b-5e7f-9a8c-1b2d3e4f5a6b")

// catalogFile mirrors the YAML schema of the plan catalog.
type catalogFile struct {
	Currency string     `yaml:"currency"`
	Plans    []planFile `yaml:"plans"`
}

type planFile struct {
	Slug          string `yaml:"slug"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Price         string `yaml:"price"`
	Currency      string `yaml:"currency"`
	DataLimitMB   *int64 `yaml:"data_limit_mb"`
	ValidityDays  *int   `yaml:"validity_days"`
	ValidityHours *int   `yaml:"validity_hours"`
	DownloadKbps  *int   `yaml:"download_kbps"`
	UploadKbps    *int   `yaml:"upload_kbps"`
	NASProfile    string `yaml:"nas_profile"`
	Disabled      bool   `yaml:"disabled"`
}

// LoadFile reads a plan catalog from disk
func LoadFile(path string) ([]ledger.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog. Plan ids are derived from the slug so a
// reload updates the same rows.
func Parse(raw []byte) ([]ledger.Plan, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if file.Currency == "" {
		file.Currency = defaultCurrency
	}

	seen := make(map[string]bool, len(file.Plans))
	plans := make([]ledger.Plan, 0, len(file.Plans))
	for i, p := range file.Plans {
		plan, err := p.toPlan(file.Currency)
		if err != nil {
			return nil, fmt.Errorf("catalog plan %d: %w", i, err)
		}
		if seen[p.Slug] {
			return nil, fmt.Errorf("catalog plan %d: duplicate slug %q", i, p.Slug)
		}
		seen[p.Slug] = true
		plans = append(plans, *plan)
	}
	return plans, nil
}

func (p planFile) toPlan(currency string) (*ledger.Plan, error) {
	slug := strings.TrimSpace(p.Slug)
	if slug == "" {
		return nil, ledger.NewValidationError("slug", "is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, ledger.NewValidationError("name", "is required")
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, ledger.NewValidationError("price", "must be a decimal amount")
	}
	if price.IsNegative() {
		return nil, ledger.NewValidationError("price", "must not be negative")
	}
	if p.DataLimitMB == nil && p.ValidityDays == nil && p.ValidityHours == nil {
		return nil, ledger.NewValidationError("validity", "plan needs a data limit or a validity")
	}
	if p.DataLimitMB != nil && *p.DataLimitMB <= 0 {
		return nil, ledger.NewValidationError("data_limit_mb", "must be positive")
	}
	if p.Currency != "" {
		currency = p.Currency
	}

	plan := &ledger.Plan{
		ID:            uuid.NewSHA1(planNamespace, []byte(slug)),
		Name:          p.Name,
		Price:         price,
		Currency:      strings.ToUpper(currency),
		DataLimitMB:   p.DataLimitMB,
		ValidityDays:  p.ValidityDays,
		ValidityHours: p.ValidityHours,
		DownloadKbps:  p.DownloadKbps,
		UploadKbps:    p.UploadKbps,
		IsActive:      !p.Disabled,
	}
	if p.Description != "" {
		desc := p.Description
		plan.Description = &desc
	}
	if p.NASProfile != "" {
		profile := p.NASProfile
		plan.NASProfile = &profile
	}
	return plan, nil
}

// Sync upserts every plan into the store
func Sync(ctx context.Context, store ledger.Store, plans []ledger.Plan) error {
	start := time.Now()
	for i := range plans {
		if err := store.UpsertPlan(ctx, &plans[i]); err != nil {
			return fmt.Errorf("upsert plan %s: %w", plans[i].Name, err)
		}
	}
	log.Info().Int("plans", len(plans)).Dur("took", time.Since(start)).Msg("Plan catalog synced")
	return nil
}
