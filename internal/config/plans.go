package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Plan is the read-only view of a sellable plan. Prices are optional; when
// set, checkout rejects amounts that do not match.
type Plan struct {
	ID            string `mapstructure:"id"`
	DisplayName   string `mapstructure:"displayName"`
	Enabled       bool   `mapstructure:"enabled"`
	MonthlyAmount int64  `mapstructure:"monthlyAmount"`
	YearlyAmount  int64  `mapstructure:"yearlyAmount"`
}

type PlanCatalog struct {
	Plans []Plan `mapstructure:"plans"`
}

func (c PlanCatalog) Lookup(planID string) (Plan, bool) {
	planID = strings.ToLower(strings.TrimSpace(planID))
	for _, plan := range c.Plans {
		if strings.EqualFold(plan.ID, planID) {
			return plan, plan.Enabled
		}
	}
	return Plan{}, false
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []Plan{
			{ID: "basic", DisplayName: "Plan Podstawowy", Enabled: true},
			{ID: "professional", DisplayName: "Plan Profesjonalny", Enabled: true},
			{ID: "enterprise", DisplayName: "Plan Enterprise", Enabled: true},
		},
	}
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

// NewStaticPlanCatalog returns a holder that never reloads.
func NewStaticPlanCatalog(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func NewPlanCatalogHolder(cfg Config, log *zap.Logger) (*PlanCatalogHolder, error) {
	v := viper.New()

	if cfg.PlanCatalogPath != "" {
		v.SetConfigFile(cfg.PlanCatalogPath)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/paysync")
		v.AddConfigPath(".")
	}

	catalog := DefaultPlanCatalog()
	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	} else {
		if err := v.Unmarshal(&catalog); err != nil {
			return nil, err
		}
	}
	if err := validatePlanCatalog(catalog); err != nil {
		return nil, err
	}

	holder := NewStaticPlanCatalog(catalog)
	if !watch {
		return holder, nil
	}

	log = log.Named("config.plans")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("plan catalog reload failed", zap.Error(err))
			return
		}
		if err := validatePlanCatalog(updated); err != nil {
			log.Warn("invalid plan catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("plan catalog reloaded", zap.String("file", filepath.Base(e.Name)))
	})

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

func validatePlanCatalog(catalog PlanCatalog) error {
	if len(catalog.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, plan := range catalog.Plans {
		id := strings.ToLower(strings.TrimSpace(plan.ID))
		if id == "" {
			return errors.New("plan id cannot be empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate plan id %q", id)
		}
		if plan.MonthlyAmount < 0 || plan.YearlyAmount < 0 {
			return fmt.Errorf("plan %q has a negative price", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
