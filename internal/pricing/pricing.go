// Package pricing loads the cost catalog and plan definitions from a YAML
// file and republishes them on change. Consumers read through a Holder so a
// reload swaps the whole snapshot atomically.
package pricing

import (
	"fmt"
	"sync/atomic"

	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const rolloverUnlimitedKeyword = "unlimited"

// Snapshot is one consistent view of the pricing configuration.
type Snapshot struct {
	Catalog credit.CostCatalog
	Plans   credit.PlanSet
}

// Holder publishes pricing snapshots to concurrent readers.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder wraps an initial snapshot.
func NewHolder(snapshot Snapshot) *Holder {
	holder := &Holder{}
	holder.current.Store(&snapshot)
	return holder
}

// Catalog returns the catalog in effect.
func (holder *Holder) Catalog() credit.CostCatalog {
	return holder.current.Load().Catalog
}

// Plans returns the plan set in effect.
func (holder *Holder) Plans() credit.PlanSet {
	return holder.current.Load().Plans
}

func (holder *Holder) publish(snapshot Snapshot) {
	holder.current.Store(&snapshot)
}

type planConfig struct {
	MonthlyAllowance int64 `mapstructure:"monthly_allowance"`
	RolloverCap      any   `mapstructure:"rollover_cap"`
	CycleMonths      int   `mapstructure:"cycle_months"`
}

type fileConfig struct {
	Costs map[string]int64      `mapstructure:"costs"`
	Plans map[string]planConfig `mapstructure:"plans"`
}

// Load reads and validates the pricing file at path.
func Load(path string) (Snapshot, error) {
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return Snapshot{}, fmt.Errorf("read pricing config: %w", err)
	}
	return parse(loader)
}

// Watch loads the pricing file into a Holder and re-loads it on change.
// A reload that fails validation keeps the previous snapshot in effect.
func Watch(path string, logger *zap.Logger) (*Holder, error) {
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read pricing config: %w", err)
	}
	snapshot, err := parse(loader)
	if err != nil {
		return nil, err
	}
	holder := NewHolder(snapshot)
	loader.OnConfigChange(func(event fsnotify.Event) {
		reloaded, reloadErr := parse(loader)
		if reloadErr != nil {
			logger.Error("pricing reload rejected, keeping previous snapshot",
				zap.String("path", event.Name),
				zap.Error(reloadErr))
			return
		}
		holder.publish(reloaded)
		logger.Info("pricing reloaded",
			zap.String("path", event.Name),
			zap.Int("operations", len(reloaded.Catalog.Entries())),
			zap.Int("plans", len(reloaded.Plans.Plans())))
	})
	loader.WatchConfig()
	return holder, nil
}

func parse(loader *viper.Viper) (Snapshot, error) {
	var parsed fileConfig
	if err := loader.Unmarshal(&parsed); err != nil {
		return Snapshot{}, fmt.Errorf("parse pricing config: %w", err)
	}
	catalog, err := credit.NewCostCatalog(parsed.Costs)
	if err != nil {
		return Snapshot{}, err
	}
	plans := make([]credit.Plan, 0, len(parsed.Plans))
	for rawPlanID, rawPlan := range parsed.Plans {
		plan, err := buildPlan(rawPlanID, rawPlan)
		if err != nil {
			return Snapshot{}, err
		}
		plans = append(plans, plan)
	}
	planSet, err := credit.NewPlanSet(plans)
	if err != nil {
		return Snapshot{}, err
	}
	if len(planSet.Plans()) == 0 {
		return Snapshot{}, fmt.Errorf("%w: no plans defined", credit.ErrInvalidPlan)
	}
	return Snapshot{Catalog: catalog, Plans: planSet}, nil
}

func buildPlan(rawPlanID string, raw planConfig) (credit.Plan, error) {
	planID, err := credit.NewPlanID(rawPlanID)
	if err != nil {
		return credit.Plan{}, err
	}
	rolloverCap, err := parseRolloverCap(planID, raw.RolloverCap)
	if err != nil {
		return credit.Plan{}, err
	}
	cycleMonths := raw.CycleMonths
	if cycleMonths == 0 {
		cycleMonths = 1
	}
	return credit.NewPlan(planID, raw.MonthlyAllowance, rolloverCap, cycleMonths)
}

func parseRolloverCap(planID credit.PlanID, raw any) (credit.RolloverCap, error) {
	switch value := raw.(type) {
	case nil:
		return credit.NewRolloverCap(0)
	case string:
		if value == rolloverUnlimitedKeyword {
			return credit.UnlimitedRolloverCap(), nil
		}
		return credit.RolloverCap{}, fmt.Errorf("%w: plan %s rollover_cap %q (want an integer or %q)",
			credit.ErrInvalidPlan, planID, value, rolloverUnlimitedKeyword)
	case int:
		return credit.NewRolloverCap(int64(value))
	case int64:
		return credit.NewRolloverCap(value)
	case float64:
		return credit.NewRolloverCap(int64(value))
	default:
		return credit.RolloverCap{}, fmt.Errorf("%w: plan %s rollover_cap has unsupported type %T",
			credit.ErrInvalidPlan, planID, raw)
	}
}
