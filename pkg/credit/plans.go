package credit

import (
	"fmt"
	"sort"
	"time"
)

// RolloverCap bounds the unused balance carried into the next billing
// cycle. An unlimited cap carries everything forward.
type RolloverCap struct {
	unlimited bool
	cap       Credits
}

// NewRolloverCap validates a bounded rollover cap.
func NewRolloverCap(raw int64) (RolloverCap, error) {
	if raw < 0 {
		return RolloverCap{}, fmt.Errorf("%w: rollover cap must be non-negative", ErrInvalidPlan)
	}
	return RolloverCap{cap: Credits(raw)}, nil
}

// UnlimitedRolloverCap returns a cap that carries the full balance forward.
func UnlimitedRolloverCap() RolloverCap {
	return RolloverCap{unlimited: true}
}

// Unlimited reports whether the cap is unbounded.
func (rollover RolloverCap) Unlimited() bool {
	return rollover.unlimited
}

// Cap returns the bounded cap value. Zero for unlimited caps.
func (rollover RolloverCap) Cap() Credits {
	return rollover.cap
}

// Apply computes the carryover for a balance at cycle boundary.
func (rollover RolloverCap) Apply(balance Credits) Credits {
	if rollover.unlimited {
		return balance
	}
	if balance < rollover.cap {
		return balance
	}
	return rollover.cap
}

// Plan is a billing plan definition: what an account is re-seeded with at
// each cycle boundary and how long a cycle lasts.
type Plan struct {
	PlanID           PlanID
	MonthlyAllowance Credits
	RolloverCap      RolloverCap
	CycleMonths      int
}

// NewPlan validates a plan definition.
func NewPlan(planID PlanID, monthlyAllowance int64, rolloverCap RolloverCap, cycleMonths int) (Plan, error) {
	if monthlyAllowance < 0 {
		return Plan{}, fmt.Errorf("%w: %s monthly allowance must be non-negative", ErrInvalidPlan, planID)
	}
	if cycleMonths <= 0 {
		return Plan{}, fmt.Errorf("%w: %s cycle length must be positive", ErrInvalidPlan, planID)
	}
	return Plan{
		PlanID:           planID,
		MonthlyAllowance: Credits(monthlyAllowance),
		RolloverCap:      rolloverCap,
		CycleMonths:      cycleMonths,
	}, nil
}

// NextAnchor advances a billing anchor by one cycle length.
func (plan Plan) NextAnchor(anchorUnixUTC int64) int64 {
	return time.Unix(anchorUnixUTC, 0).UTC().AddDate(0, plan.CycleMonths, 0).Unix()
}

// PlanSet is the immutable collection of plan definitions in effect.
type PlanSet struct {
	plans map[PlanID]Plan
}

// NewPlanSet builds a plan set, rejecting duplicates.
func NewPlanSet(plans []Plan) (PlanSet, error) {
	indexed := make(map[PlanID]Plan, len(plans))
	for _, plan := range plans {
		if _, exists := indexed[plan.PlanID]; exists {
			return PlanSet{}, fmt.Errorf("%w: duplicate plan %s", ErrInvalidPlan, plan.PlanID)
		}
		indexed[plan.PlanID] = plan
	}
	return PlanSet{plans: indexed}, nil
}

// Plan resolves a plan definition by id.
func (set PlanSet) Plan(planID PlanID) (Plan, error) {
	plan, exists := set.plans[planID]
	if !exists {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	return plan, nil
}

// Plans returns the definitions in stable order.
func (set PlanSet) Plans() []Plan {
	plans := make([]Plan, 0, len(set.plans))
	for _, plan := range set.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(left, right int) bool {
		return plans[left].PlanID.String() < plans[right].PlanID.String()
	})
	return plans
}
