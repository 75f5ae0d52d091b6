package credit

import (
	"errors"
	"testing"
	"time"
)

func TestRolloverCapApply(test *testing.T) {
	test.Parallel()
	capped, err := NewRolloverCap(5)
	if err != nil {
		test.Fatalf("cap: %v", err)
	}
	if got := capped.Apply(10); got != 5 {
		test.Fatalf("expected min(10,5) = 5, got %d", got)
	}
	if got := capped.Apply(3); got != 3 {
		test.Fatalf("expected min(3,5) = 3, got %d", got)
	}
	if got := capped.Apply(-400); got != -400 {
		test.Fatalf("negative balance carries in full, got %d", got)
	}

	unlimited := UnlimitedRolloverCap()
	if !unlimited.Unlimited() {
		test.Fatal("expected unlimited cap")
	}
	if got := unlimited.Apply(10_000); got != 10_000 {
		test.Fatalf("unlimited cap must carry everything, got %d", got)
	}

	if _, err := NewRolloverCap(-1); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestNewPlanValidation(test *testing.T) {
	test.Parallel()
	planID, err := NewPlanID("starter")
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	if _, err := NewPlan(planID, -1, UnlimitedRolloverCap(), 1); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("negative allowance must be rejected, got %v", err)
	}
	if _, err := NewPlan(planID, 20, UnlimitedRolloverCap(), 0); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("zero cycle length must be rejected, got %v", err)
	}
}

func TestPlanNextAnchorHandlesCalendarMonths(test *testing.T) {
	test.Parallel()
	planID, err := NewPlanID("starter")
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	plan, err := NewPlan(planID, 20, UnlimitedRolloverCap(), 1)
	if err != nil {
		test.Fatalf("plan: %v", err)
	}

	january31 := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC).Unix()
	next := plan.NextAnchor(january31)
	// AddDate normalizes January 31 + 1 month to March 3 in a non-leap year;
	// 2026 is not a leap year.
	expected := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC).Unix()
	if next != expected {
		test.Fatalf("expected anchor %s, got %s", time.Unix(expected, 0).UTC(), time.Unix(next, 0).UTC())
	}

	quarterly, err := NewPlan(planID, 20, UnlimitedRolloverCap(), 3)
	if err != nil {
		test.Fatalf("quarterly plan: %v", err)
	}
	march1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix()
	if got := quarterly.NextAnchor(march1); got != time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Unix() {
		test.Fatalf("expected June 1 anchor, got %s", time.Unix(got, 0).UTC())
	}
}

func TestPlanSetRejectsDuplicates(test *testing.T) {
	test.Parallel()
	planID, err := NewPlanID("starter")
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	plan, err := NewPlan(planID, 20, UnlimitedRolloverCap(), 1)
	if err != nil {
		test.Fatalf("plan: %v", err)
	}
	if _, err := NewPlanSet([]Plan{plan, plan}); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestPlanSetLookupAndOrder(test *testing.T) {
	test.Parallel()
	plans := testPlans(test)
	plan, err := plans.Plan(mustPlanID(test, testPlanStarter))
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if plan.MonthlyAllowance != 20 {
		test.Fatalf("expected allowance 20, got %d", plan.MonthlyAllowance)
	}
	if _, err := plans.Plan(mustPlanID(test, "retired")); !errors.Is(err, ErrUnknownPlan) {
		test.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	listed := plans.Plans()
	if len(listed) != 2 {
		test.Fatalf("expected 2 plans, got %d", len(listed))
	}
	if listed[0].PlanID.String() != "pro" || listed[1].PlanID.String() != "starter" {
		test.Fatalf("expected stable lexical order, got %s then %s", listed[0].PlanID, listed[1].PlanID)
	}
}
