// Package sweeper runs the allowance scheduler: a periodic sweep that
// applies billing-cycle resets, guarded by a store lease so only one
// instance sweeps at a time.
package sweeper

import (
	"context"
	"time"

	"github.com/contentforge/creditgate/internal/metrics"
	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	leaseName        = "allowance-sweep"
	defaultInterval  = time.Hour
	defaultLeaseTTLs = int64(15 * 60)
)

// LeaseStore is the slice of the ledger store the sweeper needs for
// mutual exclusion.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name string, holder string, ttlSeconds int64, nowUnixUTC int64) (bool, error)
	ReleaseLease(ctx context.Context, name string, holder string) error
}

// Sweeper drives Service.ResetDueAccounts on a cadence.
type Sweeper struct {
	service  *credit.Service
	leases   LeaseStore
	logger   *zap.Logger
	nowFn    func() int64
	interval time.Duration
	leaseTTL int64
	holder   string
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the sweep cadence.
func WithInterval(interval time.Duration) Option {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.interval = interval
		}
	}
}

// New wires a Sweeper with a unique holder identity.
func New(service *credit.Service, leases LeaseStore, logger *zap.Logger, now func() int64, options ...Option) *Sweeper {
	sweeper := &Sweeper{
		service:  service,
		leases:   leases,
		logger:   logger,
		nowFn:    now,
		interval: defaultInterval,
		leaseTTL: defaultLeaseTTLs,
		holder:   uuid.NewString(),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	sweeper.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.sweep(ctx)
		}
	}
}

// sweep claims the lease and drains due accounts in batches. Losing the
// lease race is normal in multi-instance deployments and is only logged
// at debug level.
func (sweeper *Sweeper) sweep(ctx context.Context) {
	now := sweeper.nowFn()
	acquired, err := sweeper.leases.AcquireLease(ctx, leaseName, sweeper.holder, sweeper.leaseTTL, now)
	if err != nil {
		sweeper.logger.Error("lease acquisition failed", zap.Error(err))
		return
	}
	if !acquired {
		sweeper.logger.Debug("lease held elsewhere, skipping sweep")
		return
	}
	defer func() {
		if releaseErr := sweeper.leases.ReleaseLease(ctx, leaseName, sweeper.holder); releaseErr != nil {
			sweeper.logger.Warn("lease release failed", zap.Error(releaseErr))
		}
	}()

	totals := credit.ResetSummary{}
	for {
		summary, sweepErr := sweeper.service.ResetDueAccounts(ctx, now)
		if sweepErr != nil {
			sweeper.logger.Error("allowance sweep failed", zap.Error(sweepErr))
			return
		}
		totals.Due += summary.Due
		totals.Reset += summary.Reset
		totals.Skipped += summary.Skipped
		totals.Failed += summary.Failed
		// A batch that only failed or skipped will not shrink; bail rather
		// than spin on the same accounts.
		if summary.Due == 0 || summary.Reset == 0 {
			break
		}
	}
	metrics.DueAccountsGauge.Set(float64(totals.Due))
	metrics.ResetsTotal.Add(float64(totals.Reset))
	metrics.SweepFailuresTotal.Add(float64(totals.Failed))
	if totals.Due > 0 {
		sweeper.logger.Info("allowance sweep complete",
			zap.Int("due", totals.Due),
			zap.Int("reset", totals.Reset),
			zap.Int("skipped", totals.Skipped),
			zap.Int("failed", totals.Failed))
	}
}
