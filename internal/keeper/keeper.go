// Package keeper runs the periodic housekeeping nobody else is obliged to
// trigger: settling unopposed claims, expiring unclaimed bets, executing
// rulings whose appeal window closed and retrying failed payouts.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// lockKey serializes sweeps across replicas.
const lockKey = "keeper:sweep"

// Bets is the part of the bet service a sweep drives.
type Bets interface {
	Bets() []*domain.Bet
	Credits() map[common.Address]uint256.Int
	TimeoutUnopposed(ctx context.Context, caller common.Address, id uint64) error
	ExpireUnclaimed(ctx context.Context, caller common.Address, id uint64) error
	WithdrawCredit(ctx context.Context, beneficiary common.Address) (uint256.Int, error)
}

// RulingExecutor is an arbitrator whose final rulings must be pushed once
// the appeal window closes.
type RulingExecutor interface {
	Executable() []domain.DisputeID
	ExecuteRuling(ctx context.Context, id domain.DisputeID) error
}

// Config controls the keeper.
type Config struct {
	// Schedule is a six-field cron expression (seconds first).
	Schedule     string
	Address      common.Address
	LockTTL      time.Duration
	RetryCredits bool
}

// Report counts what one sweep did.
type Report struct {
	TimedOut      int
	Expired       int
	Executed      int
	CreditsPaid   int
	CreditsFailed int
}

// Keeper sweeps bets on a cron schedule.
type Keeper struct {
	cfg       Config
	bets      Bets
	executors []RulingExecutor
	locks     domain.LockManager
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a Keeper. locks may be nil on single-node deployments.
func New(cfg Config, bets Bets, executors []RulingExecutor, locks domain.LockManager, clock func() time.Time, logger *slog.Logger) *Keeper {
	if clock == nil {
		clock = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Keeper{
		cfg:       cfg,
		bets:      bets,
		executors: executors,
		locks:     locks,
		clock:     clock,
		logger:    logger.With(slog.String("component", "keeper")),
	}
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(k.cfg.Schedule, func() {
		if _, err := k.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("keeper: schedule %q: %w", k.cfg.Schedule, err)
	}

	k.logger.Info("keeper started", slog.String("schedule", k.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	k.logger.Info("keeper stopped")
	return ctx.Err()
}

// Sweep runs one pass. It returns a zero report without error when another
// replica holds the sweep lock.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, lockKey, k.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.Debug("sweep skipped, lock held elsewhere")
			return rep, nil
		}
		if err != nil {
			return rep, fmt.Errorf("keeper: %w", err)
		}
		defer unlock()
	}

	now := k.clock()
	for _, b := range k.bets.Bets() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !now.After(b.Terms.ClaimEnd) {
			continue
		}
		switch {
		case b.Status == domain.StatusWaitingOpponentFee:
			if err := k.bets.TimeoutUnopposed(ctx, k.cfg.Address, b.ID); err != nil {
				k.logger.Warn("timeout failed", slog.Uint64("bet_id", b.ID), slog.String("error", err.Error()))
				continue
			}
			rep.TimedOut++
		case b.Status == domain.StatusOpen && !b.Principal.Filled.IsZero():
			if err := k.bets.ExpireUnclaimed(ctx, k.cfg.Address, b.ID); err != nil {
				k.logger.Warn("expire failed", slog.Uint64("bet_id", b.ID), slog.String("error", err.Error()))
				continue
			}
			rep.Expired++
		}
	}

	for _, ex := range k.executors {
		for _, id := range ex.Executable() {
			if err := ex.ExecuteRuling(ctx, id); err != nil {
				k.logger.Warn("execute ruling failed", slog.Uint64("dispute_id", uint64(id)), slog.String("error", err.Error()))
				continue
			}
			rep.Executed++
		}
	}

	if k.cfg.RetryCredits {
		for addr := range k.bets.Credits() {
			if _, err := k.bets.WithdrawCredit(ctx, addr); err != nil {
				rep.CreditsFailed++
				continue
			}
			rep.CreditsPaid++
		}
	}

	if rep != (Report{}) {
		k.logger.Info("sweep complete",
			slog.Int("timed_out", rep.TimedOut),
			slog.Int("expired", rep.Expired),
			slog.Int("executed", rep.Executed),
			slog.Int("credits_paid", rep.CreditsPaid),
			slog.Int("credits_failed", rep.CreditsFailed),
		)
	}
	return rep, nil
}
