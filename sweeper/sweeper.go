// Package sweeper is the reconciliation pass that finishes what the
// settlement engine started. It never decides outcomes of its own: stuck
// records are driven forward from the trail the engine left on the ledger
// (pending payments, persisted resolutions, inflight statuses) against the
// chain's answer. Money gaps it cannot repair are surfaced, never papered
// over.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"wordbounty/chain"
	"wordbounty/ledger"
	"wordbounty/native/bounty"
	"wordbounty/observability/metrics"
	"wordbounty/settlement"
)

// Config carries the sweeper's tunables.
type Config struct {
	// Interval is the period between reconciliation passes.
	Interval time.Duration
	// Grace is how long a record may sit unchanged before it counts as stuck.
	Grace time.Duration
	// ConfirmTimeout bounds each catch-up confirmation wait. Kept short; the
	// next pass retries anything still unanswered.
	ConfirmTimeout time.Duration
	// DeadAfter is the age past which an unanswered pending payment is
	// recorded as failed.
	DeadAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 15 * time.Second
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = time.Hour
	}
	return c
}

// Sweeper repairs stuck bounties and payments.
type Sweeper struct {
	store   ledger.Store
	gateway chain.Gateway
	engine  *settlement.Engine
	cfg     Config
	log     *slog.Logger
	nowFn   func() time.Time
}

// Option adjusts sweeper construction.
type Option func(*Sweeper)

// WithClock overrides the sweeper's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithLogger overrides the sweeper's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// New constructs a sweeper sharing the engine's store and gateway.
func New(store ledger.Store, gateway chain.Gateway, engine *settlement.Engine, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   store,
		gateway: gateway,
		engine:  engine,
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes reconciliation passes on the configured interval until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("sweeper scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("reconciliation pass failed", slog.Any("err", err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweeper job: %w", err)
	}
	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

// RunOnce executes a single reconciliation pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	defer metrics.ObserveSweeperRun()
	now := s.nowFn()

	if err := s.settlePendingPayments(ctx, now); err != nil {
		return err
	}
	if err := s.expireOverdueBounties(ctx, now); err != nil {
		return err
	}
	return s.resumeStuckBounties(ctx, now)
}

// settlePendingPayments asks the chain for an answer on every payment that
// has sat in pending past the grace period.
func (s *Sweeper) settlePendingPayments(ctx context.Context, now time.Time) error {
	stuck, err := s.store.PendingPayments(ctx, now.Add(-s.cfg.Grace))
	if err != nil {
		return fmt.Errorf("list pending payments: %w", err)
	}
	for _, p := range stuck {
		confirmed, err := s.gateway.Confirm(ctx, p.Hash, s.cfg.ConfirmTimeout)
		if err != nil {
			s.log.Error("confirm stuck payment", slog.String("tx", p.Hash), slog.Any("err", err))
			continue
		}
		switch confirmed {
		case chain.StatusConfirmed:
			if err := s.settle(ctx, p.Hash, bounty.PaymentConfirmed); err != nil {
				return err
			}
			metrics.ObserveSweeperRepair("payment_confirmed")
		case chain.StatusFailed:
			if err := s.settle(ctx, p.Hash, bounty.PaymentFailed); err != nil {
				return err
			}
			metrics.ObserveSweeperRepair("payment_failed")
		default:
			// Still unanswered. A submission this old is not landing; record
			// the failure so the gap is visible instead of silently pending.
			if now.Sub(p.CreatedAt) > s.cfg.DeadAfter {
				if err := s.settle(ctx, p.Hash, bounty.PaymentFailed); err != nil {
					return err
				}
				s.log.Error("payment presumed dead",
					slog.String("tx", p.Hash),
					slog.String("bounty", p.BountyID),
					slog.String("kind", string(p.Kind)))
				metrics.ObserveSweeperRepair("payment_presumed_dead")
			}
		}
	}
	return nil
}

func (s *Sweeper) settle(ctx context.Context, hash string, status bounty.PaymentStatus) error {
	err := s.store.SettlePayment(ctx, hash, status)
	if err != nil && !errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("settle payment %s: %w", hash, err)
	}
	return nil
}

// expireOverdueBounties moves active bounties past their end time, with no
// completed participant, into expired so the creator's refund claim opens.
func (s *Sweeper) expireOverdueBounties(ctx context.Context, now time.Time) error {
	candidates, err := s.store.StuckBounties(ctx, []bounty.Status{bounty.StatusActive}, now)
	if err != nil {
		return fmt.Errorf("list active bounties: %w", err)
	}
	for _, b := range candidates {
		if !b.Expired(now) {
			continue
		}
		completed, err := s.hasCompletedParticipant(ctx, b.ID)
		if err != nil {
			return err
		}
		if completed {
			// A winner exists; completion settles this one.
			continue
		}
		if err := s.store.TransitionBounty(ctx, b.ID, bounty.StatusActive, bounty.StatusExpired); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				continue
			}
			return fmt.Errorf("expire bounty %s: %w", b.ID, err)
		}
		metrics.ObserveSweeperRepair("bounty_expired")
	}
	return nil
}

func (s *Sweeper) hasCompletedParticipant(ctx context.Context, bountyID string) (bool, error) {
	participations, err := s.store.ListParticipations(ctx, bountyID)
	if err != nil {
		return false, err
	}
	for _, p := range participations {
		if p.Status == bounty.ParticipationCompleted {
			return true, nil
		}
	}
	return false, nil
}

// resumeStuckBounties finishes lifecycle moves the engine left inflight. Each
// resume goes back through the engine so the repair follows the exact same
// write discipline as the original operation.
func (s *Sweeper) resumeStuckBounties(ctx context.Context, now time.Time) error {
	stuck, err := s.store.StuckBounties(ctx, []bounty.Status{
		bounty.StatusPending,
		bounty.StatusResolving,
		bounty.StatusCancelling,
		bounty.StatusRefunding,
	}, now.Add(-s.cfg.Grace))
	if err != nil {
		return fmt.Errorf("list stuck bounties: %w", err)
	}
	for _, b := range stuck {
		var repairErr error
		switch b.Status {
		case bounty.StatusPending:
			repairErr = s.repairPendingDeposit(ctx, b, now)
		case bounty.StatusResolving:
			// The crashed writer's lock is orphaned by now; free it so the
			// engine can resume from the persisted resolution.
			if repairErr = s.store.ReleaseLock(ctx, b.ID); repairErr == nil {
				_, repairErr = s.engine.CompleteBounty(ctx, b.ID)
				if repairErr == nil {
					metrics.ObserveSweeperRepair("completion_resumed")
				}
			}
		case bounty.StatusCancelling:
			_, repairErr = s.engine.CancelBounty(ctx, b.ID, b.Creator)
			if repairErr == nil {
				metrics.ObserveSweeperRepair("cancellation_resumed")
			}
		case bounty.StatusRefunding:
			_, repairErr = s.engine.ClaimExpiredRefund(ctx, b.ID, b.Creator)
			if repairErr == nil {
				metrics.ObserveSweeperRepair("refund_resumed")
			}
		}
		if repairErr != nil {
			s.log.Error("resume stuck bounty",
				slog.String("bounty", b.ID),
				slog.String("status", string(b.Status)),
				slog.Any("err", repairErr))
		}
	}
	return nil
}

// repairPendingDeposit finishes a bounty creation whose deposit confirmation
// was cut short. The deposit payment row written before the wait is the
// anchor.
func (s *Sweeper) repairPendingDeposit(ctx context.Context, b *bounty.Bounty, now time.Time) error {
	if b.DepositTx == "" {
		return fmt.Errorf("pending bounty %s has no deposit tx", b.ID)
	}
	confirmed, err := s.gateway.Confirm(ctx, b.DepositTx, s.cfg.ConfirmTimeout)
	if err != nil {
		return err
	}
	switch confirmed {
	case chain.StatusConfirmed:
		if err := s.settle(ctx, b.DepositTx, bounty.PaymentConfirmed); err != nil {
			return err
		}
		startedAt := now
		if err := s.store.MarkBountyActive(ctx, b.ID, startedAt, startedAt.Add(b.Duration)); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return nil
			}
			return err
		}
		metrics.ObserveSweeperRepair("deposit_activated")
	case chain.StatusFailed:
		if err := s.settle(ctx, b.DepositTx, bounty.PaymentFailed); err != nil {
			return err
		}
		if err := s.store.TransitionBounty(ctx, b.ID, bounty.StatusPending, bounty.StatusFailed); err != nil && !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		metrics.ObserveSweeperRepair("deposit_failed")
	}
	return nil
}
