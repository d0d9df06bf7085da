// Package settlement orchestrates the bounty lifecycle: it submits chain
// operations, writes the ledger in a fixed order and drives every bounty to
// exactly one terminal outcome. The engine trusts the chain as the source of
// truth for money and the ledger as the source of truth for game state; the
// sweeper package repairs any gap the engine leaves behind after a crash or a
// confirmation timeout.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"wordbounty/chain"
	"wordbounty/ledger"
	"wordbounty/native/bounty"
	"wordbounty/observability/metrics"
	"wordbounty/status"
)

// ErrAlreadyInProgress is returned when a settlement operation is already
// running for the bounty. The caller should retry after the in-flight
// operation reaches a terminal state.
var ErrAlreadyInProgress = errors.New("settlement: operation already in progress")

// ErrUnauthorized is returned when the requester is not allowed to perform
// the operation.
var ErrUnauthorized = errors.New("settlement: requester not authorized")

// ValidationError marks a request the engine refused before touching the
// chain. Nothing was submitted and nothing was recorded.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "settlement: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Operation names used in status events and metrics labels.
const (
	OpCreateBounty   = "create_bounty"
	OpJoinBounty     = "join_bounty"
	OpCompleteBounty = "complete_bounty"
	OpCancelBounty   = "cancel_bounty"
	OpClaimRefund    = "claim_expired_refund"
	OpWithdrawFees   = "withdraw_fees"
)

const (
	outcomeSuccess = "success"
	outcomePending = "pending"
	outcomeError   = "error"
)

// Result reports the outcome of a settlement operation. Pending means the
// chain has not yet reached a terminal answer for the submitted transaction;
// the ledger already carries the trail the sweeper needs to finish the job.
type Result struct {
	OperationID string
	BountyID    string
	TxHash      string
	Status      bounty.Status
	Pending     bool
}

// Config carries the engine's tunables.
type Config struct {
	// FeeBps is the platform fee in basis points, charged on refunds.
	FeeBps uint32
	// ConfirmTimeout bounds every confirmation wait.
	ConfirmTimeout time.Duration
	// MaxSplitWinners caps the winner count for split distributions.
	MaxSplitWinners int
	// ParticipantCapCeiling bounds the per-bounty participant cap a creator
	// may request.
	ParticipantCapCeiling int
	// FeeAdmin is the only account allowed to withdraw accumulated fees.
	FeeAdmin string
}

func (c Config) withDefaults() Config {
	if c.FeeBps == 0 {
		c.FeeBps = bounty.DefaultFeeBps
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.MaxSplitWinners <= 0 {
		c.MaxSplitWinners = bounty.DefaultMaxSplitWinners
	}
	if c.ParticipantCapCeiling <= 0 {
		c.ParticipantCapCeiling = 10_000
	}
	return c
}

// Engine drives bounty settlement against a ledger store and a chain gateway.
type Engine struct {
	store    ledger.Store
	gateway  chain.Gateway
	reporter *status.Reporter
	emitter  bounty.Emitter
	cfg      Config
	log      *slog.Logger
	nowFn    func() time.Time
	// owner identifies this engine instance in the durable per-bounty lock
	// table so the sweeper can tell live locks from orphaned ones.
	owner string
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithReporter attaches a status reporter.
func WithReporter(r *status.Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithEmitter attaches a lifecycle event emitter.
func WithEmitter(em bounty.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithLogger overrides the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine constructs a settlement engine.
func NewEngine(store ledger.Store, gateway chain.Gateway, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		gateway:  gateway,
		reporter: status.NewReporter(),
		emitter:  bounty.NoopEmitter{},
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		nowFn:    time.Now,
		owner:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reporter exposes the engine's status reporter for subscribers.
func (e *Engine) Reporter() *status.Reporter { return e.reporter }

// GetBounty loads one bounty.
func (e *Engine) GetBounty(ctx context.Context, id string) (*bounty.Bounty, error) {
	return e.store.GetBounty(ctx, id)
}

// ListParticipations loads the participation records for one bounty.
func (e *Engine) ListParticipations(ctx context.Context, bountyID string) ([]*bounty.Participation, error) {
	return e.store.ListParticipations(ctx, bountyID)
}

// Payments loads the audit trail for one bounty.
func (e *Engine) Payments(ctx context.Context, bountyID string) ([]*bounty.Payment, error) {
	return e.store.PaymentsByBounty(ctx, bountyID)
}

// CreateParams describes a new bounty request.
type CreateParams struct {
	Creator        string
	Prize          *big.Int
	Currency       string
	Distribution   string
	Criteria       string
	ParticipantCap int
	Duration       time.Duration
}

// CreateBounty escrows the prize and records the bounty. The deposit is
// submitted before any ledger write: a rejected submission leaves no record,
// while a submitted deposit is always recorded before the confirmation wait so
// a crash cannot orphan escrowed funds.
func (e *Engine) CreateBounty(ctx context.Context, params CreateParams) (*Result, error) {
	opID := uuid.NewString()
	now := e.nowFn()

	b := &bounty.Bounty{
		ID:             uuid.NewString(),
		Creator:        strings.TrimSpace(params.Creator),
		Prize:          params.Prize,
		Currency:       strings.ToUpper(strings.TrimSpace(params.Currency)),
		Distribution:   bounty.Distribution(params.Distribution),
		Criteria:       bounty.Criteria(params.Criteria),
		ParticipantCap: params.ParticipantCap,
		Duration:       params.Duration,
		Status:         bounty.StatusPending,
		CreatedAt:      now,
	}
	b, err := bounty.SanitizeBounty(b)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if b.Prize.Sign() <= 0 {
		return nil, validationErrorf("bounty prize must be positive")
	}
	if b.Currency == "" {
		return nil, validationErrorf("bounty currency required")
	}
	if b.Duration <= 0 {
		return nil, validationErrorf("bounty duration must be positive")
	}
	if b.ParticipantCap > e.cfg.ParticipantCapCeiling {
		return nil, validationErrorf("participant cap exceeds ceiling of %d", e.cfg.ParticipantCapCeiling)
	}
	if b.Criteria == bounty.CriteriaFirstToSolve && b.Distribution != bounty.DistributionWinnerTakeAll {
		return nil, validationErrorf("first_to_solve requires winner_take_all distribution")
	}
	b.ChainRef = b.ID

	txHash, err := e.gateway.SubmitDeposit(ctx, chain.DepositParams{
		BountyRef: b.ChainRef,
		Creator:   b.Creator,
		Currency:  b.Currency,
		Amount:    b.Prize,
		Deadline:  now.Add(b.Duration).Unix(),
	})
	if err != nil {
		// Rejected before acceptance: no funds moved, nothing to record.
		e.observe(opID, OpCreateBounty, b.ID, "", outcomeError, err)
		return nil, err
	}
	b.DepositTx = txHash

	if err := e.store.InsertBounty(ctx, b); err != nil {
		return nil, fmt.Errorf("record bounty: %w", err)
	}
	if err := e.store.InsertPayment(ctx, &bounty.Payment{
		Hash:      txHash,
		BountyID:  b.ID,
		From:      b.Creator,
		Amount:    b.Prize,
		Kind:      bounty.PaymentDeposit,
		Status:    bounty.PaymentPending,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}
	e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyCreated, b))
	e.reporter.Pending(opID, OpCreateBounty, b.ID, txHash)

	confirmed, err := e.confirm(ctx, txHash, string(bounty.PaymentDeposit))
	if err != nil {
		e.observe(opID, OpCreateBounty, b.ID, txHash, outcomeError, err)
		return nil, err
	}
	switch confirmed {
	case chain.StatusConfirmed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentConfirmed); err != nil {
			return nil, fmt.Errorf("settle deposit: %w", err)
		}
		startedAt := e.nowFn()
		endsAt := startedAt.Add(b.Duration)
		if err := e.store.MarkBountyActive(ctx, b.ID, startedAt, endsAt); err != nil {
			return nil, fmt.Errorf("activate bounty: %w", err)
		}
		b.Status = bounty.StatusActive
		e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyActivated, b))
		e.observe(opID, OpCreateBounty, b.ID, txHash, outcomeSuccess, nil)
		return &Result{OperationID: opID, BountyID: b.ID, TxHash: txHash, Status: bounty.StatusActive}, nil
	case chain.StatusFailed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentFailed); err != nil {
			return nil, fmt.Errorf("settle deposit: %w", err)
		}
		if err := e.store.TransitionBounty(ctx, b.ID, bounty.StatusPending, bounty.StatusFailed); err != nil {
			return nil, fmt.Errorf("fail bounty: %w", err)
		}
		b.Status = bounty.StatusFailed
		e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyFailed, b))
		err := fmt.Errorf("deposit %s: %w", txHash, chain.ErrTxFailed)
		e.observe(opID, OpCreateBounty, b.ID, txHash, outcomeError, err)
		return nil, err
	default:
		// Timed out. The bounty stays pending and the sweeper finishes the
		// activation once the chain answers.
		e.observe(opID, OpCreateBounty, b.ID, txHash, outcomePending, nil)
		return &Result{OperationID: opID, BountyID: b.ID, TxHash: txHash, Status: bounty.StatusPending, Pending: true}, nil
	}
}

// JoinBounty registers a participant on an active bounty. Joining twice is a
// no-op, not an error; the cap is enforced atomically with the insert.
func (e *Engine) JoinBounty(ctx context.Context, bountyID, participant string) (*bounty.Participation, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, validationErrorf("participant required")
	}
	b, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	if b.Status != bounty.StatusActive {
		return nil, validationErrorf("bounty %s is %s, not accepting participants", bountyID, b.Status)
	}
	if b.Expired(now) {
		return nil, validationErrorf("bounty %s has ended", bountyID)
	}
	p := &bounty.Participation{
		BountyID:    bountyID,
		Participant: participant,
		Status:      bounty.ParticipationActive,
		JoinedAt:    now,
	}
	created, err := e.store.JoinBounty(ctx, p, b.ParticipantCap)
	if err != nil {
		return nil, err
	}
	if !created {
		return e.store.GetParticipation(ctx, bountyID, participant)
	}
	e.emitter.Emit(bounty.Event{Type: bounty.EventTypeBountyJoined, Attributes: map[string]string{
		"id": bountyID, "participant": participant,
	}})
	metrics.ObserveSettlement(OpJoinBounty, outcomeSuccess)
	return p, nil
}

// Progress is one game-state update for a participation.
type Progress struct {
	Attempts       int
	WordsCompleted int
	Elapsed        time.Duration
	Completed      bool
	Abandoned      bool
}

// UpdateProgress records a participant's game progress. Counters only move
// forward and a completed or abandoned participation is frozen.
func (e *Engine) UpdateProgress(ctx context.Context, bountyID, participant string, progress Progress) (*bounty.Participation, error) {
	b, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status != bounty.StatusActive {
		return nil, validationErrorf("bounty %s is %s, progress is frozen", bountyID, b.Status)
	}
	p, err := e.store.GetParticipation(ctx, bountyID, participant)
	if err != nil {
		return nil, err
	}
	if p.Status != bounty.ParticipationActive {
		return nil, validationErrorf("participation is %s, progress is frozen", p.Status)
	}
	if progress.Attempts < p.Attempts || progress.WordsCompleted < p.WordsCompleted {
		return nil, validationErrorf("progress counters cannot move backwards")
	}
	now := e.nowFn()
	p.Attempts = progress.Attempts
	p.WordsCompleted = progress.WordsCompleted
	p.Elapsed = progress.Elapsed
	switch {
	case progress.Completed:
		p.Status = bounty.ParticipationCompleted
		p.CompletedAt = now
		if p.Elapsed <= 0 {
			p.Elapsed = now.Sub(p.JoinedAt)
		}
	case progress.Abandoned:
		p.Status = bounty.ParticipationAbandoned
	}
	if err := e.store.RecordProgress(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// confirm wraps the gateway's confirmation wait with latency metrics.
func (e *Engine) confirm(ctx context.Context, txHash, kind string) (chain.ConfirmStatus, error) {
	start := e.nowFn()
	confirmed, err := e.gateway.Confirm(ctx, txHash, e.cfg.ConfirmTimeout)
	metrics.ObserveConfirmLatency(kind, e.nowFn().Sub(start).Seconds())
	return confirmed, err
}

// observe publishes the terminal status event and metrics for one operation.
func (e *Engine) observe(opID, operation, bountyID, txHash, outcome string, err error) {
	metrics.ObserveSettlement(operation, outcome)
	switch outcome {
	case outcomeSuccess:
		e.reporter.Success(opID, operation, bountyID, txHash)
	case outcomePending:
		e.reporter.Pending(opID, operation, bountyID, txHash)
	case outcomeError:
		e.reporter.Error(opID, operation, bountyID, err)
		e.log.Error("settlement operation failed",
			slog.String("operation", operation),
			slog.String("bounty", bountyID),
			slog.String("tx", txHash),
			slog.Any("err", err))
	}
}
