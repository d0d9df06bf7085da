// Package ledger is the off-chain record of every bounty, participation and
// value-moving transaction. The settlement engine writes through it in a fixed
// order (chain submission first, ledger row before the confirmation wait) and
// the reconciliation pass repairs it against on-chain truth, so the store
// exposes compare-and-set transitions and insert-if-absent primitives rather
// than plain updates. Domain rows are never hard-deleted.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"wordbounty/native/bounty"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when a compare-and-set update matched no row:
	// the record moved on since the caller read it.
	ErrConflict = errors.New("ledger: conflicting update")
	// ErrCapReached is returned when a join would exceed the participant cap.
	ErrCapReached = errors.New("ledger: participant cap reached")
)

// Store is the ledger boundary the settlement engine and the reconciliation
// sweeper drive. Single-row atomicity is all that is assumed; no cross-row
// distributed transactions.
type Store interface {
	// InsertBounty persists a new bounty record.
	InsertBounty(ctx context.Context, b *bounty.Bounty) error
	GetBounty(ctx context.Context, id string) (*bounty.Bounty, error)
	// TransitionBounty advances the lifecycle status only when the current
	// status matches from. Returns ErrConflict otherwise.
	TransitionBounty(ctx context.Context, id string, from, to bounty.Status) error
	// MarkBountyActive is the pending -> active transition; it also stamps
	// the start and end times.
	MarkBountyActive(ctx context.Context, id string, startedAt, endsAt time.Time) error
	// SetResolution persists the resolved winner list atomically with the
	// active -> resolving transition. This is the recovery anchor: a crash
	// after it always leaves a trail the sweeper can follow forward.
	SetResolution(ctx context.Context, id string, winners []bounty.Winner) error
	// Resolution loads the persisted winner list for a resolving bounty.
	Resolution(ctx context.Context, id string) ([]bounty.Winner, error)
	// SetResolutionTx records the bounty's resolution transaction hash. It is
	// written at most once; later calls are no-ops.
	SetResolutionTx(ctx context.Context, id, txHash string) error
	// StuckBounties lists bounties in the given states whose last status
	// change is older than the cutoff.
	StuckBounties(ctx context.Context, statuses []bounty.Status, cutoff time.Time) ([]*bounty.Bounty, error)

	// JoinBounty inserts the participation if absent, enforcing the cap in
	// the same transaction. Reports whether a row was created; an existing
	// row is not an error.
	JoinBounty(ctx context.Context, p *bounty.Participation, cap int) (bool, error)
	GetParticipation(ctx context.Context, bountyID, participant string) (*bounty.Participation, error)
	ListParticipations(ctx context.Context, bountyID string) ([]*bounty.Participation, error)
	CountParticipations(ctx context.Context, bountyID string) (int, error)
	// RecordProgress updates a participation's attempt counters and
	// completion state. Finalized fields are untouched.
	RecordProgress(ctx context.Context, p *bounty.Participation) error
	// FinalizeParticipation writes the winner flag, rank and prize share.
	// A participation already finalized as paid is never overwritten.
	FinalizeParticipation(ctx context.Context, bountyID, participant string, rank int, share *big.Int, unpaid bool) error

	// InsertPayment appends one audit row; a transaction hash appears at
	// most once.
	InsertPayment(ctx context.Context, p *bounty.Payment) error
	GetPayment(ctx context.Context, hash string) (*bounty.Payment, error)
	// SettlePayment moves a payment out of pending. Only pending rows may
	// move; ErrConflict signals the row was already settled.
	SettlePayment(ctx context.Context, hash string, status bounty.PaymentStatus) error
	// ConfirmedRefund returns the confirmed refund payment for a bounty, or
	// ErrNotFound. Backs the idempotent refund claim.
	ConfirmedRefund(ctx context.Context, bountyID string) (*bounty.Payment, error)
	PaymentsByBounty(ctx context.Context, bountyID string) ([]*bounty.Payment, error)
	// PendingPayments lists payments stuck in pending since before cutoff.
	PendingPayments(ctx context.Context, cutoff time.Time) ([]*bounty.Payment, error)

	// AcquireLock takes the per-bounty single-writer lock. Returns false
	// without error when another owner holds it.
	AcquireLock(ctx context.Context, bountyID, owner string) (bool, error)
	// ReleaseLock drops the lock regardless of owner; the sweeper uses this
	// to free locks orphaned by a crashed writer.
	ReleaseLock(ctx context.Context, bountyID string) error

	Close() error
}
