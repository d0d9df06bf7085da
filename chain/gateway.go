// Package chain is the thin operation set over the escrow contract. It holds
// no durable state: every submit returns a transaction hash (or a rejection),
// confirmation is a bounded wait, and the snapshot query reports the
// contract's authoritative view of one bounty.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrRejected marks a submission the wallet or network refused outright: no
// transaction was accepted and no funds moved, so the whole operation is safe
// to retry.
var ErrRejected = errors.New("chain: submission rejected")

// ErrTxFailed marks a transaction the chain confirmed as failed or reverted.
// Terminal; the transaction moved no funds.
var ErrTxFailed = errors.New("chain: transaction failed")

// ConfirmStatus is the terminal outcome of a confirmation wait.
type ConfirmStatus string

const (
	// StatusConfirmed means the transaction reached consensus finality.
	StatusConfirmed ConfirmStatus = "confirmed"
	// StatusFailed means the transaction was included and reverted.
	StatusFailed ConfirmStatus = "failed"
	// StatusTimedOut means the wait elapsed without a terminal outcome. The
	// transaction may still land later; callers must not assume funds were
	// not moved.
	StatusTimedOut ConfirmStatus = "timed_out"
)

// Snapshot is the contract-side view of one bounty.
type Snapshot struct {
	Locked    *big.Int
	Paid      bool
	Cancelled bool
}

// DepositParams funds a new bounty escrow.
type DepositParams struct {
	BountyRef string
	Creator   string
	Currency  string
	Amount    *big.Int
	Deadline  int64
}

// PayoutParams releases part of an escrowed prize to one winner.
type PayoutParams struct {
	BountyRef string
	Recipient string
	Currency  string
	Amount    *big.Int
	Rank      int
}

// RefundParams returns the escrowed prize (net of fee) to the creator.
type RefundParams struct {
	BountyRef string
	Recipient string
	Currency  string
	Amount    *big.Int
}

// Gateway is the boundary the settlement engine drives. Implementations are
// stateless; all side effects live on the remote ledger.
type Gateway interface {
	SubmitDeposit(ctx context.Context, params DepositParams) (string, error)
	SubmitPayout(ctx context.Context, params PayoutParams) (string, error)
	SubmitRefund(ctx context.Context, params RefundParams) (string, error)
	// WithdrawFees sweeps the contract's accumulated platform fees to the
	// recipient. Admin-only, outside the per-bounty lifecycle.
	WithdrawFees(ctx context.Context, recipient string) (string, error)
	// Confirm waits until the transaction reaches a terminal state or the
	// timeout elapses. A timeout ends the wait, not the transaction.
	Confirm(ctx context.Context, txHash string, timeout time.Duration) (ConfirmStatus, error)
	Query(ctx context.Context, bountyRef string) (*Snapshot, error)
}
