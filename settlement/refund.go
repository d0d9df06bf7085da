package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"wordbounty/chain"
	"wordbounty/ledger"
	"wordbounty/native/bounty"
)

// CancelBounty refunds the creator before anyone has joined. Only the creator
// may cancel, only while the bounty is active with zero participants. The
// refund is charged the platform fee; a definitive chain rejection or failure
// puts the bounty back to active so the game can continue.
func (e *Engine) CancelBounty(ctx context.Context, bountyID, requester string) (*Result, error) {
	opID := uuid.NewString()

	b, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(requester) != b.Creator {
		return nil, fmt.Errorf("%w: only the creator may cancel", ErrUnauthorized)
	}
	if b.Status == bounty.StatusCancelled {
		// Already settled; report the recorded refund.
		return e.recordedRefund(ctx, opID, OpCancelBounty, b)
	}
	if b.Status == bounty.StatusCancelling {
		return e.resumeRefund(ctx, opID, OpCancelBounty, b, bounty.StatusCancelling, bounty.StatusCancelled, bounty.StatusActive)
	}
	if b.Status != bounty.StatusActive {
		return nil, validationErrorf("bounty %s is %s and cannot be cancelled", bountyID, b.Status)
	}
	count, err := e.store.CountParticipations(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, validationErrorf("bounty %s has %d participants and cannot be cancelled", bountyID, count)
	}

	if err := e.store.TransitionBounty(ctx, bountyID, bounty.StatusActive, bounty.StatusCancelling); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, ErrAlreadyInProgress
		}
		return nil, err
	}
	return e.runRefund(ctx, opID, OpCancelBounty, b, bounty.StatusCancelling, bounty.StatusCancelled, bounty.StatusActive)
}

// ClaimExpiredRefund returns the escrow to the creator of a bounty that ran
// out of time without an eligible winner. The claim is idempotent: once a
// refund is confirmed, later claims report the same transaction.
func (e *Engine) ClaimExpiredRefund(ctx context.Context, bountyID, requester string) (*Result, error) {
	opID := uuid.NewString()

	b, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(requester) != b.Creator {
		return nil, fmt.Errorf("%w: only the creator may claim the refund", ErrUnauthorized)
	}

	switch b.Status {
	case bounty.StatusRefunded:
		return e.recordedRefund(ctx, opID, OpClaimRefund, b)
	case bounty.StatusRefunding:
		return e.resumeRefund(ctx, opID, OpClaimRefund, b, bounty.StatusRefunding, bounty.StatusRefunded, bounty.StatusExpired)
	case bounty.StatusActive:
		if !b.Expired(e.nowFn()) {
			return nil, validationErrorf("bounty %s has not ended yet", bountyID)
		}
		if err := e.requireNoWinner(ctx, b); err != nil {
			return nil, err
		}
		if err := e.store.TransitionBounty(ctx, bountyID, bounty.StatusActive, bounty.StatusExpired); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return nil, ErrAlreadyInProgress
			}
			return nil, err
		}
		b.Status = bounty.StatusExpired
		e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyExpired, b))
	case bounty.StatusExpired:
		// Fall through to the refund submission below.
	default:
		return nil, validationErrorf("bounty %s is %s and has no refund to claim", bountyID, b.Status)
	}

	if err := e.store.TransitionBounty(ctx, bountyID, bounty.StatusExpired, bounty.StatusRefunding); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, ErrAlreadyInProgress
		}
		return nil, err
	}
	return e.runRefund(ctx, opID, OpClaimRefund, b, bounty.StatusRefunding, bounty.StatusRefunded, bounty.StatusExpired)
}

// WithdrawFees sweeps accumulated platform fees to the recipient. Restricted
// to the configured fee admin.
func (e *Engine) WithdrawFees(ctx context.Context, requester, recipient string) (*Result, error) {
	opID := uuid.NewString()
	if e.cfg.FeeAdmin == "" || strings.TrimSpace(requester) != e.cfg.FeeAdmin {
		return nil, fmt.Errorf("%w: fee withdrawal is restricted", ErrUnauthorized)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, validationErrorf("fee recipient required")
	}

	txHash, err := e.gateway.WithdrawFees(ctx, recipient)
	if err != nil {
		e.observe(opID, OpWithdrawFees, "", "", outcomeError, err)
		return nil, err
	}
	if err := e.store.InsertPayment(ctx, &bounty.Payment{
		Hash:      txHash,
		To:        recipient,
		Kind:      bounty.PaymentFeeWithdrawal,
		Status:    bounty.PaymentPending,
		CreatedAt: e.nowFn(),
	}); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}
	e.reporter.Pending(opID, OpWithdrawFees, "", txHash)

	confirmed, err := e.confirm(ctx, txHash, string(bounty.PaymentFeeWithdrawal))
	if err != nil {
		e.observe(opID, OpWithdrawFees, "", txHash, outcomeError, err)
		return nil, err
	}
	switch confirmed {
	case chain.StatusConfirmed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentConfirmed); err != nil {
			return nil, fmt.Errorf("settle withdrawal: %w", err)
		}
		e.observe(opID, OpWithdrawFees, "", txHash, outcomeSuccess, nil)
		return &Result{OperationID: opID, TxHash: txHash}, nil
	case chain.StatusFailed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentFailed); err != nil {
			return nil, fmt.Errorf("settle withdrawal: %w", err)
		}
		err := fmt.Errorf("fee withdrawal %s: %w", txHash, chain.ErrTxFailed)
		e.observe(opID, OpWithdrawFees, "", txHash, outcomeError, err)
		return nil, err
	default:
		e.observe(opID, OpWithdrawFees, "", txHash, outcomePending, nil)
		return &Result{OperationID: opID, TxHash: txHash, Pending: true}, nil
	}
}

// requireNoWinner refuses an expiry refund when a completed participation
// exists; such bounties must settle through completion.
func (e *Engine) requireNoWinner(ctx context.Context, b *bounty.Bounty) error {
	participations, err := e.store.ListParticipations(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, p := range participations {
		if p.Status == bounty.ParticipationCompleted {
			return validationErrorf("bounty %s has a completed participant and must settle by completion", b.ID)
		}
	}
	return nil
}

// runRefund submits the refund (net of the platform fee), records the pending
// payment before the confirmation wait, then drives it to a terminal bounty
// status. The bounty is already in the inflight status on entry.
func (e *Engine) runRefund(ctx context.Context, opID, operation string, b *bounty.Bounty, inflight, success, revert bounty.Status) (*Result, error) {
	_, net, err := bounty.ComputeFee(b.Prize, bounty.PaymentRefund, e.cfg.FeeBps)
	if err != nil {
		return nil, err
	}
	txHash, err := e.gateway.SubmitRefund(ctx, chain.RefundParams{
		BountyRef: b.ChainRef,
		Recipient: b.Creator,
		Currency:  b.Currency,
		Amount:    net,
	})
	if err != nil {
		// Nothing was accepted; put the bounty back where it was.
		if terr := e.store.TransitionBounty(ctx, b.ID, inflight, revert); terr != nil {
			return nil, fmt.Errorf("revert after rejected refund: %w", terr)
		}
		e.observe(opID, operation, b.ID, "", outcomeError, err)
		return nil, err
	}
	if err := e.store.InsertPayment(ctx, &bounty.Payment{
		Hash:      txHash,
		BountyID:  b.ID,
		To:        b.Creator,
		Amount:    net,
		Kind:      bounty.PaymentRefund,
		Status:    bounty.PaymentPending,
		CreatedAt: e.nowFn(),
	}); err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	e.reporter.Pending(opID, operation, b.ID, txHash)
	return e.settleRefund(ctx, opID, operation, b, txHash, inflight, success, revert)
}

// resumeRefund finishes a refund interrupted after submission. If a pending
// refund payment exists it is confirmed rather than resubmitted; if the crash
// landed between the status move and the submission, the refund is submitted
// fresh.
func (e *Engine) resumeRefund(ctx context.Context, opID, operation string, b *bounty.Bounty, inflight, success, revert bounty.Status) (*Result, error) {
	payments, err := e.store.PaymentsByBounty(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Kind != bounty.PaymentRefund {
			continue
		}
		switch p.Status {
		case bounty.PaymentConfirmed:
			if err := e.store.TransitionBounty(ctx, b.ID, inflight, success); err != nil && !errors.Is(err, ledger.ErrConflict) {
				return nil, err
			}
			e.observe(opID, operation, b.ID, p.Hash, outcomeSuccess, nil)
			return &Result{OperationID: opID, BountyID: b.ID, TxHash: p.Hash, Status: success}, nil
		case bounty.PaymentPending:
			return e.settleRefund(ctx, opID, operation, b, p.Hash, inflight, success, revert)
		}
	}
	// No live refund on record: submit a fresh one.
	return e.runRefund(ctx, opID, operation, b, inflight, success, revert)
}

// settleRefund waits out the confirmation for a submitted refund and lands the
// bounty in its terminal (or reverted) status.
func (e *Engine) settleRefund(ctx context.Context, opID, operation string, b *bounty.Bounty, txHash string, inflight, success, revert bounty.Status) (*Result, error) {
	confirmed, err := e.confirm(ctx, txHash, string(bounty.PaymentRefund))
	if err != nil {
		e.observe(opID, operation, b.ID, txHash, outcomeError, err)
		return nil, err
	}
	switch confirmed {
	case chain.StatusConfirmed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentConfirmed); err != nil && !errors.Is(err, ledger.ErrConflict) {
			return nil, fmt.Errorf("settle refund: %w", err)
		}
		if err := e.store.TransitionBounty(ctx, b.ID, inflight, success); err != nil {
			return nil, fmt.Errorf("finish refund: %w", err)
		}
		b.Status = success
		event := bounty.EventTypeBountyRefunded
		if success == bounty.StatusCancelled {
			event = bounty.EventTypeBountyCancelled
		}
		e.emitter.Emit(bounty.NewBountyEvent(event, b))
		e.observe(opID, operation, b.ID, txHash, outcomeSuccess, nil)
		return &Result{OperationID: opID, BountyID: b.ID, TxHash: txHash, Status: success}, nil
	case chain.StatusFailed:
		if err := e.store.SettlePayment(ctx, txHash, bounty.PaymentFailed); err != nil && !errors.Is(err, ledger.ErrConflict) {
			return nil, fmt.Errorf("settle refund: %w", err)
		}
		if err := e.store.TransitionBounty(ctx, b.ID, inflight, revert); err != nil {
			return nil, fmt.Errorf("revert failed refund: %w", err)
		}
		err := fmt.Errorf("refund %s: %w", txHash, chain.ErrTxFailed)
		e.observe(opID, operation, b.ID, txHash, outcomeError, err)
		return nil, err
	default:
		// Timed out; the bounty stays in its inflight status and the sweeper
		// finishes the claim once the chain answers.
		e.observe(opID, operation, b.ID, txHash, outcomePending, nil)
		return &Result{OperationID: opID, BountyID: b.ID, TxHash: txHash, Status: inflight, Pending: true}, nil
	}
}

// recordedRefund reports the already-settled refund for an idempotent claim.
func (e *Engine) recordedRefund(ctx context.Context, opID, operation string, b *bounty.Bounty) (*Result, error) {
	payment, err := e.store.ConfirmedRefund(ctx, b.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return &Result{OperationID: opID, BountyID: b.ID, Status: b.Status}, nil
		}
		return nil, err
	}
	e.observe(opID, operation, b.ID, payment.Hash, outcomeSuccess, nil)
	return &Result{OperationID: opID, BountyID: b.ID, TxHash: payment.Hash, Status: b.Status}, nil
}
