package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"wordbounty/chain"
	"wordbounty/ledger"
	"wordbounty/native/bounty"
)

// CompleteBounty resolves winners and pays out the escrowed prize. The
// operation is guarded by a durable per-bounty lock so concurrent completions
// settle exactly once. Winners are persisted atomically with the move to
// resolving before any payout is submitted; a crash or confirmation timeout
// leaves the bounty resolving with its winner list intact, and a later call
// (or the sweeper) resumes from that anchor instead of re-deciding.
func (e *Engine) CompleteBounty(ctx context.Context, bountyID string) (*Result, error) {
	opID := uuid.NewString()

	locked, err := e.store.AcquireLock(ctx, bountyID, e.owner)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyInProgress
	}
	keepLock := false
	defer func() {
		if !keepLock {
			if relErr := e.store.ReleaseLock(context.WithoutCancel(ctx), bountyID); relErr != nil {
				e.log.Error("release bounty lock", slog.String("bounty", bountyID), slog.Any("err", relErr))
			}
		}
	}()

	b, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}

	var winners []bounty.Winner
	switch b.Status {
	case bounty.StatusActive:
		winners, err = e.resolve(ctx, b)
		if err != nil {
			e.observe(opID, OpCompleteBounty, bountyID, "", outcomeError, err)
			return nil, err
		}
	case bounty.StatusResolving:
		// A previous attempt committed the winner list and stopped short of
		// settling every payout. Resume from the persisted outcome.
		winners, err = e.store.Resolution(ctx, bountyID)
		if err != nil {
			return nil, fmt.Errorf("load resolution: %w", err)
		}
	case bounty.StatusCompleted:
		// Already settled; report the recorded outcome.
		e.observe(opID, OpCompleteBounty, bountyID, b.ResolutionTx, outcomeSuccess, nil)
		return &Result{OperationID: opID, BountyID: bountyID, TxHash: b.ResolutionTx, Status: b.Status}, nil
	default:
		return nil, validationErrorf("bounty %s is %s and cannot be completed", bountyID, b.Status)
	}

	pendingLeft, resolutionTx, err := e.settlePayouts(ctx, b, winners)
	if err != nil {
		e.observe(opID, OpCompleteBounty, bountyID, resolutionTx, outcomeError, err)
		return nil, err
	}
	if pendingLeft {
		// Confirmation timed out for at least one payout. Hold the lock so no
		// concurrent completion double-submits; the sweeper takes over from
		// the pending payment rows.
		keepLock = true
		e.observe(opID, OpCompleteBounty, bountyID, resolutionTx, outcomePending, nil)
		return &Result{OperationID: opID, BountyID: bountyID, TxHash: resolutionTx, Status: bounty.StatusResolving, Pending: true}, nil
	}

	if err := e.store.TransitionBounty(ctx, bountyID, bounty.StatusResolving, bounty.StatusCompleted); err != nil {
		return nil, fmt.Errorf("complete bounty: %w", err)
	}
	b.Status = bounty.StatusCompleted
	b.ResolutionTx = resolutionTx
	e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyCompleted, b))
	e.observe(opID, OpCompleteBounty, bountyID, resolutionTx, outcomeSuccess, nil)
	return &Result{OperationID: opID, BountyID: bountyID, TxHash: resolutionTx, Status: bounty.StatusCompleted}, nil
}

// resolve decides the winner list and commits it atomically with the move to
// resolving.
func (e *Engine) resolve(ctx context.Context, b *bounty.Bounty) ([]bounty.Winner, error) {
	participations, err := e.store.ListParticipations(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	winners, err := bounty.ResolveWinners(b, participations, e.cfg.MaxSplitWinners)
	if err != nil {
		if errors.Is(err, bounty.ErrNoEligibleWinner) {
			if terr := e.store.TransitionBounty(ctx, b.ID, bounty.StatusActive, bounty.StatusUnresolved); terr != nil {
				return nil, fmt.Errorf("mark unresolved: %w", terr)
			}
			b.Status = bounty.StatusUnresolved
			e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyUnresolved, b))
		}
		return nil, err
	}
	if err := e.store.SetResolution(ctx, b.ID, winners); err != nil {
		return nil, fmt.Errorf("commit resolution: %w", err)
	}
	b.Status = bounty.StatusResolving
	e.emitter.Emit(bounty.NewBountyEvent(bounty.EventTypeBountyResolving, b))
	return winners, nil
}

// settlePayouts walks the winner list and drives each prize payout to a
// terminal state, skipping work already recorded. It reports whether any
// payout is still awaiting confirmation, and the resolution transaction hash
// (the rank-1 payout).
func (e *Engine) settlePayouts(ctx context.Context, b *bounty.Bounty, winners []bounty.Winner) (bool, string, error) {
	existing, err := e.store.PaymentsByBounty(ctx, b.ID)
	if err != nil {
		return false, "", err
	}
	byRecipient := make(map[string]*bounty.Payment, len(existing))
	for _, p := range existing {
		if p.Kind == bounty.PaymentPrize {
			byRecipient[p.To] = p
		}
	}

	pendingLeft := false
	resolutionTx := b.ResolutionTx
	for _, w := range winners {
		payment := byRecipient[w.Participant]
		if payment == nil {
			payment, err = e.submitPayout(ctx, b, w)
			if err != nil {
				if errors.Is(err, chain.ErrRejected) {
					// Nothing moved. Record the gap for manual follow-up and
					// keep settling the remaining winners.
					if ferr := e.store.FinalizeParticipation(ctx, b.ID, w.Participant, w.Rank, w.Share, true); ferr != nil {
						return pendingLeft, resolutionTx, ferr
					}
					e.log.Error("payout rejected",
						slog.String("bounty", b.ID),
						slog.String("recipient", w.Participant),
						slog.Any("err", err))
					continue
				}
				return pendingLeft, resolutionTx, err
			}
		}
		if w.Rank == 1 && resolutionTx == "" {
			resolutionTx = payment.Hash
			if err := e.store.SetResolutionTx(ctx, b.ID, resolutionTx); err != nil {
				return pendingLeft, resolutionTx, fmt.Errorf("record resolution tx: %w", err)
			}
		}

		switch payment.Status {
		case bounty.PaymentConfirmed:
			// Settled by an earlier attempt; make sure the participation
			// reflects it.
			if err := e.store.FinalizeParticipation(ctx, b.ID, w.Participant, w.Rank, w.Share, false); err != nil {
				return pendingLeft, resolutionTx, err
			}
			continue
		case bounty.PaymentFailed:
			if err := e.store.FinalizeParticipation(ctx, b.ID, w.Participant, w.Rank, w.Share, true); err != nil {
				return pendingLeft, resolutionTx, err
			}
			continue
		}

		confirmed, err := e.confirm(ctx, payment.Hash, string(bounty.PaymentPrize))
		if err != nil {
			return pendingLeft, resolutionTx, err
		}
		switch confirmed {
		case chain.StatusConfirmed:
			if err := e.store.SettlePayment(ctx, payment.Hash, bounty.PaymentConfirmed); err != nil && !errors.Is(err, ledger.ErrConflict) {
				return pendingLeft, resolutionTx, err
			}
			if err := e.store.FinalizeParticipation(ctx, b.ID, w.Participant, w.Rank, w.Share, false); err != nil {
				return pendingLeft, resolutionTx, err
			}
			payment.Status = bounty.PaymentConfirmed
			e.emitter.Emit(bounty.NewPayoutEvent(bounty.EventTypePayoutConfirmed, payment, w.Rank))
		case chain.StatusFailed:
			if err := e.store.SettlePayment(ctx, payment.Hash, bounty.PaymentFailed); err != nil && !errors.Is(err, ledger.ErrConflict) {
				return pendingLeft, resolutionTx, err
			}
			if err := e.store.FinalizeParticipation(ctx, b.ID, w.Participant, w.Rank, w.Share, true); err != nil {
				return pendingLeft, resolutionTx, err
			}
			payment.Status = bounty.PaymentFailed
			e.emitter.Emit(bounty.NewPayoutEvent(bounty.EventTypePayoutFailed, payment, w.Rank))
		default:
			pendingLeft = true
		}
	}
	return pendingLeft, resolutionTx, nil
}

// submitPayout sends one winner's share to the chain and records the pending
// payment row before any confirmation wait.
func (e *Engine) submitPayout(ctx context.Context, b *bounty.Bounty, w bounty.Winner) (*bounty.Payment, error) {
	txHash, err := e.gateway.SubmitPayout(ctx, chain.PayoutParams{
		BountyRef: b.ChainRef,
		Recipient: w.Participant,
		Currency:  b.Currency,
		Amount:    w.Share,
		Rank:      w.Rank,
	})
	if err != nil {
		return nil, err
	}
	payment := &bounty.Payment{
		Hash:      txHash,
		BountyID:  b.ID,
		To:        w.Participant,
		Amount:    w.Share,
		Kind:      bounty.PaymentPrize,
		Status:    bounty.PaymentPending,
		CreatedAt: e.nowFn(),
	}
	if err := e.store.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record payout: %w", err)
	}
	e.emitter.Emit(bounty.NewPayoutEvent(bounty.EventTypePayoutSubmitted, payment, w.Rank))
	return payment, nil
}
