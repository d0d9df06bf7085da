package ledger

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"wordbounty/native/bounty"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBounty(id string) *bounty.Bounty {
	now := time.Unix(1700000000, 0).UTC()
	return &bounty.Bounty{
		ID:             id,
		Creator:        "alice",
		Prize:          big.NewInt(100),
		Currency:       "NHB",
		Distribution:   bounty.DistributionWinnerTakeAll,
		Criteria:       bounty.CriteriaFastestTime,
		ParticipantCap: 3,
		Duration:       time.Hour,
		Status:         bounty.StatusPending,
		ChainRef:       id,
		DepositTx:      "0xdeposit-" + id,
		CreatedAt:      now,
	}
}

func TestBountyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := testBounty("b-1")
	if err := store.InsertBounty(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetBounty(ctx, "b-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Creator != b.Creator || got.Prize.Cmp(b.Prize) != 0 || got.Duration != b.Duration {
		t.Fatalf("unexpected bounty %+v", got)
	}
	if got.Status != bounty.StatusPending {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if _, err := store.GetBounty(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionBountyCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.TransitionBounty(ctx, "b-1", bounty.StatusPending, bounty.StatusActive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// The row already moved on; the stale transition must not apply.
	if err := store.TransitionBounty(ctx, "b-1", bounty.StatusPending, bounty.StatusActive); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Illegal lifecycle steps are refused before touching the row.
	if err := store.TransitionBounty(ctx, "b-1", bounty.StatusActive, bounty.StatusRefunded); err == nil {
		t.Fatal("expected illegal transition to be refused")
	}
}

func TestMarkBountyActiveStampsWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	startedAt := time.Unix(1700000100, 0).UTC()
	endsAt := startedAt.Add(time.Hour)
	if err := store.MarkBountyActive(ctx, "b-1", startedAt, endsAt); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := store.GetBounty(ctx, "b-1")
	if got.Status != bounty.StatusActive || !got.StartedAt.Equal(startedAt) || !got.EndsAt.Equal(endsAt) {
		t.Fatalf("unexpected bounty %+v", got)
	}
	// Second activation hits the CAS guard.
	if err := store.MarkBountyActive(ctx, "b-1", startedAt, endsAt); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestResolutionAnchorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.TransitionBounty(ctx, "b-1", bounty.StatusPending, bounty.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	winners := []bounty.Winner{
		{Participant: "bob", Rank: 1, Share: big.NewInt(67)},
		{Participant: "carol", Rank: 2, Share: big.NewInt(33)},
	}
	if err := store.SetResolution(ctx, "b-1", winners); err != nil {
		t.Fatalf("set resolution: %v", err)
	}
	got, _ := store.GetBounty(ctx, "b-1")
	if got.Status != bounty.StatusResolving {
		t.Fatalf("expected resolving, got %s", got.Status)
	}
	loaded, err := store.Resolution(ctx, "b-1")
	if err != nil {
		t.Fatalf("load resolution: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Participant != "bob" || loaded[1].Share.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("unexpected resolution %+v", loaded)
	}
	// A second resolution attempt must not overwrite the committed outcome.
	if err := store.SetResolution(ctx, "b-1", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSetResolutionTxWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.SetResolutionTx(ctx, "b-1", "0xfirst"); err != nil {
		t.Fatalf("set tx: %v", err)
	}
	if err := store.SetResolutionTx(ctx, "b-1", "0xsecond"); err != nil {
		t.Fatalf("repeat set tx: %v", err)
	}
	got, _ := store.GetBounty(ctx, "b-1")
	if got.ResolutionTx != "0xfirst" {
		t.Fatalf("resolution tx must be immutable, got %s", got.ResolutionTx)
	}
}

func TestJoinBountyIdempotencyAndCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	joined := time.Unix(1700000100, 0).UTC()

	p := &bounty.Participation{BountyID: "b-1", Participant: "bob", Status: bounty.ParticipationActive, JoinedAt: joined}
	created, err := store.JoinBounty(ctx, p, 2)
	if err != nil || !created {
		t.Fatalf("join: created=%v err=%v", created, err)
	}
	created, err = store.JoinBounty(ctx, p, 2)
	if err != nil || created {
		t.Fatalf("rejoin must be a no-op: created=%v err=%v", created, err)
	}
	carol := &bounty.Participation{BountyID: "b-1", Participant: "carol", Status: bounty.ParticipationActive, JoinedAt: joined.Add(time.Second)}
	if _, err := store.JoinBounty(ctx, carol, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	dave := &bounty.Participation{BountyID: "b-1", Participant: "dave", Status: bounty.ParticipationActive, JoinedAt: joined.Add(2 * time.Second)}
	if _, err := store.JoinBounty(ctx, dave, 2); !errors.Is(err, ErrCapReached) {
		t.Fatalf("expected ErrCapReached, got %v", err)
	}
	count, err := store.CountParticipations(ctx, "b-1")
	if err != nil || count != 2 {
		t.Fatalf("count=%d err=%v", count, err)
	}
	list, err := store.ListParticipations(ctx, "b-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("list=%d err=%v", len(list), err)
	}
	if list[0].Participant != "bob" || list[1].Participant != "carol" {
		t.Fatalf("expected join order, got %+v", list)
	}
}

func TestRecordProgressAndFinalize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBounty(ctx, testBounty("b-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	joined := time.Unix(1700000100, 0).UTC()
	p := &bounty.Participation{BountyID: "b-1", Participant: "bob", Status: bounty.ParticipationActive, JoinedAt: joined}
	if _, err := store.JoinBounty(ctx, p, 5); err != nil {
		t.Fatalf("join: %v", err)
	}

	p.Attempts = 4
	p.WordsCompleted = 6
	p.Elapsed = 90 * time.Second
	p.Status = bounty.ParticipationCompleted
	p.CompletedAt = joined.Add(90 * time.Second)
	if err := store.RecordProgress(ctx, p); err != nil {
		t.Fatalf("record progress: %v", err)
	}
	got, _ := store.GetParticipation(ctx, "b-1", "bob")
	if got.Attempts != 4 || got.Elapsed != 90*time.Second || got.Status != bounty.ParticipationCompleted {
		t.Fatalf("unexpected participation %+v", got)
	}

	if err := store.FinalizeParticipation(ctx, "b-1", "bob", 1, big.NewInt(100), false); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, _ = store.GetParticipation(ctx, "b-1", "bob")
	if !got.Winner || got.Rank != 1 || got.PrizeShare.Cmp(big.NewInt(100)) != 0 || got.Unpaid {
		t.Fatalf("unexpected finalized participation %+v", got)
	}
	// A paid winner is immutable.
	if err := store.FinalizeParticipation(ctx, "b-1", "bob", 2, big.NewInt(1), true); err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	got, _ = store.GetParticipation(ctx, "b-1", "bob")
	if got.Rank != 1 || got.PrizeShare.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paid participation must not change, got %+v", got)
	}
}

func TestSettlePaymentMovesOnlyPendingRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &bounty.Payment{
		Hash:      "0xpay",
		BountyID:  "b-1",
		To:        "bob",
		Amount:    big.NewInt(42),
		Kind:      bounty.PaymentPrize,
		Status:    bounty.PaymentPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := store.InsertPayment(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertPayment(ctx, p); err == nil {
		t.Fatal("duplicate hash must be refused")
	}
	if err := store.SettlePayment(ctx, "0xpay", bounty.PaymentConfirmed); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := store.SettlePayment(ctx, "0xpay", bounty.PaymentFailed); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := store.GetPayment(ctx, "0xpay")
	if got.Status != bounty.PaymentConfirmed || got.Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected payment %+v", got)
	}
}

func TestConfirmedRefundLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if _, err := store.ConfirmedRefund(ctx, "b-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	refund := &bounty.Payment{
		Hash: "0xrefund", BountyID: "b-1", To: "alice",
		Amount: big.NewInt(98), Kind: bounty.PaymentRefund,
		Status: bounty.PaymentPending, CreatedAt: now,
	}
	if err := store.InsertPayment(ctx, refund); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.ConfirmedRefund(ctx, "b-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending refund must not satisfy the lookup, got %v", err)
	}
	if err := store.SettlePayment(ctx, "0xrefund", bounty.PaymentConfirmed); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, err := store.ConfirmedRefund(ctx, "b-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Hash != "0xrefund" || got.Amount.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("unexpected refund %+v", got)
	}
}

func TestPendingPaymentsHonoursCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	old := &bounty.Payment{Hash: "0xold", BountyID: "b-1", Amount: big.NewInt(1), Kind: bounty.PaymentPrize, Status: bounty.PaymentPending, CreatedAt: base}
	fresh := &bounty.Payment{Hash: "0xfresh", BountyID: "b-1", Amount: big.NewInt(1), Kind: bounty.PaymentPrize, Status: bounty.PaymentPending, CreatedAt: base.Add(time.Hour)}
	for _, p := range []*bounty.Payment{old, fresh} {
		if err := store.InsertPayment(ctx, p); err != nil {
			t.Fatalf("insert %s: %v", p.Hash, err)
		}
	}
	stuck, err := store.PendingPayments(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("pending payments: %v", err)
	}
	if len(stuck) != 1 || stuck[0].Hash != "0xold" {
		t.Fatalf("unexpected stuck payments %+v", stuck)
	}
}

func TestStuckBountiesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := testBounty("b-pending")
	active := testBounty("b-active")
	if err := store.InsertBounty(ctx, pending); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertBounty(ctx, active); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.TransitionBounty(ctx, "b-active", bounty.StatusPending, bounty.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	stuck, err := store.StuckBounties(ctx, []bounty.Status{bounty.StatusPending}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("stuck bounties: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "b-pending" {
		t.Fatalf("unexpected stuck bounties %+v", stuck)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "b-1", "owner-a")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLock(ctx, "b-1", "owner-b")
	if err != nil || ok {
		t.Fatalf("held lock must not be reacquired: ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseLock(ctx, "b-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.AcquireLock(ctx, "b-1", "owner-b")
	if err != nil || !ok {
		t.Fatalf("released lock must be reacquirable: ok=%v err=%v", ok, err)
	}
}
