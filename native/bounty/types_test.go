package bounty

import (
	"math/big"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusActive},
		{StatusPending, StatusFailed},
		{StatusActive, StatusResolving},
		{StatusActive, StatusCancelling},
		{StatusActive, StatusExpired},
		{StatusResolving, StatusCompleted},
		{StatusResolving, StatusUnresolved},
		{StatusCancelling, StatusCancelled},
		{StatusCancelling, StatusActive},
		{StatusExpired, StatusRefunding},
		{StatusRefunding, StatusRefunded},
		{StatusRefunding, StatusExpired},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusActive},
		{StatusRefunded, StatusExpired},
		{StatusFailed, StatusPending},
		{StatusActive, StatusPending},
		{StatusResolving, StatusActive},
		{StatusUnresolved, StatusResolving},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed, StatusUnresolved} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		for _, next := range []Status{StatusPending, StatusActive, StatusResolving} {
			if CanTransition(s, next) {
				t.Fatalf("terminal %s must not transition to %s", s, next)
			}
		}
	}
	for _, s := range []Status{StatusPending, StatusActive, StatusResolving, StatusCancelling, StatusExpired, StatusRefunding} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestSanitizeBounty(t *testing.T) {
	b := &Bounty{
		ID:             "b-1",
		Creator:        "alice",
		Prize:          big.NewInt(100),
		Currency:       "NHB",
		Distribution:   Distribution("Winner_Take_All"),
		Criteria:       Criteria(" FASTEST_TIME "),
		ParticipantCap: 5,
		Status:         StatusPending,
	}
	clean, err := SanitizeBounty(b)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clean.Distribution != DistributionWinnerTakeAll {
		t.Fatalf("distribution not normalised: %s", clean.Distribution)
	}
	if clean.Criteria != CriteriaFastestTime {
		t.Fatalf("criteria not normalised: %s", clean.Criteria)
	}
	if clean == b {
		t.Fatal("sanitize must return a clone")
	}

	bad := b.Clone()
	bad.Prize = big.NewInt(-1)
	if _, err := SanitizeBounty(bad); err == nil {
		t.Fatal("expected error for negative prize")
	}
	bad = b.Clone()
	bad.ParticipantCap = 0
	if _, err := SanitizeBounty(bad); err == nil {
		t.Fatal("expected error for zero cap")
	}
	bad = b.Clone()
	bad.Criteria = "best_vibes"
	if _, err := SanitizeBounty(bad); err == nil {
		t.Fatal("expected error for unknown criteria")
	}
}

func TestBountyClone(t *testing.T) {
	b := &Bounty{ID: "b-1", Prize: big.NewInt(42)}
	clone := b.Clone()
	clone.Prize.SetInt64(7)
	if b.Prize.Cmp(big.NewInt(42)) != 0 {
		t.Fatal("clone must not share the prize amount")
	}
}
