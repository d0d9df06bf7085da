package bounty

import (
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"
)

func testBounty(dist Distribution, crit Criteria, prize int64) *Bounty {
	return &Bounty{
		ID:             "b-1",
		Creator:        "alice",
		Prize:          big.NewInt(prize),
		Currency:       "NHB",
		Distribution:   dist,
		Criteria:       crit,
		ParticipantCap: 10,
		Status:         StatusActive,
	}
}

func completedPart(name string, attempts, words int, elapsed time.Duration, joined, done time.Time) *Participation {
	return &Participation{
		BountyID:       "b-1",
		Participant:    name,
		Attempts:       attempts,
		WordsCompleted: words,
		Elapsed:        elapsed,
		Status:         ParticipationCompleted,
		JoinedAt:       joined,
		CompletedAt:    done,
	}
}

func TestResolveFewestAttemptsWinnerTakeAll(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	parts := []*Participation{
		completedPart("A", 5, 8, 4*time.Minute, base, base.Add(10*time.Minute)),
		completedPart("B", 3, 8, 6*time.Minute, base.Add(time.Second), base.Add(12*time.Minute)),
	}
	winners, err := ResolveWinners(testBounty(DistributionWinnerTakeAll, CriteriaFewestAttempts, 100), parts, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected one winner, got %d", len(winners))
	}
	if winners[0].Participant != "B" || winners[0].Rank != 1 {
		t.Fatalf("unexpected winner: %+v", winners[0])
	}
	if winners[0].Share.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("winner-take-all share should be the full prize, got %s", winners[0].Share)
	}
}

func TestResolveNoEligibleWinner(t *testing.T) {
	parts := []*Participation{
		{BountyID: "b-1", Participant: "A", Status: ParticipationActive},
		{BountyID: "b-1", Participant: "B", Status: ParticipationAbandoned},
	}
	_, err := ResolveWinners(testBounty(DistributionWinnerTakeAll, CriteriaFastestTime, 100), parts, 0)
	if !errors.Is(err, ErrNoEligibleWinner) {
		t.Fatalf("expected ErrNoEligibleWinner, got %v", err)
	}
}

func TestResolveDeterministic(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	parts := []*Participation{
		completedPart("C", 4, 9, 5*time.Minute, base.Add(2*time.Second), base.Add(9*time.Minute)),
		completedPart("A", 4, 9, 5*time.Minute, base, base.Add(9*time.Minute)),
		completedPart("B", 4, 9, 5*time.Minute, base.Add(time.Second), base.Add(9*time.Minute)),
	}
	b := testBounty(DistributionSplitTopN, CriteriaMostWordsCorrect, 99)
	first, err := ResolveWinners(b, parts, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := ResolveWinners(b, parts, 3)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolution is not deterministic: %+v vs %+v", first, second)
	}
	// All keys tie, so join order decides.
	order := []string{"A", "B", "C"}
	for i, want := range order {
		if first[i].Participant != want {
			t.Fatalf("rank %d: expected %s, got %s", i+1, want, first[i].Participant)
		}
	}
}

func TestResolveOrderingPerCriteria(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	parts := []*Participation{
		completedPart("slow", 2, 5, 10*time.Minute, base, base.Add(30*time.Minute)),
		completedPart("fast", 6, 7, 2*time.Minute, base.Add(time.Second), base.Add(20*time.Minute)),
		completedPart("early", 4, 6, 6*time.Minute, base.Add(2*time.Second), base.Add(10*time.Minute)),
	}
	cases := []struct {
		criteria Criteria
		first    string
	}{
		{CriteriaFirstToSolve, "early"},
		{CriteriaFastestTime, "fast"},
		{CriteriaFewestAttempts, "slow"},
		{CriteriaMostWordsCorrect, "fast"},
	}
	for _, tc := range cases {
		winners, err := ResolveWinners(testBounty(DistributionWinnerTakeAll, tc.criteria, 50), parts, 0)
		if err != nil {
			t.Fatalf("%s: resolve: %v", tc.criteria, err)
		}
		if winners[0].Participant != tc.first {
			t.Fatalf("%s: expected %s first, got %s", tc.criteria, tc.first, winners[0].Participant)
		}
	}
}

func TestResolveSplitShares(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	parts := []*Participation{
		completedPart("A", 1, 10, time.Minute, base, base.Add(time.Minute)),
		completedPart("B", 2, 9, 2*time.Minute, base, base.Add(2*time.Minute)),
		completedPart("C", 3, 8, 3*time.Minute, base, base.Add(3*time.Minute)),
	}
	winners, err := ResolveWinners(testBounty(DistributionSplitTopN, CriteriaMostWordsCorrect, 100), parts, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(winners) != 3 {
		t.Fatalf("expected 3 winners, got %d", len(winners))
	}
	total := big.NewInt(0)
	for _, w := range winners {
		total.Add(total, w.Share)
	}
	if total.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("shares must sum to the prize, got %s", total)
	}
	// 100/3 leaves one remainder unit for rank 1.
	if winners[0].Share.Cmp(big.NewInt(34)) != 0 || winners[1].Share.Cmp(big.NewInt(33)) != 0 || winners[2].Share.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("unexpected shares: %s/%s/%s", winners[0].Share, winners[1].Share, winners[2].Share)
	}
}

func TestResolveSplitNeverExceedsCompleted(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	parts := []*Participation{
		completedPart("A", 1, 4, time.Minute, base, base.Add(time.Minute)),
		completedPart("B", 2, 3, 2*time.Minute, base, base.Add(2*time.Minute)),
		{BountyID: "b-1", Participant: "C", Status: ParticipationActive, JoinedAt: base},
	}
	winners, err := ResolveWinners(testBounty(DistributionSplitTopN, CriteriaMostWordsCorrect, 100), parts, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(winners) != 2 {
		t.Fatalf("expected winners capped at completed count, got %d", len(winners))
	}
}
