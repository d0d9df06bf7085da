package bounty

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// ErrNoEligibleWinner is returned when resolution finds no completed
// participation. It is terminal and must not be retried; the bounty moves to
// an unresolved state instead.
var ErrNoEligibleWinner = errors.New("bounty: no eligible winner")

// DefaultMaxSplitWinners bounds the winner count for split distributions.
const DefaultMaxSplitWinners = 3

// ResolveWinners maps a bounty's criteria and its participations to the
// ordered winner list with prize shares. Only completed participations are
// eligible. The function is pure and deterministic: identical inputs always
// yield the identical ordered list, with join order as the final tie-breaker.
func ResolveWinners(b *Bounty, participations []*Participation, maxSplit int) ([]Winner, error) {
	if b == nil {
		return nil, fmt.Errorf("bounty: nil bounty")
	}
	if b.Prize == nil || b.Prize.Sign() < 0 {
		return nil, fmt.Errorf("bounty: prize must be non-negative")
	}
	completed := make([]*Participation, 0, len(participations))
	for _, p := range participations {
		if p != nil && p.Status == ParticipationCompleted {
			completed = append(completed, p)
		}
	}
	if len(completed) == 0 {
		return nil, ErrNoEligibleWinner
	}

	less, err := orderingFor(b.Criteria)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return less(completed[i], completed[j])
	})

	count := 1
	if b.Distribution == DistributionSplitTopN {
		if maxSplit <= 0 {
			maxSplit = DefaultMaxSplitWinners
		}
		count = maxSplit
	}
	if count > len(completed) {
		count = len(completed)
	}

	shares := splitPrize(b.Prize, count)
	winners := make([]Winner, count)
	for i := 0; i < count; i++ {
		winners[i] = Winner{
			Participant: completed[i].Participant,
			Rank:        i + 1,
			Share:       shares[i],
		}
	}
	return winners, nil
}

func orderingFor(c Criteria) (func(a, b *Participation) bool, error) {
	switch c {
	case CriteriaFirstToSolve:
		return func(a, b *Participation) bool {
			if !a.CompletedAt.Equal(b.CompletedAt) {
				return a.CompletedAt.Before(b.CompletedAt)
			}
			return a.JoinedAt.Before(b.JoinedAt)
		}, nil
	case CriteriaFastestTime:
		return func(a, b *Participation) bool {
			if a.Elapsed != b.Elapsed {
				return a.Elapsed < b.Elapsed
			}
			return a.JoinedAt.Before(b.JoinedAt)
		}, nil
	case CriteriaFewestAttempts:
		return func(a, b *Participation) bool {
			if a.Attempts != b.Attempts {
				return a.Attempts < b.Attempts
			}
			if a.Elapsed != b.Elapsed {
				return a.Elapsed < b.Elapsed
			}
			return a.JoinedAt.Before(b.JoinedAt)
		}, nil
	case CriteriaMostWordsCorrect:
		return func(a, b *Participation) bool {
			if a.WordsCompleted != b.WordsCompleted {
				return a.WordsCompleted > b.WordsCompleted
			}
			if a.Attempts != b.Attempts {
				return a.Attempts < b.Attempts
			}
			if a.Elapsed != b.Elapsed {
				return a.Elapsed < b.Elapsed
			}
			return a.JoinedAt.Before(b.JoinedAt)
		}, nil
	default:
		return nil, fmt.Errorf("bounty: unsupported winner criteria %s", c)
	}
}

// splitPrize divides the prize into count integer shares whose sum equals the
// prize exactly. Remainder units go one each to the highest ranks.
func splitPrize(prize *big.Int, count int) []*big.Int {
	shares := make([]*big.Int, count)
	if count == 1 {
		shares[0] = new(big.Int).Set(prize)
		return shares
	}
	quot, rem := new(big.Int).DivMod(prize, big.NewInt(int64(count)), new(big.Int))
	extra := rem.Int64()
	for i := 0; i < count; i++ {
		share := new(big.Int).Set(quot)
		if int64(i) < extra {
			share.Add(share, big.NewInt(1))
		}
		shares[i] = share
	}
	return shares
}
