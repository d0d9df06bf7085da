package bounty

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Status represents the lifecycle states of a bounty. Transitions are
// monotonic; terminal states are permanent records and are never reversed by
// application code.
type Status string

const (
	// StatusPending marks a bounty whose deposit has been submitted but not
	// yet confirmed on chain.
	StatusPending Status = "pending"
	// StatusActive marks a confirmed bounty accepting participants.
	StatusActive Status = "active"
	// StatusResolving marks a bounty whose completion is in flight: winners
	// have been persisted and payouts are being settled.
	StatusResolving Status = "resolving"
	// StatusCancelling marks a bounty whose cancellation refund is in flight.
	StatusCancelling Status = "cancelling"
	// StatusExpired marks a bounty past its end time with no winners; the
	// creator may claim the refund.
	StatusExpired Status = "expired"
	// StatusRefunding marks an expired bounty whose refund is in flight.
	StatusRefunding Status = "refunding"
	// StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed and
	// StatusUnresolved are terminal.
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusFailed     Status = "failed"
	StatusUnresolved Status = "unresolved"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusResolving, StatusCancelling,
		StatusExpired, StatusRefunding, StatusCompleted, StatusCancelled,
		StatusRefunded, StatusFailed, StatusUnresolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is a permanent outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed, StatusUnresolved:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusActive, StatusFailed},
	StatusActive:     {StatusResolving, StatusCancelling, StatusExpired, StatusUnresolved},
	StatusResolving:  {StatusCompleted, StatusUnresolved},
	StatusCancelling: {StatusCancelled, StatusActive},
	StatusExpired:    {StatusRefunding},
	StatusRefunding:  {StatusRefunded, StatusExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Cancelling and refunding may step back to their originating state when the
// chain definitively rejects the refund; terminal states admit nothing.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Distribution selects how the prize is divided among winners.
type Distribution string

const (
	DistributionWinnerTakeAll Distribution = "winner_take_all"
	DistributionSplitTopN     Distribution = "split_top_n"
)

// Criteria selects the ordering used to rank completed participations.
type Criteria string

const (
	CriteriaFirstToSolve     Criteria = "first_to_solve"
	CriteriaFastestTime      Criteria = "fastest_time"
	CriteriaFewestAttempts   Criteria = "fewest_attempts"
	CriteriaMostWordsCorrect Criteria = "most_words_correct"
)

// NormalizeDistribution canonicalises and validates a distribution policy.
func NormalizeDistribution(v string) (Distribution, error) {
	d := Distribution(strings.ToLower(strings.TrimSpace(v)))
	switch d {
	case DistributionWinnerTakeAll, DistributionSplitTopN:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported prize distribution: %s", v)
	}
}

// NormalizeCriteria canonicalises and validates a winner criteria.
func NormalizeCriteria(v string) (Criteria, error) {
	c := Criteria(strings.ToLower(strings.TrimSpace(v)))
	switch c {
	case CriteriaFirstToSolve, CriteriaFastestTime, CriteriaFewestAttempts, CriteriaMostWordsCorrect:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported winner criteria: %s", v)
	}
}

// Bounty captures the escrowed challenge definition and its runtime status.
// Amounts are smallest-currency-unit integers; the chain reference and deposit
// transaction hash are immutable once assigned.
type Bounty struct {
	ID             string
	Creator        string
	Prize          *big.Int
	Currency       string
	Distribution   Distribution
	Criteria       Criteria
	ParticipantCap int
	Duration       time.Duration
	Status         Status
	ChainRef       string
	DepositTx      string
	ResolutionTx   string
	CreatedAt      time.Time
	StartedAt      time.Time
	EndsAt         time.Time
}

// Clone returns a deep copy so callers can mutate without touching the stored
// instance.
func (b *Bounty) Clone() *Bounty {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Prize != nil {
		clone.Prize = new(big.Int).Set(b.Prize)
	} else {
		clone.Prize = big.NewInt(0)
	}
	return &clone
}

// Expired reports whether the bounty's end time has passed at the given
// instant. Bounties without a start have no end.
func (b *Bounty) Expired(now time.Time) bool {
	if b == nil || b.EndsAt.IsZero() {
		return false
	}
	return !now.Before(b.EndsAt)
}

// SanitizeBounty validates and normalises a bounty definition, returning a
// clone with canonical enum casing and a non-nil prize. The original value is
// not mutated.
func SanitizeBounty(b *Bounty) (*Bounty, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bounty")
	}
	clone := b.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("bounty id required")
	}
	if strings.TrimSpace(clone.Creator) == "" {
		return nil, fmt.Errorf("bounty creator required")
	}
	if clone.Prize.Sign() < 0 {
		return nil, fmt.Errorf("bounty prize must be non-negative")
	}
	dist, err := NormalizeDistribution(string(clone.Distribution))
	if err != nil {
		return nil, err
	}
	clone.Distribution = dist
	crit, err := NormalizeCriteria(string(clone.Criteria))
	if err != nil {
		return nil, err
	}
	clone.Criteria = crit
	if clone.ParticipantCap <= 0 {
		return nil, fmt.Errorf("participant cap must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid bounty status: %s", clone.Status)
	}
	return clone, nil
}

// ParticipationStatus tracks one participant's progress state.
type ParticipationStatus string

const (
	ParticipationActive    ParticipationStatus = "active"
	ParticipationCompleted ParticipationStatus = "completed"
	ParticipationAbandoned ParticipationStatus = "abandoned"
)

// Valid reports whether the participation status is a known value.
func (s ParticipationStatus) Valid() bool {
	switch s {
	case ParticipationActive, ParticipationCompleted, ParticipationAbandoned:
		return true
	default:
		return false
	}
}

// Participation is one user's attempt record against one bounty. At most one
// exists per (bounty, participant) pair. Rank, winner flag and prize share are
// written exactly once during settlement; Unpaid records a payout the chain
// definitively rejected so the gap is visible for manual follow-up.
type Participation struct {
	BountyID       string
	Participant    string
	Attempts       int
	WordsCompleted int
	Elapsed        time.Duration
	Status         ParticipationStatus
	JoinedAt       time.Time
	CompletedAt    time.Time
	Winner         bool
	Rank           int
	PrizeShare     *big.Int
	Unpaid         bool
}

// Clone returns a deep copy of the participation record.
func (p *Participation) Clone() *Participation {
	if p == nil {
		return nil
	}
	clone := *p
	if p.PrizeShare != nil {
		clone.PrizeShare = new(big.Int).Set(p.PrizeShare)
	}
	return &clone
}

// PaymentKind identifies the value-moving operation a payment records.
type PaymentKind string

const (
	PaymentDeposit       PaymentKind = "deposit"
	PaymentPrize         PaymentKind = "prize_distribution"
	PaymentRefund        PaymentKind = "refund"
	PaymentFeeWithdrawal PaymentKind = "fee_withdrawal"
)

// PaymentStatus is the on-chain outcome recorded for a payment. Transitions
// are pending -> confirmed or pending -> failed only, never reversed.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is an append-only audit record of one on-chain operation. A given
// transaction hash appears at most once.
type Payment struct {
	Hash      string
	BountyID  string
	From      string
	To        string
	Amount    *big.Int
	Kind      PaymentKind
	Status    PaymentStatus
	CreatedAt time.Time
}

// Clone returns a deep copy of the payment record.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Winner is one entry of the ordered resolution outcome. The list is produced
// once per bounty completion and never recomputed after it is committed.
type Winner struct {
	Participant string   `json:"participant"`
	Rank        int      `json:"rank"`
	Share       *big.Int `json:"share"`
}
