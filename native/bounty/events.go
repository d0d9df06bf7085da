package bounty

import (
	"strconv"
)

const (
	EventTypeBountyCreated    = "bounty.created"
	EventTypeBountyActivated  = "bounty.activated"
	EventTypeBountyJoined     = "bounty.joined"
	EventTypeBountyResolving  = "bounty.resolving"
	EventTypeBountyCompleted  = "bounty.completed"
	EventTypeBountyCancelled  = "bounty.cancelled"
	EventTypeBountyExpired    = "bounty.expired"
	EventTypeBountyRefunded   = "bounty.refunded"
	EventTypeBountyFailed     = "bounty.failed"
	EventTypeBountyUnresolved = "bounty.unresolved"
	EventTypePayoutSubmitted  = "payout.submitted"
	EventTypePayoutConfirmed  = "payout.confirmed"
	EventTypePayoutFailed     = "payout.failed"
)

// Event is the canonical attribute-map payload emitted for lifecycle
// transitions and payouts.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives lifecycle events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// NewBountyEvent builds the canonical payload for a bounty lifecycle event.
func NewBountyEvent(eventType string, b *Bounty) Event {
	attrs := make(map[string]string)
	if b == nil {
		return Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = b.ID
	attrs["creator"] = b.Creator
	attrs["currency"] = b.Currency
	attrs["status"] = string(b.Status)
	if b.Prize != nil {
		attrs["prize"] = b.Prize.String()
	}
	if b.DepositTx != "" {
		attrs["depositTx"] = b.DepositTx
	}
	if b.ResolutionTx != "" {
		attrs["resolutionTx"] = b.ResolutionTx
	}
	return Event{Type: eventType, Attributes: attrs}
}

// NewPayoutEvent builds the canonical payload for one winner payout.
func NewPayoutEvent(eventType string, p *Payment, rank int) Event {
	attrs := make(map[string]string)
	if p == nil {
		return Event{Type: eventType, Attributes: attrs}
	}
	attrs["txHash"] = p.Hash
	attrs["bountyId"] = p.BountyID
	attrs["to"] = p.To
	attrs["kind"] = string(p.Kind)
	attrs["status"] = string(p.Status)
	if p.Amount != nil {
		attrs["amount"] = p.Amount.String()
	}
	if rank > 0 {
		attrs["rank"] = strconv.Itoa(rank)
	}
	return Event{Type: eventType, Attributes: attrs}
}
