package status

import (
	"errors"
	"testing"
	"time"
)

func TestReporterFanOut(t *testing.T) {
	r := NewReporter()
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Pending("op-1", "complete_bounty", "b-1", "0xabc")
	r.Success("op-1", "complete_bounty", "b-1", "0xabc")

	first := <-ch
	if first.State != StatePending || first.OperationID != "op-1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := <-ch
	if second.State != StateSuccess || second.TxHash != "0xabc" {
		t.Fatalf("unexpected second event %+v", second)
	}
}

func TestReporterErrorCarriesMessage(t *testing.T) {
	r := NewReporter()
	r.Error("op-2", "cancel_bounty", "b-2", errors.New("chain rejected refund"))

	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].State != StateError || events[0].Err != "chain rejected refund" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestReporterHistoryCapacity(t *testing.T) {
	r := NewReporter(WithHistoryCapacity(2))
	r.Pending("op-1", "create_bounty", "b-1", "")
	r.Pending("op-2", "create_bounty", "b-2", "")
	r.Pending("op-3", "create_bounty", "b-3", "")

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(events))
	}
	if events[0].OperationID != "op-2" || events[1].OperationID != "op-3" {
		t.Fatalf("expected oldest event evicted, got %+v", events)
	}
}

func TestReporterHistoryTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewReporter(WithHistoryTTL(time.Minute), withClock(func() time.Time { return now }))

	r.Pending("op-1", "create_bounty", "b-1", "")
	now = now.Add(2 * time.Minute)
	r.Pending("op-2", "create_bounty", "b-2", "")

	events := r.Events()
	if len(events) != 1 || events[0].OperationID != "op-2" {
		t.Fatalf("expected only fresh event retained, got %+v", events)
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	r := NewReporter()
	_, cancel := r.Subscribe()
	cancel()
	cancel()

	// Publishing after cancellation must not panic on the closed channel.
	r.Pending("op-1", "create_bounty", "b-1", "")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	r := NewReporter()
	ch, cancel := r.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		r.Pending("op", "join_bounty", "b-1", "")
	}
	// The buffer is full; extra events were dropped, not queued.
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}
