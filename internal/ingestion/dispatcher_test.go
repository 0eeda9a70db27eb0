package ingestion_test

import (
	"StakeFlow/internal/core"
	"StakeFlow/internal/event"
	"StakeFlow/internal/ingestion"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// === Test: dispatcher acks, drops invalid, and hands off ===

func TestDispatcher_AcksAndDispatches(t *testing.T) {
	rawChan := make(chan ingestion.RawIntent, 8)

	var mu sync.Mutex
	var handled []*ingestion.Intent
	handler := func(ctx context.Context, intent *ingestion.Intent) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, intent)
		if intent.Request.Kind == core.KindWithdraw {
			return &core.BusyError{}
		}
		return nil
	}

	var acks, naks atomic.Int32
	send := func(subject string, payload interface{}) {
		raw := rawFromJSON(t, subject, payload)
		raw.AckFunc = func() { acks.Add(1) }
		raw.NakFunc = func() { naks.Add(1) }
		rawChan <- raw
	}

	account := "0x0000000000000000000000000000000000000B0B"
	send("stakeflow.intents.stake", map[string]string{"account": account, "amount": "1"})
	send("stakeflow.intents.withdraw", map[string]string{"account": account, "amount": "1"})
	send("stakeflow.intents.unknown", map[string]string{"account": account})
	send("stakeflow.intents.harvest", map[string]string{"account": "bad"})
	close(rawChan)

	d := ingestion.NewDispatcher(rawChan, ingestion.DefaultSubjects(), handler, zerolog.Nop(), nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := acks.Load(); got != 4 {
		t.Errorf("acks: got %d, want 4", got)
	}
	if got := naks.Load(); got != 0 {
		t.Errorf("naks: got %d, want 0", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("handled: got %d, want 2", len(handled))
	}
}

// === Test: outbound publisher fans out to sinks ===

type memorySink struct {
	name string
	fail bool

	mu     sync.Mutex
	events []event.OperationEvent
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Publish(ctx context.Context, evt event.OperationEvent) error {
	if s.fail {
		return errors.New("broker down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func TestOutboundPublisher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	in := make(chan event.OperationEvent, 4)
	good := &memorySink{name: "good"}
	bad := &memorySink{name: "bad", fail: true}

	in <- event.New(event.EventTypeRequested, "r1", "0xabc", "stake", "Validating")
	in <- event.New(event.EventTypeSucceeded, "r1", "0xabc", "stake", "Idle")
	close(in)

	p := ingestion.NewOutboundPublisher(in, zerolog.Nop(), nil, bad, good)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(good.events) != 2 {
		t.Fatalf("good sink: got %d events, want 2", len(good.events))
	}
	if got := ingestion.EventSubject(good.events[1]); got != "stakeflow.events.succeeded" {
		t.Errorf("subject: got %s", got)
	}
}

func TestOutboundPublisher_StopsOnCancel(t *testing.T) {
	in := make(chan event.OperationEvent)
	ctx, cancel := context.WithCancel(context.Background())
	p := ingestion.NewOutboundPublisher(in, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}
