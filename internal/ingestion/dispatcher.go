package ingestion

import (
	"StakeFlow/internal/core"
	"StakeFlow/internal/observability"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler runs one intent to completion.
type Handler func(ctx context.Context, intent *Intent) error

// Dispatcher turns raw intents into orchestrator requests. Messages are
// acked once parsed and handed off, not after the operation finishes:
// confirmations can outlast AckWait, and redelivering a write intent
// risks submitting it twice. Invalid messages are acked and dropped.
type Dispatcher struct {
	rawChan  <-chan RawIntent
	subjects []SubjectConfig
	handle   Handler
	dedup    *Deduper
	logger   zerolog.Logger
	metrics  *observability.Metrics

	wg sync.WaitGroup
}

func NewDispatcher(rawChan <-chan RawIntent, subjects []SubjectConfig, handle Handler, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		rawChan:  rawChan,
		subjects: subjects,
		handle:   handle,
		logger:   logger,
		metrics:  metrics,
	}
}

// WithDedup drops intents whose request ID was already dispatched.
func (d *Dispatcher) WithDedup(dedup *Deduper) *Dispatcher {
	d.dedup = dedup
	return d
}

// Run blocks until ctx is done or rawChan is closed, then waits for
// in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.dispatch(ctx, raw)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, raw RawIntent) {
	kind, err := ResolveKind(raw.Subject, d.subjects)
	if err != nil {
		d.discard(raw, "unknown_subject", err)
		return
	}

	intent, err := ParseIntent(raw, kind)
	if err != nil {
		d.discard(raw, "parse", err)
		return
	}

	if d.dedup != nil && !d.dedup.Admit(ctx, intent.Request.ID) {
		d.discard(raw, "duplicate", fmt.Errorf("request %s already dispatched", intent.Request.ID))
		return
	}

	if d.metrics != nil {
		d.metrics.IntentsReceived.WithLabelValues(kind.String()).Inc()
	}
	raw.AckFunc()

	// Each intent runs on its own goroutine so that accounts proceed
	// independently; same-account overlap is rejected as busy.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.handle(ctx, intent); err != nil {
			errKind := core.Classify(err)
			if errKind == core.ErrKindBusy && d.metrics != nil {
				d.metrics.IntentsDiscarded.WithLabelValues("busy").Inc()
			}
			d.logger.Warn().
				Str("account", intent.Account.Hex()).
				Str("request_id", intent.Request.ID).
				Str("kind", kind.String()).
				Str("error_kind", errKind.String()).
				Err(err).
				Msg("intent failed")
		}
	}()
}

func (d *Dispatcher) discard(raw RawIntent, reason string, err error) {
	if d.metrics != nil {
		d.metrics.IntentsDiscarded.WithLabelValues(reason).Inc()
	}
	d.logger.Warn().Str("subject", raw.Subject).Str("reason", reason).Err(err).Msg("intent discarded")
	raw.AckFunc()
}
