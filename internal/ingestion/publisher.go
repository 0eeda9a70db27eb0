package ingestion

import (
	"StakeFlow/internal/event"
	"StakeFlow/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventStream holds outbound lifecycle events.
const EventStream = "STAKEFLOW_EVENTS"

// Sink delivers one lifecycle event downstream.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt event.OperationEvent) error
}

// OutboundPublisher forwards lifecycle events to every sink. Publishing
// is best effort: a failed sink is logged and the event is not retried.
type OutboundPublisher struct {
	sinks     []Sink
	inputChan <-chan event.OperationEvent
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewOutboundPublisher(inputChan <-chan event.OperationEvent, logger zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *OutboundPublisher {
	return &OutboundPublisher{
		sinks:     sinks,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.publish(ctx, evt)
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.OperationEvent) {
	for _, sink := range op.sinks {
		err := sink.Publish(ctx, evt)
		result := "ok"
		if err != nil {
			result = "error"
			op.logger.Warn().
				Str("sink", sink.Name()).
				Str("request_id", evt.RequestID).
				Str("type", evt.TypeName).
				Err(err).
				Msg("outbound publish failed")
		}
		if op.metrics != nil {
			op.metrics.EventsPublished.WithLabelValues(sink.Name(), result).Inc()
		}
	}
}

// EventSubject is stakeflow.events.{type}.
func EventSubject(evt event.OperationEvent) string {
	return fmt.Sprintf("stakeflow.events.%s", evt.TypeName)
}

// NATSSink publishes events to JetStream.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, evt event.OperationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.js.Publish(ctx, EventSubject(evt), data, jetstream.WithMsgID(evt.IdempotencyKey()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{"stakeflow.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
