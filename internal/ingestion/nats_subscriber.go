package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// IntentStream holds every intent subject.
const IntentStream = "STAKEFLOW_INTENTS"

// NATSSubscriber consumes intents from JetStream and hands them to the
// dispatcher via intentChan.
type NATSSubscriber struct {
	js         jetstream.JetStream
	intentChan chan<- RawIntent
	consumers  []jetstream.ConsumeContext
	logger     zerolog.Logger
}

// RawIntent is an undecoded intent message.
type RawIntent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once dispatched or discarded
	NakFunc   func() // NAK to have it redelivered
}

// SubjectConfig maps a subject to a request kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
}

// DefaultSubjects returns one subject per request kind.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "stakeflow.intents.stake", Kind: "stake", ConsumerName: "stakeflow-stake"},
		{Subject: "stakeflow.intents.withdraw", Kind: "withdraw", ConsumerName: "stakeflow-withdraw"},
		{Subject: "stakeflow.intents.harvest", Kind: "harvest", ConsumerName: "stakeflow-harvest"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, intentChan chan<- RawIntent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		intentChan: intentChan,
		logger:     logger,
	}
}

// Subscribe creates a durable consumer per subject. Intents are not
// idempotent on chain, so redelivery is capped at one retry.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, IntentStream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    2,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawIntent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.intentChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the intent stream if it doesn't exist. Intents
// older than an hour are stale and dropped by the server.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      IntentStream,
		Subjects:  []string{"stakeflow.intents.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", IntentStream, err)
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stakeflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
