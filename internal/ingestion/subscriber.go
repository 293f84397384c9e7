package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
)

// PriceSubscriber consumes the inbound price stream and pushes fresh
// observations into the per-asset live feeds the engine reads from.
// Unknown assets and malformed payloads are ACKed and dropped;
// redelivering them cannot make them valid.
type PriceSubscriber struct {
	js       jetstream.JetStream
	feeds    map[string]*oracle.LiveFeed
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, feeds map[string]*oracle.LiveFeed, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		feeds:   feeds,
		metrics: metrics,
	}
}

// Subscribe creates a durable JetStream consumer on the price stream.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       "dsc-prices",
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer dsc-prices: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		ps.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume dsc-prices: %w", err)
	}

	ps.consumer = consumerContext
	log.Printf("INFO: subscribed to %s (consumer=dsc-prices)", PriceSubjects)
	return nil
}

func (ps *PriceSubscriber) handle(msg jetstream.Msg) {
	update, err := ParsePriceUpdate(msg.Data())
	if err != nil {
		log.Printf("WARN: dropping price message on %s: %v", msg.Subject(), err)
		msg.Ack()
		return
	}

	ps.apply(update)
	msg.Ack()
}

// apply pushes a parsed update into its feed. Updates for unregistered
// assets and updates already older than the feed's staleness window are
// dropped; applying a dead-on-arrival price would only mask the feed's
// last fresh observation.
func (ps *PriceSubscriber) apply(update PriceUpdate) bool {
	feed, ok := ps.feeds[update.Asset]
	if !ok {
		log.Printf("WARN: price for unregistered asset %s, dropping", update.Asset)
		return false
	}

	age := time.Since(update.ObservedAt)
	if age > feed.StaleTimeout() {
		log.Printf("WARN: price for %s is %s old, dropping", update.Asset, age)
		if ps.metrics != nil {
			ps.metrics.StaleRejected.WithLabelValues(update.Asset).Inc()
		}
		return false
	}

	feed.SetPrice(update.Price, update.ObservedAt)
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.WithLabelValues(update.Asset).Inc()
		ps.metrics.PriceAge.WithLabelValues(update.Asset).Set(age.Seconds())
	}
	return true
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	log.Println("INFO: price subscriber stopped")
}
