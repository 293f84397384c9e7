package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DSCLedger/internal/engine"
)

// OutboundPublisher publishes committed ledger events to NATS for
// downstream consumers. Subjects follow the pattern:
// dsc.ledger.events.{event_type}.{user}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

// Wire format for outbound events. Payload is the engine's own
// JSON-encoded event body, forwarded as-is.
type outboundEventJSON struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	User           string          `json:"user"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop. Publish failures are
// non-fatal: the event log in Postgres stays the source of truth and
// downstream consumers can query it directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	env := out.Envelope
	data, err := json.Marshal(outboundEventJSON{
		Sequence:       env.Sequence,
		EventType:      env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		User:           env.User,
		Payload:        json.RawMessage(env.Payload),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("dsc.ledger.events.%s.%s", env.Type.String(), env.User)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}
