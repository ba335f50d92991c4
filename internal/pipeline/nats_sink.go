package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketfeed/core/internal/event"
	"github.com/nats-io/nats.go"
)

// NatsStorageSink is the production StorageSink: it publishes each
// appended event to a JetStream subject keyed by type and symbol so a
// downstream durable-persistence layer can consume independently.
type NatsStorageSink struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
}

// wireEvent is the JSON-serializable projection of event.MarketEvent
// published to JetStream; Payload is flattened since it is an
// interface and MarketEvent itself carries no json tags.
type wireEvent struct {
	ReceiveTime             time.Time `json:"receive_time"`
	EventTime               time.Time `json:"event_time"`
	Source                  string    `json:"source"`
	Type                    string    `json:"type"`
	Symbol                  string    `json:"symbol"`
	CanonicalSymbol         string    `json:"canonical_symbol,omitempty"`
	CanonicalVenue          string    `json:"canonical_venue,omitempty"`
	Tier                    string    `json:"tier"`
	CanonicalizationVersion int       `json:"canonicalization_version"`
	SequenceNumber          uint64    `json:"sequence_number"`
	Payload                 any       `json:"payload,omitempty"`
}

// NewNatsStorageSink dials url and resolves a JetStream context.
// subjectPrefix defaults to "market" (see config.NATSSubject).
func NewNatsStorageSink(url, subjectPrefix string, opts ...nats.Option) (*NatsStorageSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("resolve jetstream context: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "market"
	}
	return &NatsStorageSink{nc: nc, js: js, subjectPrefix: subjectPrefix}, nil
}

func (s *NatsStorageSink) subject(evt event.MarketEvent) string {
	symbol := evt.Symbol
	if symbol == "" {
		symbol = "_"
	}
	return fmt.Sprintf("%s.%s.%s", s.subjectPrefix, evt.Type.String(), symbol)
}

// Append publishes evt asynchronously; JetStream batches the publish
// acks internally, satisfying the pipeline's expectation that Append is
// cheap enough to call once per event inside a consumer batch.
func (s *NatsStorageSink) Append(_ context.Context, evt event.MarketEvent) error {
	payload, err := json.Marshal(wireEvent{
		ReceiveTime:             evt.ReceiveTime,
		EventTime:               evt.EventTime,
		Source:                  evt.Source,
		Type:                    evt.Type.String(),
		Symbol:                  evt.Symbol,
		CanonicalSymbol:         evt.CanonicalSymbol,
		CanonicalVenue:          evt.CanonicalVenue,
		Tier:                    evt.Tier.String(),
		CanonicalizationVersion: evt.CanonicalizationVersion,
		SequenceNumber:          evt.SequenceNumber,
		Payload:                 evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.js.PublishAsync(s.subject(evt), payload)
	return err
}

// Flush waits for every outstanding PublishAsync to be acked, bounded
// by the deadline of the ctx the caller passes in.
func (s *NatsStorageSink) Flush(ctx context.Context) error {
	select {
	case <-s.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose drains in-flight publishes then closes the connection.
func (s *NatsStorageSink) Dispose(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		s.nc.Close()
		return err
	}
	s.nc.Close()
	return nil
}
