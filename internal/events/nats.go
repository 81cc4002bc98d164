package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding lifecycle events.
	StreamName = "FORWARD_EVENTS"
	// SubjectPrefix prefixes every event subject: forward.events.<type>.
	SubjectPrefix = "forward.events"
)

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events to JetStream on forward.events.<type>.
type NATSPublisher struct {
	js StreamPublisher
}

// NewNATSPublisher creates a publisher over js.
func NewNATSPublisher(js StreamPublisher) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Subject returns the subject an event type is published on.
func Subject(t Type) string {
	return SubjectPrefix + "." + string(t)
}

// Publish sends e. Failures are logged; consumers can rebuild state from
// the ledger.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("nats encode event", "type", e.Type, "err", err)
		return
	}
	opts := []jetstream.PublishOpt{}
	if e.ContractID != 0 {
		opts = append(opts, jetstream.WithMsgID(fmt.Sprintf("%s.%d", e.Type, e.ContractID)))
	}
	if _, err := p.js.Publish(ctx, Subject(e.Type), data, opts...); err != nil {
		slog.Warn("nats publish failed", "type", e.Type, "contract_id", e.ContractID, "err", err)
	}
}

// ConnectJetStream dials url and returns the connection and its JetStream
// context. The caller owns the connection.
func ConnectJetStream(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("forward-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the lifecycle event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured event stream", "stream", StreamName)
	return nil
}
