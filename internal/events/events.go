package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects published by the main node. Consumers (alerting, audit sinks)
// subscribe to these.
const (
	SubjectAccessVisit     = "access.visit"
	SubjectAccessAmbiguous = "access.ambiguous"
	SubjectTaskFailed      = "task.failed_permanently"
)

// Publisher delivers audit/security events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close()
}

// NATSPublisher publishes JSON events to a NATS broker.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the broker at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish marshals data to JSON and publishes it on subject.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	log.Debug().Str("subject", subject).Msg("publishing event")
	return p.conn.Publish(subject, payload)
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, data any) error { return nil }
func (NoopPublisher) Close()                                                      {}
