package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where entries are published when none is configured.
const DefaultSubject = "relay.activity"

// NATSPublisher publishes every entry as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. The connection keeps retrying in the
// background, so an unreachable server at startup is not an error.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("ctrlscan-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	slog.Info("activity: NATS publisher ready", "url", url, "subject", subject)
	return NewNATSPublisherFromConn(conn, subject), nil
}

// NewNATSPublisherFromConn wraps an existing connection.
func NewNATSPublisherFromConn(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

// IsConnected reports the current connection state.
func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	slog.Info("activity: NATS publisher closed")
}
