package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards published events to NATS. Each event goes to
// "<subject>.<event type>".
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *Logger
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string, logger *Logger) (*NATSSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if subject == "" {
		subject = "kokki.events"
	}

	conn, err := nats.Connect(url,
		nats.Name("kokki"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Debugf("forwarding events to %s (subject %s)", url, subject)
	return &NATSSink{conn: conn, subject: subject, logger: logger}, nil
}

// Attach subscribes the sink to every event of ep.
func (s *NATSSink) Attach(ep *EventPublisher) {
	ep.Subscribe(s.Handle, nil)
}

// Handle publishes one event. Failures are logged and never interrupt a run.
func (s *NATSSink) Handle(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Warn("failed to marshal event")
		return
	}
	if err := s.conn.Publish(s.subject+"."+event.Type, data); err != nil {
		s.logger.WithError(err).Warnf("failed to publish event %s", event.Type)
	}
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.FlushTimeout(5 * time.Second)
	s.conn.Close()
	return err
}
