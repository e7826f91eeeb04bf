package replication

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject entries are published on when none is configured.
const DefaultNATSSubject = "securestorage.replication"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes every backlog entry as JSON on a NATS subject.
// nats.Conn buffers publishes, so Publish does not wait on the network.
type NATSSink struct {
	pub     Publisher
	subject string
	close   func()
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// DialNATSSink connects to url and returns a sink owning the connection.
// The connection keeps retrying in the background when the server is down;
// publishes are buffered until it comes up.
func DialNATSSink(url, subject, name string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("replication: connect nats %s: %w", url, err)
	}
	s := NewNATSSink(conn, subject)
	s.close = conn.Close
	return s, nil
}

// Name identifies the sink in logs and metrics.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject entries are published on.
func (s *NATSSink) Subject() string { return s.subject }

// Publish sends e to the configured subject.
func (s *NATSSink) Publish(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.subject, data)
}

// Close releases the connection when the sink owns it.
func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}
