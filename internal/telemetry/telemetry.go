// Package telemetry publishes lifecycle Event records (session attach and
// detach, node mutation) to NATS for external observability; it does not
// publish the server's central-state Message. Grounded in the teacher's NATS
// client (go-server/pkg/nats/client.go) connection-event handlers,
// scoped strictly to observability export: this package never carries
// authoritative tree state and is never read back to replicate the tree
// across servers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event is one observability record published to NATS.
type Event struct {
	Kind      string `json:"kind"`
	SessionID uint32 `json:"sessionId,omitempty"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	EventSessionAttached = "session.attached"
	EventSessionDetached = "session.detached"
	EventNodeMutated     = "node.mutated"
)

// Publisher is a best-effort NATS publisher: a disconnected or unreachable
// NATS server degrades telemetry, never server operation, so publish
// errors are logged and swallowed rather than propagated.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// Connect dials url (e.g. "nats://localhost:4222") and returns a Publisher
// publishing under subject. A nil *Publisher's methods are safe no-ops, so
// callers can skip telemetry entirely when NATS_URL is unset.
func Connect(url, subject string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("telemetry: disconnected from NATS")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("telemetry: reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect: %w", err)
	}
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Publish sends ev, stamping the current time (Unix nanoseconds). A nil
// Publisher is a no-op.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := stamp(ev, time.Now())
	if err != nil {
		p.log.Warn().Err(err).Msg("telemetry: marshal failed")
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Debug().Err(err).Msg("telemetry: publish failed")
	}
}

// stamp sets ev.Timestamp to now and marshals it, split out from Publish so
// the stamping behavior is testable without a live NATS connection.
func stamp(ev Event, now time.Time) ([]byte, error) {
	ev.Timestamp = now.UnixNano()
	return json.Marshal(ev)
}

// Close closes the NATS connection without draining it. A nil Publisher is
// a no-op.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
