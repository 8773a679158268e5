package session

import (
	"context"
	"sync"
	"time"

	"github.com/musclereflect/muscle/internal/message"
)

// Params bounds one session's resource use, set from server configuration
// at accept time (spec §4.6).
type Params struct {
	MaxMessageSize uint32
	MaxQueueDepth  int
}

const defaultQueueDepth = 128

// Session is one connected client's server-side state: its gateway and its
// bounded outgoing channel, grounded in the teacher's per-client send
// channel (pkg/websocket/client.go's `send chan []byte`) generalized to
// carry Messages instead of pre-marshaled JSON frames.
type Session struct {
	ID      uint32
	Gateway Gateway
	Params  Params

	outgoing chan *message.Message

	mu         sync.Mutex
	closed     bool
	lastActive time.Time
}

// New creates a session bound to gw, identified by id within the server's
// session table.
func New(id uint32, gw Gateway, params Params) *Session {
	depth := params.MaxQueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Session{ID: id, Gateway: gw, Params: params, outgoing: make(chan *message.Message, depth), lastActive: time.Now()}
}

// Touch records now as the session's most recent activity, used by the
// server's idle-timeout sweep (spec §5).
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// IdleFor reports how long the session has gone without activity, as of now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Enqueue submits an outgoing message. When the channel is full it
// coalesces by dropping the oldest queued message to make room — matching
// the teacher's ring buffer overwrite behavior under backpressure — and
// reports false so the caller can track degraded sessions.
func (s *Session) Enqueue(m *message.Message) (accepted bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	select {
	case s.outgoing <- m:
		return true
	default:
	}

	select {
	case <-s.outgoing:
	default:
	}
	select {
	case s.outgoing <- m:
	default:
	}
	return false
}

// QueueDepth reports the number of messages currently queued for delivery.
func (s *Session) QueueDepth() int { return len(s.outgoing) }

// TryDequeue performs a non-blocking receive from the outgoing queue,
// mainly useful in tests that exercise session logic without running a
// real WritePump goroutine against a live gateway.
func (s *Session) TryDequeue() (*message.Message, bool) {
	select {
	case m, ok := <-s.outgoing:
		return m, ok
	default:
		return nil, false
	}
}

// WritePump drains outgoing and writes each message through the gateway
// until ctx is cancelled, the channel is closed, or a write fails.
func (s *Session) WritePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-s.outgoing:
			if !ok {
				return nil
			}
			if err := s.Gateway.WriteMessage(m); err != nil {
				return err
			}
		}
	}
}

// ReadPump blocks reading frames through the gateway and invokes handler
// for each one, until ctx is cancelled or a read fails.
func (s *Session) ReadPump(ctx context.Context, handler func(*message.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m, err := s.Gateway.ReadMessage(s.Params.MaxMessageSize)
		if err != nil {
			return err
		}
		if err := handler(m); err != nil {
			return err
		}
	}
}

// Close marks the session closed, closes the outgoing channel so WritePump
// exits, and closes the gateway. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.outgoing)
	return s.Gateway.Close()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
