package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/tree"
)

type recordingFactory struct {
	attached []uint32
	detached []uint32
	handled  []uint32
}

func (f *recordingFactory) AttachSession(sess *session.Session) error {
	f.attached = append(f.attached, sess.ID)
	return nil
}
func (f *recordingFactory) DetachSession(sess *session.Session) {
	f.detached = append(f.detached, sess.ID)
}
func (f *recordingFactory) HandleMessage(sess *session.Session, m *message.Message) error {
	f.handled = append(f.handled, sess.ID)
	return nil
}

type nopGateway struct{}

func (nopGateway) ReadMessage(uint32) (*message.Message, error) { return nil, nil }
func (nopGateway) WriteMessage(*message.Message) error          { return nil }
func (nopGateway) Close() error                                 { return nil }
func (nopGateway) RemoteAddr() string                            { return "nop" }

func TestServerRegisterDispatchUnregister(t *testing.T) {
	factory := &recordingFactory{}
	s := New(zerolog.Nop(), factory, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	sess := session.New(1, nopGateway{}, session.Params{})
	s.Register(sess)
	s.Dispatch(1, message.New(5))

	deadline := time.After(time.Second)
	for {
		if s.SessionCount() == 1 && len(factory.handled) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("server did not process register/dispatch in time")
		case <-time.After(time.Millisecond):
		}
	}

	s.Unregister(1)
	for {
		if s.SessionCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("server did not process unregister in time")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	if len(factory.attached) != 1 || factory.attached[0] != 1 {
		t.Fatalf("attached = %v, want [1]", factory.attached)
	}
	if len(factory.detached) != 1 || factory.detached[0] != 1 {
		t.Fatalf("detached = %v, want [1]", factory.detached)
	}
}

func TestSetIdleTimeoutSchedulesASweep(t *testing.T) {
	s := New(zerolog.Nop(), &recordingFactory{}, time.Hour)
	if s.pulses.Pending() != 0 {
		t.Fatalf("pending = %d before SetIdleTimeout, want 0", s.pulses.Pending())
	}
	s.SetIdleTimeout(time.Minute)
	if s.pulses.Pending() != 1 {
		t.Fatalf("pending = %d after SetIdleTimeout, want 1", s.pulses.Pending())
	}
}

func TestSetIdleTimeoutZeroSchedulesNothing(t *testing.T) {
	s := New(zerolog.Nop(), &recordingFactory{}, time.Hour)
	s.SetIdleTimeout(0)
	if s.pulses.Pending() != 0 {
		t.Fatalf("pending = %d after SetIdleTimeout(0), want 0", s.pulses.Pending())
	}
}

func TestSweepIdleSessionsDropsStaleSessions(t *testing.T) {
	factory := &recordingFactory{}
	s := New(zerolog.Nop(), factory, time.Hour)
	s.idleTimeout = time.Minute

	sess := session.New(1, nopGateway{}, session.Params{})
	s.handleRegister(sess)
	if s.SessionCount() != 1 {
		t.Fatalf("session not registered")
	}

	now := time.Now()
	sess.Touch(now.Add(-2 * time.Minute))

	s.sweepIdleSessions(now)
	if s.SessionCount() != 0 {
		t.Fatalf("idle session was not dropped")
	}
	if len(factory.detached) != 1 || factory.detached[0] != 1 {
		t.Fatalf("detached = %v, want [1]", factory.detached)
	}
}

func TestRootAndRegistryAreWiredTogether(t *testing.T) {
	factory := &recordingFactory{}
	s := New(zerolog.Nop(), factory, time.Hour)

	if s.Root() == nil {
		t.Fatalf("root is nil")
	}
	if s.Registry() == nil {
		t.Fatalf("registry is nil")
	}

	child := s.TreeFactory().GetNewDataNode("a")
	if err := tree.PutChild(s.Root(), child, true, false); err != nil {
		t.Fatalf("putChild: %v", err)
	}
	if s.Root().ChildByName("a") == nil {
		t.Fatalf("child not attached to server root")
	}
}
