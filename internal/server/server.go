// Package server implements the single-threaded cooperative reflect-server
// event loop (spec §4.6): one goroutine owns the session table and the
// shared tree, driven entirely by a register/unregister/mutate/pulse
// select loop, grounded in the teacher's hub (pkg/websocket/hub.go) Run()
// shape generalized from a client broadcast hub to a tree-reflecting
// session table.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/muserr"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/subscribe"
	"github.com/musclereflect/muscle/internal/telemetry"
	"github.com/musclereflect/muscle/internal/tree"
)

// SessionFactory builds the per-connection application logic (the storage
// reflect session in this server) bound to a newly accepted session.
type SessionFactory interface {
	AttachSession(sess *session.Session) error
	DetachSession(sess *session.Session)
	HandleMessage(sess *session.Session, m *message.Message) error
}

// AcceptFactory is implemented by a transport (raw TCP, the WebSocket
// bridge) to hand freshly accepted connections to the server.
type AcceptFactory interface {
	Accept(ctx context.Context, incoming chan<- *session.Session) error
	Close() error
}

// Server owns the shared tree, the subscription registry, and the session
// table. All mutation of that state happens on the single goroutine
// running Run, matching spec §4.6's single-threaded cooperative model.
type Server struct {
	log zerolog.Logger

	root        *tree.DataNode
	registry    *subscribe.Registry
	factory     SessionFactory
	treeFactory *tree.Factory

	sessions map[uint32]*session.Session
	nextID   uint32

	incoming   chan *session.Session
	unregister chan uint32
	messages   chan sessionMessage
	pulses     *PulseScheduler

	pulseInterval time.Duration
	idleTimeout   time.Duration
	telemetry     *telemetry.Publisher

	mu sync.Mutex // guards nextID/sessions snapshot reads from other goroutines (metrics)
}

type sessionMessage struct {
	sessionID uint32
	msg       *message.Message
}

// New creates a server rooted at an empty tree, ready to accept sessions
// once Run is started. factory may be nil and supplied later via
// SetFactory — useful when the factory itself (e.g. a
// storage.StorageReflectSession) needs a reference to the server being
// constructed. pulseInterval controls how often queued subscriber updates
// are flushed to sockets.
func New(log zerolog.Logger, factory SessionFactory, pulseInterval time.Duration) *Server {
	s := &Server{
		log:           log,
		sessions:      make(map[uint32]*session.Session),
		incoming:      make(chan *session.Session, 64),
		unregister:    make(chan uint32, 64),
		messages:      make(chan sessionMessage, 256),
		pulses:        NewPulseScheduler(),
		pulseInterval: pulseInterval,
		factory:       factory,
	}

	// The tree's factory needs a notifier at construction, but the
	// registry that will serve as that notifier needs the tree's root,
	// which only the factory can mint — forward through a forwarding
	// notifier until the registry exists, then point it at the real one.
	forward := &forwardingNotifier{}
	s.treeFactory = tree.NewFactory(forward)
	s.root = s.treeFactory.NewRoot("root").Obj
	s.registry = subscribe.NewRegistry(s.root)
	forward.target = s.registry

	return s
}

// forwardingNotifier breaks the construction cycle between tree.Factory
// (needs a Notifier) and subscribe.Registry (needs the factory's root).
type forwardingNotifier struct{ target tree.Notifier }

func (f *forwardingNotifier) NewNode(child *tree.DataNode) {
	if f.target != nil {
		f.target.NewNode(child)
	}
}

func (f *forwardingNotifier) NodeChanged(node *tree.DataNode, old *message.Message, flags tree.ChangeFlags) {
	if f.target != nil {
		f.target.NodeChanged(node, old, flags)
	}
}

func (f *forwardingNotifier) IndexChanged(parent *tree.DataNode, op tree.IndexOp, pos int, name string) {
	if f.target != nil {
		f.target.IndexChanged(parent, op, pos, name)
	}
}

// SetFactory installs the session factory after construction, for the
// common case where the factory itself needs a *Server reference.
func (s *Server) SetFactory(factory SessionFactory) { s.factory = factory }

// SetTelemetry installs a (possibly nil) telemetry publisher. Session
// attach/detach events are best-effort published through it; a nil
// publisher silently disables this.
func (s *Server) SetTelemetry(pub *telemetry.Publisher) { s.telemetry = pub }

// SetIdleTimeout arms a recurring sweep, scheduled on the pulse scheduler,
// that drops any session with no inbound traffic for at least d (spec §5).
// A non-positive d leaves idle sessions connected indefinitely.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
	if d <= 0 {
		return
	}
	checkEvery := d / 4
	if checkEvery < time.Second {
		checkEvery = time.Second
	}
	s.pulses.Every(checkEvery, func() { s.sweepIdleSessions(time.Now()) })
}

func (s *Server) sweepIdleSessions(now time.Time) {
	s.mu.Lock()
	var idle []uint32
	for id, sess := range s.sessions {
		if sess.IdleFor(now) >= s.idleTimeout {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		s.log.Info().Uint32("session", id).Dur("idle_timeout", s.idleTimeout).Msg("closing idle session")
		s.handleUnregister(id)
	}
}

// Root returns the server's global tree root.
func (s *Server) Root() *tree.DataNode { return s.root }

// Registry returns the subscription registry sessions register interest
// through.
func (s *Server) Registry() *subscribe.Registry { return s.registry }

// TreeFactory returns the pool-backed node factory wired to this server's
// notification path.
func (s *Server) TreeFactory() *tree.Factory { return s.treeFactory }

// Register hands a newly accepted session to the event loop for tracking.
func (s *Server) Register(sess *session.Session) { s.incoming <- sess }

// Unregister requests the event loop drop sessionID from its table.
func (s *Server) Unregister(sessionID uint32) { s.unregister <- sessionID }

// Dispatch hands an inbound client message to the event loop for
// processing on the single server goroutine.
func (s *Server) Dispatch(sessionID uint32, m *message.Message) {
	s.messages <- sessionMessage{sessionID: sessionID, msg: m}
}

// Run is the cooperative event loop. It returns when ctx is cancelled,
// draining and closing every session first.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case sess := <-s.incoming:
			s.handleRegister(sess)

		case sessionID := <-s.unregister:
			s.handleUnregister(sessionID)

		case sm := <-s.messages:
			s.handleMessage(sm)

		case now := <-ticker.C:
			s.handlePulse(now)
		}
	}
}

func (s *Server) handleRegister(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if err := s.factory.AttachSession(sess); err != nil {
		s.log.Warn().Uint32("session", sess.ID).Err(err).Msg("attach failed")
		s.handleUnregister(sess.ID)
		return
	}
	s.log.Info().Uint32("session", sess.ID).Str("remote", sess.Gateway.RemoteAddr()).Msg("session attached")
	s.telemetry.Publish(telemetry.Event{Kind: telemetry.EventSessionAttached, SessionID: sess.ID})
}

func (s *Server) handleUnregister(sessionID uint32) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.factory.DetachSession(sess)
	s.registry.UnsubscribeAll(sessionID)
	sess.Close()
	s.log.Info().Uint32("session", sessionID).Msg("session detached")
	s.telemetry.Publish(telemetry.Event{Kind: telemetry.EventSessionDetached, SessionID: sessionID})
}

func (s *Server) handleMessage(sm sessionMessage) {
	s.mu.Lock()
	sess, ok := s.sessions[sm.sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Touch(time.Now())
	if err := s.factory.HandleMessage(sess, sm.msg); err != nil {
		if muserr.Of(err) == muserr.IOError {
			s.handleUnregister(sm.sessionID)
			return
		}
		s.log.Debug().Uint32("session", sm.sessionID).Err(err).Msg("message handling error")
	}
}

func (s *Server) handlePulse(now time.Time) {
	s.pulses.FireDue(now)

	pending := s.registry.DrainPulse()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, updates := range pending {
		sess, ok := s.sessions[sessionID]
		if !ok {
			continue
		}
		for _, u := range updates {
			out := message.New(updateWhat(u.Removed))
			out.SetString("path", u.Path)
			if u.Payload != nil {
				out.SetMessages("payload", u.Payload)
			}
			if u.OldPayload != nil {
				out.SetMessages("oldPayload", u.OldPayload)
			}
			if ok := sess.Enqueue(out); !ok {
				s.log.Debug().Uint32("session", sessionID).Str("path", u.Path).Msg("outgoing queue full, dropped oldest update")
			}
		}
	}
}

func updateWhat(removed bool) uint32 {
	if removed {
		return WhatNodeRemoved
	}
	return WhatNodeChanged
}

// Well-known what-codes for server-originated notifications (spec §4.4).
const (
	WhatNodeChanged uint32 = 0x4e4f4443 // "NODC"
	WhatNodeRemoved uint32 = 0x4e4f4452 // "NODR"
)

func (s *Server) shutdown() {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.handleUnregister(id)
	}
	if err := s.treeFactory.AssertDrained(); err != nil {
		s.log.Warn().Err(err).Msg("tree factory not fully drained at shutdown")
	}
}

// NextSessionID allocates the next monotonic session id.
func (s *Server) NextSessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// SessionCount reports the number of currently attached sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
