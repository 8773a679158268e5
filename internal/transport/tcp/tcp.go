// Package tcp is the primary AcceptFactory (spec §4.6, §6): a raw TCP
// listener producing sessions framed with internal/session's
// length-prefixed MessageGateway. Grounded in the teacher's listener setup
// (cmd/main.go) generalized from net/http's upgrade handshake to a bare
// net.Listener accept loop, since spec §6 calls for a plain TCP socket
// rather than an HTTP-upgraded one.
package tcp

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
)

// Transport listens on a TCP address and hands accepted connections to the
// server as sessions.
type Transport struct {
	log      zerolog.Logger
	listener net.Listener
	srv      *server.Server
	params   session.Params
	gate     *auth.Gate
}

// Listen binds addr (host:port, e.g. ":2960") and returns a Transport ready
// to Accept. gate may be nil, in which case every connection performs the
// handshake against a permissive gate (see auth.NewGate(nil)).
func Listen(addr string, srv *server.Server, params session.Params, gate *auth.Gate, log zerolog.Logger) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		gate = auth.NewGate(nil)
	}
	return &Transport{log: log, listener: ln, srv: srv, params: params, gate: gate}, nil
}

// Addr returns the bound local address, useful when addr was ":0" in
// tests.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// Accept runs the listener's accept loop until ctx is cancelled or the
// listener is closed, sending each connection that passes the handshake to
// incoming as a new session; the receiver registers it with the server.
func (t *Transport) Accept(ctx context.Context, incoming chan<- *session.Session) error {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		gw := session.NewMessageGateway(conn)
		if _, err := auth.Handshake(t.gate, gw, t.params.MaxMessageSize); err != nil {
			t.log.Debug().Err(err).Str("remote", gw.RemoteAddr()).Msg("tcp handshake rejected")
			gw.Close()
			continue
		}

		sess := session.New(t.srv.NextSessionID(), gw, t.params)
		t.log.Debug().Uint32("session", sess.ID).Str("remote", gw.RemoteAddr()).Msg("tcp accept")

		go sess.WritePump(ctx)
		go t.pumpReads(ctx, sess)

		incoming <- sess
	}
}

// pumpReads forwards every frame the client sends to the server's single
// event-loop goroutine via Dispatch, and unregisters the session the
// moment the connection drops or sends something malformed enough to
// break framing.
func (t *Transport) pumpReads(ctx context.Context, sess *session.Session) {
	err := sess.ReadPump(ctx, func(m *message.Message) error {
		t.srv.Dispatch(sess.ID, m)
		return nil
	})
	if err != nil {
		t.log.Debug().Uint32("session", sess.ID).Err(err).Msg("tcp read pump exiting")
	}
	t.srv.Unregister(sess.ID)
}

// Close stops accepting new connections.
func (t *Transport) Close() error { return t.listener.Close() }
