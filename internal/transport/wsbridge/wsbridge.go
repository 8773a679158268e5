// Package wsbridge is an optional secondary transport (spec §6's browser/
// debug access path): it tunnels the same Flatten()ed Message frames inside
// binary WebSocket frames instead of raw TCP length-prefixing, so a
// JavaScript client behind an HTTP(S) front door can speak the protocol
// without a custom socket. Grounded directly in the teacher's
// gorilla/websocket client (pkg/websocket/client.go) upgrade handshake and
// read/write pump pair, kept here as a second transport next to the raw TCP
// one the spec requires. It is an http.Handler, not a server.AcceptFactory:
// it registers sessions with the server itself.
package wsbridge

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsGateway adapts a *websocket.Conn to session.Gateway: each WebSocket
// binary message carries exactly one Flatten()ed Message, so no extra
// length prefix is needed on top of WebSocket's own framing.
type wsGateway struct {
	conn *websocket.Conn
}

func (g *wsGateway) ReadMessage(maxSize uint32) (*message.Message, error) {
	g.conn.SetReadLimit(int64(maxSize))
	_, data, err := g.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message.Unflatten(data)
}

func (g *wsGateway) WriteMessage(m *message.Message) error {
	return g.conn.WriteMessage(websocket.BinaryMessage, m.Flatten())
}

func (g *wsGateway) Close() error { return g.conn.Close() }

func (g *wsGateway) RemoteAddr() string { return g.conn.RemoteAddr().String() }

// Transport serves the WebSocket bridge as an http.Handler; musclesrv runs
// it on its own port via Listen, separate from the metrics/healthz mux.
type Transport struct {
	log    zerolog.Logger
	srv    *server.Server
	params session.Params
	gate   *auth.Gate
	ln     net.Listener
}

// New creates a bridge transport; call ServeHTTP from an http.ServeMux
// entry, or Listen to run it on its own port. gate may be nil, in which
// case every upgrade performs the handshake against a permissive gate.
func New(srv *server.Server, params session.Params, gate *auth.Gate, log zerolog.Logger) *Transport {
	if gate == nil {
		gate = auth.NewGate(nil)
	}
	return &Transport{srv: srv, params: params, gate: gate, log: log}
}

// ServeHTTP upgrades the connection and hands it to the server as a new
// session, then blocks pumping reads until the socket closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	gw := &wsGateway{conn: conn}
	if _, err := auth.Handshake(t.gate, gw, t.params.MaxMessageSize); err != nil {
		t.log.Debug().Err(err).Msg("websocket handshake rejected")
		gw.Close()
		return
	}

	sess := session.New(t.srv.NextSessionID(), gw, t.params)

	ctx := r.Context()
	go sess.WritePump(ctx)

	t.srv.Register(sess)

	err = sess.ReadPump(ctx, func(m *message.Message) error {
		t.srv.Dispatch(sess.ID, m)
		return nil
	})
	if err != nil {
		t.log.Debug().Uint32("session", sess.ID).Err(err).Msg("websocket bridge read pump exiting")
	}
	t.srv.Unregister(sess.ID)
}

// Listen starts a dedicated HTTP server for the bridge on addr, useful when
// it should not share the metrics/healthz mux's port.
func (t *Transport) Listen(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/muscle", t)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
