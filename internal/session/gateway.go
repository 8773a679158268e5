// Package session implements the per-connection abstract session and its
// length-prefixed message gateway (spec §4.5), grounded in the teacher's
// read/write pump pair (ws/internal/shared/pump_read.go, pump_write.go) and
// its ring-buffered outbox (pkg/websocket/ring_buffer.go).
package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/muserr"
)

// Gateway abstracts the wire transport a Session reads/writes Messages
// through, so TCP and the WebSocket bridge can share one Session
// implementation (spec §4.5's AbstractMessageIOGateway role).
type Gateway interface {
	ReadMessage(maxSize uint32) (*message.Message, error)
	WriteMessage(m *message.Message) error
	Close() error
	RemoteAddr() string
}

// frameHeaderSize is the 4-byte big-endian payload-length prefix preceding
// every Flatten()ed message on the wire. This is a header around the
// bespoke Message codec, not part of it — kept big-endian ("network byte
// order") by convention for the outermost framing layer, distinct from the
// little-endian encoding spec §4.1 mandates inside the payload itself.
const frameHeaderSize = 4

// MessageGateway frames Messages over a net.Conn: a 4-byte length prefix
// followed by that many bytes of Flatten() output.
type MessageGateway struct {
	conn net.Conn
}

// NewMessageGateway wraps conn in the length-prefixed framing protocol.
func NewMessageGateway(conn net.Conn) *MessageGateway {
	return &MessageGateway{conn: conn}
}

// ReadMessage blocks for one full frame, rejecting anything whose declared
// size exceeds maxSize before allocating a buffer for it (spec §4.5
// "Fault on oversized" behavior, protecting against a hostile size prefix
// forcing a large allocation).
func (g *MessageGateway) ReadMessage(maxSize uint32) (*message.Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(g.conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("gateway: zero-length frame: %w", muserr.BadData)
	}
	if size > maxSize {
		return nil, fmt.Errorf("gateway: frame size %d exceeds limit %d: %w", size, maxSize, muserr.OutOfMemory)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(g.conn, buf); err != nil {
		return nil, err
	}
	return message.Unflatten(buf)
}

// WriteMessage flattens m and writes it as one length-prefixed frame.
func (g *MessageGateway) WriteMessage(m *message.Message) error {
	data := m.Flatten()
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := g.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := g.conn.Write(data)
	return err
}

// Close closes the underlying connection.
func (g *MessageGateway) Close() error { return g.conn.Close() }

// RemoteAddr returns the peer address string, used in logging and in the
// session subtree's host-keyed path segment (spec §4.6).
func (g *MessageGateway) RemoteAddr() string { return g.conn.RemoteAddr().String() }
