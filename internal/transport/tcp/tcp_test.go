package tcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/storage"
)

type nopFactory struct{}

func (nopFactory) AttachSession(*session.Session) error                  { return nil }
func (nopFactory) DetachSession(*session.Session)                        {}
func (nopFactory) HandleMessage(*session.Session, *message.Message) error { return nil }

func TestAcceptPerformsHandshakeThenDeliversSessionToServer(t *testing.T) {
	srv := server.New(zerolog.Nop(), nil, time.Hour)
	st := storage.New(srv, storage.Limits{})
	srv.SetFactory(st)

	tr, err := Listen("127.0.0.1:0", srv, session.Params{MaxMessageSize: 4096, MaxQueueDepth: 8}, auth.NewGate(nil), zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan *session.Session, 1)
	go func() { _ = tr.Accept(ctx, incoming) }()

	conn, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	gw := session.NewMessageGateway(conn)
	if err := gw.WriteMessage(message.New(auth.WhatAuth)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	reply, err := gw.ReadMessage(4096)
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	if reply.What != auth.WhatAuthReply {
		t.Fatalf("reply.What = %#x, want WhatAuthReply", reply.What)
	}

	select {
	case sess := <-incoming:
		if sess == nil {
			t.Fatal("got nil session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted session")
	}
}

func TestAcceptClosesConnectionOnBadHandshake(t *testing.T) {
	srv := server.New(zerolog.Nop(), nopFactory{}, time.Hour)

	tr, err := Listen("127.0.0.1:0", srv, session.Params{MaxMessageSize: 4096}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan *session.Session, 1)
	go func() { _ = tr.Accept(ctx, incoming) }()

	conn, err := net.Dial("tcp", tr.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	gw := session.NewMessageGateway(conn)
	// Not a WhatAuth frame: handshake should reject it.
	if err := gw.WriteMessage(message.New(0xdeadbeef)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-incoming:
		t.Fatal("did not expect a session to be registered after a bad handshake")
	case <-time.After(200 * time.Millisecond):
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := gw.ReadMessage(4096); err != io.EOF {
		t.Fatalf("read after bad handshake: err = %v, want io.EOF from a closed connection", err)
	}
}
