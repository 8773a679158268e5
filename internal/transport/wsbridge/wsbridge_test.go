package wsbridge

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/storage"
)

func TestServeHTTPPerformsHandshakeThenRegistersSession(t *testing.T) {
	srv := server.New(zerolog.Nop(), nil, time.Hour)
	st := storage.New(srv, storage.Limits{})
	srv.SetFactory(st)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	tr := New(srv, session.Params{MaxMessageSize: 4096, MaxQueueDepth: 8}, auth.NewGate(nil), zerolog.Nop())
	ts := httptest.NewServer(tr)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := message.New(auth.WhatAuth)
	if err := conn.WriteMessage(websocket.BinaryMessage, req.Flatten()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	reply, err := message.Unflatten(data)
	if err != nil {
		t.Fatalf("unflatten reply: %v", err)
	}
	if reply.What != auth.WhatAuthReply {
		t.Fatalf("reply.What = %#x, want WhatAuthReply", reply.What)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.SessionCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session to register")
}
