package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/musclereflect/muscle/internal/message"
)

type fakeHandshakeGateway struct {
	toRead  *message.Message
	written *message.Message
}

func (g *fakeHandshakeGateway) ReadMessage(maxSize uint32) (*message.Message, error) {
	if g.toRead == nil {
		return nil, errors.New("no message queued")
	}
	return g.toRead, nil
}

func (g *fakeHandshakeGateway) WriteMessage(m *message.Message) error {
	g.written = m
	return nil
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	tok, err := m.Issue("alice", "admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Privilege != "admin" {
		t.Fatalf("claims = %+v, want subject=alice privilege=admin", claims)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	tok, _ := m.Issue("bob", "user")

	if _, err := m.Verify(tok + "x"); err == nil {
		t.Fatal("expected verification failure for tampered token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1 := NewManager("secret-one", time.Hour)
	m2 := NewManager("secret-two", time.Hour)

	tok, _ := m1.Issue("carol", "user")
	if _, err := m2.Verify(tok); err == nil {
		t.Fatal("expected verification failure for mismatched secret")
	}
}

func TestHandshakeAdmitsValidToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	tok, _ := m.Issue("dave", "admin")
	gate := NewGate(m)

	req := message.New(WhatAuth)
	req.SetString(tokenField, tok)
	gw := &fakeHandshakeGateway{toRead: req}

	claims, err := Handshake(gate, gw, 4096)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if claims.Subject != "dave" {
		t.Fatalf("claims.Subject = %q, want dave", claims.Subject)
	}
	if gw.written == nil || gw.written.What != WhatAuthReply {
		t.Fatalf("expected a WhatAuthReply frame to be written")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	gate := NewGate(m)

	req := message.New(WhatAuth)
	req.SetString(tokenField, "not-a-real-token")
	gw := &fakeHandshakeGateway{toRead: req}

	if _, err := Handshake(gate, gw, 4096); err == nil {
		t.Fatal("expected handshake to reject an invalid token")
	}
	if gw.written == nil {
		t.Fatal("expected a reply frame to still be written on rejection")
	}
}

func TestHandshakeRejectsWrongFrameType(t *testing.T) {
	gate := NewGate(nil)
	req := message.New(0x12345678)
	gw := &fakeHandshakeGateway{toRead: req}

	if _, err := Handshake(gate, gw, 4096); err == nil {
		t.Fatal("expected handshake to reject a non-auth first frame")
	}
}

func TestGateWithNilManagerAlwaysAdmits(t *testing.T) {
	g := NewGate(nil)
	claims, err := g.Admit("anything, or even empty string")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if claims.Subject != "anonymous" {
		t.Fatalf("claims = %+v, want anonymous default", claims)
	}
}
