// Package auth gates new sessions behind a JWT bearer token, grounded in
// the teacher's JWT manager (go-server/internal/auth/jwt.go), generalized
// from an HTTP Authorization-header extractor to a pluggable hook any
// transport (raw TCP's first frame, or the WebSocket bridge's first binary
// frame after the upgrade) can call before a session is ever registered
// with the server.
// This gates connections, never tree content — spec's access-control
// surface stops at "can this socket attach a session at all".
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/musclereflect/muscle/internal/message"
)

// WhatAuth and WhatAuthReply frame the one-shot admission handshake a
// transport performs before registering a session with the server: the
// client's first frame must carry a bearer token, answered with a single
// reply before normal traffic (spec §4.7-adjacent, not a storage
// operation) begins.
const (
	WhatAuth      uint32 = 0x50415554 // "PAUT"
	WhatAuthReply uint32 = 0x52415554 // "RAUT"
)

const (
	tokenField  = "token"
	okField     = "ok"
	reasonField = "reason"
)

// Gateway is the minimal read/write surface the handshake needs; satisfied
// by session.Gateway without importing it here (session depends on nothing
// in this package, avoiding an import cycle).
type Gateway interface {
	ReadMessage(maxSize uint32) (*message.Message, error)
	WriteMessage(m *message.Message) error
}

// Handshake performs the one-shot admission check: reads a WhatAuth frame,
// verifies its token field through gate, and writes a WhatAuthReply frame
// reporting the outcome. A permissive gate (nil Manager) still requires the
// client to send the handshake frame, but accepts any token value.
func Handshake(gate *Gate, gw Gateway, maxMessageSize uint32) (*Claims, error) {
	m, err := gw.ReadMessage(maxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("auth: handshake read: %w", err)
	}
	if m.What != WhatAuth {
		return nil, fmt.Errorf("auth: expected handshake frame, got %#x", m.What)
	}
	token, _ := m.GetString(tokenField)

	claims, authErr := gate.Admit(token)

	reply := message.New(WhatAuthReply)
	reply.SetBools(okField, authErr == nil)
	if authErr != nil {
		reply.SetString(reasonField, authErr.Error())
	}
	if writeErr := gw.WriteMessage(reply); writeErr != nil {
		return nil, fmt.Errorf("auth: handshake reply: %w", writeErr)
	}
	if authErr != nil {
		return nil, fmt.Errorf("auth: denied: %w", authErr)
	}
	return claims, nil
}

// Claims identifies the connecting principal and its privilege tag, used
// to decide whether a session may attach at all.
type Claims struct {
	Subject   string `json:"sub"`
	Privilege string `json:"priv"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HS256 bearer tokens.
type Manager struct {
	secretKey []byte
	ttl       time.Duration
}

// NewManager creates a Manager signing/verifying with secretKey.
func NewManager(secretKey string, ttl time.Duration) *Manager {
	return &Manager{secretKey: []byte(secretKey), ttl: ttl}
}

// Issue mints a token for subject with the given privilege tag.
func (m *Manager) Issue(subject, privilege string) (string, error) {
	claims := &Claims{
		Subject:   subject,
		Privilege: privilege,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "musclesrv",
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	return claims, nil
}

// Gate is the pluggable connection-admission hook transports call before
// handing a connection to the server. A nil Manager (auth disabled) always
// admits.
type Gate struct {
	manager *Manager
}

// NewGate wraps manager; pass nil to build a permissive gate for
// deployments that leave REQUIRE_AUTH unset.
func NewGate(manager *Manager) *Gate { return &Gate{manager: manager} }

// Admit checks tokenString against the configured manager. It always
// admits when the gate has no manager.
func (g *Gate) Admit(tokenString string) (*Claims, error) {
	if g.manager == nil {
		return &Claims{Subject: "anonymous", Privilege: "default"}, nil
	}
	return g.manager.Verify(tokenString)
}
