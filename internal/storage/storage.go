// Package storage implements the StorageReflectSession (spec §4.7): the
// per-connection application logic that translates client request
// what-codes into tree mutations, subscription registry calls, and
// response/notification Messages. Grounded in the teacher's per-client
// message handler (pkg/websocket/client.go's readPump dispatch switch),
// generalized from a fixed JSON message-type switch to the tree-reflection
// request set.
package storage

import (
	"fmt"
	"net"
	"sync"

	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/muserr"
	"github.com/musclereflect/muscle/internal/server"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/tree"
)

// maxPathDepth bounds wildcard tree walks triggered by a client request.
const maxPathDepth = 64

// Limits bounds per-session resource use enforced by StorageReflectSession,
// sourced from config.Config (spec §3.4, §4.4, §6).
type Limits struct {
	SubscribeRateHz float64 // token-bucket replenishment rate; 0 disables limiting
	SubscribeBurst  int
	MaxNodesPerSess int // 0 disables the cap
}

// StorageReflectSession is the server.SessionFactory implementation that
// gives every attached session a subtree rooted at
// /<remoteHost>/<sessionID, zero-padded> and answers its requests.
type StorageReflectSession struct {
	srv    *server.Server
	limits Limits

	mu           sync.Mutex
	sessionRoots map[uint32]*tree.DataNode
	nodeCounts   map[uint32]int // sessionID -> nodes created by that session, toward limits.MaxNodesPerSess
}

// New creates a storage session factory bound to srv's tree and registry,
// enforcing limits on every attached session.
func New(srv *server.Server, limits Limits) *StorageReflectSession {
	return &StorageReflectSession{
		srv:          srv,
		limits:       limits,
		sessionRoots: make(map[uint32]*tree.DataNode),
		nodeCounts:   make(map[uint32]int),
	}
}

// reserveNode charges one node creation against sessionID's budget,
// rejecting the request once limits.MaxNodesPerSess is reached (spec §6).
func (s *StorageReflectSession) reserveNode(sessionID uint32) error {
	if s.limits.MaxNodesPerSess <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeCounts[sessionID] >= s.limits.MaxNodesPerSess {
		return fmt.Errorf("storage: session %d exceeded max nodes per session: %w", sessionID, muserr.OutOfMemory)
	}
	s.nodeCounts[sessionID]++
	return nil
}

// AttachSession creates the session's subtree node, named with a
// zero-padded session id under a per-host grouping node, matching the
// classic MUSCLE layout so wildcard patterns like "127.0.0.1/*" can address
// "any session from host 127.0.0.1".
func (s *StorageReflectSession) AttachSession(sess *session.Session) error {
	host, _, err := net.SplitHostPort(sess.Gateway.RemoteAddr())
	if err != nil || host == "" {
		host = "unknown"
	}

	root := s.srv.Root()
	factory := s.srv.TreeFactory()

	hostNode := root.ChildByName(host)
	if hostNode == nil {
		hostRef := factory.GetNewDataNode(host)
		if err := tree.PutChild(root, hostRef, true, false); err != nil {
			hostRef.Release()
			return err
		}
		hostNode = hostRef.Obj
	}

	sessName := fmt.Sprintf("%012d", sess.ID)
	sessRef := factory.GetNewDataNode(sessName)
	if err := tree.PutChild(hostNode, sessRef, true, false); err != nil {
		sessRef.Release()
		return err
	}

	s.mu.Lock()
	s.sessionRoots[sess.ID] = sessRef.Obj
	s.mu.Unlock()

	if s.limits.SubscribeRateHz > 0 {
		s.srv.Registry().SetRateLimit(sess.ID, s.limits.SubscribeRateHz, s.limits.SubscribeBurst)
	}
	return nil
}

// DetachSession removes the session's subtree and every subscription it
// held.
func (s *StorageReflectSession) DetachSession(sess *session.Session) {
	s.mu.Lock()
	node, ok := s.sessionRoots[sess.ID]
	delete(s.sessionRoots, sess.ID)
	delete(s.nodeCounts, sess.ID)
	s.mu.Unlock()

	s.srv.Registry().UnsubscribeAll(sess.ID)

	if !ok || node.Parent() == nil {
		return
	}
	_ = tree.RemoveChild(node.Parent(), node.Name(), true, true)
}

// HandleMessage dispatches one client request to the matching tree/
// registry operation and enqueues any reply.
func (s *StorageReflectSession) HandleMessage(sess *session.Session, m *message.Message) error {
	switch m.What {
	case WhatPing:
		return s.handlePing(sess, m)
	case WhatSetData:
		return s.handleSetData(sess, m)
	case WhatGetData:
		return s.handleGetData(sess, m)
	case WhatRemoveNodes:
		return s.handleRemoveNodes(m)
	case WhatSubscribe:
		return s.handleSubscribe(sess, m)
	case WhatUnsubscribe:
		return s.handleUnsubscribe(sess, m)
	case WhatInsertOrdered:
		return s.handleInsertOrdered(sess, m)
	case WhatReorderIndex:
		return s.handleReorderIndex(m)
	default:
		return fmt.Errorf("storage: unrecognized what-code %#x: %w", m.What, muserr.Unimplemented)
	}
}

func (s *StorageReflectSession) handlePing(sess *session.Session, m *message.Message) error {
	reply := message.New(WhatPong)
	if f, err := m.GetField("seq", message.TypeInt64); err == nil {
		reply.AddField("seq", f)
	}
	sess.Enqueue(reply)
	return nil
}

func pathField(m *message.Message) (string, error) {
	return m.GetString("path")
}

func payloadField(m *message.Message) *message.Message {
	f, err := m.GetField("data", message.TypeMessage)
	if err != nil || len(f.Messages) == 0 {
		return nil
	}
	return f.Messages[0]
}

func (s *StorageReflectSession) handleSetData(sess *session.Session, m *message.Message) error {
	path, err := pathField(m)
	if err != nil {
		return err
	}
	payload := payloadField(m)
	if payload == nil {
		return fmt.Errorf("storage: set-data missing payload: %w", muserr.BadArgument)
	}

	matches, err := tree.FindMatchingNodes(s.srv.Root(), path, maxPathDepth)
	if err != nil {
		node, createErr := s.createPath(sess.ID, path)
		if createErr != nil {
			return createErr
		}
		matches = []*tree.DataNode{node}
	}
	for _, node := range matches {
		tree.SetData(node, payload.Clone(), true, tree.FlagIncludeOldPayload)
	}
	return nil
}

// createPath walks/creates a literal (non-wildcard) path one segment at a
// time, matching the classic MUSCLE behavior of set-data implicitly
// creating intermediate nodes. Each newly created segment is charged
// against sessionID's node budget (spec §6).
func (s *StorageReflectSession) createPath(sessionID uint32, path string) (*tree.DataNode, error) {
	cur := s.srv.Root()
	factory := s.srv.TreeFactory()
	for _, seg := range splitPath(path) {
		child := cur.ChildByName(seg)
		if child == nil {
			if err := s.reserveNode(sessionID); err != nil {
				return nil, err
			}
			ref := factory.GetNewDataNode(seg)
			if err := tree.PutChild(cur, ref, true, false); err != nil {
				ref.Release()
				return nil, err
			}
			child = ref.Obj
		}
		cur = child
	}
	return cur, nil
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

func (s *StorageReflectSession) handleGetData(sess *session.Session, m *message.Message) error {
	path, err := pathField(m)
	if err != nil {
		return err
	}
	matches, err := tree.FindMatchingNodes(s.srv.Root(), path, maxPathDepth)
	if err != nil {
		return err
	}
	for _, node := range matches {
		reply := message.New(WhatGetDataReply)
		reply.SetString("path", node.Path())
		if p := node.Payload(); p != nil {
			reply.SetMessages("data", p)
		}
		sess.Enqueue(reply)
	}
	return nil
}

func (s *StorageReflectSession) handleRemoveNodes(m *message.Message) error {
	path, err := pathField(m)
	if err != nil {
		return err
	}
	matches, err := tree.FindMatchingNodes(s.srv.Root(), path, maxPathDepth)
	if err != nil {
		return nil // nothing matched: not an error, matches the original's tolerant remove
	}
	for _, node := range matches {
		parent := node.Parent()
		if parent == nil {
			continue // never remove the global root
		}
		_ = tree.RemoveChild(parent, node.Name(), true, true)
	}
	return nil
}

func (s *StorageReflectSession) handleSubscribe(sess *session.Session, m *message.Message) error {
	pattern, err := pathField(m)
	if err != nil {
		return err
	}
	quiet, _ := m.GetField(subscribeQuietlyField, message.TypeBool)
	isQuiet := quiet != nil && len(quiet.Bools) > 0 && quiet.Bools[0]
	return s.srv.Registry().Subscribe(sess.ID, pattern, isQuiet)
}

func (s *StorageReflectSession) handleUnsubscribe(sess *session.Session, m *message.Message) error {
	pattern, err := pathField(m)
	if err != nil {
		return err
	}
	s.srv.Registry().Unsubscribe(sess.ID, pattern)
	return nil
}

func (s *StorageReflectSession) handleInsertOrdered(sess *session.Session, m *message.Message) error {
	path, err := pathField(m)
	if err != nil {
		return err
	}
	name, _ := m.GetString("name")
	payload := payloadField(m)
	if payload == nil {
		payload = message.New(0)
	}

	matches, err := tree.FindMatchingNodes(s.srv.Root(), path, maxPathDepth)
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("storage: insert-ordered parent %q not found: %w", path, muserr.DataNotFound)
	}
	if err := s.reserveNode(sess.ID); err != nil {
		return err
	}
	_, err = tree.InsertOrderedChild(matches[0], payload.Clone(), nil, name)
	return err
}

func (s *StorageReflectSession) handleReorderIndex(m *message.Message) error {
	path, err := pathField(m)
	if err != nil {
		return err
	}
	childName, err := m.GetString("child")
	if err != nil {
		return err
	}
	beforeName, _ := m.GetString("before")

	matches, err := tree.FindMatchingNodes(s.srv.Root(), path, maxPathDepth)
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("storage: reorder parent %q not found: %w", path, muserr.DataNotFound)
	}
	parent := matches[0]
	child := parent.ChildByName(childName)
	if child == nil {
		return fmt.Errorf("storage: reorder child %q not found: %w", childName, muserr.DataNotFound)
	}
	var before *tree.DataNode
	if beforeName != "" {
		before = parent.ChildByName(beforeName)
		if before == nil {
			return fmt.Errorf("storage: reorder before-anchor %q not found: %w", beforeName, muserr.DataNotFound)
		}
	}
	return tree.ReorderChild(parent, child, before)
}
