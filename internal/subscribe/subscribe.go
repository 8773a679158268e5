// Package subscribe drives pattern-based subscriptions over the tree: a
// session registers a wildcard path pattern, which is walked against the
// current tree to mark every matching node's subscriber set, and kept live
// going forward via the tree's NewNode/NodeChanged/IndexChanged hooks
// (spec §4.4). Outgoing updates are batched per pulse and rate-limited per
// session, grounded in the teacher's ring-buffered per-client outbox
// (pkg/websocket/ring_buffer.go) and its token-bucket limiter
// (ws/internal/single/limits/rate_limiter.go).
package subscribe

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/musclereflect/muscle/internal/match"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/tree"
)

// Subscription is one session's live interest in a pattern rooted under a
// fixed node.
type Subscription struct {
	SessionID uint32
	Pattern   *match.Pattern
	Quiet     bool // SUBSCRIBE_QUIETLY: register without an initial snapshot burst
}

// Update is a single node's pending change, queued for delivery to one
// session. Registry coalesces repeated updates to the same path within a
// pulse into the latest payload.
type Update struct {
	Path       string
	What       uint32
	Payload    *message.Message
	OldPayload *message.Message // set only when the triggering change carried FlagIncludeOldPayload
	Removed    bool
}

// Registry tracks every session's subscriptions against one tree root and
// fans tree mutations out to the right sessions' pending queues.
type Registry struct {
	mu            sync.Mutex
	root          *tree.DataNode
	subscriptions map[uint32][]*Subscription // sessionID -> patterns
	pending       map[uint32]map[string]*Update // sessionID -> path -> latest update
	limiters      map[uint32]*rate.Limiter
}

// NewRegistry creates a registry rooted at root with no rate limits;
// SetRateLimit installs one per session.
func NewRegistry(root *tree.DataNode) *Registry {
	return &Registry{
		root:          root,
		subscriptions: make(map[uint32][]*Subscription),
		pending:       make(map[uint32]map[string]*Update),
		limiters:      make(map[uint32]*rate.Limiter),
	}
}

// SetRateLimit installs a token-bucket limiter for sessionID: itemsPerSecond
// replenishment, burst max queued items per pulse before overflow carries
// to the next one.
func (r *Registry) SetRateLimit(sessionID uint32, itemsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[sessionID] = rate.NewLimiter(rate.Limit(itemsPerSecond), burst)
}

// Subscribe registers pattern for sessionID, walks the current tree for
// immediate matches, and (unless quiet) queues an initial snapshot update
// for each one.
func (r *Registry) Subscribe(sessionID uint32, patternText string, quiet bool) error {
	pattern := match.Compile(patternText)
	sub := &Subscription{SessionID: sessionID, Pattern: pattern, Quiet: quiet}

	r.mu.Lock()
	r.subscriptions[sessionID] = append(r.subscriptions[sessionID], sub)
	r.mu.Unlock()

	matches, err := tree.FindMatchingNodes(r.root, patternText, 64)
	if err != nil {
		return nil // no current matches is not an error; future nodes still fire hooks
	}
	for _, node := range matches {
		node.IncrementSubscriber(sessionID)
		if !quiet {
			r.queue(sessionID, node.Path(), node.Payload(), nil, false)
		}
	}
	return nil
}

// Unsubscribe removes the earliest-registered subscription for sessionID
// whose pattern text equals patternText exactly, and decrements the
// affected nodes' subscriber counts once. Other subscriptions with the same
// text stay registered.
func (r *Registry) Unsubscribe(sessionID uint32, patternText string) {
	r.mu.Lock()
	subs := r.subscriptions[sessionID]
	var kept []*Subscription
	var removed *Subscription
	for _, s := range subs {
		if removed == nil && s.Pattern.String() == patternText {
			removed = s
			continue
		}
		kept = append(kept, s)
	}
	r.subscriptions[sessionID] = kept
	r.mu.Unlock()

	if removed == nil {
		return
	}
	matches, err := tree.FindMatchingNodes(r.root, patternText, 64)
	if err != nil {
		return
	}
	for _, node := range matches {
		node.DecrementSubscriber(sessionID)
	}
}

// UnsubscribeAll drops every subscription sessionID holds, used on session
// detach.
func (r *Registry) UnsubscribeAll(sessionID uint32) {
	r.mu.Lock()
	subs := r.subscriptions[sessionID]
	delete(r.subscriptions, sessionID)
	delete(r.pending, sessionID)
	delete(r.limiters, sessionID)
	r.mu.Unlock()

	for _, s := range subs {
		matches, err := tree.FindMatchingNodes(r.root, s.Pattern.String(), 64)
		if err != nil {
			continue
		}
		for _, node := range matches {
			node.DecrementSubscriber(sessionID)
		}
	}
}

// NewNode implements tree.Notifier: a freshly created node is matched
// against every live subscription that could reach it.
func (r *Registry) NewNode(child *DataNode) { r.fanout(child, nil, false) }

type DataNode = tree.DataNode

func (r *Registry) fanout(node *DataNode, oldPayload *message.Message, removed bool) {
	path := node.Path()
	r.mu.Lock()
	var recipients []uint32
	for sessionID, subs := range r.subscriptions {
		for _, s := range subs {
			if s.Pattern.Match(trimLeadingSlash(path)) {
				recipients = append(recipients, sessionID)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, sid := range recipients {
		r.queue(sid, path, node.Payload(), oldPayload, removed)
	}
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func (r *Registry) queue(sessionID uint32, path string, payload, oldPayload *message.Message, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[sessionID] == nil {
		r.pending[sessionID] = make(map[string]*Update)
	}
	what := uint32(0)
	if payload != nil {
		what = payload.What
	}
	r.pending[sessionID][path] = &Update{Path: path, What: what, Payload: payload, OldPayload: oldPayload, Removed: removed}
}

// DrainPulse returns every session's batched updates accumulated since the
// last pulse, respecting each session's rate limit: updates beyond the
// limiter's current allowance are left queued for the next pulse instead of
// being dropped.
func (r *Registry) DrainPulse() map[uint32][]*Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint32][]*Update)
	for sessionID, byPath := range r.pending {
		limiter := r.limiters[sessionID]
		remaining := make(map[string]*Update)
		var batch []*Update
		for path, u := range byPath {
			if limiter != nil && !limiter.Allow() {
				remaining[path] = u
				continue
			}
			batch = append(batch, u)
		}
		if len(batch) > 0 {
			out[sessionID] = batch
		}
		if len(remaining) > 0 {
			r.pending[sessionID] = remaining
		} else {
			delete(r.pending, sessionID)
		}
	}
	return out
}

// IndexChanged implements tree.Notifier for ordered-index mutations,
// queued the same as a data change so sessions rebuild row order.
func (r *Registry) IndexChanged(parent *DataNode, op tree.IndexOp, pos int, name string) {
	r.fanout(parent, nil, false)
}

// NodeChanged implements tree.Notifier. The pre-mutation payload is only
// forwarded to subscribers when the change carries FlagIncludeOldPayload
// (spec §4.4, S3); otherwise old is dropped on the floor.
func (r *Registry) NodeChanged(node *DataNode, old *message.Message, flags tree.ChangeFlags) {
	var oldPayload *message.Message
	if flags&tree.FlagIncludeOldPayload != 0 {
		oldPayload = old
	}
	r.fanout(node, oldPayload, flags&tree.FlagIsBeingRemoved != 0)
}
