// Package tree implements the DataNode hierarchy (spec §3.3, §4.3): named
// nodes with an optional payload Message, an optional ordered child index,
// and a per-node subscriber set, pool-backed per spec §4.2.
package tree

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/musclereflect/muscle/internal/match"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/muserr"
	"github.com/musclereflect/muscle/internal/pool"
)

// ChangeFlags qualify a NodeChanged notification.
type ChangeFlags uint32

const (
	// FlagIncludeOldPayload asks the notifier to carry the pre-mutation
	// payload alongside the change (spec §4.3 setData table).
	FlagIncludeOldPayload ChangeFlags = 1 << iota
	// FlagIsBeingRemoved marks a NodeChanged fired as part of removeChild.
	FlagIsBeingRemoved
)

// IndexOp identifies whether an IndexChanged notification is an insertion
// or a removal.
type IndexOp int

const (
	IndexInserted IndexOp = iota
	IndexRemoved
)

// Notifier receives the three change hooks spec §4.4 dispatches mutations
// through. The subscribe package implements this to drive fanout; tests can
// supply a recording stub.
type Notifier interface {
	NewNode(child *DataNode)
	NodeChanged(node *DataNode, oldPayload *message.Message, flags ChangeFlags)
	IndexChanged(parent *DataNode, op IndexOp, pos int, name string)
}

// NopNotifier discards every hook; useful for tree-only tests and for
// server-internal nodes no session subscribes to yet.
type NopNotifier struct{}

func (NopNotifier) NewNode(*DataNode)                                    {}
func (NopNotifier) NodeChanged(*DataNode, *message.Message, ChangeFlags) {}
func (NopNotifier) IndexChanged(*DataNode, IndexOp, int, string)         {}

// DataNode is one vertex of the shared hierarchical tree.
type DataNode struct {
	pool.RefCountable

	mu sync.RWMutex

	name    string
	parent  *DataNode // non-owning back-link
	depth   int
	payload *message.Message

	children     map[string]pool.Ref[*DataNode]
	orderedIndex []pool.Ref[*DataNode]

	subscribers map[uint32]int // sessionId -> hit count, entries removed at zero

	cachedChecksum uint32
	nextChildID    uint64 // next "I<n>" suffix to hand out for an auto-named child

	factory *Factory
}

// RefBase implements pool.refCounted.
func (n *DataNode) RefBase() *pool.RefCountable { return &n.RefCountable }

// muscleReset implements pool.Recyclable, run when a node returns to its
// factory's pool.
func (n *DataNode) muscleReset() {
	n.name = ""
	n.parent = nil
	n.depth = 0
	n.payload = nil
	n.children = nil
	n.orderedIndex = nil
	n.subscribers = nil
	n.cachedChecksum = 0
	n.nextChildID = 0
}

func (n *DataNode) reinit(name string, f *Factory) {
	n.name = name
	n.children = make(map[string]pool.Ref[*DataNode])
	n.subscribers = make(map[uint32]int)
	n.factory = f
}

// Name returns the node's immutable name.
func (n *DataNode) Name() string { return n.name }

// Parent returns the non-owning parent back-link, or nil at the root.
func (n *DataNode) Parent() *DataNode { return n.parent }

// Depth returns the node's cached ancestor count.
func (n *DataNode) Depth() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.depth
}

// Payload returns the node's current payload message, or nil.
func (n *DataNode) Payload() *message.Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.payload
}

// Path returns the slash-separated path from the root to this node.
func (n *DataNode) Path() string {
	if n.parent == nil {
		return "/"
	}
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append([]string{cur.name}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// Factory mints pool-backed DataNodes (spec §3.3 "created by a session's
// GetNewDataNode factory"). One Factory per session, or one shared factory
// for the server's global root — callers decide the scope.
type Factory struct {
	pool     *pool.Pool[*DataNode]
	notifier Notifier
}

// NewFactory creates a factory whose nodes dispatch change hooks to notifier.
func NewFactory(notifier Notifier) *Factory {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	f := &Factory{notifier: notifier}
	f.pool = pool.NewPool(func() *DataNode { return &DataNode{} })
	return f
}

// Stats exposes the underlying pool's allocation bookkeeping (spec §8.5).
func (f *Factory) Stats() (allocated, inUse, free int64) { return f.pool.Stats() }

// AssertDrained checks every node minted by this factory has been returned.
func (f *Factory) AssertDrained() error { return f.pool.AssertDrained() }

// GetNewDataNode obtains a fresh or recycled node named name, ready to be
// inserted under a parent via PutChild.
func (f *Factory) GetNewDataNode(name string) pool.Ref[*DataNode] {
	n := f.pool.Obtain()
	n.reinit(name, f)
	pool.InitForPool(f.pool, &n.RefCountable, n)
	return pool.Strong[*DataNode](n)
}

// NewRoot creates a depth-0 node with no parent, typically the server's
// global root or a session's subtree root.
func (f *Factory) NewRoot(name string) pool.Ref[*DataNode] {
	return f.GetNewDataNode(name)
}

// PutChild inserts or replaces a child by name under parent (spec §4.3).
// notifyServer requests a NewNode hook for a genuinely new child;
// notifyChangedData additionally requests NodeChanged when replacing an
// existing child with the same name.
func PutChild(parent *DataNode, child pool.Ref[*DataNode], notifyServer, notifyChangedData bool) error {
	if child.Obj == nil {
		return muserr.BadArgument
	}

	parent.mu.Lock()
	name := child.Obj.name
	existing, hadExisting := parent.children[name]
	var oldPayload *message.Message
	if hadExisting {
		oldPayload = existing.Obj.payload
	}

	child.Obj.mu.Lock()
	child.Obj.parent = parent
	child.Obj.depth = parent.depth + 1
	child.Obj.mu.Unlock()

	parent.children[name] = child
	updateNextChildID(parent, name)
	parent.mu.Unlock()

	if hadExisting {
		existing.Release()
	}

	if hadExisting && notifyChangedData {
		parent.factory.notifier.NodeChanged(child.Obj, oldPayload, FlagIncludeOldPayload)
	}
	if !hadExisting && notifyServer {
		parent.factory.notifier.NewNode(child.Obj)
	}
	return nil
}

// RemoveChild removes a named child (and, if recurse, its whole subtree,
// children-first) from parent.
func RemoveChild(parent *DataNode, name string, notify, recurse bool) error {
	parent.mu.Lock()
	ref, ok := parent.children[name]
	if !ok {
		parent.mu.Unlock()
		return muserr.DataNotFound
	}
	delete(parent.children, name)
	parent.mu.Unlock()

	child := ref.Obj

	if recurse {
		child.mu.RLock()
		var grandchildNames []string
		for n := range child.children {
			grandchildNames = append(grandchildNames, n)
		}
		child.mu.RUnlock()
		for _, gn := range grandchildNames {
			// Errors here mean a concurrent remove already won the race;
			// depth-first removal tolerates that (spec §4.3 table).
			_ = RemoveChild(child, gn, notify, true)
		}
	}

	removeIndexEntryForChild(parent, child, notify)

	if notify {
		parent.factory.notifier.NodeChanged(child, nil, FlagIsBeingRemoved)
	}

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()

	ref.Release()
	return nil
}

func removeIndexEntryForChild(parent *DataNode, child *DataNode, notify bool) {
	parent.mu.Lock()
	pos := -1
	for i, r := range parent.orderedIndex {
		if r.Obj == child {
			pos = i
			break
		}
	}
	if pos == -1 {
		parent.mu.Unlock()
		return
	}
	entry := parent.orderedIndex[pos]
	parent.orderedIndex = append(parent.orderedIndex[:pos], parent.orderedIndex[pos+1:]...)
	parent.mu.Unlock()

	entry.Release()
	if notify {
		parent.factory.notifier.IndexChanged(parent, IndexRemoved, pos, child.name)
	}
}

// InsertOrderedChild creates a new child with payload and inserts it into
// both the child map and the ordered index, synthesising an "I<n>" name
// when name is empty (spec §4.3, §9 auto-name counter).
func InsertOrderedChild(parent *DataNode, payload *message.Message, before *DataNode, name string) (pool.Ref[*DataNode], error) {
	parent.mu.Lock()
	if name == "" {
		for {
			candidate := fmt.Sprintf("I%d", parent.nextChildID)
			parent.nextChildID++
			if _, exists := parent.children[candidate]; !exists {
				name = candidate
				break
			}
		}
	} else if _, exists := parent.children[name]; exists {
		parent.mu.Unlock()
		return pool.Ref[*DataNode]{}, muserr.BadArgument
	}
	parent.mu.Unlock()

	child := parent.factory.GetNewDataNode(name)
	child.Obj.payload = payload

	if err := PutChild(parent, child, true, false); err != nil {
		child.Release()
		return pool.Ref[*DataNode]{}, err
	}

	pos := len(parent.orderedIndex)
	if before != nil {
		parent.mu.RLock()
		for i, r := range parent.orderedIndex {
			if r.Obj == before {
				pos = i
				break
			}
		}
		parent.mu.RUnlock()
	}

	parent.mu.Lock()
	indexEntry := child.Clone()
	if pos > len(parent.orderedIndex) {
		pos = len(parent.orderedIndex)
	}
	parent.orderedIndex = append(parent.orderedIndex, pool.Ref[*DataNode]{})
	copy(parent.orderedIndex[pos+1:], parent.orderedIndex[pos:])
	parent.orderedIndex[pos] = indexEntry
	parent.mu.Unlock()

	parent.factory.notifier.IndexChanged(parent, IndexInserted, pos, name)
	return child, nil
}

// InsertIndexEntryAt adds an already-existing child into the ordered index
// at pos.
func InsertIndexEntryAt(parent *DataNode, pos int, name string) error {
	parent.mu.Lock()
	if len(parent.children) == 0 {
		parent.mu.Unlock()
		return muserr.BadObject
	}
	child, ok := parent.children[name]
	if !ok {
		parent.mu.Unlock()
		return muserr.DataNotFound
	}
	if pos < 0 || pos > len(parent.orderedIndex) {
		pos = len(parent.orderedIndex)
	}
	entry := child.Clone()
	parent.orderedIndex = append(parent.orderedIndex, pool.Ref[*DataNode]{})
	copy(parent.orderedIndex[pos+1:], parent.orderedIndex[pos:])
	parent.orderedIndex[pos] = entry
	parent.mu.Unlock()

	parent.factory.notifier.IndexChanged(parent, IndexInserted, pos, name)
	return nil
}

// RemoveIndexEntryAt removes only the index entry at pos; the child node
// itself remains in the child map.
func RemoveIndexEntryAt(parent *DataNode, pos int) error {
	parent.mu.Lock()
	if pos < 0 || pos >= len(parent.orderedIndex) {
		parent.mu.Unlock()
		return muserr.DataNotFound
	}
	entry := parent.orderedIndex[pos]
	name := entry.Obj.name
	parent.orderedIndex = append(parent.orderedIndex[:pos], parent.orderedIndex[pos+1:]...)
	parent.mu.Unlock()

	entry.Release()
	parent.factory.notifier.IndexChanged(parent, IndexRemoved, pos, name)
	return nil
}

// ReorderChild moves an indexed child to just before `before`, or to the
// end if before is nil. If child was not previously indexed, no REMOVED
// event fires — only INSERTED — per spec §9's documented quirk.
func ReorderChild(parent *DataNode, child *DataNode, before *DataNode) error {
	if child == nil {
		return muserr.BadArgument
	}

	parent.mu.Lock()

	oldPos := -1
	for i, r := range parent.orderedIndex {
		if r.Obj == child {
			oldPos = i
			break
		}
	}
	if oldPos == -1 {
		if _, ok := parent.children[child.name]; !ok {
			parent.mu.Unlock()
			return muserr.DataNotFound
		}
	}
	if before != nil {
		beforeFound := false
		for _, r := range parent.orderedIndex {
			if r.Obj == before {
				beforeFound = true
				break
			}
		}
		if !beforeFound {
			parent.mu.Unlock()
			return muserr.DataNotFound
		}
	}

	// Compute the remaining index (without child, if it was present) to
	// find before's position in that view, then splice child back in.
	remaining := parent.orderedIndex
	var entry pool.Ref[*DataNode]
	if oldPos != -1 {
		entry = remaining[oldPos]
		remaining = append(append([]pool.Ref[*DataNode]{}, remaining[:oldPos]...), remaining[oldPos+1:]...)
	} else {
		entry = parent.children[child.name].Clone()
	}

	newPos := len(remaining)
	if before != nil {
		for i, r := range remaining {
			if r.Obj == before {
				newPos = i
				break
			}
		}
	}

	out := make([]pool.Ref[*DataNode], 0, len(remaining)+1)
	out = append(out, remaining[:newPos]...)
	out = append(out, entry)
	out = append(out, remaining[newPos:]...)
	parent.orderedIndex = out

	parent.mu.Unlock()

	if oldPos != -1 {
		parent.factory.notifier.IndexChanged(parent, IndexRemoved, oldPos, child.name)
	}
	parent.factory.notifier.IndexChanged(parent, IndexInserted, newPos, child.name)
	return nil
}

// SetData replaces a node's payload, invalidating its cached checksum.
func SetData(node *DataNode, payload *message.Message, notify bool, flags ChangeFlags) {
	node.mu.Lock()
	oldPayload := node.payload
	node.payload = payload
	node.cachedChecksum = 0
	node.mu.Unlock()

	if notify {
		node.factory.notifier.NodeChanged(node, oldPayload, flags)
	}
}

// updateNextChildID keeps parent.nextChildID ahead of any explicitly named
// "I<k>" child so a later auto-name never collides with one inserted by
// name (spec §8 S1: putChild("I5") must make the next auto-name "I6").
func updateNextChildID(parent *DataNode, name string) {
	if len(name) < 2 || name[0] != 'I' {
		return
	}
	digits := 0
	for digits < len(name)-1 && name[1+digits] >= '0' && name[1+digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return
	}
	v, err := strconv.ParseUint(name[1:1+digits], 10, 64)
	if err != nil {
		return
	}
	if v+1 > parent.nextChildID {
		parent.nextChildID = v + 1
	}
}

// Children returns a snapshot of child names in no particular order.
func (n *DataNode) Children() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names
}

// ChildByName returns the child node by name, or nil.
func (n *DataNode) ChildByName(name string) *DataNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if r, ok := n.children[name]; ok {
		return r.Obj
	}
	return nil
}

// OrderedIndex returns a snapshot of the ordered child index.
func (n *DataNode) OrderedIndex() []*DataNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*DataNode, len(n.orderedIndex))
	for i, r := range n.orderedIndex {
		out[i] = r.Obj
	}
	return out
}

// IncrementSubscriber records a hit for sessionID, used by subscription
// registration to track overlapping patterns on one node.
func (n *DataNode) IncrementSubscriber(sessionID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[sessionID]++
}

// DecrementSubscriber drops a hit for sessionID, removing the entry once it
// reaches zero.
func (n *DataNode) DecrementSubscriber(sessionID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[sessionID]--
	if n.subscribers[sessionID] <= 0 {
		delete(n.subscribers, sessionID)
	}
}

// Subscribers returns a snapshot of the session ids currently subscribed to
// this node.
func (n *DataNode) Subscribers() []uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]uint32, 0, len(n.subscribers))
	for id := range n.subscribers {
		out = append(out, id)
	}
	return out
}

// nameAndPayloadChecksum is the leaf computation cached in
// cachedChecksum: name plus payload, nothing about children.
func nameAndPayloadChecksum(n *DataNode) uint32 {
	var sum uint32
	for _, b := range []byte(n.name) {
		sum = (sum<<1 | sum>>31) + uint32(b)
	}
	if n.payload != nil {
		sum = (sum<<1 | sum>>31) + n.payload.Checksum()
	}
	return sum
}

// Checksum returns the name+payload checksum plus, if depth > 0, the
// per-indexed-child name checksum and per-child recursive checksum at
// depth-1 (spec §4.3). Children are visited in sorted name order so the
// result is deterministic regardless of Go's randomized map iteration.
func (n *DataNode) Checksum(depth int) uint32 {
	n.mu.Lock()
	if n.cachedChecksum == 0 {
		n.cachedChecksum = nameAndPayloadChecksum(n)
	}
	sum := n.cachedChecksum
	var childNames []string
	var indexNames []string
	if depth > 0 {
		for name := range n.children {
			childNames = append(childNames, name)
		}
		for _, r := range n.orderedIndex {
			indexNames = append(indexNames, r.Obj.name)
		}
	}
	children := n.children
	n.mu.Unlock()

	if depth <= 0 {
		return sum
	}

	sort.Strings(indexNames)
	for _, name := range indexNames {
		for _, b := range []byte(name) {
			sum = (sum<<1 | sum>>31) + uint32(b)
		}
	}

	sort.Strings(childNames)
	for _, name := range childNames {
		child := children[name].Obj
		sum = (sum<<1 | sum>>31) + child.Checksum(depth-1)
	}
	return sum
}

// FindMatchingNodes resolves path starting at n (spec §4.3
// findFirstMatchingNode): empty path returns {n}; a leading "/" retries
// from the root; a wildcard leading segment fans out into every matching
// child; otherwise it's a direct lookup. maxDepth bounds recursion.
func FindMatchingNodes(n *DataNode, path string, maxDepth int) ([]*DataNode, error) {
	if path == "" {
		return []*DataNode{n}, nil
	}
	if maxDepth <= 0 {
		return nil, muserr.DataNotFound
	}
	if strings.HasPrefix(path, "/") {
		root := n
		for root.parent != nil {
			root = root.parent
		}
		return FindMatchingNodes(root, strings.TrimPrefix(path, "/"), maxDepth)
	}

	segment, rest, hasRest := strings.Cut(path, "/")
	if !hasRest {
		rest = ""
	}

	if match.IsWildcardSegment(segment) {
		var out []*DataNode
		n.mu.RLock()
		var candidates []*DataNode
		for name, r := range n.children {
			if match.MatchSegment(segment, name) {
				candidates = append(candidates, r.Obj)
			}
		}
		n.mu.RUnlock()
		for _, c := range candidates {
			matches, err := FindMatchingNodes(c, rest, maxDepth-1)
			if err == nil {
				out = append(out, matches...)
			}
		}
		if len(out) == 0 {
			return nil, muserr.DataNotFound
		}
		return out, nil
	}

	child := n.ChildByName(segment)
	if child == nil {
		return nil, muserr.DataNotFound
	}
	return FindMatchingNodes(child, rest, maxDepth-1)
}
