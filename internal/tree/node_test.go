package tree

import (
	"testing"

	"github.com/musclereflect/muscle/internal/message"
)

type recordingNotifier struct {
	newNodes     []string
	changed      []string
	indexEvents  []string
}

func (r *recordingNotifier) NewNode(child *DataNode) {
	r.newNodes = append(r.newNodes, child.Name())
}
func (r *recordingNotifier) NodeChanged(node *DataNode, old *message.Message, flags ChangeFlags) {
	r.changed = append(r.changed, node.Name())
}
func (r *recordingNotifier) IndexChanged(parent *DataNode, op IndexOp, pos int, name string) {
	verb := "ins"
	if op == IndexRemoved {
		verb = "rem"
	}
	r.indexEvents = append(r.indexEvents, verb+":"+name)
}

func newTestRoot(notifier Notifier) (*Factory, *DataNode) {
	f := NewFactory(notifier)
	root := f.NewRoot("root")
	return f, root.Obj
}

func TestPutChildSetsDepthAndParent(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	child := f.GetNewDataNode("a")
	if err := PutChild(root, child, true, false); err != nil {
		t.Fatalf("PutChild: %v", err)
	}
	if child.Obj.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", child.Obj.Depth())
	}
	if child.Obj.Parent() != root {
		t.Fatalf("parent not set")
	}

	grandchild := f.GetNewDataNode("b")
	if err := PutChild(child.Obj, grandchild, true, false); err != nil {
		t.Fatalf("PutChild: %v", err)
	}
	if grandchild.Obj.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", grandchild.Obj.Depth())
	}

	// depth invariant: depth equals the number of ancestors.
	ancestors := 0
	for cur := grandchild.Obj.Parent(); cur != nil; cur = cur.Parent() {
		ancestors++
	}
	if ancestors != grandchild.Obj.Depth() {
		t.Fatalf("ancestors=%d != depth=%d", ancestors, grandchild.Obj.Depth())
	}
}

func TestInsertOrderedChildAutoNamesAndIncrementsCounter(t *testing.T) {
	notifier := &recordingNotifier{}
	f, root := newTestRoot(notifier)

	var names []string
	for i := 0; i < 3; i++ {
		ref, err := InsertOrderedChild(root, message.New(1), nil, "")
		if err != nil {
			t.Fatalf("InsertOrderedChild: %v", err)
		}
		names = append(names, ref.Obj.Name())
	}
	want := []string{"I0", "I1", "I2"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], n)
		}
	}

	idx := root.OrderedIndex()
	if len(idx) != 3 {
		t.Fatalf("ordered index length = %d, want 3", len(idx))
	}
	for i, n := range idx {
		if n.Name() != want[i] {
			t.Fatalf("index[%d] = %q, want %q", i, n.Name(), want[i])
		}
	}
	_ = f
}

func TestInsertOrderedChildSkipsExplicitlyNamedSuffix(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})

	explicit := f.GetNewDataNode("I5")
	if err := PutChild(root, explicit, true, false); err != nil {
		t.Fatalf("PutChild: %v", err)
	}

	ref, err := InsertOrderedChild(root, message.New(1), nil, "")
	if err != nil {
		t.Fatalf("InsertOrderedChild: %v", err)
	}
	if got := ref.Obj.Name(); got != "I6" {
		t.Fatalf("auto-name after explicit I5 = %q, want I6", got)
	}
}

func TestInsertOrderedChildRespectsBefore(t *testing.T) {
	_, root := newTestRoot(&recordingNotifier{})

	first, _ := InsertOrderedChild(root, message.New(1), nil, "a")
	InsertOrderedChild(root, message.New(1), nil, "b")
	InsertOrderedChild(root, message.New(1), nil, "c")
	_, _ = InsertOrderedChild(root, message.New(1), first.Obj, "z")

	idx := root.OrderedIndex()
	var order []string
	for _, n := range idx {
		order = append(order, n.Name())
	}
	want := []string{"z", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReorderChildWithoutPriorIndexEntrySkipsRemovedEvent(t *testing.T) {
	notifier := &recordingNotifier{}
	f, root := newTestRoot(notifier)

	child := f.GetNewDataNode("loose")
	PutChild(root, child, true, false)

	before, _ := InsertOrderedChild(root, message.New(1), nil, "anchor")

	notifier.indexEvents = nil
	if err := ReorderChild(root, child.Obj, before.Obj); err != nil {
		t.Fatalf("ReorderChild: %v", err)
	}

	if len(notifier.indexEvents) != 1 || notifier.indexEvents[0] != "ins:loose" {
		t.Fatalf("index events = %v, want exactly one insert for a previously-unindexed child", notifier.indexEvents)
	}

	idx := root.OrderedIndex()
	if len(idx) != 2 || idx[0].Name() != "loose" || idx[1].Name() != "anchor" {
		t.Fatalf("unexpected order after reorder: %v", idx)
	}
}

func TestReorderChildWithPriorIndexEntryEmitsBoth(t *testing.T) {
	notifier := &recordingNotifier{}
	_, root := newTestRoot(notifier)

	InsertOrderedChild(root, message.New(1), nil, "a")
	b, _ := InsertOrderedChild(root, message.New(1), nil, "b")
	InsertOrderedChild(root, message.New(1), nil, "c")

	notifier.indexEvents = nil
	if err := ReorderChild(root, b.Obj, nil); err != nil {
		t.Fatalf("ReorderChild: %v", err)
	}

	if len(notifier.indexEvents) != 2 {
		t.Fatalf("index events = %v, want a remove then an insert", notifier.indexEvents)
	}
	if notifier.indexEvents[0] != "rem:b" || notifier.indexEvents[1] != "ins:b" {
		t.Fatalf("index events = %v, want [rem:b ins:b]", notifier.indexEvents)
	}
}

func TestRemoveChildReleasesAndDropsIndexEntry(t *testing.T) {
	_, root := newTestRoot(&recordingNotifier{})

	InsertOrderedChild(root, message.New(1), nil, "a")

	if err := RemoveChild(root, "a", true, false); err != nil {
		t.Fatalf("RemoveChild: %v", err)
	}
	if root.ChildByName("a") != nil {
		t.Fatalf("child still present after remove")
	}
	if len(root.OrderedIndex()) != 0 {
		t.Fatalf("index entry not dropped alongside child")
	}
}

func TestRemoveChildRecursive(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})

	mid := f.GetNewDataNode("mid")
	PutChild(root, mid, true, false)
	leaf := f.GetNewDataNode("leaf")
	PutChild(mid.Obj, leaf, true, false)

	if err := RemoveChild(root, "mid", true, true); err != nil {
		t.Fatalf("RemoveChild: %v", err)
	}
	if root.ChildByName("mid") != nil {
		t.Fatalf("mid still present")
	}
}

func TestChecksumCachesNameAndPayloadOnly(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	child := f.GetNewDataNode("a")
	PutChild(root, child, true, false)

	SetData(child.Obj, messageWithInt(1), false, 0)
	c1 := child.Obj.Checksum(0)

	recomputed := nameAndPayloadChecksum(child.Obj)
	if c1 != recomputed {
		t.Fatalf("cached checksum %d != recomputed %d", c1, recomputed)
	}

	// Mutating the payload must invalidate the cache.
	SetData(child.Obj, messageWithInt(2), false, 0)
	c2 := child.Obj.Checksum(0)
	if c1 == c2 {
		t.Fatalf("checksum did not change after payload mutation")
	}
}

func TestChecksumDeterministicAcrossCalls(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	for _, name := range []string{"z", "a", "m", "q"} {
		child := f.GetNewDataNode(name)
		PutChild(root, child, true, false)
	}

	c1 := root.Checksum(2)
	c2 := root.Checksum(2)
	if c1 != c2 {
		t.Fatalf("checksum not stable across calls: %d != %d", c1, c2)
	}
}

func TestFindMatchingNodesDirectPath(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	a := f.GetNewDataNode("a")
	PutChild(root, a, true, false)
	b := f.GetNewDataNode("b")
	PutChild(a.Obj, b, true, false)

	got, err := FindMatchingNodes(root, "a/b", 8)
	if err != nil {
		t.Fatalf("FindMatchingNodes: %v", err)
	}
	if len(got) != 1 || got[0] != b.Obj {
		t.Fatalf("got %v, want [b]", got)
	}
}

func TestFindMatchingNodesWildcardFansOut(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	for _, name := range []string{"a", "b"} {
		parent := f.GetNewDataNode(name)
		PutChild(root, parent, true, false)
		c := f.GetNewDataNode("c")
		PutChild(parent.Obj, c, true, false)
	}

	got, err := FindMatchingNodes(root, "*/c", 8)
	if err != nil {
		t.Fatalf("FindMatchingNodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
}

func TestFindMatchingNodesWildcardDoesNotCrossSegments(t *testing.T) {
	f, root := newTestRoot(&recordingNotifier{})
	a := f.GetNewDataNode("a")
	PutChild(root, a, true, false)
	b := f.GetNewDataNode("b")
	PutChild(a.Obj, b, true, false)
	c := f.GetNewDataNode("c")
	PutChild(b.Obj, c, true, false)

	if _, err := FindMatchingNodes(root, "*/c", 8); err == nil {
		t.Fatalf("expected no match: */c must not reach through two segments")
	}
}

func TestSubscriberCounting(t *testing.T) {
	_, root := newTestRoot(&recordingNotifier{})
	root.IncrementSubscriber(1)
	root.IncrementSubscriber(1)
	root.IncrementSubscriber(2)

	subs := root.Subscribers()
	if len(subs) != 2 {
		t.Fatalf("subscribers = %v, want 2 distinct sessions", subs)
	}

	root.DecrementSubscriber(1)
	root.DecrementSubscriber(1)
	subs = root.Subscribers()
	if len(subs) != 1 {
		t.Fatalf("subscribers after full decrement = %v, want 1", subs)
	}
}

func messageWithInt(v int32) *message.Message {
	m := message.New(1)
	m.SetInt32s("v", v)
	return m
}
