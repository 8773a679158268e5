package pool

import "testing"

type widget struct {
	RefCountable
	value int
}

func (w *widget) RefBase() *RefCountable { return &w.RefCountable }
func (w *widget) muscleReset()           { w.value = 0 }

func TestPoolStatsInvariant(t *testing.T) {
	p := NewPool(func() *widget { return &widget{} })

	var handles []Ref[*widget]
	for i := 0; i < 5; i++ {
		w := p.Obtain()
		InitForPool(p, &w.RefCountable, w)
		handles = append(handles, Strong[*widget](w))
		handles[i].Release() // drop the extra ref Strong() added on top of InitForPool's starting one
	}

	allocated, inUse, free := p.Stats()
	if allocated != 5 || inUse != 5 || free != 0 {
		t.Fatalf("after obtain: allocated=%d inUse=%d free=%d, want 5,5,0", allocated, inUse, free)
	}

	for _, w := range []*widget{handles[0].Obj, handles[1].Obj} {
		w.RefBase().Release()
	}

	allocated, inUse, free = p.Stats()
	if allocated != 5 || inUse != 3 || free != 2 {
		t.Fatalf("after release: allocated=%d inUse=%d free=%d, want 5,3,2", allocated, inUse, free)
	}
}

func TestRefCountMatchesLiveHandles(t *testing.T) {
	w := &widget{}
	InitStandalone(&w.RefCountable)

	h1 := Strong[*widget](w)
	h2 := h1.Clone()
	if got := w.RefCount(); got != 3 { // initStandalone starts at 1, +1 for h1's Retain, +1 for Clone
		t.Fatalf("refcount = %d, want 3", got)
	}

	h1.Release()
	h2.Release()
	if got := w.RefCount(); got != 1 {
		t.Fatalf("refcount = %d, want 1", got)
	}
}

func TestBorrowedHandleDoesNotAffectRefcount(t *testing.T) {
	w := &widget{}
	InitStandalone(&w.RefCountable)

	b := Borrowed[*widget](w)
	b.Release()

	if got := w.RefCount(); got != 1 {
		t.Fatalf("borrowed handle mutated refcount: got %d, want 1", got)
	}
}
