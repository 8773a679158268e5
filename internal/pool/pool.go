// Package pool implements the object-pool and reference-count discipline
// described in spec §4.2: a per-type pool of fixed-size slots, an intrusive
// atomic refcount on a common base, and a (pointer, do-refcount bit) handle
// type that lets pooled and stack objects share the same ownership API.
//
// Grounded in the teacher's size-classed buffer pool
// (pkg/websocket/message_pool.go), generalized from sync.Pool to an
// explicit mutex-protected free list: sync.Pool may silently drop entries
// under GC pressure, which would make the steady-state invariant
// "objectsInUse + objectsFree == objectsAllocated" (spec §8.5) untestable.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// RefCountable is the intrusive base every pooled object embeds. It tracks
// the atomic refcount and, for pool-owned objects, the closure that returns
// the object to its pool on last release.
type RefCountable struct {
	refs      int32
	onRelease func()
}

// initRefCounted arms the base with a starting count of one strong
// reference and the action to take when that count reaches zero.
func (r *RefCountable) initRefCounted(onRelease func()) {
	atomic.StoreInt32(&r.refs, 1)
	r.onRelease = onRelease
}

// Retain increments the refcount and returns the new value.
func (r *RefCountable) Retain() int32 {
	return atomic.AddInt32(&r.refs, 1)
}

// Release decrements the refcount using the decrement's own return value to
// detect zero — no separate load, per spec §4.2's thread-safety note — and
// runs the release action (pool recycle, or nothing for a stack object) the
// instant the count reaches zero.
func (r *RefCountable) Release() int32 {
	n := atomic.AddInt32(&r.refs, -1)
	if n == 0 && r.onRelease != nil {
		r.onRelease()
	}
	return n
}

// RefCount reports the current strong-reference count.
func (r *RefCountable) RefCount() int32 {
	return atomic.LoadInt32(&r.refs)
}

// refCounted is satisfied by any pooled type that embeds RefCountable and
// exposes it via RefBase — the Go analogue of the C++ RefCountable base
// class, since Go has no inheritance to hang a common vtable off of.
type refCounted interface {
	RefBase() *RefCountable
}

// Ref is the (pointer, do-refcount bit) handle from spec §4.2. When
// doRefCount is set, Release drops a strong reference and the last release
// may return the object to its pool. When clear, Ref is a non-owning alias
// — useful for borrowing an object already kept alive by someone else (a
// parent's child map, for instance) without touching its lifetime.
type Ref[T refCounted] struct {
	Obj        T
	doRefCount bool
}

// Strong wraps obj in an owning handle, taking one reference.
func Strong[T refCounted](obj T) Ref[T] {
	obj.RefBase().Retain()
	return Ref[T]{Obj: obj, doRefCount: true}
}

// Borrowed wraps obj in a non-owning alias. Construction, copying, and
// release are all no-ops on the refcount.
func Borrowed[T refCounted](obj T) Ref[T] {
	return Ref[T]{Obj: obj, doRefCount: false}
}

// Clone duplicates the handle, taking an additional reference if this
// handle is owning.
func (r Ref[T]) Clone() Ref[T] {
	if r.doRefCount {
		r.Obj.RefBase().Retain()
	}
	return r
}

// Release drops the reference this handle owns, if any. Safe to call once
// per handle; calling it twice on the same owning handle double-releases,
// same as the C++ original — callers own that discipline, same as a
// std::unique_ptr's single-owner contract.
func (r Ref[T]) Release() {
	if r.doRefCount {
		r.Obj.RefBase().Release()
	}
}

// IsOwning reports whether this handle's release path adjusts the refcount.
func (r Ref[T]) IsOwning() bool {
	return r.doRefCount
}

// AsMutable documents the explicit, narrow cast spec §3.2 calls out between
// const and mutable handles. In Go there is only one handle shape, so this
// is an identity function kept for call sites that want to mark "I am now
// treating this as mutable" the way the original codebase required an
// explicit cast to do.
func AsMutable[T refCounted](r Ref[T]) Ref[T] { return r }

// Recyclable is implemented by pool element types to reset their state
// before returning to the free list.
type Recyclable interface {
	muscleReset()
}

// Pool is a per-type object pool: obtain returns a zeroed, ready-to-use
// object (freshly allocated or recycled); recycle resets and frees a slot.
// Safe for concurrent obtain/recycle; the objects themselves are not safe
// for concurrent use (spec §4.2, §5).
type Pool[T Recyclable] struct {
	mu        sync.Mutex
	free      []T
	newFn     func() T
	allocated int64
	inUse     int64
}

// NewPool creates a pool whose slots are constructed by newFn on first use.
func NewPool[T Recyclable](newFn func() T) *Pool[T] {
	return &Pool[T]{newFn: newFn}
}

// Obtain returns a slot from the free list, or allocates a new one if the
// pool is empty.
func (p *Pool[T]) Obtain() T {
	p.mu.Lock()
	var v T
	if n := len(p.free); n > 0 {
		v = p.free[n-1]
		var zero T
		p.free[n-1] = zero // drop the slice's reference so the old slot can be GC'd
		p.free = p.free[:n-1]
	} else {
		v = p.newFn()
		atomic.AddInt64(&p.allocated, 1)
	}
	p.mu.Unlock()
	atomic.AddInt64(&p.inUse, 1)
	return v
}

// Recycle resets v and returns it to the free list.
func (p *Pool[T]) Recycle(v T) {
	v.muscleReset()
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
	atomic.AddInt64(&p.inUse, -1)
}

// Stats reports the steady-state bookkeeping spec §8.5 checks:
// allocated == inUse + free at any quiescent point.
func (p *Pool[T]) Stats() (allocated, inUse, free int64) {
	p.mu.Lock()
	free = int64(len(p.free))
	p.mu.Unlock()
	return atomic.LoadInt64(&p.allocated), atomic.LoadInt64(&p.inUse), free
}

// AssertDrained is the shutdown-time check spec §4.2 requires: every slab
// must have been fully returned.
func (p *Pool[T]) AssertDrained() error {
	_, inUse, _ := p.Stats()
	if inUse != 0 {
		return fmt.Errorf("pool: %d objects still in use at shutdown", inUse)
	}
	return nil
}

// InitForPool arms a RefCountable owned by p so its last Release recycles
// it instead of leaking it. Call this from the pool's newFn/reset path.
func InitForPool[T Recyclable](p *Pool[T], base *RefCountable, self T) {
	base.initRefCounted(func() { p.Recycle(self) })
}

// InitStandalone arms a RefCountable for an object that isn't pool-backed:
// its last Release simply drops the last reference and lets Go's GC reclaim
// it, matching the "stack objects share the same handle type" requirement
// of spec §4.2/§3.2.
func InitStandalone(base *RefCountable) {
	base.initRefCounted(nil)
}
