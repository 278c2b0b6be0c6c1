// Copyright The Colex Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind is the kind of a memory pool.
type Kind int

const (
	// KindLeaf pools perform actual byte/page allocation.
	KindLeaf Kind = iota
	// KindAggregate pools group children and act as quota boundaries.
	KindAggregate
)

// String returns a string representation of the pool kind.
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "LEAF"
	case KindAggregate:
		return "AGGREGATE"
	}
	return fmt.Sprintf("%%!(memory:Bad-Kind %d)", int(k))
}

const (
	// ForeachDone as a return value terminates iteration by VisitChildren.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by VisitChildren.
	ForeachMore = !ForeachDone
)

// maxGrowAttempts bounds how many times an allocation retries after a
// successful capacity grant before giving up. A grant can be consumed by a
// concurrent allocation on the same root before the requester gets to it.
const maxGrowAttempts = 3

// Pool is a node in a memory ownership tree. Aggregate pools group children
// and act as quota boundaries, leaf pools allocate bytes and pages against
// the manager's Allocator. Every pool handle must be released with Release;
// a pool is destroyed when its last reference is dropped and it has no live
// children.
type Pool struct {
	name        string
	kind        Kind
	mgr         *Manager
	parent      *Pool
	alignment   int64
	maxCapacity int64
	threadSafe  bool
	trackUsage  bool
	reclaimer   Reclaimer

	refs atomic.Int64

	mu       sync.Mutex
	children map[string]*Pool

	// Root pools only. Capacity is the current soft quota, mutated by the
	// owning arbitrator. quotaMu orders reservation growth against
	// capacity withdrawal so that reservations never exceed capacity. The
	// arbitrating flag marks a root the arbitrator is reclaiming from.
	quotaMu     sync.Mutex
	capacity    atomic.Int64
	participant bool
	arbitrating atomic.Bool

	used     atomic.Int64
	reserved atomic.Int64
	peak     atomic.Int64
}

func newPool(mgr *Manager, parent *Pool, name string, kind Kind, maxCapacity int64, threadSafe, trackUsage bool) *Pool {
	p := &Pool{
		name:        name,
		kind:        kind,
		mgr:         mgr,
		parent:      parent,
		alignment:   mgr.alignment,
		maxCapacity: maxCapacity,
		threadSafe:  threadSafe,
		trackUsage:  trackUsage,
	}
	if kind == KindAggregate {
		p.children = make(map[string]*Pool)
	}
	p.refs.Store(1)
	return p
}

// Name returns the name of the pool. Names are unique among siblings, root
// pool names are unique manager-wide.
func (p *Pool) Name() string {
	return p.name
}

// Kind returns the kind of the pool.
func (p *Pool) Kind() Kind {
	return p.kind
}

// Parent returns the parent of the pool, nil for root pools.
func (p *Pool) Parent() *Pool {
	return p.parent
}

// Root returns the root pool of the tree this pool belongs to.
func (p *Pool) Root() *Pool {
	q := p
	for q.parent != nil {
		q = q.parent
	}
	return q
}

// Alignment returns the allocation alignment of the pool.
func (p *Pool) Alignment() int64 {
	return p.alignment
}

// Capacity returns the current soft quota of the pool's root. Capacity only
// changes through arbitration or pool destruction.
func (p *Pool) Capacity() int64 {
	return p.Root().capacity.Load()
}

// MaxCapacity returns the immutable hard capacity ceiling set at creation.
func (p *Pool) MaxCapacity() int64 {
	return p.maxCapacity
}

// UsedBytes returns the bytes used by the pool and its descendants.
func (p *Pool) UsedBytes() int64 {
	return p.used.Load()
}

// ReservedBytes returns the bytes reserved by the pool and its descendants.
// Leaf reservations are held in coarse quanta, so this is at least UsedBytes.
func (p *Pool) ReservedBytes() int64 {
	return p.reserved.Load()
}

// PeakBytes returns the largest observed used byte count.
func (p *Pool) PeakBytes() int64 {
	return p.peak.Load()
}

// TrackUsage returns true if the pool tracks per-allocation usage.
func (p *Pool) TrackUsage() bool {
	return p.trackUsage
}

// Reclaimer returns the reclaimer of the pool, nil if none is set.
func (p *Pool) Reclaimer() Reclaimer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reclaimer
}

// SetReclaimer sets the reclaimer of the pool.
func (p *Pool) SetReclaimer(r Reclaimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimer = r
}

// ChildCount returns the number of live children of the pool.
func (p *Pool) ChildCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// VisitChildren calls the given function with each child of the pool. It
// stops iterating early if the function returns ForeachDone.
func (p *Pool) VisitChildren(fn func(*Pool) bool) {
	p.mu.Lock()
	children := make([]*Pool, 0, len(p.children))
	for _, child := range p.children {
		children = append(children, child)
	}
	p.mu.Unlock()

	for _, child := range children {
		if !fn(child) {
			return
		}
	}
}

// AddLeafChild creates a new leaf pool under this pool. It fails if a
// sibling with the same name already exists.
func (p *Pool) AddLeafChild(name string, threadSafe bool) (*Pool, error) {
	return p.addChild(name, KindLeaf, threadSafe)
}

// AddAggregateChild creates a new aggregate pool under this pool. It fails
// if a sibling with the same name already exists.
func (p *Pool) AddAggregateChild(name string) (*Pool, error) {
	return p.addChild(name, KindAggregate, false)
}

func (p *Pool) addChild(name string, kind Kind, threadSafe bool) (*Pool, error) {
	if p.kind != KindAggregate {
		return nil, fmt.Errorf("%w: cannot add child to %s pool %s", ErrUnsupported, p.kind, p.name)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty child pool name", ErrInvalidConfig)
	}

	child := newPool(p.mgr, p, name, kind, p.maxCapacity, threadSafe, p.trackUsage)

	p.mu.Lock()
	if _, ok := p.children[name]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already has child %s", ErrDuplicateName, p.name, name)
	}
	p.children[name] = child
	p.mu.Unlock()

	p.retain()

	return child, nil
}

// Release drops one reference to the pool. The pool is destroyed on the
// last release: it is removed from its parent, and root pools are
// unregistered from the arbitrator and the manager's registry.
func (p *Pool) Release() {
	refs := p.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		log.Error("pool %s over-released (%d references)", p.name, refs)
		return
	}
	p.destroy()
}

func (p *Pool) retain() {
	p.refs.Add(1)
}

func (p *Pool) destroy() {
	// A pool with live children cannot reach zero references, since every
	// child holds a reference on its parent.
	if used := p.used.Load(); used != 0 {
		log.Warn("destroying pool %s with %s still used", p.name, SuccinctBytes(used))
	}

	details.Debug("destroying pool %s", p.name)

	if p.parent != nil {
		p.parent.removeChild(p.name)
		p.parent.Release()
		return
	}

	p.mgr.dropRootPool(p)
}

func (p *Pool) removeChild(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.children, name)
}

// Allocate allocates a byte buffer of the given size, rounded up to the
// pool's alignment. The returned buffer covers the rounded size.
func (p *Pool) Allocate(bytes int64) ([]byte, error) {
	if err := p.checkLeaf("Allocate"); err != nil {
		return nil, err
	}
	if bytes <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, bytes)
	}

	size := roundUp(bytes, p.alignment)
	if err := p.reserve(size); err != nil {
		return nil, err
	}

	buf, err := p.mgr.allocator.Allocate(size)
	if err != nil {
		p.unreserve(size)
		return nil, err
	}

	return buf, nil
}

// Free releases a byte buffer obtained from Allocate. Free always succeeds;
// it decrements usage but never shrinks capacity.
func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}
	size := int64(len(buf))
	p.mgr.allocator.Free(buf)
	p.unreserve(size)
}

// AllocateNonContiguous allocates the given number of pages as a set of
// page runs into out. Any previous contents of out are freed first.
func (p *Pool) AllocateNonContiguous(pages int64, out *Allocation) error {
	if err := p.checkLeaf("AllocateNonContiguous"); err != nil {
		return err
	}
	if pages <= 0 {
		return fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}
	if !out.Empty() {
		p.FreeNonContiguous(out)
	}

	bytes := pages * PageSize
	if err := p.reserve(bytes); err != nil {
		return err
	}
	if err := p.mgr.allocator.AllocateNonContiguous(pages, out); err != nil {
		p.unreserve(bytes)
		return err
	}

	return nil
}

// FreeNonContiguous releases all page runs held by the allocation.
func (p *Pool) FreeNonContiguous(alloc *Allocation) {
	if alloc.Empty() {
		return
	}
	bytes := alloc.NumPages() * PageSize
	p.mgr.allocator.FreeNonContiguous(alloc)
	p.unreserve(bytes)
}

// AllocateContiguous maps a physically contiguous region of the given
// number of pages into out. The whole request goes through the capacity
// growth path as a single unit; there are no partial grants. Any previous
// contents of out are freed first.
func (p *Pool) AllocateContiguous(pages int64, out *ContiguousAllocation) error {
	if err := p.checkLeaf("AllocateContiguous"); err != nil {
		return err
	}
	if pages <= 0 {
		return fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}
	if !out.Empty() {
		p.FreeContiguous(out)
	}

	bytes := pages * PageSize
	if err := p.reserve(bytes); err != nil {
		return err
	}
	if err := p.mgr.allocator.AllocateContiguous(pages, out); err != nil {
		p.unreserve(bytes)
		return err
	}

	return nil
}

// FreeContiguous unmaps the region held by the allocation.
func (p *Pool) FreeContiguous(alloc *ContiguousAllocation) {
	if alloc.Empty() {
		return
	}
	bytes := alloc.NumPages() * PageSize
	p.mgr.allocator.FreeContiguous(alloc)
	p.unreserve(bytes)
}

// String returns a string representation of the pool.
func (p *Pool) String() string {
	return fmt.Sprintf("Memory Pool[%s %s capacity %s max capacity %s used %s reserved %s peak %s]",
		p.name, p.kind,
		SuccinctBytes(p.Capacity()), SuccinctBytes(p.maxCapacity),
		SuccinctBytes(p.used.Load()), SuccinctBytes(p.reserved.Load()),
		SuccinctBytes(p.peak.Load()))
}

func (p *Pool) checkLeaf(op string) error {
	if p.kind != KindLeaf {
		return fmt.Errorf("%w: %s on %s pool %s", ErrUnsupported, op, p.kind, p.name)
	}
	return nil
}

func (p *Pool) lock() {
	if p.threadSafe {
		p.mu.Lock()
	}
}

func (p *Pool) unlock() {
	if p.threadSafe {
		p.mu.Unlock()
	}
}

// reserve accounts size bytes of usage against the pool tree, growing the
// root's reservation first. Untracked pools skip accounting entirely; the
// allocator's hard ceiling still applies to them.
func (p *Pool) reserve(size int64) error {
	if !p.trackUsage {
		return nil
	}

	p.lock()
	defer p.unlock()

	newUsed := p.used.Load() + size
	newReserved := quantizedSize(newUsed)

	if delta := newReserved - p.reserved.Load(); delta > 0 {
		if err := p.reserveFromRoot(delta); err != nil {
			return err
		}
	}

	p.used.Store(newUsed)
	p.reserved.Store(newReserved)
	p.maybeUpdatePeak(newUsed)

	return nil
}

// unreserve gives back size bytes of usage, releasing whole reservation
// quanta to the root as they free up.
func (p *Pool) unreserve(size int64) {
	if !p.trackUsage {
		return
	}

	p.lock()
	defer p.unlock()

	newUsed := p.used.Load() - size
	if newUsed < 0 {
		log.Error("pool %s usage underflow: freeing %s with %s used",
			p.name, SuccinctBytes(size), SuccinctBytes(p.used.Load()))
		newUsed = 0
	}
	newReserved := quantizedSize(newUsed)
	delta := p.reserved.Load() - newReserved

	p.used.Store(newUsed)
	p.reserved.Store(newReserved)

	if delta > 0 {
		root := p.Root()
		for q := p.parent; q != nil && q != root; q = q.parent {
			q.subUsage(delta)
		}
		root.subUsage(delta)
	}
}

func (p *Pool) reserveFromRoot(delta int64) error {
	root := p.Root()
	if err := root.tryReserve(delta); err != nil {
		return err
	}
	for q := p.parent; q != nil && q != root; q = q.parent {
		q.addUsage(delta)
	}
	return nil
}

// tryReserve reserves delta bytes against the root's capacity, requesting
// capacity growth from the arbitrator on a quota miss. Growth runs outside
// quotaMu, the arbitrator takes and grants capacity on its own.
func (r *Pool) tryReserve(delta int64) error {
	for attempt := 0; ; attempt++ {
		r.quotaMu.Lock()
		reserved := r.reserved.Load()
		capacity := r.capacity.Load()
		if reserved+delta <= capacity {
			r.reserved.Add(delta)
			r.quotaMu.Unlock()
			r.addUsed(delta)
			return nil
		}
		r.quotaMu.Unlock()

		if attempt >= maxGrowAttempts {
			return r.capacityError(delta)
		}
		if err := r.growCapacity(reserved + delta - capacity); err != nil {
			return err
		}
	}
}

// growCapacity escalates a quota miss on the root to the arbitrator.
func (r *Pool) growCapacity(shortfall int64) error {
	if !r.participant {
		return r.capacityError(shortfall)
	}

	// A reclaim or abort running against this root must not arbitrate on
	// its behalf; the arbitration lock is already held further up the call
	// chain. Independent requesters instead queue on that lock.
	if r.arbitrating.Load() {
		return fmt.Errorf("%w: pool %s is being reclaimed from", ErrCapacityExceeded, r.name)
	}

	return r.mgr.arbitrator.GrowCapacity(r, shortfall)
}

func (r *Pool) capacityError(delta int64) error {
	return fmt.Errorf("%w: pool %s requested %s, reserved %s, capacity %s (max %s)",
		ErrCapacityExceeded, r.name, SuccinctBytes(delta),
		SuccinctBytes(r.reserved.Load()), SuccinctBytes(r.capacity.Load()),
		SuccinctBytes(r.maxCapacity))
}

func (p *Pool) addUsage(delta int64) {
	p.reserved.Add(delta)
	p.addUsed(delta)
}

func (p *Pool) addUsed(delta int64) {
	p.maybeUpdatePeak(p.used.Add(delta))
}

func (p *Pool) subUsage(delta int64) {
	p.reserved.Add(-delta)
	p.used.Add(-delta)
}

func (p *Pool) maybeUpdatePeak(used int64) {
	for {
		cur := p.peak.Load()
		if used <= cur || p.peak.CompareAndSwap(cur, used) {
			return
		}
	}
}

// grantCapacity adds granted capacity to a root pool. Called by the owning
// arbitrator only.
func (r *Pool) grantCapacity(delta int64) {
	r.capacity.Add(delta)
}

// shrinkableCapacity returns the root's current slack, the capacity not
// backed by reservations.
func (r *Pool) shrinkableCapacity() int64 {
	slack := r.capacity.Load() - r.reserved.Load()
	if slack < 0 {
		return 0
	}
	return slack
}

// takeCapacity removes up to bytes of slack capacity from a root pool and
// returns the amount actually taken. Called by the owning arbitrator only.
// A bytes of 0 takes all slack.
func (r *Pool) takeCapacity(bytes int64) int64 {
	r.quotaMu.Lock()
	defer r.quotaMu.Unlock()

	capacity := r.capacity.Load()
	slack := capacity - r.reserved.Load()
	if slack <= 0 {
		return 0
	}
	take := slack
	if bytes > 0 {
		take = minInt64(take, bytes)
	}
	r.capacity.Store(capacity - take)

	return take
}

// beginReclaim and endReclaim bracket arbitrator-driven reclamation of a
// root. A marked root fails its own grow requests instead of blocking on
// the arbitration lock the reclaim chain already holds.
func (r *Pool) beginReclaim() {
	r.arbitrating.Store(true)
}

func (r *Pool) endReclaim() {
	r.arbitrating.Store(false)
}
