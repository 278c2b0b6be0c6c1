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
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Names of the system-owned pools every manager creates.
const (
	// SysRootName is the name of the system root pool.
	SysRootName = "__sys_root__"
	// SysSpillingName is the name of the system leaf pool reserved for
	// spilling file buffers.
	SysSpillingName = "__sys_spilling__"
	// SysTracingName is the name of the system leaf pool reserved for query
	// tracing buffers.
	SysTracingName = "__sys_tracing__"
	// sysSharedLeafFmt names the pre-created shared system leaf pools.
	sysSharedLeafFmt = "__sys_shared_leaf__%d"
)

// defaultNumSharedLeafPools is the number of shared system leaf pools
// created when Options.NumSharedLeafPools is left zero.
const defaultNumSharedLeafPools = 32

// Options configures a Manager.
type Options struct {
	// AllocatorCapacity is the hard byte ceiling enforced by the allocator
	// across all pools, tracked and untracked alike. Zero means unbounded.
	AllocatorCapacity int64
	// ArbitratorCapacity is the capacity budget distributed among root
	// pools. Zero defaults to AllocatorCapacity; it is clamped to it.
	ArbitratorCapacity int64
	// ArbitratorKind selects the arbitrator implementation. The empty kind
	// is the trivial NOOP arbitrator.
	ArbitratorKind string
	// ExtraArbitratorConfigs are implementation-specific arbitrator
	// settings.
	ExtraArbitratorConfigs map[string]string
	// Alignment is the allocation alignment for all pools.
	Alignment int64
	// TrackDefaultUsage controls usage accounting for leaf pools created
	// through AddLeafPool.
	TrackDefaultUsage bool
	// DisableMemoryPoolTracking skips the manager-wide root pool registry,
	// allowing duplicate root names. Diagnostics listing root pools are
	// incomplete with tracking disabled.
	DisableMemoryPoolTracking bool
	// NumSharedLeafPools is the number of pre-created shared system leaf
	// pools. Zero means the default of 32.
	NumSharedLeafPools int
}

// DefaultOptions returns the options NewManager would be commonly called
// with: an unbounded allocator, maximum alignment and usage tracking on.
func DefaultOptions() Options {
	return Options{
		AllocatorCapacity: MaxMemory,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: true,
	}
}

// Manager owns the memory pool forest: the allocator providing the backing
// memory, the arbitrator distributing capacity among root pools, and the
// system root pool with its permanent leaves. All methods are safe for
// concurrent use.
type Manager struct {
	alignment         int64
	allocator         Allocator
	arbitrator        Arbitrator
	trackDefaultUsage bool
	poolTracking      bool

	mu    sync.RWMutex
	roots map[string]*Pool

	nextRootID atomic.Int64
	nextLeafID atomic.Int64

	sysRoot   *Pool
	sysLeaves []*Pool

	shutdown atomic.Bool
}

// NewManager creates a memory manager from the given options.
func NewManager(options Options) (*Manager, error) {
	alignment, err := validateAlignment(options.Alignment)
	if err != nil {
		return nil, err
	}

	allocatorCapacity := options.AllocatorCapacity
	if allocatorCapacity <= 0 {
		allocatorCapacity = MaxMemory
	}
	arbitratorCapacity := options.ArbitratorCapacity
	if arbitratorCapacity <= 0 {
		arbitratorCapacity = allocatorCapacity
	}
	arbitratorCapacity = minInt64(arbitratorCapacity, allocatorCapacity)

	arbitrator, err := newArbitrator(ArbitratorConfig{
		Kind:         options.ArbitratorKind,
		Capacity:     arbitratorCapacity,
		ExtraConfigs: options.ExtraArbitratorConfigs,
	})
	if err != nil {
		return nil, err
	}

	numSharedLeaves := options.NumSharedLeafPools
	if numSharedLeaves <= 0 {
		numSharedLeaves = defaultNumSharedLeafPools
	}

	m := &Manager{
		alignment:         alignment,
		allocator:         NewMallocAllocator(allocatorCapacity),
		arbitrator:        arbitrator,
		trackDefaultUsage: options.TrackDefaultUsage,
		poolTracking:      !options.DisableMemoryPoolTracking,
		roots:             make(map[string]*Pool),
	}

	// The system root sits outside arbitration: its capacity is unbounded
	// and it is never a reclamation victim.
	m.sysRoot = newPool(m, nil, SysRootName, KindAggregate, MaxMemory,
		true, options.TrackDefaultUsage)
	m.sysRoot.capacity.Store(MaxMemory)
	m.sysRoot.reclaimer = &sysReclaimer{}

	sysLeafNames := []string{SysSpillingName, SysTracingName}
	for i := 0; i < numSharedLeaves; i++ {
		sysLeafNames = append(sysLeafNames, fmt.Sprintf(sysSharedLeafFmt, i))
	}
	for _, name := range sysLeafNames {
		leaf, err := m.sysRoot.AddLeafChild(name, true)
		if err != nil {
			return nil, err
		}
		m.sysLeaves = append(m.sysLeaves, leaf)
	}

	details.Debug("created memory manager with capacity %s, arbitrator %s",
		SuccinctBytes(allocatorCapacity), arbitrator.Kind())

	return m, nil
}

// AddRootPool creates a new root pool and admits it to the arbitrator. An
// empty name generates one. A maxCapacity of 0 or less means unbounded. The
// caller owns a reference on the returned pool and must Release it.
func (m *Manager) AddRootPool(name string, maxCapacity int64, reclaimer Reclaimer) (*Pool, error) {
	if m.shutdown.Load() {
		return nil, fmt.Errorf("%w: AddRootPool on a shut down manager", ErrUnsupported)
	}
	if name == "" {
		name = fmt.Sprintf("default_root_%d", m.nextRootID.Add(1)-1)
	}
	if maxCapacity <= 0 {
		maxCapacity = MaxMemory
	}

	if reclaimer == nil {
		reclaimer = NewNopReclaimer(0)
	}

	pool := newPool(m, nil, name, KindAggregate, maxCapacity, true, true)
	pool.reclaimer = reclaimer
	pool.participant = true

	if m.poolTracking {
		m.mu.Lock()
		if _, ok := m.roots[name]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: root pool %s already exists", ErrDuplicateName, name)
		}
		m.roots[name] = pool
		m.mu.Unlock()
	}

	if err := m.arbitrator.AddPool(pool); err != nil {
		if m.poolTracking {
			m.mu.Lock()
			delete(m.roots, name)
			m.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: %w", ErrPoolRejected, err)
	}

	return pool, nil
}

// AddLeafPool creates a leaf pool under the system root. An empty name
// generates one. The caller owns a reference on the returned pool and must
// Release it. Usage tracking follows Options.TrackDefaultUsage.
func (m *Manager) AddLeafPool(name string, threadSafe bool) (*Pool, error) {
	if m.shutdown.Load() {
		return nil, fmt.Errorf("%w: AddLeafPool on a shut down manager", ErrUnsupported)
	}
	if name == "" {
		name = fmt.Sprintf("default_leaf_%d", m.nextLeafID.Add(1)-1)
	}
	sysRoot := m.SysRootPool()
	if sysRoot == nil {
		return nil, fmt.Errorf("%w: AddLeafPool on a shut down manager", ErrUnsupported)
	}
	return sysRoot.AddLeafChild(name, threadSafe)
}

// GetPool looks up a tracked root pool by name.
func (m *Manager) GetPool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.roots[name]
	return pool, ok
}

// NumPools returns the number of live pools in the forest, system pools
// included.
func (m *Manager) NumPools() int {
	n := 0
	for _, root := range m.rootSnapshot() {
		n += countPools(root)
	}
	return n
}

func countPools(p *Pool) int {
	n := 1
	p.VisitChildren(func(child *Pool) bool {
		n += countPools(child)
		return ForeachMore
	})
	return n
}

// ShrinkPools reclaims up to targetBytes of slack capacity from the root
// pools. A target of 0 reclaims all slack. Returns the bytes reclaimed.
func (m *Manager) ShrinkPools(targetBytes int64) int64 {
	return m.arbitrator.ShrinkCapacity(targetBytes)
}

// Capacity returns the allocator's hard byte ceiling.
func (m *Manager) Capacity() int64 {
	return m.allocator.Capacity()
}

// Alignment returns the allocation alignment of all pools.
func (m *Manager) Alignment() int64 {
	return m.alignment
}

// UsedBytes returns the bytes currently held from the allocator, tracked
// and untracked pools alike.
func (m *Manager) UsedBytes() int64 {
	return m.allocator.TotalBytes()
}

// Allocator returns the backing allocator.
func (m *Manager) Allocator() Allocator {
	return m.allocator
}

// Arbitrator returns the capacity arbitrator.
func (m *Manager) Arbitrator() Arbitrator {
	return m.arbitrator
}

// SysRootPool returns the system root pool, nil after Shutdown.
func (m *Manager) SysRootPool() *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sysRoot
}

// String returns the manager's diagnostic summary: the header, the list of
// root pools, and the allocator and arbitrator summaries.
func (m *Manager) String() string {
	roots := m.rootSnapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Memory Manager[capacity %s alignment %s usedBytes %s number of pools %d\n",
		SuccinctBytes(m.Capacity()), SuccinctBytes(m.alignment),
		SuccinctBytes(m.UsedBytes()), m.NumPools())
	sb.WriteString("List of root pools:\n")
	for _, root := range roots {
		fmt.Fprintf(&sb, "\t%s\n", root.Name())
	}
	sb.WriteString(m.allocator.String())
	sb.WriteString("\n")
	sb.WriteString(m.arbitrator.String())
	sb.WriteString("]")

	return sb.String()
}

// DetailedString is String plus one usage line per pool in the forest.
func (m *Manager) DetailedString() string {
	var sb strings.Builder
	sb.WriteString(m.String())
	for _, root := range m.rootSnapshot() {
		appendPoolDetails(&sb, root)
	}
	return sb.String()
}

func appendPoolDetails(sb *strings.Builder, p *Pool) {
	fmt.Fprintf(sb, "\n%s usage %s reserved %s peak %s",
		p.Name(), SuccinctBytes(p.UsedBytes()),
		SuccinctBytes(p.ReservedBytes()), SuccinctBytes(p.PeakBytes()))
	p.VisitChildren(func(child *Pool) bool {
		appendPoolDetails(sb, child)
		return ForeachMore
	})
}

// rootSnapshot returns the system root followed by the tracked user roots
// in name order. The system root is gone after Shutdown.
func (m *Manager) rootSnapshot() []*Pool {
	m.mu.RLock()
	sysRoot := m.sysRoot
	roots := make([]*Pool, 0, len(m.roots)+1)
	for _, root := range m.roots {
		roots = append(roots, root)
	}
	m.mu.RUnlock()

	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Name() < roots[j].Name()
	})

	if sysRoot == nil {
		return roots
	}
	return append([]*Pool{sysRoot}, roots...)
}

func (m *Manager) dropRootPool(p *Pool) {
	m.arbitrator.RemovePool(p)
	if m.poolTracking {
		m.mu.Lock()
		if m.roots[p.Name()] == p {
			delete(m.roots, p.Name())
		}
		m.mu.Unlock()
	}
}

// Shutdown releases the system pools and shuts the arbitrator down. It
// fails if user pools or allocations are still live.
func (m *Manager) Shutdown() error {
	if m.shutdown.Swap(true) {
		return nil
	}

	var errs *multierror.Error

	m.mu.RLock()
	for name := range m.roots {
		errs = multierror.Append(errs,
			fmt.Errorf("%w: root pool %s still alive at shutdown", ErrUnsupported, name))
	}
	m.mu.RUnlock()

	for _, leaf := range m.sysLeaves {
		leaf.Release()
	}
	m.sysRoot.Release()

	m.mu.Lock()
	m.sysLeaves = nil
	m.sysRoot = nil
	m.mu.Unlock()

	if allocated := m.allocator.TotalBytes(); allocated != 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("%w: %s still allocated at shutdown", ErrUnsupported, SuccinctBytes(allocated)))
	}

	m.arbitrator.Shutdown()

	return errs.ErrorOrNil()
}

var (
	instanceMu sync.Mutex
	instance   *Manager
)

// Initialize creates the process-wide memory manager. It fails if one has
// already been created, by Initialize or lazily by Instance.
func Initialize(options Options) (*Manager, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return nil, fmt.Errorf("%w: memory manager already initialized", ErrAlreadySet)
	}

	m, err := NewManager(options)
	if err != nil {
		return nil, err
	}
	instance = m

	return m, nil
}

// Instance returns the process-wide memory manager, creating it with
// DefaultOptions on first use.
func Instance() *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		m, err := NewManager(DefaultOptions())
		if err != nil {
			// DefaultOptions are always valid.
			panic(fmt.Sprintf("failed to create default memory manager: %v", err))
		}
		instance = m
	}

	return instance
}

// TestingSetInstance replaces the process-wide memory manager and returns
// the previous one. Tests use it to install a scoped manager; nil resets
// to lazy creation.
func TestingSetInstance(m *Manager) *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	old := instance
	instance = m

	return old
}
