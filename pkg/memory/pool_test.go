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

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/colex-db/colex/pkg/memory"
)

const (
	kB int64 = 1 << 10
	mB int64 = 1 << 20
	gB int64 = 1 << 30
)

func newTestManager(t *testing.T, options Options) *Manager {
	t.Helper()

	if options.Alignment == 0 {
		options.Alignment = MaxAlignment
	}
	options.TrackDefaultUsage = true

	mgr, err := NewManager(options)
	require.NoError(t, err, "failed to create manager")
	require.NotNil(t, mgr, "created manager")

	return mgr
}

func TestPoolHierarchy(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err, "root pool creation")
	require.Equal(t, "query", root.Name())
	require.Equal(t, KindAggregate, root.Kind())
	require.Nil(t, root.Parent())
	require.Same(t, root, root.Root())

	task, err := root.AddAggregateChild("task.0")
	require.NoError(t, err, "aggregate child creation")
	require.Equal(t, KindAggregate, task.Kind())
	require.Same(t, root, task.Parent())
	require.Same(t, root, task.Root())

	op, err := task.AddLeafChild("op.0", false)
	require.NoError(t, err, "leaf child creation")
	require.Equal(t, KindLeaf, op.Kind())
	require.Same(t, task, op.Parent())
	require.Same(t, root, op.Root())

	// Sibling names are unique.
	_, err = task.AddLeafChild("op.0", false)
	require.ErrorIs(t, err, ErrDuplicateName)

	// Leaf pools have no children, aggregate pools no allocations.
	_, err = op.AddLeafChild("grandchild", false)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = root.Allocate(64)
	require.ErrorIs(t, err, ErrUnsupported)

	require.Equal(t, 1, root.ChildCount())
	require.Equal(t, 1, task.ChildCount())
	require.Equal(t, 0, op.ChildCount())

	names := []string{}
	root.VisitChildren(func(child *Pool) bool {
		names = append(names, child.Name())
		return ForeachMore
	})
	require.Equal(t, []string{"task.0"}, names)

	op.Release()
	task.Release()
	root.Release()
}

func TestPoolReferenceCounting(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})
	baseline := mgr.NumPools()

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)
	require.Equal(t, baseline+2, mgr.NumPools())

	// The child keeps the root alive past the caller's release.
	root.Release()
	_, ok := mgr.GetPool("query")
	require.True(t, ok, "root alive while its child is")
	require.Equal(t, baseline+2, mgr.NumPools())

	// Dropping the last reference tears the tree down.
	leaf.Release()
	_, ok = mgr.GetPool("query")
	require.False(t, ok, "root destroyed with its last child")
	require.Equal(t, baseline, mgr.NumPools())
}

func TestAllocateFree(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	// Sizes round up to the pool alignment.
	buf, err := leaf.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 128, len(buf))
	require.Equal(t, int64(128), leaf.UsedBytes())

	// Leaf reservations are quantized; ancestors account the quantized
	// reservation, not the precise usage.
	require.Equal(t, mB, leaf.ReservedBytes())
	require.Equal(t, mB, root.UsedBytes())
	require.Equal(t, mB, root.ReservedBytes())

	_, err = leaf.Allocate(0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = leaf.Allocate(-1)
	require.ErrorIs(t, err, ErrInvalidSize)

	leaf.Free(buf)
	require.Equal(t, int64(0), leaf.UsedBytes())
	require.Equal(t, int64(0), leaf.ReservedBytes())
	require.Equal(t, int64(0), root.UsedBytes())
	require.Equal(t, int64(128), leaf.PeakBytes(), "peak survives the free")

	leaf.Release()
	root.Release()
}

func TestUsagePropagation(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	task, err := root.AddAggregateChild("task")
	require.NoError(t, err)
	op1, err := task.AddLeafChild("op.1", false)
	require.NoError(t, err)
	op2, err := task.AddLeafChild("op.2", false)
	require.NoError(t, err)

	buf1, err := op1.Allocate(2 * mB)
	require.NoError(t, err)
	buf2, err := op2.Allocate(3 * mB)
	require.NoError(t, err)

	require.Equal(t, 2*mB, op1.UsedBytes())
	require.Equal(t, 3*mB, op2.UsedBytes())
	require.Equal(t, 5*mB, task.UsedBytes(), "usage aggregates at intermediate pools")
	require.Equal(t, 5*mB, root.UsedBytes(), "usage aggregates at the root")

	op1.Free(buf1)
	require.Equal(t, 3*mB, task.UsedBytes())
	require.Equal(t, 3*mB, root.UsedBytes())

	op2.Free(buf2)
	require.Equal(t, int64(0), root.UsedBytes())
	require.Equal(t, 5*mB, root.PeakBytes())

	op2.Release()
	op1.Release()
	task.Release()
	root.Release()
}

func TestQuotaEnforcement(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	// With the NOOP arbitrator the capacity is pinned to the max capacity.
	root, err := mgr.AddRootPool("query", 8*mB, nil)
	require.NoError(t, err)
	require.Equal(t, 8*mB, root.Capacity())
	require.Equal(t, 8*mB, root.MaxCapacity())

	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	buf1, err := leaf.Allocate(6 * mB)
	require.NoError(t, err, "allocation within quota")
	buf2, err := leaf.Allocate(2 * mB)
	require.NoError(t, err, "allocation up to quota")

	_, err = leaf.Allocate(64)
	require.ErrorIs(t, err, ErrCapacityExceeded, "allocation beyond quota")

	// Freeing makes room again.
	leaf.Free(buf2)
	buf2, err = leaf.Allocate(mB)
	require.NoError(t, err, "allocation after freeing")

	leaf.Free(buf1)
	leaf.Free(buf2)
	leaf.Release()
	root.Release()
}

func TestSiblingsShareQuota(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 8*mB, nil)
	require.NoError(t, err)
	op1, err := root.AddLeafChild("op.1", false)
	require.NoError(t, err)
	op2, err := root.AddLeafChild("op.2", false)
	require.NoError(t, err)

	buf1, err := op1.Allocate(5 * mB)
	require.NoError(t, err)
	buf2, err := op2.Allocate(3 * mB)
	require.NoError(t, err)

	_, err = op2.Allocate(mB)
	require.ErrorIs(t, err, ErrCapacityExceeded, "siblings share the root quota")

	op1.Free(buf1)
	op2.Free(buf2)
	op2.Release()
	op1.Release()
	root.Release()
}

func TestAllocateNonContiguous(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	var alloc Allocation
	require.True(t, alloc.Empty())

	err = leaf.AllocateNonContiguous(300, &alloc)
	require.NoError(t, err)
	require.False(t, alloc.Empty())
	require.Equal(t, int64(300), alloc.NumPages())
	require.Equal(t, 2, alloc.NumRuns(), "large allocations split into page runs")
	require.Equal(t, 300*PageSize, leaf.UsedBytes())

	err = leaf.AllocateNonContiguous(0, &alloc)
	require.ErrorIs(t, err, ErrInvalidSize)

	// Reallocation frees the previous contents first.
	err = leaf.AllocateNonContiguous(10, &alloc)
	require.NoError(t, err)
	require.Equal(t, int64(10), alloc.NumPages())
	require.Equal(t, 10*PageSize, leaf.UsedBytes())

	leaf.FreeNonContiguous(&alloc)
	require.True(t, alloc.Empty())
	require.Equal(t, int64(0), leaf.UsedBytes())

	leaf.Release()
	root.Release()
}

func TestAllocateContiguous(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	var alloc ContiguousAllocation
	require.True(t, alloc.Empty())

	err = leaf.AllocateContiguous(16, &alloc)
	require.NoError(t, err)
	require.False(t, alloc.Empty())
	require.Equal(t, int64(16), alloc.NumPages())
	require.Equal(t, 16*PageSize, int64(len(alloc.Bytes())))
	require.Equal(t, 16*PageSize, leaf.UsedBytes())

	// The mapping is writable.
	alloc.Bytes()[0] = 0xff
	alloc.Bytes()[len(alloc.Bytes())-1] = 0xff

	leaf.FreeContiguous(&alloc)
	require.True(t, alloc.Empty())
	require.Equal(t, int64(0), leaf.UsedBytes())

	leaf.Release()
	root.Release()
}

func TestPageQuotaEnforcement(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 8*mB, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	pagesPerMB := mB / PageSize

	// The full quota in pages fits, one page more does not.
	var alloc Allocation
	require.NoError(t, leaf.AllocateNonContiguous(8*pagesPerMB, &alloc))
	require.Equal(t, 8*mB, leaf.UsedBytes())
	leaf.FreeNonContiguous(&alloc)

	err = leaf.AllocateNonContiguous(8*pagesPerMB+1, &alloc)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.True(t, alloc.Empty())

	var contig ContiguousAllocation
	require.NoError(t, leaf.AllocateContiguous(8*pagesPerMB, &contig))
	leaf.FreeContiguous(&contig)

	err = leaf.AllocateContiguous(8*pagesPerMB+1, &contig)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.True(t, contig.Empty())

	// With bytes already allocated only the remainder is open to page
	// allocations.
	buf, err := leaf.Allocate(4 * mB)
	require.NoError(t, err)

	err = leaf.AllocateNonContiguous(4*pagesPerMB+1, &alloc)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.NoError(t, leaf.AllocateNonContiguous(4*pagesPerMB, &alloc))
	leaf.FreeNonContiguous(&alloc)

	err = leaf.AllocateContiguous(4*pagesPerMB+1, &contig)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.NoError(t, leaf.AllocateContiguous(4*pagesPerMB, &contig))
	leaf.FreeContiguous(&contig)

	leaf.Free(buf)
	leaf.Release()
	root.Release()
}

func TestPageAllocatorLimit(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: 8 * mB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	pagesPerMB := mB / PageSize

	// The pool quota is unbounded here; the allocator's hard ceiling is
	// what both page paths run into.
	var alloc Allocation
	err = leaf.AllocateNonContiguous(16*pagesPerMB, &alloc)
	require.ErrorIs(t, err, ErrAllocatorLimit)
	require.Equal(t, int64(0), leaf.UsedBytes(), "failed allocation leaves no usage behind")

	var contig ContiguousAllocation
	err = leaf.AllocateContiguous(16*pagesPerMB, &contig)
	require.ErrorIs(t, err, ErrAllocatorLimit)
	require.Equal(t, int64(0), leaf.UsedBytes())

	leaf.Release()
	root.Release()
}

func TestUntrackedUsage(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity: gB,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: false,
	})
	require.NoError(t, err)

	leaf, err := mgr.AddLeafPool("scratch", false)
	require.NoError(t, err)
	require.False(t, leaf.TrackUsage())

	buf, err := leaf.Allocate(mB)
	require.NoError(t, err)
	require.Equal(t, int64(0), leaf.UsedBytes(), "untracked pools skip accounting")
	require.Equal(t, mB, mgr.UsedBytes(), "the allocator still sees the bytes")

	leaf.Free(buf)
	leaf.Release()
}

func TestPoolString(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 8*mB, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	require.Equal(t,
		"Memory Pool[query AGGREGATE capacity 8.00MB max capacity 8.00MB used 0B reserved 0B peak 0B]",
		root.String())
	require.Contains(t, leaf.String(), "[op LEAF ")

	leaf.Release()
	root.Release()
}
