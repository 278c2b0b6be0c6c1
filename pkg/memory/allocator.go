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
	"sync/atomic"

	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sys/unix"
)

// maxPagesPerRun caps the size of a single run in a non-contiguous
// allocation. Larger requests are split into multiple runs.
const maxPagesPerRun int64 = 256

// Allocation holds the page runs of a non-contiguous page allocation.
type Allocation struct {
	runs  [][]byte
	pages int64
}

// Empty returns true if the allocation holds no pages.
func (a *Allocation) Empty() bool {
	return a.pages == 0
}

// NumPages returns the number of pages in the allocation.
func (a *Allocation) NumPages() int64 {
	return a.pages
}

// NumRuns returns the number of page runs in the allocation.
func (a *Allocation) NumRuns() int {
	return len(a.runs)
}

// RunAt returns the byte buffer of the given run.
func (a *Allocation) RunAt(idx int) []byte {
	return a.runs[idx]
}

func (a *Allocation) clear() {
	a.runs = nil
	a.pages = 0
}

// ContiguousAllocation holds a single physically contiguous mapped region.
type ContiguousAllocation struct {
	data  []byte
	pages int64
}

// Empty returns true if the allocation holds no pages.
func (c *ContiguousAllocation) Empty() bool {
	return c.pages == 0
}

// NumPages returns the number of pages in the allocation.
func (c *ContiguousAllocation) NumPages() int64 {
	return c.pages
}

// Bytes returns the mapped byte region.
func (c *ContiguousAllocation) Bytes() []byte {
	return c.data
}

func (c *ContiguousAllocation) clear() {
	c.data = nil
	c.pages = 0
}

// Allocator is the fixed-capacity byte/page allocator beneath the pool tree.
// It enforces a hard global capacity ceiling and reports allocated and
// mapped counters.
type Allocator interface {
	// Kind returns the name of the allocator implementation.
	Kind() string
	// Capacity returns the hard byte capacity ceiling.
	Capacity() int64
	// Allocate allocates a byte buffer of the given size.
	Allocate(bytes int64) ([]byte, error)
	// Free releases a byte buffer obtained from Allocate.
	Free(buf []byte)
	// AllocateNonContiguous allocates the given number of pages as a set of
	// page runs into out. Any previous contents of out are freed first.
	AllocateNonContiguous(pages int64, out *Allocation) error
	// FreeNonContiguous releases all page runs held by the allocation.
	FreeNonContiguous(alloc *Allocation)
	// AllocateContiguous maps a physically contiguous region of the given
	// number of pages into out. Any previous contents of out are freed first.
	AllocateContiguous(pages int64, out *ContiguousAllocation) error
	// FreeContiguous unmaps the region held by the allocation.
	FreeContiguous(alloc *ContiguousAllocation)
	// AllocatedBytes returns the currently allocated plain bytes.
	AllocatedBytes() int64
	// AllocatedPages returns the currently allocated non-contiguous pages.
	AllocatedPages() int64
	// MappedPages returns the currently mapped contiguous pages.
	MappedPages() int64
	// TotalBytes returns the total bytes counted against the capacity
	// ceiling, including page-backed allocations.
	TotalBytes() int64
	// String returns the allocator's bracketed diagnostic summary.
	String() string
}

// MallocAllocator is the reference Allocator. Byte buffers and page runs
// come from an arrow buffer allocator, contiguous regions from anonymous
// memory mappings.
type MallocAllocator struct {
	capacity int64
	buffers  arrowmem.Allocator

	total     atomic.Int64 // bytes counted against capacity
	allocated atomic.Int64 // plain allocated bytes
	pages     atomic.Int64 // non-contiguous pages
	mapped    atomic.Int64 // contiguous (mmapped) pages
}

var _ Allocator = (*MallocAllocator)(nil)

// NewMallocAllocator returns a malloc allocator with the given byte capacity
// ceiling. A capacity of MaxMemory disables the ceiling.
func NewMallocAllocator(capacity int64) *MallocAllocator {
	return &MallocAllocator{
		capacity: capacity,
		buffers:  arrowmem.NewGoAllocator(),
	}
}

// Kind returns the name of the allocator implementation.
func (a *MallocAllocator) Kind() string {
	return "MALLOC"
}

// Capacity returns the hard byte capacity ceiling.
func (a *MallocAllocator) Capacity() int64 {
	return a.capacity
}

// Allocate allocates a byte buffer of the given size.
func (a *MallocAllocator) Allocate(bytes int64) ([]byte, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, bytes)
	}
	if err := a.reserve(bytes); err != nil {
		return nil, err
	}

	buf := a.buffers.Allocate(int(bytes))
	a.allocated.Add(bytes)

	return buf, nil
}

// Free releases a byte buffer obtained from Allocate.
func (a *MallocAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
	bytes := int64(len(buf))
	a.buffers.Free(buf)
	a.allocated.Add(-bytes)
	a.release(bytes)
}

// AllocateNonContiguous allocates the given number of pages as page runs.
func (a *MallocAllocator) AllocateNonContiguous(pages int64, out *Allocation) error {
	if pages <= 0 {
		return fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}
	if !out.Empty() {
		a.FreeNonContiguous(out)
	}

	bytes := pages * PageSize
	if err := a.reserve(bytes); err != nil {
		return err
	}

	for left := pages; left > 0; {
		run := minInt64(left, maxPagesPerRun)
		out.runs = append(out.runs, a.buffers.Allocate(int(run*PageSize)))
		out.pages += run
		left -= run
	}
	a.pages.Add(pages)

	return nil
}

// FreeNonContiguous releases all page runs held by the allocation.
func (a *MallocAllocator) FreeNonContiguous(alloc *Allocation) {
	if alloc.Empty() {
		return
	}
	for _, run := range alloc.runs {
		a.buffers.Free(run)
	}
	bytes := alloc.pages * PageSize
	a.pages.Add(-alloc.pages)
	a.release(bytes)
	alloc.clear()
}

// AllocateContiguous maps a contiguous region of the given number of pages.
func (a *MallocAllocator) AllocateContiguous(pages int64, out *ContiguousAllocation) error {
	if pages <= 0 {
		return fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}
	if !out.Empty() {
		a.FreeContiguous(out)
	}

	bytes := pages * PageSize
	if err := a.reserve(bytes); err != nil {
		return err
	}

	data, err := unix.Mmap(-1, 0, int(bytes),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		a.release(bytes)
		return fmt.Errorf("%w: mmap of %d pages failed: %v", ErrAllocatorLimit, pages, err)
	}

	out.data = data
	out.pages = pages
	a.mapped.Add(pages)

	return nil
}

// FreeContiguous unmaps the region held by the allocation.
func (a *MallocAllocator) FreeContiguous(alloc *ContiguousAllocation) {
	if alloc.Empty() {
		return
	}
	bytes := alloc.pages * PageSize
	if err := unix.Munmap(alloc.data); err != nil {
		log.Error("munmap of %d pages failed: %v", alloc.pages, err)
	}
	a.mapped.Add(-alloc.pages)
	a.release(bytes)
	alloc.clear()
}

// AllocatedBytes returns the currently allocated plain bytes.
func (a *MallocAllocator) AllocatedBytes() int64 {
	return a.allocated.Load()
}

// AllocatedPages returns the currently allocated non-contiguous pages.
func (a *MallocAllocator) AllocatedPages() int64 {
	return a.pages.Load()
}

// MappedPages returns the currently mapped contiguous pages.
func (a *MallocAllocator) MappedPages() int64 {
	return a.mapped.Load()
}

// TotalBytes returns the total bytes counted against the capacity ceiling.
func (a *MallocAllocator) TotalBytes() int64 {
	return a.total.Load()
}

// String returns the allocator's bracketed diagnostic summary.
func (a *MallocAllocator) String() string {
	return fmt.Sprintf("Memory Allocator[%s capacity %s allocated bytes %d allocated pages %d mapped pages %d]",
		a.Kind(), SuccinctBytes(a.capacity), a.allocated.Load(), a.pages.Load(), a.mapped.Load())
}

func (a *MallocAllocator) reserve(bytes int64) error {
	if a.capacity == MaxMemory {
		a.total.Add(bytes)
		return nil
	}
	if total := a.total.Add(bytes); total > a.capacity {
		a.total.Add(-bytes)
		return fmt.Errorf("%w: %s requested, %s allocated of %s",
			ErrAllocatorLimit, SuccinctBytes(bytes),
			SuccinctBytes(total-bytes), SuccinctBytes(a.capacity))
	}
	return nil
}

func (a *MallocAllocator) release(bytes int64) {
	a.total.Add(-bytes)
}
