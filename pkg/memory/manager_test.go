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
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/colex-db/colex/pkg/memory"
)

// Pools every manager owns: the system root, the spilling and tracing
// leaves, and the shared system leaves.
func sysPoolCount(numSharedLeaves int) int {
	return 1 + 2 + numSharedLeaves
}

func TestNewManagerDefaults(t *testing.T) {
	mgr, err := NewManager(DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, MaxMemory, mgr.Capacity())
	require.Equal(t, MaxAlignment, mgr.Alignment())
	require.Equal(t, int64(0), mgr.UsedBytes())
	require.Equal(t, sysPoolCount(32), mgr.NumPools())
	require.Equal(t, KindNoop, mgr.Arbitrator().Kind())

	sysRoot := mgr.SysRootPool()
	require.NotNil(t, sysRoot)
	require.Equal(t, SysRootName, sysRoot.Name())
	require.Equal(t, KindAggregate, sysRoot.Kind())
	require.Equal(t, MaxMemory, sysRoot.Capacity())

	found := map[string]bool{}
	sysRoot.VisitChildren(func(child *Pool) bool {
		found[child.Name()] = true
		return ForeachMore
	})
	require.True(t, found[SysSpillingName], "spilling pool exists")
	require.True(t, found[SysTracingName], "tracing pool exists")
}

func TestNewManagerAlignment(t *testing.T) {
	for _, tc := range []struct {
		alignment int64
		effective int64
		fail      bool
	}{
		{0, MinAlignment, false},
		{8, MinAlignment, false},
		{16, MinAlignment, false},
		{32, 0, true},
		{64, MaxAlignment, false},
		{128, 0, true},
	} {
		t.Run(fmt.Sprintf("alignment-%d", tc.alignment), func(t *testing.T) {
			mgr, err := NewManager(Options{
				AllocatorCapacity: gB,
				Alignment:         tc.alignment,
				TrackDefaultUsage: true,
			})
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.effective, mgr.Alignment())
		})
	}
}

func TestNumSharedLeafPools(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity:  gB,
		NumSharedLeafPools: 4,
		TrackDefaultUsage:  true,
	})
	require.NoError(t, err)
	require.Equal(t, sysPoolCount(4), mgr.NumPools())
}

func TestAddRootPoolDuplicate(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	p1, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)

	_, err = mgr.AddRootPool("query", 0, nil)
	require.ErrorIs(t, err, ErrDuplicateName)

	p1.Release()

	// The name is free again once the pool is gone.
	p2, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	p2.Release()
}

func TestDisableMemoryPoolTracking(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity:         gB,
		TrackDefaultUsage:         true,
		DisableMemoryPoolTracking: true,
	})
	require.NoError(t, err)

	p1, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	p2, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err, "duplicate names allowed with tracking disabled")

	_, ok := mgr.GetPool("query")
	require.False(t, ok, "untracked pools are not registered")

	p2.Release()
	p1.Release()
}

func TestGeneratedPoolNames(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	r0, err := mgr.AddRootPool("", 0, nil)
	require.NoError(t, err)
	require.Equal(t, "default_root_0", r0.Name())
	r1, err := mgr.AddRootPool("", 0, nil)
	require.NoError(t, err)
	require.Equal(t, "default_root_1", r1.Name())

	l0, err := mgr.AddLeafPool("", false)
	require.NoError(t, err)
	require.Equal(t, "default_leaf_0", l0.Name())
	require.Same(t, mgr.SysRootPool(), l0.Parent())

	l0.Release()
	r1.Release()
	r0.Release()
}

func TestManagerString(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity: 4 * gB,
		ArbitratorKind:    KindShared,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: true,
	})
	require.NoError(t, err)

	want := "Memory Manager[capacity 4.00GB alignment 64B usedBytes 0B number of pools 35\n" +
		"List of root pools:\n" +
		"\t__sys_root__\n" +
		"Memory Allocator[MALLOC capacity 4.00GB allocated bytes 0 allocated pages 0 mapped pages 0]\n" +
		"ARBITRATOR[SHARED CAPACITY[4.00GB] STATS[numRequests 0 numSucceeded 0 numAborted 0 " +
		"numFailures 0 numNonReclaimableAttempts 0 reclaimedFreeCapacity 0B " +
		"reclaimedUsedCapacity 0B freeCapacity 4.00GB]]]"
	if diff := cmp.Diff(want, mgr.String()); diff != "" {
		t.Errorf("manager string (-want +got):\n%s", diff)
	}
}

func TestManagerStringNoop(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity: 4 * gB,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: true,
	})
	require.NoError(t, err)

	want := "Memory Manager[capacity 4.00GB alignment 64B usedBytes 0B number of pools 35\n" +
		"List of root pools:\n" +
		"\t__sys_root__\n" +
		"Memory Allocator[MALLOC capacity 4.00GB allocated bytes 0 allocated pages 0 mapped pages 0]\n" +
		"ARBITRATOR[NOOP CAPACITY[4.00GB]]]"
	if diff := cmp.Diff(want, mgr.String()); diff != "" {
		t.Errorf("manager string (-want +got):\n%s", diff)
	}

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	require.Contains(t, mgr.String(), "\t__sys_root__\n\tquery\n", "user roots listed after the system root")
	root.Release()
}

func TestDetailedString(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	leaf, err := root.AddLeafChild("op", false)
	require.NoError(t, err)

	buf, err := leaf.Allocate(mB)
	require.NoError(t, err)

	detailed := mgr.DetailedString()
	require.Contains(t, detailed, "query usage 1.00MB reserved 1.00MB peak 1.00MB")
	require.Contains(t, detailed, "op usage 1.00MB reserved 1.00MB peak 1.00MB")
	require.Contains(t, detailed, SysSpillingName+" usage 0B reserved 0B peak 0B")

	leaf.Free(buf)
	leaf.Release()
	root.Release()
}

func TestShrinkPools(t *testing.T) {
	mgr, err := NewManager(Options{
		AllocatorCapacity: gB,
		ArbitratorKind:    KindShared,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: true,
		ExtraArbitratorConfigs: map[string]string{
			ExtraConfigInitialPoolCapacity: "64MB",
		},
	})
	require.NoError(t, err)

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)
	require.Equal(t, 64*mB, root.Capacity())

	// All of the initial grant is slack, nothing is reserved yet.
	require.Equal(t, 64*mB, mgr.ShrinkPools(0))
	require.Equal(t, int64(0), root.Capacity())

	root.Release()
}

func TestManagerShutdown(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})

	root, err := mgr.AddRootPool("query", 0, nil)
	require.NoError(t, err)

	err = mgr.Shutdown()
	require.Error(t, err, "shutdown with a live user pool")
	require.Contains(t, err.Error(), "query")

	root.Release()

	mgr = newTestManager(t, Options{AllocatorCapacity: gB})
	require.NoError(t, mgr.Shutdown(), "clean shutdown")
	_, err = mgr.AddRootPool("query", 0, nil)
	require.ErrorIs(t, err, ErrUnsupported, "no pools after shutdown")
	_, err = mgr.AddLeafPool("", false)
	require.ErrorIs(t, err, ErrUnsupported)

	// Diagnostics no longer report the released system pools.
	require.Nil(t, mgr.SysRootPool())
	require.Equal(t, 0, mgr.NumPools())
	require.NotContains(t, mgr.String(), SysRootName)
}

func TestGlobalInstance(t *testing.T) {
	old := TestingSetInstance(nil)
	defer TestingSetInstance(old)

	mgr, err := Initialize(Options{
		AllocatorCapacity: gB,
		Alignment:         MaxAlignment,
		TrackDefaultUsage: true,
	})
	require.NoError(t, err)
	require.Same(t, mgr, Instance())

	_, err = Initialize(DefaultOptions())
	require.ErrorIs(t, err, ErrAlreadySet)

	TestingSetInstance(nil)
	lazy := Instance()
	require.NotNil(t, lazy, "lazy default instance")
	require.NotSame(t, mgr, lazy)
	require.Same(t, lazy, Instance())
}

func TestConcurrentPools(t *testing.T) {
	mgr := newTestManager(t, Options{AllocatorCapacity: gB})
	baseline := mgr.NumPools()

	const (
		numWorkers = 8
		numRounds  = 50
	)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for round := 0; round < numRounds; round++ {
				root, err := mgr.AddRootPool(fmt.Sprintf("query-%d-%d", id, round), 0, nil)
				require.NoError(t, err)
				leaf, err := root.AddLeafChild("op", true)
				require.NoError(t, err)

				buf, err := leaf.Allocate(64 * kB)
				require.NoError(t, err)
				leaf.Free(buf)

				leaf.Release()
				root.Release()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, baseline, mgr.NumPools(), "all pools torn down")
	require.Equal(t, int64(0), mgr.UsedBytes())
}
