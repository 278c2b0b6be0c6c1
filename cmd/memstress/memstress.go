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

// memstress runs a concurrent allocate/free workload against the memory
// manager to exercise capacity arbitration under contention.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	logger "github.com/colex-db/colex/pkg/log"
	"github.com/colex-db/colex/pkg/memory"
)

var log = logger.Get("memstress")

// workload is the per-root-pool stress state: a leaf to allocate from and
// the buffers currently held, which the reclaimer gives back under memory
// pressure.
type workload struct {
	root *memory.Pool
	leaf *memory.Pool

	mu      sync.Mutex
	buffers [][]byte

	reclaimed atomic.Int64
	aborted   atomic.Bool
}

func (w *workload) add(buf []byte) {
	w.mu.Lock()
	w.buffers = append(w.buffers, buf)
	w.mu.Unlock()
}

func (w *workload) dropOne() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffers) == 0 {
		return nil
	}
	buf := w.buffers[len(w.buffers)-1]
	w.buffers = w.buffers[:len(w.buffers)-1]

	return buf
}

func (w *workload) heldBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for _, buf := range w.buffers {
		total += int64(len(buf))
	}

	return total
}

// Priority implements memory.Reclaimer.
func (w *workload) Priority() int {
	return 0
}

// ReclaimableBytes implements memory.Reclaimer.
func (w *workload) ReclaimableBytes(*memory.Pool) (int64, bool) {
	return w.heldBytes(), true
}

// Reclaim implements memory.Reclaimer by freeing held buffers until the
// target is covered.
func (w *workload) Reclaim(_ *memory.Pool, targetBytes int64, _ time.Duration, stats *memory.ReclaimStats) int64 {
	var freed int64
	for freed < targetBytes {
		buf := w.dropOne()
		if buf == nil {
			break
		}
		freed += int64(len(buf))
		w.leaf.Free(buf)
	}

	w.reclaimed.Add(freed)
	stats.ReclaimedBytes += freed

	return freed
}

// Abort implements memory.Reclaimer by dropping everything the workload
// holds.
func (w *workload) Abort(_ *memory.Pool, reason error) error {
	log.Warn("workload %s aborted: %v", w.root.Name(), reason)
	w.aborted.Store(true)

	for {
		buf := w.dropOne()
		if buf == nil {
			return nil
		}
		w.leaf.Free(buf)
	}
}

func (w *workload) teardown() {
	for {
		buf := w.dropOne()
		if buf == nil {
			break
		}
		w.leaf.Free(buf)
	}
	w.leaf.Release()
	w.root.Release()
}

func main() {
	var (
		numPools   = flag.Int("pools", 8, "number of competing root pools")
		numWorkers = flag.Int("workers", 32, "number of concurrent workers")
		duration   = flag.Duration("duration", 10*time.Second, "how long to run the workload")
		capacity   = flag.String("capacity", "1GB", "arbitrator capacity budget")
		maxAlloc   = flag.String("max-alloc", "8MB", "largest single allocation")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *debug {
		logger.EnableDebug("*", true)
	}

	capacityBytes, err := memory.ParseBytes(*capacity)
	if err != nil {
		log.Error("invalid -capacity: %v", err)
		os.Exit(1)
	}
	maxAllocBytes, err := memory.ParseBytes(*maxAlloc)
	if err != nil || maxAllocBytes <= 0 {
		log.Error("invalid -max-alloc: %v", err)
		os.Exit(1)
	}

	mgr, err := memory.NewManager(memory.Options{
		AllocatorCapacity: capacityBytes,
		ArbitratorKind:    memory.KindShared,
		Alignment:         memory.MaxAlignment,
		TrackDefaultUsage: true,
		ExtraArbitratorConfigs: map[string]string{
			memory.ExtraConfigInitialPoolCapacity: "16MB",
			memory.ExtraConfigTransferCapacity:    "4MB",
		},
	})
	if err != nil {
		log.Error("failed to create memory manager: %v", err)
		os.Exit(1)
	}

	workloads := make([]*workload, *numPools)
	for i := range workloads {
		w := &workload{}
		root, err := mgr.AddRootPool(fmt.Sprintf("stress_%d", i), 0, w)
		if err != nil {
			log.Error("failed to create root pool: %v", err)
			os.Exit(1)
		}
		leaf, err := root.AddLeafChild("worker", true)
		if err != nil {
			log.Error("failed to create leaf pool: %v", err)
			os.Exit(1)
		}
		w.root, w.leaf = root, leaf
		workloads[i] = w
	}

	pool, err := ants.NewPool(*numWorkers)
	if err != nil {
		log.Error("failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		allocs   atomic.Int64
		frees    atomic.Int64
		failures atomic.Int64
		randMu   sync.Mutex
		rng      = rand.New(rand.NewSource(*seed))
		stopAt   = time.Now().Add(*duration)
	)

	randInt63n := func(n int64) int64 {
		randMu.Lock()
		defer randMu.Unlock()
		return rng.Int63n(n)
	}

	log.Info("running %d workers over %d pools for %s (capacity %s, seed %d)",
		*numWorkers, *numPools, *duration, *capacity, *seed)

	for i := 0; i < *numWorkers; i++ {
		w := workloads[i%len(workloads)]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			for time.Now().Before(stopAt) {
				if w.aborted.Load() {
					return
				}
				if randInt63n(4) == 0 {
					if buf := w.dropOne(); buf != nil {
						w.leaf.Free(buf)
						frees.Add(1)
						continue
					}
				}
				buf, err := w.leaf.Allocate(1 + randInt63n(maxAllocBytes))
				if err != nil {
					if !errors.Is(err, memory.ErrCapacityExceeded) {
						log.Error("allocation failed: %v", err)
					}
					failures.Add(1)
					continue
				}
				allocs.Add(1)
				w.add(buf)
			}
		})
		if err != nil {
			wg.Done()
			log.Error("failed to submit worker: %v", err)
		}
	}

	wg.Wait()

	var reclaimed int64
	aborted := 0
	for _, w := range workloads {
		reclaimed += w.reclaimed.Load()
		if w.aborted.Load() {
			aborted++
		}
	}

	log.Info("workload done: %d allocations, %d frees, %d failures, %s reclaimed, %d workloads aborted",
		allocs.Load(), frees.Load(), failures.Load(),
		memory.SuccinctBytes(reclaimed), aborted)

	fmt.Println(mgr.DetailedString())

	for _, w := range workloads {
		w.teardown()
	}
	if err := mgr.Shutdown(); err != nil {
		log.Error("shutdown: %v", err)
		os.Exit(1)
	}
}
