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
	"time"
)

// ReclaimStats accumulates the cost and outcome of reclaim calls.
type ReclaimStats struct {
	// ReclaimedBytes is the number of bytes freed by reclamation.
	ReclaimedBytes int64
	// NumNonReclaimableAttempts counts reclaim attempts against pools
	// which had nothing to release.
	NumNonReclaimableAttempts int64
	// ExecTime is the total time spent executing reclamation.
	ExecTime time.Duration
}

// Add accumulates other into the stats.
func (s *ReclaimStats) Add(other ReclaimStats) {
	s.ReclaimedBytes += other.ReclaimedBytes
	s.NumNonReclaimableAttempts += other.NumNonReclaimableAttempts
	s.ExecTime += other.ExecTime
}

// Reclaimer is the per-pool hook the arbitrator uses to shrink a pool's
// usage, by spilling or ultimately by aborting the pool's owning
// computation. A reclaimer is associated with exactly one pool, supplied
// when the pool is created.
type Reclaimer interface {
	// Priority returns a static ranking hint for victim selection.
	// Lower values are reclaimed first.
	Priority() int
	// ReclaimableBytes returns a cheap estimate of the bytes the pool
	// could release. The second return value is false if the estimate
	// is unknown or unsupported, not if it is zero.
	ReclaimableBytes(pool *Pool) (int64, bool)
	// Reclaim releases up to targetBytes of the pool's used memory,
	// blocking for at most maxWait. It returns the number of bytes
	// actually freed, 0 if nothing could be freed in time. It must
	// never reclaim more than the pool's releasable used bytes.
	Reclaim(pool *Pool, targetBytes int64, maxWait time.Duration, stats *ReclaimStats) int64
	// Abort forcibly terminates the pool's owning computation so that
	// its memory becomes reclaimable.
	Abort(pool *Pool, reason error) error
}

// nopReclaimer satisfies the Reclaimer contract without reclaiming
// anything. It is the default for root pools created without an explicit
// reclaimer.
type nopReclaimer struct {
	priority int
}

// NewNopReclaimer returns a reclaimer which reports nothing reclaimable
// and accepts aborts without doing anything.
func NewNopReclaimer(priority int) Reclaimer {
	return &nopReclaimer{priority: priority}
}

func (r *nopReclaimer) Priority() int {
	return r.priority
}

func (r *nopReclaimer) ReclaimableBytes(*Pool) (int64, bool) {
	return 0, false
}

func (r *nopReclaimer) Reclaim(*Pool, int64, time.Duration, *ReclaimStats) int64 {
	return 0
}

func (r *nopReclaimer) Abort(*Pool, error) error {
	return nil
}

// sysReclaimer is the reclaimer of the system root pool. It exists only to
// satisfy the interface contract: it reports nothing reclaimable and
// refuses to abort, since aborting the system root is never valid.
type sysReclaimer struct{}

func (r *sysReclaimer) Priority() int {
	return 0
}

func (r *sysReclaimer) ReclaimableBytes(*Pool) (int64, bool) {
	return 0, false
}

func (r *sysReclaimer) Reclaim(*Pool, int64, time.Duration, *ReclaimStats) int64 {
	return 0
}

func (r *sysReclaimer) Abort(pool *Pool, reason error) error {
	return fmt.Errorf("%w: aborting the system root pool is not supported (reason: %v)",
		ErrUnsupported, reason)
}
