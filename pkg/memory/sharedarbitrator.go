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
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Extra config keys understood by the SHARED arbitrator. Byte values accept
// B/KB/MB/GB/TB suffixes.
const (
	// ExtraConfigInitialPoolCapacity is the capacity granted to a newly
	// admitted root pool, subject to the pool's max capacity and the free
	// budget.
	ExtraConfigInitialPoolCapacity = "memory-pool-initial-capacity"
	// ExtraConfigTransferCapacity quantizes capacity growth: a grow request
	// asks for at least this much when the pool's headroom allows.
	ExtraConfigTransferCapacity = "memory-pool-transfer-capacity"
	// ExtraConfigMaxReclaimWaitMs bounds the wall-clock time a single
	// arbitration may spend in victim reclamation, in milliseconds.
	ExtraConfigMaxReclaimWaitMs = "memory-reclaim-max-wait-ms"
)

const (
	defaultInitialPoolCapacity int64 = 256 << 20
	defaultTransferCapacity    int64 = 32 << 20
	defaultMaxReclaimWait            = 5 * time.Minute
)

// SharedArbitrator is the reference capacity-sharing arbitrator. It grants
// capacity from its free budget when it can, and otherwise reclaims from
// competing root pools, escalating from voluntary reclamation to aborting
// victims. Requests resolve all-or-nothing.
type SharedArbitrator struct {
	capacity            int64
	initialPoolCapacity int64
	transferCapacity    int64
	maxReclaimWait      time.Duration

	// arbMu serializes capacity arbitration so that two concurrent
	// requesters cannot be granted the same free capacity.
	arbMu sync.Mutex

	mu           sync.Mutex
	participants map[string]*Pool
	freeCapacity int64

	numRequests       atomic.Int64
	numSucceeded      atomic.Int64
	numAborted        atomic.Int64
	numFailures       atomic.Int64
	numNonReclaimable atomic.Int64
	reclaimedFree     atomic.Int64
	reclaimedUsed     atomic.Int64

	failLog *rate.Limiter
}

var _ Arbitrator = (*SharedArbitrator)(nil)

func newSharedArbitrator(config ArbitratorConfig) (*SharedArbitrator, error) {
	a := &SharedArbitrator{
		capacity:            config.Capacity,
		initialPoolCapacity: defaultInitialPoolCapacity,
		transferCapacity:    defaultTransferCapacity,
		maxReclaimWait:      defaultMaxReclaimWait,
		participants:        make(map[string]*Pool),
		freeCapacity:        config.Capacity,
		failLog:             rate.NewLimiter(rate.Every(time.Second), 4),
	}

	if value, ok := config.ExtraConfigs[ExtraConfigInitialPoolCapacity]; ok {
		bytes, err := ParseBytes(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", ExtraConfigInitialPoolCapacity)
		}
		a.initialPoolCapacity = bytes
	}
	if value, ok := config.ExtraConfigs[ExtraConfigTransferCapacity]; ok {
		bytes, err := ParseBytes(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", ExtraConfigTransferCapacity)
		}
		a.transferCapacity = bytes
	}
	if value, ok := config.ExtraConfigs[ExtraConfigMaxReclaimWaitMs]; ok {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms < 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "invalid %s %q", ExtraConfigMaxReclaimWaitMs, value)
		}
		a.maxReclaimWait = time.Duration(ms) * time.Millisecond
	}

	return a, nil
}

// Kind identifies the arbitration algorithm.
func (a *SharedArbitrator) Kind() string {
	return KindShared
}

// Capacity returns the global capacity budget.
func (a *SharedArbitrator) Capacity() int64 {
	return a.capacity
}

// AddPool admits a new root pool. The pool's initial capacity is the
// smallest of the initial-capacity tunable, the pool's max capacity and
// the remaining free budget.
func (a *SharedArbitrator) AddPool(pool *Pool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.participants[pool.Name()]; ok {
		return fmt.Errorf("%w: memory pool %s already exists", ErrDuplicateName, pool.Name())
	}

	grant := minInt64(a.initialPoolCapacity, pool.MaxCapacity())
	grant = minInt64(grant, a.freeCapacity)
	a.freeCapacity -= grant
	pool.capacity.Store(grant)
	a.participants[pool.Name()] = pool

	details.Debug("admitted pool %s with initial capacity %s", pool.Name(), SuccinctBytes(grant))

	return nil
}

// RemovePool retires a root pool and returns its capacity to the budget.
func (a *SharedArbitrator) RemovePool(pool *Pool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.participants[pool.Name()]; !ok {
		return
	}
	delete(a.participants, pool.Name())
	a.freeCapacity += pool.capacity.Swap(0)
}

// GrowCapacity grows the pool's capacity by at least requestBytes.
func (a *SharedArbitrator) GrowCapacity(pool *Pool, requestBytes int64) error {
	a.numRequests.Add(1)

	headroom := pool.MaxCapacity() - pool.Capacity()
	if requestBytes > headroom {
		a.numFailures.Add(1)
		return fmt.Errorf("%w: pool %s requested %s beyond max capacity %s",
			ErrCapacityExceeded, pool.Name(), SuccinctBytes(requestBytes),
			SuccinctBytes(pool.MaxCapacity()))
	}

	a.arbMu.Lock()
	defer a.arbMu.Unlock()

	// Ask for a full transfer quantum when headroom allows, to cut down
	// on arbitration round trips for incremental allocations.
	target := requestBytes
	if a.transferCapacity > target && a.transferCapacity <= headroom {
		target = a.transferCapacity
	}

	deadline := time.Now().Add(a.maxReclaimWait)
	got := a.takeFree(target)

	var (
		victims  []*Pool
		abortErr error
	)

	if got < requestBytes {
		victims = a.victimCandidates(pool)
		got += a.reclaimFromVictims(victims, requestBytes-got, deadline)
	}

	if got < requestBytes {
		aborted, err := a.abortVictims(victims, requestBytes-got, deadline)
		got += aborted
		abortErr = err
	}

	if got >= requestBytes {
		pool.grantCapacity(got)
		a.numSucceeded.Add(1)
		details.Debug("granted %s to pool %s", SuccinctBytes(got), pool.Name())
		return nil
	}

	// All-or-nothing: return whatever was acquired to the free budget.
	a.returnFree(got)
	a.numFailures.Add(1)

	err := fmt.Errorf("%w: cannot grow pool %s by %s within %v (reclaimed %s of %s)",
		ErrCapacityExceeded, pool.Name(), SuccinctBytes(requestBytes),
		a.maxReclaimWait, SuccinctBytes(got), SuccinctBytes(requestBytes))
	if abortErr != nil {
		err = multierror.Append(err, abortErr)
	}
	if a.failLog.Allow() {
		log.Warn("arbitration failed: %v", err)
	}

	return err
}

// ShrinkCapacity reclaims slack capacity from all participants.
func (a *SharedArbitrator) ShrinkCapacity(targetBytes int64) int64 {
	a.arbMu.Lock()
	defer a.arbMu.Unlock()

	var freed int64
	for _, p := range a.participantSnapshot(nil) {
		remaining := int64(0)
		if targetBytes > 0 {
			remaining = targetBytes - freed
			if remaining <= 0 {
				break
			}
		}
		freed += p.takeCapacity(remaining)
	}

	a.returnFree(freed)

	return freed
}

// ShrinkPoolCapacity reclaims slack capacity from one participant.
func (a *SharedArbitrator) ShrinkPoolCapacity(pool *Pool, targetBytes int64) int64 {
	freed := pool.takeCapacity(targetBytes)
	a.returnFree(freed)
	return freed
}

// Stats returns a snapshot of the cumulative statistics.
func (a *SharedArbitrator) Stats() ArbitratorStats {
	a.mu.Lock()
	free := a.freeCapacity
	a.mu.Unlock()

	return ArbitratorStats{
		NumRequests:               a.numRequests.Load(),
		NumSucceeded:              a.numSucceeded.Load(),
		NumAborted:                a.numAborted.Load(),
		NumFailures:               a.numFailures.Load(),
		NumNonReclaimableAttempts: a.numNonReclaimable.Load(),
		ReclaimedFreeCapacity:     a.reclaimedFree.Load(),
		ReclaimedUsedCapacity:     a.reclaimedUsed.Load(),
		FreeCapacity:              free,
	}
}

// Shutdown releases the arbitrator. Leaked participants are logged.
func (a *SharedArbitrator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name := range a.participants {
		log.Warn("shutting down arbitrator with live participant %s", name)
	}
}

// String returns the arbitrator's bracketed diagnostic summary.
func (a *SharedArbitrator) String() string {
	return fmt.Sprintf("ARBITRATOR[%s CAPACITY[%s] STATS[%s]]",
		KindShared, SuccinctBytes(a.capacity), a.Stats())
}

func (a *SharedArbitrator) takeFree(bytes int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	take := minInt64(a.freeCapacity, bytes)
	if take < 0 {
		take = 0
	}
	a.freeCapacity -= take

	return take
}

func (a *SharedArbitrator) returnFree(bytes int64) {
	if bytes <= 0 {
		return
	}
	a.mu.Lock()
	a.freeCapacity += bytes
	a.mu.Unlock()
}

func (a *SharedArbitrator) participantSnapshot(exclude *Pool) []*Pool {
	a.mu.Lock()
	defer a.mu.Unlock()

	pools := make([]*Pool, 0, len(a.participants))
	for _, p := range a.participants {
		if p != exclude {
			pools = append(pools, p)
		}
	}

	return pools
}

// victimCandidates returns the other participants ordered by how eagerly
// they should be reclaimed from: lower reclaimer priority first, then more
// slack, then more usage. The requester is never a candidate.
func (a *SharedArbitrator) victimCandidates(requester *Pool) []*Pool {
	pools := a.participantSnapshot(requester)
	sortPools(pools, poolsByReclaimerPriority, poolsBySlack, poolsByUsage)
	return pools
}

func (a *SharedArbitrator) reclaimFromVictims(victims []*Pool, need int64, deadline time.Time) int64 {
	var got int64

	for _, v := range victims {
		if got >= need {
			break
		}

		// Free slack first, it costs the victim nothing.
		if taken := v.takeCapacity(need - got); taken > 0 {
			a.reclaimedFree.Add(taken)
			got += taken
			details.Debug("reclaimed %s free capacity from pool %s", SuccinctBytes(taken), v.Name())
			if got >= need {
				break
			}
		}

		reclaimer := v.Reclaimer()
		if reclaimer == nil {
			continue
		}
		if reclaimable, ok := reclaimer.ReclaimableBytes(v); !ok || reclaimable == 0 {
			a.numNonReclaimable.Add(1)
			continue
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}

		// A spilling reclaimer may allocate scratch from the victim; the
		// reclaim marker makes such a grow request fail fast instead of
		// re-entering arbitration.
		var rstats ReclaimStats
		v.beginReclaim()
		freed := reclaimer.Reclaim(v, need-got, wait, &rstats)
		v.endReclaim()
		a.numNonReclaimable.Add(rstats.NumNonReclaimableAttempts)
		if freed <= 0 {
			continue
		}
		if taken := v.takeCapacity(need - got); taken > 0 {
			a.reclaimedUsed.Add(taken)
			got += taken
			details.Debug("reclaimed %s used capacity from pool %s", SuccinctBytes(taken), v.Name())
		}
	}

	return got
}

// abortVictims force-terminates victim computations until the shortfall is
// covered or no abortable victim remains. Victims are picked least-used
// first among the most reclaimable.
func (a *SharedArbitrator) abortVictims(victims []*Pool, need int64, deadline time.Time) (int64, error) {
	candidates := slices.Clone(victims)
	sortPools(candidates, poolsByReclaimerPriority, poolsByUsageAsc)

	var (
		got  int64
		errs error
	)

	for _, v := range candidates {
		if got >= need || time.Now().After(deadline) {
			break
		}

		reclaimer := v.Reclaimer()
		if reclaimer == nil {
			continue
		}

		reason := fmt.Errorf("%w: memory arbitration needs %s more",
			ErrCapacityExceeded, SuccinctBytes(need-got))
		v.beginReclaim()
		err := reclaimer.Abort(v, reason)
		v.endReclaim()
		if err != nil {
			a.numNonReclaimable.Add(1)
			errs = multierror.Append(errs, err)
			continue
		}

		a.numAborted.Add(1)
		log.Warn("aborted pool %s to reclaim memory", v.Name())

		if taken := v.takeCapacity(need - got); taken > 0 {
			a.reclaimedUsed.Add(taken)
			got += taken
		}
	}

	return got, errs
}

type poolSorter func(p1, p2 *Pool) int

func sortPools(pools []*Pool, sorters ...poolSorter) {
	slices.SortFunc(pools, func(p1, p2 *Pool) int {
		for _, fn := range sorters {
			if diff := fn(p1, p2); diff != 0 {
				return diff
			}
		}
		return 0
	})
}

// poolsByReclaimerPriority compares pools by increasing reclaimer priority.
func poolsByReclaimerPriority(p1, p2 *Pool) int {
	return reclaimerPriority(p1) - reclaimerPriority(p2)
}

// poolsBySlack compares pools by decreasing slack capacity.
func poolsBySlack(p1, p2 *Pool) int {
	return compareInt64(p2.shrinkableCapacity(), p1.shrinkableCapacity())
}

// poolsByUsage compares pools by decreasing usage.
func poolsByUsage(p1, p2 *Pool) int {
	return compareInt64(p2.UsedBytes(), p1.UsedBytes())
}

// poolsByUsageAsc compares pools by increasing usage.
func poolsByUsageAsc(p1, p2 *Pool) int {
	return compareInt64(p1.UsedBytes(), p2.UsedBytes())
}

func reclaimerPriority(p *Pool) int {
	if r := p.Reclaimer(); r != nil {
		return r.Priority()
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
