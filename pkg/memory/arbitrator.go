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
)

const (
	// KindNoop is the kind of the trivial passthrough arbitrator.
	KindNoop = "NOOP"
	// KindShared is the kind of the reference capacity-sharing arbitrator.
	KindShared = "SHARED"
)

// ArbitratorConfig carries the construction parameters for an arbitrator.
type ArbitratorConfig struct {
	// Kind identifies the arbitrator implementation.
	Kind string
	// Capacity is the global capacity budget across all root pools.
	Capacity int64
	// ExtraConfigs are opaque implementation-specific key/value settings.
	ExtraConfigs map[string]string
}

// ArbitratorStats is the cumulative statistics of an arbitrator.
type ArbitratorStats struct {
	NumRequests               int64
	NumSucceeded              int64
	NumAborted                int64
	NumFailures               int64
	NumNonReclaimableAttempts int64
	ReclaimedFreeCapacity     int64
	ReclaimedUsedCapacity     int64
	FreeCapacity              int64
}

// String renders the stats in the fixed diagnostic field order.
func (s ArbitratorStats) String() string {
	return fmt.Sprintf("numRequests %d numSucceeded %d numAborted %d numFailures %d "+
		"numNonReclaimableAttempts %d reclaimedFreeCapacity %s reclaimedUsedCapacity %s freeCapacity %s",
		s.NumRequests, s.NumSucceeded, s.NumAborted, s.NumFailures,
		s.NumNonReclaimableAttempts,
		SuccinctBytes(s.ReclaimedFreeCapacity), SuccinctBytes(s.ReclaimedUsedCapacity),
		SuccinctBytes(s.FreeCapacity))
}

// Arbitrator owns the global capacity budget across all root pools and
// resolves capacity requests by reclaiming from competitors. Arbitrators
// track root pools only, never leaves.
type Arbitrator interface {
	// Kind identifies the arbitration algorithm.
	Kind() string
	// Capacity returns the global capacity budget.
	Capacity() int64
	// AddPool admits a new root pool, assigning its initial capacity. An
	// implementation may refuse admission.
	AddPool(pool *Pool) error
	// RemovePool retires a root pool, returning its capacity to the budget.
	RemovePool(pool *Pool)
	// GrowCapacity grows the pool's capacity by at least requestBytes,
	// reclaiming from other participants if needed. Resolution is
	// all-or-nothing; on failure no partial capacity is left granted.
	GrowCapacity(pool *Pool, requestBytes int64) error
	// ShrinkCapacity reclaims up to targetBytes of slack capacity from all
	// participants without a specific requester. A target of 0 reclaims all
	// slack. It never aborts, and returns the bytes reclaimed.
	ShrinkCapacity(targetBytes int64) int64
	// ShrinkPoolCapacity reclaims up to targetBytes of slack capacity from
	// one participant. A target of 0 reclaims all of the pool's slack.
	ShrinkPoolCapacity(pool *Pool, targetBytes int64) int64
	// Stats returns a snapshot of the cumulative statistics.
	Stats() ArbitratorStats
	// Shutdown releases the arbitrator's resources.
	Shutdown()
	// String returns the arbitrator's bracketed diagnostic summary.
	String() string
}

// ArbitratorFactory creates an arbitrator from a config.
type ArbitratorFactory func(config ArbitratorConfig) (Arbitrator, error)

var (
	factoryMu sync.Mutex
	factories = make(map[string]ArbitratorFactory)
)

// RegisterArbitratorFactory registers a named arbitrator factory.
// Registering a duplicate kind fails.
func RegisterArbitratorFactory(kind string, factory ArbitratorFactory) error {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, ok := factories[kind]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, kind)
	}
	factories[kind] = factory

	return nil
}

// UnregisterArbitratorFactory removes a previously registered factory.
func UnregisterArbitratorFactory(kind string) error {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, ok := factories[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	delete(factories, kind)

	return nil
}

func newArbitrator(config ArbitratorConfig) (Arbitrator, error) {
	if config.Kind == "" {
		return newNoopArbitrator(config), nil
	}

	factoryMu.Lock()
	factory, ok := factories[config.Kind]
	factoryMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, config.Kind)
	}

	return factory(config)
}

func init() {
	factories[KindShared] = func(config ArbitratorConfig) (Arbitrator, error) {
		return newSharedArbitrator(config)
	}
}

// noopArbitrator is the trivial passthrough arbitrator. Its capacity is
// advisory only: pool capacity always equals max capacity, nothing is ever
// reclaimed, and allocation failures come solely from the allocator's hard
// ceiling.
type noopArbitrator struct {
	capacity int64
}

var _ Arbitrator = (*noopArbitrator)(nil)

func newNoopArbitrator(config ArbitratorConfig) *noopArbitrator {
	return &noopArbitrator{capacity: config.Capacity}
}

func (a *noopArbitrator) Kind() string {
	return KindNoop
}

func (a *noopArbitrator) Capacity() int64 {
	return a.capacity
}

func (a *noopArbitrator) AddPool(pool *Pool) error {
	pool.capacity.Store(pool.MaxCapacity())
	return nil
}

func (a *noopArbitrator) RemovePool(*Pool) {
}

func (a *noopArbitrator) GrowCapacity(pool *Pool, requestBytes int64) error {
	return fmt.Errorf("%w: pool %s requested %s beyond max capacity %s",
		ErrCapacityExceeded, pool.Name(), SuccinctBytes(requestBytes),
		SuccinctBytes(pool.MaxCapacity()))
}

func (a *noopArbitrator) ShrinkCapacity(int64) int64 {
	return 0
}

func (a *noopArbitrator) ShrinkPoolCapacity(*Pool, int64) int64 {
	return 0
}

func (a *noopArbitrator) Stats() ArbitratorStats {
	return ArbitratorStats{FreeCapacity: a.capacity}
}

func (a *noopArbitrator) Shutdown() {
}

func (a *noopArbitrator) String() string {
	return fmt.Sprintf("ARBITRATOR[%s CAPACITY[%s]]", KindNoop, SuccinctBytes(a.capacity))
}
