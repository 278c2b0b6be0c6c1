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

// Package memory implements the hierarchical memory pool and arbitration
// subsystem of the colex query-execution engine. The primary interfaces to
// the package are the Manager and Pool types.
//
// # Manager, Pools
//
// A Manager owns a fixed-capacity byte/page Allocator and a registry of root
// memory pools. Pools form ownership trees: aggregate pools group children
// and act as quota boundaries, leaf pools perform actual byte and page
// allocations against the Allocator. Every allocation is rounded up to the
// manager's alignment and accounted against the pool tree up to the root.
// The manager hosts a permanent system root pool with leaves for spilling,
// tracing and a set of generic shared leaves used when no dedicated pool is
// supplied.
//
// # Capacity, Arbitration
//
// Each root pool has a mutable capacity, a soft quota bounded by the pool's
// immutable max capacity. When an allocation does not fit into the root's
// current capacity, the request escalates to the manager's Arbitrator. The
// arbitrator owns the global capacity budget across all root pools. The
// reference "SHARED" arbitrator grants capacity from its free budget when it
// can, and otherwise reclaims capacity from competing root pools through
// their Reclaimers, escalating from voluntary reclamation (spilling) to
// aborting victim computations. Requests are resolved all-or-nothing: a
// request that cannot be covered fails without leaving partial grants
// behind. The trivial "NOOP" arbitrator never reclaims; with it, pool
// capacity equals max capacity and allocations only fail against the
// allocator's hard ceiling. Additional arbitrator implementations can be
// plugged in through a named factory registry.
//
// # Reclaimers
//
// A Reclaimer is a per-pool hook the arbitrator uses to shrink a pool's
// usage. Reclaimers advertise a priority used to rank reclamation victims,
// estimate their reclaimable bytes, reclaim memory within a bounded wait,
// and abort their owning computation as a last resort. The system root
// pool's reclaimer refuses to abort.
//
// # Ownership, Lifetime
//
// Pools are reference counted. A pool handle must be released with Release
// when no longer needed; a pool is destroyed when its last reference is
// dropped and it has no live children. Children hold a reference on their
// parent, so a parent always outlives its children. Destroying a root pool
// unregisters it from the arbitrator and the manager's registry.
package memory
