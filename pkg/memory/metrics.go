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
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes manager, allocator and arbitrator statistics as
// prometheus metrics. Register it with a prometheus registry.
type MetricsCollector struct {
	mgr *Manager

	allocatorCapacity *prometheus.Desc
	allocatedBytes    *prometheus.Desc
	mappedPages       *prometheus.Desc
	numPools          *prometheus.Desc

	arbRequests       *prometheus.Desc
	arbSucceeded      *prometheus.Desc
	arbAborted        *prometheus.Desc
	arbFailures       *prometheus.Desc
	arbNonReclaimable *prometheus.Desc
	arbReclaimedFree  *prometheus.Desc
	arbReclaimedUsed  *prometheus.Desc
	arbFreeCapacity   *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector creates a collector over the given manager.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	arbLabels := prometheus.Labels{"kind": mgr.Arbitrator().Kind()}

	return &MetricsCollector{
		mgr: mgr,
		allocatorCapacity: prometheus.NewDesc(
			"memory_allocator_capacity_bytes",
			"Hard byte ceiling of the memory allocator.",
			nil, nil),
		allocatedBytes: prometheus.NewDesc(
			"memory_allocator_allocated_bytes",
			"Bytes currently held from the memory allocator.",
			nil, nil),
		mappedPages: prometheus.NewDesc(
			"memory_allocator_mapped_pages",
			"Machine pages currently mapped by the memory allocator.",
			nil, nil),
		numPools: prometheus.NewDesc(
			"memory_manager_pools",
			"Number of live memory pools, system pools included.",
			nil, nil),
		arbRequests: prometheus.NewDesc(
			"memory_arbitrator_requests_total",
			"Capacity growth requests received by the arbitrator.",
			nil, arbLabels),
		arbSucceeded: prometheus.NewDesc(
			"memory_arbitrator_succeeded_total",
			"Capacity growth requests resolved successfully.",
			nil, arbLabels),
		arbAborted: prometheus.NewDesc(
			"memory_arbitrator_aborted_total",
			"Victim pools aborted during arbitration.",
			nil, arbLabels),
		arbFailures: prometheus.NewDesc(
			"memory_arbitrator_failures_total",
			"Capacity growth requests that failed.",
			nil, arbLabels),
		arbNonReclaimable: prometheus.NewDesc(
			"memory_arbitrator_non_reclaimable_attempts_total",
			"Reclamation attempts against pools with nothing to reclaim.",
			nil, arbLabels),
		arbReclaimedFree: prometheus.NewDesc(
			"memory_arbitrator_reclaimed_free_bytes_total",
			"Slack capacity reclaimed from victim pools.",
			nil, arbLabels),
		arbReclaimedUsed: prometheus.NewDesc(
			"memory_arbitrator_reclaimed_used_bytes_total",
			"Used capacity reclaimed from victim pools.",
			nil, arbLabels),
		arbFreeCapacity: prometheus.NewDesc(
			"memory_arbitrator_free_capacity_bytes",
			"Capacity not currently granted to any root pool.",
			nil, arbLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	allocator := c.mgr.Allocator()
	ch <- prometheus.MustNewConstMetric(c.allocatorCapacity,
		prometheus.GaugeValue, float64(allocator.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.allocatedBytes,
		prometheus.GaugeValue, float64(allocator.TotalBytes()))
	ch <- prometheus.MustNewConstMetric(c.mappedPages,
		prometheus.GaugeValue, float64(allocator.MappedPages()))
	ch <- prometheus.MustNewConstMetric(c.numPools,
		prometheus.GaugeValue, float64(c.mgr.NumPools()))

	stats := c.mgr.Arbitrator().Stats()
	ch <- prometheus.MustNewConstMetric(c.arbRequests,
		prometheus.CounterValue, float64(stats.NumRequests))
	ch <- prometheus.MustNewConstMetric(c.arbSucceeded,
		prometheus.CounterValue, float64(stats.NumSucceeded))
	ch <- prometheus.MustNewConstMetric(c.arbAborted,
		prometheus.CounterValue, float64(stats.NumAborted))
	ch <- prometheus.MustNewConstMetric(c.arbFailures,
		prometheus.CounterValue, float64(stats.NumFailures))
	ch <- prometheus.MustNewConstMetric(c.arbNonReclaimable,
		prometheus.CounterValue, float64(stats.NumNonReclaimableAttempts))
	ch <- prometheus.MustNewConstMetric(c.arbReclaimedFree,
		prometheus.CounterValue, float64(stats.ReclaimedFreeCapacity))
	ch <- prometheus.MustNewConstMetric(c.arbReclaimedUsed,
		prometheus.CounterValue, float64(stats.ReclaimedUsedCapacity))
	ch <- prometheus.MustNewConstMetric(c.arbFreeCapacity,
		prometheus.GaugeValue, float64(stats.FreeCapacity))
}
