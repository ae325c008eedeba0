// Copyright The NPU Drivers Authors. All Rights Reserved.
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

package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/npu-drivers/npucore/pkg/devmem"
)

// MemUsage is a telemetry sink for a devmem pool set which exposes the
// per-process, per-category usage counters as prometheus gauges.
type MemUsage struct {
	usage *prometheus.GaugeVec
}

var _ devmem.Telemetry = &MemUsage{}

// NewMemUsage creates a memory usage telemetry sink.
func NewMemUsage() *MemUsage {
	return &MemUsage{
		usage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mem_usage_bytes",
				Help: "Bytes of memory allocated, by process, category and core.",
			},
			[]string{"pid", "category", "core"},
		),
	}
}

// MemUsage implements the devmem.Telemetry interface.
func (m *MemUsage) MemUsage(pid int, cat devmem.Category, core int, delta int64) {
	coreLabel := "device"
	if core != devmem.DeviceWide {
		coreLabel = strconv.Itoa(core)
	}
	m.usage.WithLabelValues(strconv.Itoa(pid), cat.String(), coreLabel).Add(float64(delta))
}

// Describe implements the prometheus.Collector interface.
func (m *MemUsage) Describe(ch chan<- *prometheus.Desc) {
	m.usage.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *MemUsage) Collect(ch chan<- prometheus.Metric) {
	m.usage.Collect(ch)
}

// PoolSet exposes the occupancy of a devmem pool set.
type PoolSet struct {
	a       *devmem.Allocator
	chunks  *prometheus.Desc
	handles *prometheus.Desc
	free    *prometheus.Desc
}

// NewPoolSet creates a collector for the given pool set.
func NewPoolSet(a *devmem.Allocator) *PoolSet {
	return &PoolSet{
		a: a,
		chunks: prometheus.NewDesc(
			"chunks_alive",
			"Number of live memory chunks.",
			nil, nil,
		),
		handles: prometheus.NewDesc(
			"handles_live",
			"Number of live chunk handles.",
			nil, nil,
		),
		free: prometheus.NewDesc(
			"mem_free_bytes",
			"Bytes of free memory, by memory kind.",
			[]string{"kind"}, nil,
		),
	}
}

// Describe implements the prometheus.Collector interface.
func (p *PoolSet) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.chunks
	ch <- p.handles
	ch <- p.free
}

// Collect implements the prometheus.Collector interface.
func (p *PoolSet) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.chunks, prometheus.GaugeValue,
		float64(p.a.Chunks()))
	ch <- prometheus.MustNewConstMetric(p.handles, prometheus.GaugeValue,
		float64(p.a.Handles().Live()))

	for _, kind := range []devmem.Kind{devmem.KindHost, devmem.KindDevice} {
		ch <- prometheus.MustNewConstMetric(p.free, prometheus.GaugeValue,
			float64(p.a.Available(kind)), kind.String())
	}
}
