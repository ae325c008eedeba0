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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/npu-drivers/npucore/pkg/corelock"
)

// CoreLock exposes the contention and reservation state of a core lock set.
type CoreLock struct {
	l        *corelock.CoreLock
	timeouts *prometheus.Desc
	reserved *prometheus.Desc
}

// NewCoreLock creates a collector for the given core lock set.
func NewCoreLock(l *corelock.CoreLock) *CoreLock {
	return &CoreLock{
		l: l,
		timeouts: prometheus.NewDesc(
			"lock_timeouts_total",
			"Number of lock waits which ran out their retry budget, by role.",
			[]string{"role"}, nil,
		),
		reserved: prometheus.NewDesc(
			"cores_reserved",
			"Number of cores currently reserved.",
			nil, nil,
		),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *CoreLock) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.timeouts
	ch <- c.reserved
}

// Collect implements the prometheus.Collector interface.
func (c *CoreLock) Collect(ch chan<- prometheus.Metric) {
	stats := c.l.Stats()
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue,
		float64(stats.ReaderTimeouts), "reader")
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue,
		float64(stats.WriterTimeouts), "writer")
	ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue,
		float64(c.l.Reserved()))
}
