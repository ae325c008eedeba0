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

package devmem

// DeviceWide is the core index passed to the telemetry sink for
// allocations with no core affinity.
const DeviceWide = -1

// Telemetry is the external counter-update interface the allocator
// feeds. It is called at most once per successful allocation and at
// most once per free, with a signed delta. No ordering is guaranteed
// relative to other telemetry updates.
type Telemetry interface {
	// MemUsage records a change in memory usage for the given process,
	// allocation category and core (DeviceWide for device-wide).
	MemUsage(pid int, cat Category, core int, delta int64)
}

// nullTelemetry discards all updates.
type nullTelemetry struct{}

func (nullTelemetry) MemUsage(int, Category, int, int64) {}
