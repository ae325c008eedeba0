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

// Package devmem implements host and device memory management for one
// accelerator device. The primary interface to devmem is the Allocator
// type, the pool set of a device.
//
// # Pools
//
// A Pool carves one contiguous backing region, either a reserved host
// memory tier of a fixed page size or one on-device DRAM channel/region,
// into allocations. Devices which support it split each pool into a main
// and a small-allocation sub-pool so that many small allocations do not
// fragment large-allocation headroom. The contiguous scratchpad category
// is placed at a backward-growing offset at the end of the main sub-pool
// so that consecutive scratchpad allocations stay physically adjacent.
//
// # Chunks, Lifetimes
//
// Every allocation produces a reference-counted Chunk. A chunk carries a
// lifetime tier which governs when it becomes eligible for automatic
// reclamation: Local chunks expire when the allocating call returns,
// CurrentProcess chunks when their owner detaches, AllProcesses chunks
// when the last process detaches, and Device chunks at device teardown.
// Sweeping a tier frees chunks with no extra holders and promotes the
// rest to the next tier, so a holder never needs to know who else keeps
// a chunk alive. At the top tier surviving chunks are force-freed and
// reported as leaks.
//
// # Reverse Lookup, Handles
//
// The pool set keeps a physical-address index for reverse lookup and a
// handle table which maps chunks to opaque numeric handles safe to hand
// across a trust boundary. Both are designed for hot-path reads: Search
// takes only a read lock on the index and FindHandle is lock-free.
package devmem
