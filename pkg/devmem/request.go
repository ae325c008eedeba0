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

import (
	"fmt"
)

// Request describes a single allocation to a pool set.
type Request struct {
	// Size of the allocation in bytes. Rounded up to page granularity.
	Size uint64
	// Align is the required alignment of the physical address. 0 means
	// page alignment. Must be a power of two.
	Align uint64
	// Kind selects host or device memory.
	Kind Kind
	// Channel is the DRAM channel for device allocations.
	Channel uint32
	// Region is the DRAM region for device allocations. Clamped to 0 on
	// devices configured with a single shared region.
	Region uint32
	// Core is the core affinity index of the allocation.
	Core uint32
	// Category of the allocation, for accounting and placement policy.
	Category Category
	// Lifetime tier of the allocation.
	Lifetime Lifetime
	// Pid of the requesting process.
	Pid int
}

// String returns a string representation of the request.
func (r *Request) String() string {
	where := "Host"
	if r.Kind == KindDevice {
		where = fmt.Sprintf("Device:ch%d/r%d", r.Channel, r.Region)
	}
	return fmt.Sprintf("request<%s,%s,%s bytes,align %d,pid %d,%s>",
		where, r.Category, prettySize(r.Size), r.Align, r.Pid, r.Lifetime)
}

// validate checks the request against the static allocation limits.
func (r *Request) validate() error {
	if r.Size == 0 || r.Size >= maxAllocSize {
		return fmt.Errorf("%w: allocation size %d", ErrInvalidArg, r.Size)
	}
	if r.Align > maxAllocAlign {
		return fmt.Errorf("%w: alignment %d", ErrInvalidArg, r.Align)
	}
	if r.Align != 0 && (r.Align&(r.Align-1)) != 0 {
		return fmt.Errorf("%w: alignment %d not a power of two", ErrInvalidArg, r.Align)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, r.Kind)
	}
	if !r.Lifetime.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, r.Lifetime)
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("%w: unknown category %d", ErrInvalidArg, r.Category)
	}
	return nil
}
