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
	"container/list"
	"fmt"
	"sync/atomic"
)

// Chunk is one reference-counted, lifetime-scoped allocation of host or
// device memory. A live chunk is reachable from exactly one entry of the
// physical-address index and belongs to exactly one lifetime list. Its
// physical address never changes once assigned. When the reference
// count drops to zero the chunk is irrevocably freed.
type Chunk struct {
	kind     Kind
	pa       uint64
	size     uint64
	pid      int
	lifetime Lifetime
	category Category
	channel  uint32
	region   uint32
	core     uint32

	refcnt atomic.Int64

	owner  *Allocator
	pool   *Pool   // nil for direct host allocations
	from   SubPool // sub-pool which produced the chunk
	handle Handle  // 0 if the chunk has no handle
	mem    []byte  // host backing, nil for device chunks

	elem *list.Element // linkage in the current lifetime list
}

// Kind returns the kind of memory backing the chunk.
func (c *Chunk) Kind() Kind {
	return c.kind
}

// PhysAddr returns the physical start address of the chunk.
func (c *Chunk) PhysAddr() uint64 {
	return c.pa
}

// Size returns the size of the chunk, rounded to page granularity.
func (c *Chunk) Size() uint64 {
	return c.size
}

// Pid returns the id of the process which allocated the chunk.
func (c *Chunk) Pid() int {
	return c.pid
}

// Lifetime returns the current lifetime tier of the chunk.
func (c *Chunk) Lifetime() Lifetime {
	return c.lifetime
}

// Category returns the allocation category of the chunk.
func (c *Chunk) Category() Category {
	return c.category
}

// Channel returns the DRAM channel of a device chunk.
func (c *Chunk) Channel() uint32 {
	return c.channel
}

// Region returns the DRAM region of a device chunk.
func (c *Chunk) Region() uint32 {
	return c.region
}

// Core returns the core affinity index of the chunk.
func (c *Chunk) Core() uint32 {
	return c.core
}

// Handle returns the handle registered for the chunk, or 0 if none.
func (c *Chunk) Handle() Handle {
	return c.handle
}

// RefCount returns the current reference count of the chunk.
func (c *Chunk) RefCount() int64 {
	return c.refcnt.Load()
}

// Bytes returns the host backing of the chunk, nil for device chunks.
func (c *Chunk) Bytes() []byte {
	return c.mem
}

// contains returns true if the given address falls inside the chunk.
func (c *Chunk) contains(pa uint64) bool {
	return c.pa <= pa && pa < c.pa+c.size
}

// String returns a string representation of the chunk.
func (c *Chunk) String() string {
	where := "Host"
	if c.kind == KindDevice {
		where = fmt.Sprintf("Device:ch%d/r%d", c.channel, c.region)
	}
	return fmt.Sprintf("chunk<%s,%s,%s bytes,pid %d,%s>",
		where, c.category, prettySize(c.size), c.pid, c.lifetime)
}

// lifetimeLists is the set of per-tier chunk lists of a pool set. The
// CurrentProcess tier has one list per attached process slot.
type lifetimeLists struct {
	local   *list.List
	process map[int]*list.List
	shared  *list.List
	device  *list.List
}

func newLifetimeLists() *lifetimeLists {
	return &lifetimeLists{
		local:   list.New(),
		process: make(map[int]*list.List),
		shared:  list.New(),
		device:  list.New(),
	}
}

// listFor returns the list a chunk of the given tier and pid belongs to,
// creating the per-process list on first use.
func (l *lifetimeLists) listFor(tier Lifetime, pid int) *list.List {
	switch tier {
	case LifetimeLocal:
		return l.local
	case LifetimeCurrentProcess:
		lst, ok := l.process[pid]
		if !ok {
			lst = list.New()
			l.process[pid] = lst
		}
		return lst
	case LifetimeAllProcesses:
		return l.shared
	default:
		return l.device
	}
}

// insert appends the chunk to the list of its current tier.
func (l *lifetimeLists) insert(c *Chunk) {
	c.elem = l.listFor(c.lifetime, c.pid).PushBack(c)
}

// remove takes the chunk off its current list.
func (l *lifetimeLists) remove(c *Chunk) {
	if c.elem == nil {
		return
	}
	l.listFor(c.lifetime, c.pid).Remove(c.elem)
	c.elem = nil
}

// promote moves the chunk to the list of the next higher tier.
func (l *lifetimeLists) promote(c *Chunk, next Lifetime) {
	l.remove(c)
	c.lifetime = next
	l.insert(c)
}
