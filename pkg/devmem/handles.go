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
	"math"
	"sync"
	"sync/atomic"
)

// Handle is an opaque reference to a chunk, safe to hand out across a
// trust boundary. A handle is an index into the handle table, never a
// memory address. Handle 0 is reserved and always invalid.
type Handle uint64

const (
	// handleSegments is the number of level-1 slots in a handle table.
	handleSegments = 512
	// segmentSlots is the number of entries per level-2 segment.
	segmentSlots = 8192
	// maxHandles is the total handle capacity of one table.
	maxHandles = handleSegments * segmentSlots

	// growLink marks the highest-numbered free entry. Popping it means
	// the table must grow by one entry instead of reusing a freed one.
	growLink = uint64(math.MaxUint64)
)

// handleSlot is one entry of the table. A slot is live when chunk is
// non-nil; a free slot instead carries a link to the next free entry.
// Only the chunk pointer is touched by lock-free readers; link is
// accessed under the table mutex exclusively.
type handleSlot struct {
	chunk atomic.Pointer[Chunk]
	link  uint64
}

type handleSegment [segmentSlots]handleSlot

// HandleTable maps chunks to opaque numeric handles using a two-level,
// on-demand grown table with a LIFO free list threaded through the free
// entries. Alloc and Free serialize on a mutex; Find is lock-free so
// that hot-path lookups are never blocked by allocation traffic.
type HandleTable struct {
	sync.Mutex
	segments [handleSegments]atomic.Pointer[handleSegment]
	freeHead uint64
	live     atomic.Int64
	disabled bool
}

// NewHandleTable creates an empty handle table.
func NewHandleTable() *HandleTable {
	t := &HandleTable{}

	seg := &handleSegment{}
	seg[1].link = growLink
	t.segments[0].Store(seg)
	t.freeHead = 1

	return t
}

// Alloc assigns a handle to the given chunk. Once the table has failed
// to grow, or has reached its absolute capacity, it is permanently
// disabled and all subsequent allocations fail fast.
func (t *HandleTable) Alloc(c *Chunk) (Handle, error) {
	if c == nil {
		return 0, fmt.Errorf("%w: nil chunk", ErrInvalidArg)
	}

	t.Lock()
	defer t.Unlock()

	if t.disabled {
		return 0, ErrServiceDown
	}

	h := t.freeHead
	slot := t.slot(h)

	if slot.link == growLink {
		// The popped entry is the highest one handed out so far,
		// the table has to grow by one entry.
		next := h + 1
		if next >= maxHandles {
			t.disabled = true
			log.Error("handle table full (%d entries), table disabled", maxHandles)
			return 0, fmt.Errorf("%w: handle table full", ErrNoMem)
		}
		if err := t.ensureSegment(next); err != nil {
			// A half-grown table cannot be safely recovered.
			t.disabled = true
			log.Error("handle table grow failed, table disabled: %v", err)
			return 0, err
		}
		t.slot(next).link = growLink
		t.freeHead = next
	} else {
		t.freeHead = slot.link
	}

	slot.chunk.Store(c)
	t.live.Add(1)

	return Handle(h), nil
}

// Free releases the given handle. Freeing a handle which is not
// currently live does not mutate the table.
func (t *HandleTable) Free(h Handle) error {
	t.Lock()
	defer t.Unlock()

	slot := t.lookupSlot(h)
	if slot == nil || slot.chunk.Load() == nil {
		return fmt.Errorf("%w: no live entry for handle %d", ErrNotFound, h)
	}

	slot.chunk.Store(nil)
	slot.link = t.freeHead
	t.freeHead = uint64(h)
	t.live.Add(-1)

	return nil
}

// Find resolves a handle to its chunk. It takes no lock: the level-1
// segment pointer and the slot's chunk pointer are both loaded
// atomically, and a slot which is free, out of range, or concurrently
// being torn down simply reads as not-found.
func (t *HandleTable) Find(h Handle) (*Chunk, bool) {
	if h == 0 || uint64(h) >= maxHandles {
		return nil, false
	}

	seg := t.segments[uint64(h)/segmentSlots].Load()
	if seg == nil {
		return nil, false
	}

	c := seg[uint64(h)%segmentSlots].chunk.Load()
	if c == nil {
		return nil, false
	}

	return c, true
}

// Live returns the number of live entries in the table.
func (t *HandleTable) Live() int64 {
	return t.live.Load()
}

// Disabled returns true if the table has been permanently disabled.
func (t *HandleTable) Disabled() bool {
	t.Lock()
	defer t.Unlock()
	return t.disabled
}

// slot returns the entry for an index which is known to be backed by an
// existing segment.
func (t *HandleTable) slot(idx uint64) *handleSlot {
	return &t.segments[idx/segmentSlots].Load()[idx%segmentSlots]
}

// lookupSlot returns the entry for the index, or nil if the index is
// out of range or its segment has not been populated.
func (t *HandleTable) lookupSlot(h Handle) *handleSlot {
	if h == 0 || uint64(h) >= maxHandles {
		return nil
	}
	seg := t.segments[uint64(h)/segmentSlots].Load()
	if seg == nil {
		return nil
	}
	return &seg[uint64(h)%segmentSlots]
}

// ensureSegment populates the level-2 segment backing the given index.
// The segment store is the publication point for lock-free readers, so
// it must happen before any entry of the segment becomes reachable
// through the free list.
func (t *HandleTable) ensureSegment(idx uint64) error {
	level1 := idx / segmentSlots
	if level1 >= handleSegments {
		return fmt.Errorf("%w: handle table full", ErrNoMem)
	}
	if t.segments[level1].Load() == nil {
		t.segments[level1].Store(&handleSegment{})
	}
	return nil
}
