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

import "fmt"

// span is a contiguous range of free addresses.
type span struct {
	start uint64
	size  uint64
}

func (s span) end() uint64 {
	return s.start + s.size
}

// spanAllocator hands out variable-sized ranges from one contiguous
// address region. Free spans are kept sorted by start address and
// coalesced on free. Allocation is first-fit.
type spanAllocator struct {
	base uint64
	size uint64
	free []span
}

func newSpanAllocator(base, size uint64) (*spanAllocator, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized region", ErrInvalidArg)
	}
	if base+size < base {
		return nil, fmt.Errorf("%w: region wraps around address space", ErrInvalidArg)
	}

	return &spanAllocator{
		base: base,
		size: size,
		free: []span{{start: base, size: size}},
	}, nil
}

// alloc carves a range of the given size out of the first fitting span.
func (s *spanAllocator) alloc(size uint64) (uint64, error) {
	return s.allocAligned(size, 1)
}

// allocAligned carves an aligned range of the given size out of the
// first span which can accommodate it.
func (s *spanAllocator) allocAligned(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrInvalidArg)
	}
	if align == 0 || (align&(align-1)) != 0 {
		return 0, fmt.Errorf("%w: alignment %d not a power of two", ErrInvalidArg, align)
	}

	for i := range s.free {
		start := roundUp(s.free[i].start, align)
		head := start - s.free[i].start
		if head+size > s.free[i].size {
			continue
		}

		if err := s.carve(i, start, size); err != nil {
			return 0, err
		}
		return start, nil
	}

	return 0, fmt.Errorf("%w: no free span of %s bytes (align %d)",
		ErrNoMem, prettySize(size), align)
}

// allocAt carves the exact range [start, start+size) if it is free.
func (s *spanAllocator) allocAt(start, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-sized allocation", ErrInvalidArg)
	}

	for i := range s.free {
		if s.free[i].start <= start && start+size <= s.free[i].end() {
			return s.carve(i, start, size)
		}
	}

	return fmt.Errorf("%w: range [%#x,%#x) not free", ErrNoMem, start, start+size)
}

// carve splits [start, start+size) out of the i:th free span.
func (s *spanAllocator) carve(i int, start, size uint64) error {
	f := s.free[i]
	if start < f.start || f.end() < start+size {
		return fmt.Errorf("%w: carve [%#x,%#x) out of [%#x,%#x)",
			ErrInternalError, start, start+size, f.start, f.end())
	}

	var pieces []span
	if head := start - f.start; head > 0 {
		pieces = append(pieces, span{start: f.start, size: head})
	}
	if tail := f.end() - (start + size); tail > 0 {
		pieces = append(pieces, span{start: start + size, size: tail})
	}

	s.free = append(s.free[:i], append(pieces, s.free[i+1:]...)...)

	return nil
}

// release returns [start, start+size) to the free list, coalescing with
// any adjacent free spans. Releasing a range which overlaps a free span
// indicates a double free.
func (s *spanAllocator) release(start, size uint64) error {
	if start < s.base || s.base+s.size < start+size {
		return fmt.Errorf("%w: release [%#x,%#x) outside region [%#x,%#x)",
			ErrInvalidArg, start, start+size, s.base, s.base+s.size)
	}

	i := 0
	for i < len(s.free) && s.free[i].start < start {
		i++
	}

	if i > 0 && s.free[i-1].end() > start {
		return fmt.Errorf("%w: double free of [%#x,%#x)", ErrInvalidArg, start, start+size)
	}
	if i < len(s.free) && start+size > s.free[i].start {
		return fmt.Errorf("%w: double free of [%#x,%#x)", ErrInvalidArg, start, start+size)
	}

	freed := span{start: start, size: size}

	if i > 0 && s.free[i-1].end() == start {
		freed = span{start: s.free[i-1].start, size: s.free[i-1].size + size}
		i--
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
	if i < len(s.free) && freed.end() == s.free[i].start {
		freed.size += s.free[i].size
		s.free = append(s.free[:i], s.free[i+1:]...)
	}

	s.free = append(s.free[:i], append([]span{freed}, s.free[i:]...)...)

	return nil
}

// available returns the total amount of free memory in the region.
func (s *spanAllocator) available() uint64 {
	var total uint64
	for _, f := range s.free {
		total += f.size
	}
	return total
}

// largestFree returns the size of the largest free span.
func (s *spanAllocator) largestFree() uint64 {
	var largest uint64
	for _, f := range s.free {
		if f.size > largest {
			largest = f.size
		}
	}
	return largest
}
