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

	"github.com/npu-drivers/npucore/pkg/devinfo"
)

// SubPool identifies which sub-pool of a Pool an allocation came from.
// The producing sub-pool is recorded per chunk, never re-derived from
// the address on free.
type SubPool int

const (
	SubPoolMain  SubPool = iota // the main sub-pool
	SubPoolSmall                // the small-allocation sub-pool
)

const (
	// maxAllocSize is the safety ceiling for a single allocation.
	maxAllocSize = uint64(1) << 63
	// maxAllocAlign is the largest accepted alignment.
	maxAllocAlign = uint64(math.MaxUint32)
)

// PoolConfig describes one backing region for a Pool.
type PoolConfig struct {
	Kind             Kind
	Base             uint64
	Size             uint64
	Channel          uint32
	Region           uint32
	PageSize         uint64
	MinAllocSize     uint64
	SmallPoolSize    uint64
	SmallAllocCutoff uint64
	Carveouts        []devinfo.Carveout
}

// Pool carves one contiguous backing region into allocations. Requests
// below the small-allocation cutoff prefer a secondary sub-pool at the
// start of the region so that they do not fragment large-allocation
// headroom. Scratchpad allocations always grow backward from the end of
// the main sub-pool so that consecutive scratchpad chunks stay
// physically adjacent.
type Pool struct {
	kind     Kind
	channel  uint32
	region   uint32
	base     uint64
	size     uint64
	pageSize uint64
	cutoff   uint64

	main  *spanAllocator
	small *spanAllocator // nil if the small pool is disabled

	mainEnd     uint64 // scratchpad high-water grows down from here
	scratchUsed uint64

	mem []byte // backing storage for host pools
}

// NewPool creates a pool over the region described by the configuration.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if !cfg.Kind.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, cfg.Kind)
	}
	if cfg.PageSize == 0 || (cfg.PageSize&(cfg.PageSize-1)) != 0 {
		return nil, fmt.Errorf("%w: page size %d not a power of two", ErrInvalidArg, cfg.PageSize)
	}
	if cfg.MinAllocSize == 0 || cfg.MinAllocSize%cfg.PageSize != 0 {
		return nil, fmt.Errorf("%w: minimum allocation size %d not a multiple of page size %d",
			ErrInvalidArg, cfg.MinAllocSize, cfg.PageSize)
	}
	if cfg.Size == 0 {
		return nil, fmt.Errorf("%w: zero-sized pool", ErrInvalidArg)
	}

	p := &Pool{
		kind:     cfg.Kind,
		channel:  cfg.Channel,
		region:   cfg.Region,
		base:     cfg.Base,
		size:     cfg.Size,
		pageSize: cfg.PageSize,
		cutoff:   cfg.SmallAllocCutoff,
		mainEnd:  cfg.Base + cfg.Size,
	}

	smallSize := cfg.SmallPoolSize
	if smallSize > 0 {
		if smallSize >= cfg.Size || smallSize%cfg.MinAllocSize != 0 {
			log.Warn("%s: invalid small pool size %s for %s region, small pool disabled",
				p, prettySize(smallSize), prettySize(cfg.Size))
			smallSize = 0
		}
	}

	var err error
	if smallSize > 0 {
		p.small, err = newSpanAllocator(cfg.Base, smallSize)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create small sub-pool: %w", ErrNoMem, err)
		}
	}
	p.main, err = newSpanAllocator(cfg.Base+smallSize, cfg.Size-smallSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create main sub-pool: %w", ErrNoMem, err)
	}

	for _, c := range cfg.Carveouts {
		start := cfg.Base + c.Offset
		sub := p.main
		if p.small != nil && start < cfg.Base+smallSize {
			sub = p.small
		}
		if err := sub.allocAt(start, c.Size); err != nil {
			return nil, fmt.Errorf("%w: failed to reserve carveout [%#x,%#x): %w",
				ErrNoMem, start, start+c.Size, err)
		}
	}

	if cfg.Kind == KindHost {
		p.mem = make([]byte, cfg.Size)
	}

	return p, nil
}

// Alloc carves an allocation of the given size and alignment out of the
// pool and returns its physical address together with the sub-pool which
// produced it.
func (p *Pool) Alloc(size, align uint64, cat Category) (uint64, SubPool, error) {
	if size == 0 || size >= maxAllocSize {
		return 0, SubPoolMain, fmt.Errorf("%w: allocation size %d", ErrInvalidArg, size)
	}
	if align > maxAllocAlign {
		return 0, SubPoolMain, fmt.Errorf("%w: alignment %d", ErrInvalidArg, align)
	}

	size = roundUp(size, p.pageSize)

	if cat.IsScratchpad() {
		return p.allocScratchpad(size)
	}

	preferred, fallback := p.main, p.small
	from, alt := SubPoolMain, SubPoolSmall
	if p.small != nil && p.cutoff > 0 && size < p.cutoff {
		preferred, fallback = p.small, p.main
		from, alt = SubPoolSmall, SubPoolMain
	}

	if align < p.pageSize {
		align = p.pageSize
	}

	pa, err := preferred.allocAligned(size, align)
	if err != nil && fallback != nil {
		pa, err = fallback.allocAligned(size, align)
		from = alt
	}
	if err != nil {
		return 0, SubPoolMain, fmt.Errorf("%w: %s: failed to allocate %s bytes: %w",
			ErrNoMem, p, prettySize(size), err)
	}

	// post-allocation sanity check, release on mismatch
	if pa%align != 0 {
		p.subPool(from).release(pa, size)
		return 0, SubPoolMain, fmt.Errorf("%w: %s: %#x does not satisfy alignment %d",
			ErrInternalError, p, pa, align)
	}

	p.zero(pa, size)

	return pa, from, nil
}

// allocScratchpad satisfies a scratchpad allocation from the fixed
// backward-growing offset at the end of the main sub-pool.
func (p *Pool) allocScratchpad(size uint64) (uint64, SubPool, error) {
	if p.scratchUsed+size > p.mainEnd-p.base {
		return 0, SubPoolMain, fmt.Errorf("%w: %s: scratchpad exhausted (%s used, %s requested)",
			ErrNoMem, p, prettySize(p.scratchUsed), prettySize(size))
	}

	pa := p.mainEnd - p.scratchUsed - size
	if err := p.main.allocAt(pa, size); err != nil {
		return 0, SubPoolMain, fmt.Errorf("%w: %s: scratchpad region [%#x,%#x) not free: %w",
			ErrNoMem, p, pa, pa+size, err)
	}

	p.scratchUsed += size
	p.zero(pa, size)

	return pa, SubPoolMain, nil
}

// Free returns an allocation to the sub-pool which produced it.
func (p *Pool) Free(pa, size uint64, from SubPool, cat Category) error {
	size = roundUp(size, p.pageSize)

	if cat.IsScratchpad() {
		// Scratchpad frees must come in stack order. True stack
		// discipline cannot be enforced here, so an out-of-order
		// free is only diagnosed, not rejected.
		if expected := p.mainEnd - p.scratchUsed; pa != expected {
			log.Error("%s: out-of-order scratchpad free at %#x, top of stack at %#x",
				p, pa, expected)
		}
		if err := p.main.release(pa, size); err != nil {
			return err
		}
		if p.scratchUsed >= size {
			p.scratchUsed -= size
		} else {
			p.scratchUsed = 0
		}
		return nil
	}

	return p.subPool(from).release(pa, size)
}

// Bytes returns the host backing of the range [pa, pa+size). It returns
// nil for device pools, which have no CPU-visible backing here.
func (p *Pool) Bytes(pa, size uint64) []byte {
	if p.mem == nil {
		return nil
	}
	return p.mem[pa-p.base : pa-p.base+size]
}

// Kind returns the kind of memory backing this pool.
func (p *Pool) Kind() Kind {
	return p.kind
}

// Channel returns the DRAM channel of a device pool.
func (p *Pool) Channel() uint32 {
	return p.channel
}

// Region returns the DRAM region of a device pool.
func (p *Pool) Region() uint32 {
	return p.region
}

// Base returns the physical start address of the pool.
func (p *Pool) Base() uint64 {
	return p.base
}

// Size returns the total size of the pool.
func (p *Pool) Size() uint64 {
	return p.size
}

// PageSize returns the allocation granularity of the pool.
func (p *Pool) PageSize() uint64 {
	return p.pageSize
}

// HasSmallPool returns true if the small sub-pool is enabled.
func (p *Pool) HasSmallPool() bool {
	return p.small != nil
}

// Available returns the total amount of free memory in the pool.
func (p *Pool) Available() uint64 {
	total := p.main.available()
	if p.small != nil {
		total += p.small.available()
	}
	return total
}

// LargestFree returns the size of the largest free range in the pool.
func (p *Pool) LargestFree() uint64 {
	largest := p.main.largestFree()
	if p.small != nil {
		if l := p.small.largestFree(); l > largest {
			largest = l
		}
	}
	return largest
}

// String returns a string representation of the pool.
func (p *Pool) String() string {
	if p.kind == KindDevice {
		return fmt.Sprintf("pool<Device:ch%d/r%d>", p.channel, p.region)
	}
	return fmt.Sprintf("pool<Host:%s-page>", prettySize(p.pageSize))
}

func (p *Pool) subPool(from SubPool) *spanAllocator {
	if from == SubPoolSmall && p.small != nil {
		return p.small
	}
	return p.main
}

// zero clears the host backing of freshly allocated ranges.
func (p *Pool) zero(pa, size uint64) {
	if p.mem == nil {
		return
	}
	mem := p.mem[pa-p.base : pa-p.base+size]
	for i := range mem {
		mem[i] = 0
	}
}
