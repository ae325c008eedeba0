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
	"sync"

	"github.com/npu-drivers/npucore/pkg/devinfo"
)

const (
	// defaultDirectBase is the synthetic bus address where direct host
	// allocations are mapped, above every pool-backed range.
	defaultDirectBase = uint64(0x8000_0000_0000)
	// hostReserveBase is the synthetic bus address of the first reserved
	// host tier pool.
	hostReserveBase = uint64(0x7000_0000_0000)
)

// Config carries the tunables of a pool set which are not part of the
// device capability table.
type Config struct {
	// DirectHostLimit is the largest host allocation served by the
	// direct allocation path. Requests above the limit go straight to
	// the reserved host tiers. 0 means no limit.
	DirectHostLimit uint64 `json:"directHostLimit"`
	// DirectBase overrides the synthetic bus address of direct host
	// allocations.
	DirectBase uint64 `json:"directBase"`
}

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(a *Allocator) error

// WithArch sets the device capability table the allocator lays its
// pools out from. This option is mandatory.
func WithArch(arch *devinfo.Arch) AllocatorOption {
	return func(a *Allocator) error {
		if arch == nil {
			return fmt.Errorf("%w: WithArch: nil capability table", ErrFailedOption)
		}
		if err := arch.Validate(); err != nil {
			return fmt.Errorf("%w: WithArch: %w", ErrFailedOption, err)
		}
		a.arch = arch
		return nil
	}
}

// WithConfig sets the non-capability tunables of the allocator.
func WithConfig(cfg Config) AllocatorOption {
	return func(a *Allocator) error {
		a.cfg = cfg
		return nil
	}
}

// WithTelemetry sets the external usage-counter sink.
func WithTelemetry(sink Telemetry) AllocatorOption {
	return func(a *Allocator) error {
		if sink == nil {
			return fmt.Errorf("%w: WithTelemetry: nil sink", ErrFailedOption)
		}
		a.telemetry = sink
		return nil
	}
}

// Allocator is the pool set for one device. It owns a sequence of
// reserved host memory pools at decreasing page-size tiers, one device
// pool per DRAM channel and region, the physical-address reverse index,
// the lifetime lists and the handle table. Every live chunk of the
// device appears in exactly one pool, in the index, and in exactly one
// lifetime list.
//
// One mutex guards allocation state, the lifetime lists and accounting.
// The address index and the handle table have their own, less
// restrictive locking so that Search and FindHandle stay off the
// allocation mutex.
type Allocator struct {
	sync.Mutex
	arch      *devinfo.Arch
	cfg       Config
	telemetry Telemetry

	hostPools []*Pool            // decreasing page-size tiers
	devPools  map[poolKey]*Pool  // one per channel and region
	index     *addrIndex
	lists     *lifetimeLists
	handles   *HandleTable
	attached  map[int]struct{}

	directCursor uint64
	down         bool
}

type poolKey struct {
	channel uint32
	region  uint32
}

// NewAllocator creates a pool set with the given options.
func NewAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		telemetry: nullTelemetry{},
		devPools:  map[poolKey]*Pool{},
		index:     newAddrIndex(),
		lists:     newLifetimeLists(),
		handles:   NewHandleTable(),
		attached:  map[int]struct{}{},
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, err
		}
	}

	if a.arch == nil {
		return nil, fmt.Errorf("%w: no capability table given", ErrInvalidArg)
	}

	if a.cfg.DirectBase == 0 {
		a.cfg.DirectBase = defaultDirectBase
	}
	a.directCursor = a.cfg.DirectBase

	if err := a.createPools(); err != nil {
		// No partially created pool survives a failed construction.
		a.hostPools = nil
		a.devPools = nil
		return nil, err
	}

	log.Info("created %s", a)
	a.DumpConfig()

	return a, nil
}

// createPools lays out the reserved host tiers and the per-channel,
// per-region device pools from the capability table.
func (a *Allocator) createPools() error {
	arch := a.arch

	base := hostReserveBase
	for _, pageSize := range arch.HostPageTiers {
		pool, err := NewPool(PoolConfig{
			Kind:         KindHost,
			Base:         base,
			Size:         arch.HostTierSize,
			PageSize:     pageSize,
			MinAllocSize: pageSize,
		})
		if err != nil {
			return fmt.Errorf("%w: failed to reserve %s-page host tier: %w",
				ErrNoMem, prettySize(pageSize), err)
		}
		a.hostPools = append(a.hostPools, pool)
		base += roundUp(arch.HostTierSize, pageSize) + pageSize
	}

	for channel := uint32(0); channel < arch.DramChannels; channel++ {
		for region := uint32(0); region < arch.DramRegions; region++ {
			regionBase, err := arch.RegionBase(channel, region)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArg, err)
			}
			var carveouts []devinfo.Carveout
			if arch.Carveouts != nil {
				carveouts = arch.Carveouts(channel, region)
			}
			pool, err := NewPool(PoolConfig{
				Kind:             KindDevice,
				Base:             regionBase,
				Size:             arch.RegionSize(),
				Channel:          channel,
				Region:           region,
				PageSize:         arch.PageSize,
				MinAllocSize:     arch.MinAllocSize,
				SmallPoolSize:    arch.SmallPoolSize,
				SmallAllocCutoff: arch.SmallAllocCutoff,
				Carveouts:        carveouts,
			})
			if err != nil {
				return fmt.Errorf("%w: failed to create pool for channel %d, region %d: %w",
					ErrNoMem, channel, region, err)
			}
			a.devPools[poolKey{channel, region}] = pool
		}
	}

	return nil
}

// Alloc allocates memory for the request and returns the resulting
// chunk with a reference count of one.
func (a *Allocator) Alloc(req *Request) (*Chunk, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidArg)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	a.Lock()
	defer a.Unlock()

	if a.down {
		return nil, ErrServiceDown
	}

	var (
		c   *Chunk
		err error
	)

	if req.Kind == KindHost {
		c, err = a.allocHost(req)
	} else {
		c, err = a.allocDevice(req)
	}
	if err != nil {
		return nil, err
	}

	c.owner = a
	c.pid = req.Pid
	c.lifetime = req.Lifetime
	c.category = req.Category
	c.core = req.Core
	c.refcnt.Store(1)

	a.index.insert(c)
	a.lists.insert(c)
	a.telemetry.MemUsage(c.pid, c.category, c.usageCore(), int64(c.size))

	details.Debug("allocated %s for %s", c, req)

	return c, nil
}

// allocHost satisfies a host request, preferring the direct allocation
// path and falling back to the reserved page tiers.
func (a *Allocator) allocHost(req *Request) (*Chunk, error) {
	size := roundUp(req.Size, a.arch.PageSize)

	if a.cfg.DirectHostLimit == 0 || size <= a.cfg.DirectHostLimit {
		pa := a.directCursor
		if req.Align > a.arch.PageSize {
			pa = roundUp(pa, req.Align)
		}
		a.directCursor = pa + size
		return &Chunk{
			kind: KindHost,
			pa:   pa,
			size: size,
			mem:  make([]byte, size),
		}, nil
	}

	// The direct path is exhausted for this size, scan the reserved
	// tiers largest page first. A tier is only eligible when one of its
	// pages covers the whole request.
	log.Warn("direct host allocation of %s bytes failed, falling back to reserved tiers",
		prettySize(size))

	for _, pool := range a.hostPools {
		if pool.PageSize() < req.Size {
			continue
		}
		pa, from, err := pool.Alloc(req.Size, req.Align, req.Category)
		if err != nil {
			continue
		}
		tierSize := roundUp(req.Size, pool.PageSize())
		return &Chunk{
			kind: KindHost,
			pa:   pa,
			size: tierSize,
			pool: pool,
			from: from,
			mem:  pool.Bytes(pa, tierSize),
		}, nil
	}

	return nil, fmt.Errorf("%w: no host tier can satisfy %s bytes",
		ErrNoMem, prettySize(req.Size))
}

// allocDevice satisfies a device request from the pool of the requested
// channel and region.
func (a *Allocator) allocDevice(req *Request) (*Chunk, error) {
	region := req.Region
	if a.arch.DramRegions == 1 {
		region = 0
	}

	pool, ok := a.devPools[poolKey{req.Channel, region}]
	if !ok {
		return nil, fmt.Errorf("%w: no such pool: channel %d, region %d",
			ErrInvalidArg, req.Channel, region)
	}

	pa, from, err := pool.Alloc(req.Size, req.Align, req.Category)
	if err != nil {
		return nil, err
	}

	return &Chunk{
		kind:    KindDevice,
		pa:      pa,
		size:    roundUp(req.Size, pool.PageSize()),
		channel: req.Channel,
		region:  region,
		pool:    pool,
		from:    from,
	}, nil
}

// Retain takes an extra reference on the chunk for a holder which needs
// it to outlive the allocating scope.
func (a *Allocator) Retain(c *Chunk) {
	c.refcnt.Add(1)
}

// Free drops one reference from the chunk. The backing memory is
// released once the last reference is gone.
func (a *Allocator) Free(c *Chunk) error {
	if c == nil || c.owner != a {
		return fmt.Errorf("%w: chunk not owned by this pool set", ErrInvalidArg)
	}

	a.Lock()
	defer a.Unlock()

	switch cnt := c.refcnt.Add(-1); {
	case cnt > 0:
		return nil
	case cnt < 0:
		return fmt.Errorf("%w: reference count of %s dropped below zero",
			ErrInternalError, c)
	}

	return a.release(c)
}

// release tears a zero-referenced chunk down. Called with the
// allocation mutex held.
func (a *Allocator) release(c *Chunk) error {
	a.index.remove(c)
	a.lists.remove(c)

	if c.handle != 0 {
		if err := a.handles.Free(c.handle); err != nil {
			log.Error("failed to release handle of %s: %v", c, err)
		}
		c.handle = 0
	}

	var err error
	if c.pool != nil {
		err = c.pool.Free(c.pa, c.size, c.from, c.category)
	}
	c.mem = nil

	a.telemetry.MemUsage(c.pid, c.category, c.usageCore(), -int64(c.size))

	details.Debug("released %s", c)

	return err
}

// usageCore returns the core index a chunk is accounted against.
func (c *Chunk) usageCore() int {
	if c.kind == KindDevice {
		return int(c.core)
	}
	return DeviceWide
}

// Search returns the chunk whose range contains the given physical
// address. It does not take the allocation mutex, so reverse lookups on
// hot paths proceed concurrently with each other and with unrelated
// allocation traffic.
func (a *Allocator) Search(pa uint64) (*Chunk, bool) {
	return a.index.search(pa)
}

// FreeExpired sweeps the lifetime list of the given tier. Chunks with no
// holder besides the list are freed; chunks which are still referenced
// move up to the next tier. At the top tier there is nowhere left to
// promote to, so still-referenced chunks are force-freed and reported
// as leaks.
func (a *Allocator) FreeExpired(tier Lifetime, pid int) {
	if !tier.IsValid() {
		return
	}

	a.Lock()
	defer a.Unlock()

	a.sweep(tier, pid, tier == LifetimeDevice)
}

// sweep runs the expiry pass over one lifetime list. Called with the
// allocation mutex held.
func (a *Allocator) sweep(tier Lifetime, pid int, force bool) {
	lst := a.lists.listFor(tier, pid)

	e := lst.Front()
	for e != nil {
		next := e.Next()
		c := e.Value.(*Chunk)

		switch promoted, ok := tier.Next(); {
		case c.refcnt.Load() == 1:
			c.refcnt.Store(0)
			if err := a.release(c); err != nil {
				log.Error("failed to free expired %s: %v", c, err)
			}
		case ok && !force:
			a.lists.promote(c, promoted)
		default:
			log.Error("leaked %s (%d dangling references), force-freeing", c, c.refcnt.Load())
			c.refcnt.Store(0)
			if err := a.release(c); err != nil {
				log.Error("failed to free leaked %s: %v", c, err)
			}
		}

		e = next
	}
}

// AttachProcess records a process as a consumer of the device.
func (a *Allocator) AttachProcess(pid int) {
	a.Lock()
	defer a.Unlock()
	a.attached[pid] = struct{}{}
}

// DetachProcess expires the process-scoped chunks of the given process.
// When the last attached process detaches, the shared tier expires too.
func (a *Allocator) DetachProcess(pid int) {
	a.Lock()
	defer a.Unlock()

	delete(a.attached, pid)
	a.sweep(LifetimeCurrentProcess, pid, false)

	if len(a.attached) == 0 {
		a.sweep(LifetimeAllProcesses, 0, false)
	}
}

// Destroy tears the pool set down. Every chunk still alive is swept
// through the lifetime chain. A chunk surviving all sweeps violates the
// teardown contract and is fatal.
func (a *Allocator) Destroy() {
	a.Lock()
	defer a.Unlock()

	a.sweep(LifetimeLocal, 0, true)
	for pid := range a.attached {
		a.sweepInto(LifetimeCurrentProcess, pid, LifetimeDevice)
	}
	a.attached = map[int]struct{}{}
	a.sweepInto(LifetimeAllProcesses, 0, LifetimeDevice)
	a.sweep(LifetimeDevice, 0, true)

	if cnt := a.index.count(); cnt != 0 {
		log.Panic("pool set destroyed with %d chunks still alive", cnt)
	}

	a.hostPools = nil
	a.devPools = map[poolKey]*Pool{}
	a.down = true
}

// sweepInto force-sweeps one list, promoting survivors straight to the
// given tier. Called with the allocation mutex held.
func (a *Allocator) sweepInto(tier Lifetime, pid int, into Lifetime) {
	lst := a.lists.listFor(tier, pid)

	e := lst.Front()
	for e != nil {
		next := e.Next()
		c := e.Value.(*Chunk)

		if c.refcnt.Load() == 1 {
			c.refcnt.Store(0)
			if err := a.release(c); err != nil {
				log.Error("failed to free expired %s: %v", c, err)
			}
		} else {
			a.lists.promote(c, into)
		}

		e = next
	}
}

// RegisterHandle assigns an opaque handle to the chunk.
func (a *Allocator) RegisterHandle(c *Chunk) (Handle, error) {
	if c == nil || c.owner != a {
		return 0, fmt.Errorf("%w: chunk not owned by this pool set", ErrInvalidArg)
	}

	a.Lock()
	defer a.Unlock()

	if c.handle != 0 {
		return c.handle, nil
	}

	h, err := a.handles.Alloc(c)
	if err != nil {
		return 0, err
	}
	c.handle = h

	return h, nil
}

// ReleaseHandle drops the handle of the chunk, if it has one.
func (a *Allocator) ReleaseHandle(c *Chunk) error {
	if c == nil || c.owner != a {
		return fmt.Errorf("%w: chunk not owned by this pool set", ErrInvalidArg)
	}

	a.Lock()
	defer a.Unlock()

	if c.handle == 0 {
		return nil
	}

	err := a.handles.Free(c.handle)
	c.handle = 0

	return err
}

// FindHandle resolves a handle to its chunk without taking any lock.
func (a *Allocator) FindHandle(h Handle) (*Chunk, bool) {
	return a.handles.Find(h)
}

// Mapping describes how a process can map a chunk it holds a handle to.
type Mapping struct {
	PhysAddr   uint64
	MmapOffset uint64
	Size       uint64
	Pid        int
}

// ResolveHandle resolves a handle into the information a front-end
// needs to map the chunk into the address space of its owner.
func (a *Allocator) ResolveHandle(h Handle) (*Mapping, error) {
	c, ok := a.handles.Find(h)
	if !ok {
		return nil, fmt.Errorf("%w: no live entry for handle %d", ErrNotFound, h)
	}

	return &Mapping{
		PhysAddr:   c.pa,
		MmapOffset: c.pa,
		Size:       c.size,
		Pid:        c.pid,
	}, nil
}

// Arch returns the capability table of the device.
func (a *Allocator) Arch() *devinfo.Arch {
	return a.arch
}

// Chunks returns the number of live chunks in the pool set.
func (a *Allocator) Chunks() int {
	return a.index.count()
}

// Handles returns the handle table of the pool set.
func (a *Allocator) Handles() *HandleTable {
	return a.handles
}

// Available returns the total free bytes per kind across all pools.
func (a *Allocator) Available(kind Kind) uint64 {
	a.Lock()
	defer a.Unlock()

	total := uint64(0)
	if kind == KindHost {
		for _, p := range a.hostPools {
			total += p.Available()
		}
	} else {
		for _, p := range a.devPools {
			total += p.Available()
		}
	}

	return total
}

// String returns a string representation of the allocator.
func (a *Allocator) String() string {
	return fmt.Sprintf("pool set<%s,%d host tiers,%d device pools>",
		a.arch.Name, len(a.hostPools), len(a.devPools))
}
