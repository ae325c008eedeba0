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

package devmem_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/npu-drivers/npucore/pkg/devmem"
	"github.com/npu-drivers/npucore/pkg/devinfo"
)

func testArch() *devinfo.Arch {
	return &devinfo.Arch{
		Name:            "test",
		CoreCount:       2,
		DramChannels:    2,
		DramRegions:     1,
		DramBase:        0x1_0000_0000,
		DramChannelSize: 16 << 20,
		PageSize:        4096,
		MinAllocSize:    4096,
		HostPageTiers:   []uint64{64 << 10, 4 << 10},
		HostTierSize:    1 << 20,
	}
}

func testAllocator(t *testing.T, options ...AllocatorOption) *Allocator {
	t.Helper()

	a, err := NewAllocator(append([]AllocatorOption{WithArch(testArch())}, options...)...)
	require.NoError(t, err, "unexpected NewAllocator() error")
	require.NotNil(t, a, "unexpected nil allocator")

	return a
}

type usageRecorder struct {
	sync.Mutex
	byPid map[int]int64
	calls int
}

func newUsageRecorder() *usageRecorder {
	return &usageRecorder{byPid: map[int]int64{}}
}

func (u *usageRecorder) MemUsage(pid int, _ Category, _ int, delta int64) {
	u.Lock()
	defer u.Unlock()
	u.byPid[pid] += delta
	u.calls++
}

func TestNewAllocator(t *testing.T) {
	_, err := NewAllocator()
	require.Error(t, err, "NewAllocator() without a capability table should fail")

	_, err = NewAllocator(WithArch(nil))
	require.ErrorIs(t, err, ErrFailedOption, "NewAllocator() with a nil capability table")

	a := testAllocator(t)
	require.Equal(t, uint64(32<<20), a.Available(KindDevice), "device capacity")
}

func TestDeviceAllocFreeSearch(t *testing.T) {
	a := testAllocator(t)

	c, err := a.Alloc(&Request{
		Size:     64 << 10,
		Kind:     KindDevice,
		Channel:  1,
		Category: CategoryTensors,
		Lifetime: LifetimeDevice,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")
	require.Equal(t, KindDevice, c.Kind(), "chunk kind")
	require.Equal(t, uint32(1), c.Channel(), "chunk channel")
	require.Equal(t, uint64(64<<10), c.Size(), "chunk size")
	require.Equal(t, int64(1), c.RefCount(), "initial reference count")

	found, ok := a.Search(c.PhysAddr() + 100)
	require.True(t, ok, "reverse lookup inside the chunk")
	require.Same(t, c, found, "reverse lookup resolved the wrong chunk")

	_, ok = a.Search(c.PhysAddr() + c.Size())
	require.False(t, ok, "reverse lookup one past the chunk")

	require.NoError(t, a.Free(c), "unexpected Free() error")

	_, ok = a.Search(c.PhysAddr())
	require.False(t, ok, "freed chunk still in the index")
	require.Zero(t, a.Chunks(), "live chunk count after free")
}

func TestRegionClamping(t *testing.T) {
	a := testAllocator(t)

	// A single-region device clamps any requested region to 0.
	c, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Channel:  0,
		Region:   7,
		Category: CategoryMisc,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected Alloc() error")
	require.Equal(t, uint32(0), c.Region(), "region not clamped")

	require.NoError(t, a.Free(c), "unexpected Free() error")
}

func TestInvalidRequests(t *testing.T) {
	a := testAllocator(t)

	for _, tc := range []struct {
		name string
		req  *Request
		err  error
	}{
		{
			name: "zero size",
			req:  &Request{Kind: KindDevice, Category: CategoryMisc},
			err:  ErrInvalidArg,
		},
		{
			name: "size above the ceiling",
			req:  &Request{Size: uint64(1) << 63, Kind: KindDevice, Category: CategoryMisc},
			err:  ErrInvalidArg,
		},
		{
			name: "non-power-of-two alignment",
			req:  &Request{Size: 4096, Align: 3, Kind: KindDevice, Category: CategoryMisc},
			err:  ErrInvalidArg,
		},
		{
			name: "invalid lifetime",
			req:  &Request{Size: 4096, Kind: KindDevice, Lifetime: Lifetime(99), Category: CategoryMisc},
			err:  ErrInvalidTier,
		},
		{
			name: "invalid channel",
			req:  &Request{Size: 4096, Kind: KindDevice, Channel: 9, Category: CategoryMisc},
			err:  ErrInvalidArg,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Alloc(tc.req)
			require.ErrorIs(t, err, tc.err, "unexpected Alloc() error kind")
		})
	}
}

func TestRefCounting(t *testing.T) {
	a := testAllocator(t)

	c, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Category: CategoryWeights,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected Alloc() error")

	a.Retain(c)
	require.Equal(t, int64(2), c.RefCount(), "reference count after Retain()")

	require.NoError(t, a.Free(c), "unexpected Free() error")
	_, ok := a.Search(c.PhysAddr())
	require.True(t, ok, "retained chunk freed too early")

	require.NoError(t, a.Free(c), "unexpected Free() error")
	_, ok = a.Search(c.PhysAddr())
	require.False(t, ok, "chunk alive after its last reference")
}

func TestHostDirectAndFallback(t *testing.T) {
	a := testAllocator(t, WithConfig(Config{DirectHostLimit: 4096}))

	direct, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindHost,
		Category: CategoryDmaRings,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected direct host Alloc() error")
	require.NotNil(t, direct.Bytes(), "host chunk without backing")

	// Above the direct limit the reserved tiers take over, largest
	// eligible page first.
	reserved, err := a.Alloc(&Request{
		Size:     64 << 10,
		Kind:     KindHost,
		Category: CategoryDmaRings,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected reserved-tier host Alloc() error")
	require.NotNil(t, reserved.Bytes(), "host chunk without backing")
	require.Less(t, reserved.PhysAddr(), direct.PhysAddr(),
		"reserved tiers should live below the direct range")

	// No tier page covers an oversized request.
	_, err = a.Alloc(&Request{
		Size:     1 << 20,
		Kind:     KindHost,
		Category: CategoryDmaRings,
		Lifetime: LifetimeDevice,
	})
	require.ErrorIs(t, err, ErrNoMem, "oversized host fallback should fail")

	require.NoError(t, a.Free(direct), "unexpected Free() error")
	require.NoError(t, a.Free(reserved), "unexpected Free() error")
}

func TestHostMemoryZeroed(t *testing.T) {
	a := testAllocator(t, WithConfig(Config{DirectHostLimit: 4096}))

	c, err := a.Alloc(&Request{
		Size:     64 << 10,
		Kind:     KindHost,
		Category: CategoryMisc,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected Alloc() error")

	mem := c.Bytes()
	for i := range mem {
		mem[i] = 0xa5
	}
	require.NoError(t, a.Free(c), "unexpected Free() error")

	// The same tier range comes back for the next request of the same
	// size and must not expose the previous owner's data.
	c, err = a.Alloc(&Request{
		Size:     64 << 10,
		Kind:     KindHost,
		Category: CategoryMisc,
		Lifetime: LifetimeDevice,
	})
	require.NoError(t, err, "unexpected Alloc() error")
	for i, b := range c.Bytes() {
		require.Zero(t, b, "stale data at offset %d of a fresh host chunk", i)
	}

	require.NoError(t, a.Free(c), "unexpected Free() error")
}

func TestLifetimePromotion(t *testing.T) {
	a := testAllocator(t)
	a.AttachProcess(100)

	// An unreferenced local chunk expires at the first sweep.
	c1, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Category: CategoryMisc,
		Lifetime: LifetimeLocal,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")

	// A referenced one climbs the chain one tier per sweep instead.
	c2, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Category: CategoryMisc,
		Lifetime: LifetimeLocal,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")
	a.Retain(c2)

	a.FreeExpired(LifetimeLocal, 100)

	_, ok := a.Search(c1.PhysAddr())
	require.False(t, ok, "unreferenced local chunk survived the sweep")
	require.Equal(t, LifetimeCurrentProcess, c2.Lifetime(), "referenced chunk not promoted")

	require.NoError(t, a.Free(c2), "unexpected Free() error")
	require.Equal(t, int64(1), c2.RefCount(), "reference count after Free()")

	a.DetachProcess(100)
	_, ok = a.Search(c2.PhysAddr())
	require.False(t, ok, "process-scoped chunk survived detach")
}

func TestSharedTierExpiry(t *testing.T) {
	a := testAllocator(t)
	a.AttachProcess(100)
	a.AttachProcess(200)

	c, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Category: CategoryMisc,
		Lifetime: LifetimeAllProcesses,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")

	a.DetachProcess(100)
	_, ok := a.Search(c.PhysAddr())
	require.True(t, ok, "shared chunk expired while a process is still attached")

	a.DetachProcess(200)
	_, ok = a.Search(c.PhysAddr())
	require.False(t, ok, "shared chunk survived the last detach")
}

func TestDestroy(t *testing.T) {
	rec := newUsageRecorder()
	a := testAllocator(t, WithTelemetry(rec))
	a.AttachProcess(100)

	reqs := []*Request{
		{Size: 4096, Kind: KindDevice, Category: CategoryMisc, Lifetime: LifetimeDevice, Pid: 100},
		{Size: 8192, Kind: KindDevice, Category: CategoryTensors, Lifetime: LifetimeCurrentProcess, Pid: 100},
		{Size: 4096, Kind: KindHost, Category: CategoryMisc, Lifetime: LifetimeAllProcesses, Pid: 100},
	}
	for _, req := range reqs {
		_, err := a.Alloc(req)
		require.NoError(t, err, "unexpected Alloc() error")
	}

	a.Destroy()
	require.Zero(t, a.Chunks(), "chunks alive after Destroy()")
	require.Zero(t, rec.byPid[100], "usage accounting did not balance out")

	_, err := a.Alloc(reqs[0])
	require.ErrorIs(t, err, ErrServiceDown, "allocation from a destroyed pool set")
}

func TestTelemetryAccounting(t *testing.T) {
	rec := newUsageRecorder()
	a := testAllocator(t, WithTelemetry(rec))

	c, err := a.Alloc(&Request{
		Size:     64 << 10,
		Kind:     KindDevice,
		Category: CategoryTensors,
		Lifetime: LifetimeDevice,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")
	require.Equal(t, int64(64<<10), rec.byPid[100], "usage after allocation")
	require.Equal(t, 1, rec.calls, "one update per allocation")

	a.Retain(c)
	require.NoError(t, a.Free(c), "unexpected Free() error")
	require.Equal(t, 1, rec.calls, "no update for a non-final free")

	require.NoError(t, a.Free(c), "unexpected Free() error")
	require.Zero(t, rec.byPid[100], "usage after final free")
	require.Equal(t, 2, rec.calls, "one update per final free")
}

func TestHandleIntegration(t *testing.T) {
	a := testAllocator(t)

	c, err := a.Alloc(&Request{
		Size:     4096,
		Kind:     KindDevice,
		Category: CategoryMisc,
		Lifetime: LifetimeDevice,
		Pid:      100,
	})
	require.NoError(t, err, "unexpected Alloc() error")

	h, err := a.RegisterHandle(c)
	require.NoError(t, err, "unexpected RegisterHandle() error")
	require.NotZero(t, h, "handle 0 is reserved")
	require.Equal(t, h, c.Handle(), "chunk does not record its handle")

	again, err := a.RegisterHandle(c)
	require.NoError(t, err, "unexpected RegisterHandle() error")
	require.Equal(t, h, again, "re-registration should return the same handle")

	found, ok := a.FindHandle(h)
	require.True(t, ok, "live handle not found")
	require.Same(t, c, found, "handle resolves to the wrong chunk")

	m, err := a.ResolveHandle(h)
	require.NoError(t, err, "unexpected ResolveHandle() error")
	require.Equal(t, c.PhysAddr(), m.PhysAddr, "mapping physical address")
	require.Equal(t, c.Size(), m.Size, "mapping size")
	require.Equal(t, 100, m.Pid, "mapping owner")

	// Freeing the chunk releases its handle too.
	require.NoError(t, a.Free(c), "unexpected Free() error")
	_, ok = a.FindHandle(h)
	require.False(t, ok, "handle survived its chunk")
	_, err = a.ResolveHandle(h)
	require.ErrorIs(t, err, ErrNotFound, "resolving a dead handle")
}
