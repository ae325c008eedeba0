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
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/npu-drivers/npucore/pkg/devmem"
	"github.com/npu-drivers/npucore/pkg/devinfo"
)

const (
	testBase = uint64(0x1000_0000)
	testPage = uint64(4096)
)

func testPoolConfig(size uint64) PoolConfig {
	return PoolConfig{
		Kind:         KindDevice,
		Base:         testBase,
		Size:         size,
		PageSize:     testPage,
		MinAllocSize: testPage,
	}
}

func TestNewPool(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cfg     PoolConfig
		fail    bool
		noSmall bool
	}{
		{
			name: "plain pool",
			cfg:  testPoolConfig(16 << 20),
		},
		{
			name: "pool with small sub-pool",
			cfg: PoolConfig{
				Kind:             KindDevice,
				Base:             testBase,
				Size:             16 << 20,
				PageSize:         testPage,
				MinAllocSize:     testPage,
				SmallPoolSize:    1 << 20,
				SmallAllocCutoff: 64 << 10,
			},
		},
		{
			name: "zero-sized pool",
			cfg:  testPoolConfig(0),
			fail: true,
		},
		{
			name: "non-power-of-two page size",
			cfg: PoolConfig{
				Kind:         KindDevice,
				Base:         testBase,
				Size:         16 << 20,
				PageSize:     3000,
				MinAllocSize: 3000,
			},
			fail: true,
		},
		{
			name: "small pool larger than the region is disabled",
			cfg: PoolConfig{
				Kind:             KindDevice,
				Base:             testBase,
				Size:             1 << 20,
				PageSize:         testPage,
				MinAllocSize:     testPage,
				SmallPoolSize:    2 << 20,
				SmallAllocCutoff: 64 << 10,
			},
			noSmall: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPool(tc.cfg)
			if tc.fail {
				require.Error(t, err, "NewPool() should fail")
				return
			}
			require.NoError(t, err, "unexpected NewPool() error")
			require.NotNil(t, p, "unexpected nil pool")
			if tc.cfg.SmallPoolSize > 0 {
				require.Equal(t, !tc.noSmall, p.HasSmallPool(), "small sub-pool presence")
			}
		})
	}
}

func TestAllocLimits(t *testing.T) {
	p, err := NewPool(testPoolConfig(1 << 20))
	require.NoError(t, err, "unexpected NewPool() error")

	_, _, err = p.Alloc(0, 0, CategoryMisc)
	require.ErrorIs(t, err, ErrInvalidArg, "zero-sized allocation")

	_, _, err = p.Alloc(uint64(1)<<63, 0, CategoryMisc)
	require.ErrorIs(t, err, ErrInvalidArg, "allocation above the size ceiling")

	_, _, err = p.Alloc(testPage, uint64(1)<<33, CategoryMisc)
	require.ErrorIs(t, err, ErrInvalidArg, "alignment above the 32-bit ceiling")
}

func TestAllocAlignment(t *testing.T) {
	p, err := NewPool(testPoolConfig(16 << 20))
	require.NoError(t, err, "unexpected NewPool() error")

	// Skew the free space so an aligned request has to skip a hole.
	_, _, err = p.Alloc(testPage, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")

	pa, _, err := p.Alloc(64<<10, 64<<10, CategoryMisc)
	require.NoError(t, err, "unexpected aligned Alloc() error")
	require.Zero(t, pa%(64<<10), "aligned allocation not aligned")
}

func TestSmallPoolPlacement(t *testing.T) {
	cfg := PoolConfig{
		Kind:             KindDevice,
		Base:             testBase,
		Size:             16 << 20,
		PageSize:         testPage,
		MinAllocSize:     testPage,
		SmallPoolSize:    1 << 20,
		SmallAllocCutoff: 64 << 10,
	}
	p, err := NewPool(cfg)
	require.NoError(t, err, "unexpected NewPool() error")

	pa, from, err := p.Alloc(testPage, 0, CategoryMisc)
	require.NoError(t, err, "unexpected small Alloc() error")
	require.Equal(t, SubPoolSmall, from, "small request should come from the small sub-pool")
	require.Less(t, pa, testBase+cfg.SmallPoolSize, "small allocation outside the small sub-pool")

	pa, from, err = p.Alloc(2<<20, 0, CategoryMisc)
	require.NoError(t, err, "unexpected large Alloc() error")
	require.Equal(t, SubPoolMain, from, "large request should come from the main sub-pool")
	require.GreaterOrEqual(t, pa, testBase+cfg.SmallPoolSize, "large allocation inside the small sub-pool")
}

func TestSmallPoolFallback(t *testing.T) {
	cfg := PoolConfig{
		Kind:             KindDevice,
		Base:             testBase,
		Size:             4 << 20,
		PageSize:         testPage,
		MinAllocSize:     testPage,
		SmallPoolSize:    64 << 10,
		SmallAllocCutoff: 64 << 10,
	}
	p, err := NewPool(cfg)
	require.NoError(t, err, "unexpected NewPool() error")

	// Exhaust the small sub-pool, then verify small requests spill over.
	_, from, err := p.Alloc(cfg.SmallPoolSize, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")
	require.Equal(t, SubPoolSmall, from, "first small allocation")

	_, from, err = p.Alloc(testPage, 0, CategoryMisc)
	require.NoError(t, err, "unexpected fallback Alloc() error")
	require.Equal(t, SubPoolMain, from, "exhausted small sub-pool should fall back to main")
}

func TestScratchpadContiguity(t *testing.T) {
	p, err := NewPool(testPoolConfig(1 << 20))
	require.NoError(t, err, "unexpected NewPool() error")

	end := testBase + (1 << 20)

	pa1, from, err := p.Alloc(16<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")
	require.Equal(t, SubPoolMain, from, "scratchpad sub-pool")
	require.Equal(t, end-(16<<10), pa1, "first scratchpad allocation placement")

	pa2, _, err := p.Alloc(8<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")
	require.Equal(t, pa1-(8<<10), pa2, "scratchpad allocations not physically adjacent")

	// Interleaved ordinary allocations must not break adjacency.
	_, _, err = p.Alloc(64<<10, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")

	pa3, _, err := p.Alloc(4<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")
	require.Equal(t, pa2-(4<<10), pa3, "scratchpad allocations not physically adjacent")

	// Stack-order frees.
	require.NoError(t, p.Free(pa3, 4<<10, SubPoolMain, CategoryScratchpad), "scratchpad free")
	require.NoError(t, p.Free(pa2, 8<<10, SubPoolMain, CategoryScratchpad), "scratchpad free")
	require.NoError(t, p.Free(pa1, 16<<10, SubPoolMain, CategoryScratchpad), "scratchpad free")
}

func TestScratchpadOutOfOrderFree(t *testing.T) {
	p, err := NewPool(testPoolConfig(1 << 20))
	require.NoError(t, err, "unexpected NewPool() error")

	pa1, _, err := p.Alloc(16<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")
	_, _, err = p.Alloc(8<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")

	// Freeing below the top of the stack is diagnosed but not rejected.
	require.NoError(t, p.Free(pa1, 16<<10, SubPoolMain, CategoryScratchpad),
		"out-of-order scratchpad free should not fail")
}

func TestScratchpadExhaustion(t *testing.T) {
	p, err := NewPool(testPoolConfig(64 << 10))
	require.NoError(t, err, "unexpected NewPool() error")

	_, _, err = p.Alloc(48<<10, 0, CategoryScratchpad)
	require.NoError(t, err, "unexpected scratchpad Alloc() error")

	_, _, err = p.Alloc(32<<10, 0, CategoryScratchpad)
	require.ErrorIs(t, err, ErrNoMem, "scratchpad overcommit should fail")
}

func TestCarveoutReservation(t *testing.T) {
	cfg := testPoolConfig(64 << 10)
	cfg.Carveouts = []devinfo.Carveout{{Offset: 0, Size: testPage}}

	p, err := NewPool(cfg)
	require.NoError(t, err, "unexpected NewPool() error")

	pa, _, err := p.Alloc(testPage, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")
	require.Equal(t, testBase+testPage, pa, "allocation should skip the carveout")
}

func TestDoubleFree(t *testing.T) {
	p, err := NewPool(testPoolConfig(1 << 20))
	require.NoError(t, err, "unexpected NewPool() error")

	pa, from, err := p.Alloc(16<<10, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")

	require.NoError(t, p.Free(pa, 16<<10, from, CategoryMisc), "unexpected Free() error")
	require.Error(t, p.Free(pa, 16<<10, from, CategoryMisc), "double free should fail")
}

func TestPoolExhaustionAndReuse(t *testing.T) {
	p, err := NewPool(testPoolConfig(64 << 10))
	require.NoError(t, err, "unexpected NewPool() error")

	pa, from, err := p.Alloc(64<<10, 0, CategoryMisc)
	require.NoError(t, err, "unexpected Alloc() error")

	_, _, err = p.Alloc(testPage, 0, CategoryMisc)
	require.ErrorIs(t, err, ErrNoMem, "allocation from a full pool should fail")

	require.NoError(t, p.Free(pa, 64<<10, from, CategoryMisc), "unexpected Free() error")
	require.Equal(t, uint64(64<<10), p.Available(), "pool should be whole again after free")

	_, _, err = p.Alloc(64<<10, 0, CategoryMisc)
	require.NoError(t, err, "freed memory should be reusable")
}
