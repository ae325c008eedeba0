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

// Package devinfo provides read-only capability tables for the supported
// accelerator device architectures. A capability table is resolved once,
// when a device is attached, and consumed as plain configuration by the
// memory and core arbitration layers.
package devinfo

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Carveout is a reserved region of device DRAM which must never be
// handed out by the allocator.
type Carveout struct {
	// Offset of the carveout from the start of its region.
	Offset uint64 `json:"offset"`
	// Size of the carveout in bytes.
	Size uint64 `json:"size"`
}

// Arch is the capability table for one device architecture.
type Arch struct {
	// Name of the architecture.
	Name string `json:"name"`
	// CoreCount is the number of compute cores per device.
	CoreCount uint32 `json:"coreCount"`
	// DramChannels is the number of device DRAM channels.
	DramChannels uint32 `json:"dramChannels"`
	// DramRegions is the number of regions per channel. A value of 1
	// indicates a single region shared by all consumers, in which case
	// any requested region index is clamped to 0.
	DramRegions uint32 `json:"dramRegions"`
	// DramBase is the device physical address where DRAM starts.
	DramBase uint64 `json:"dramBase"`
	// DramChannelSize is the number of bytes in one DRAM channel.
	DramChannelSize uint64 `json:"dramChannelSize"`
	// PageSize is the device page size.
	PageSize uint64 `json:"pageSize"`
	// MinAllocSize is the minimum allocation granularity. It must be a
	// multiple of PageSize.
	MinAllocSize uint64 `json:"minAllocSize"`
	// SmallPoolSize is the size of the small-allocation sub-pool carved
	// out of every device pool. 0 disables the small pool.
	SmallPoolSize uint64 `json:"smallPoolSize"`
	// SmallAllocCutoff is the size below which allocations prefer the
	// small sub-pool.
	SmallAllocCutoff uint64 `json:"smallAllocCutoff"`
	// HostPageTiers lists the page sizes of the reserved host memory
	// pools, in decreasing order.
	HostPageTiers []uint64 `json:"hostPageTiers"`
	// HostTierSize is the number of bytes reserved per host tier.
	HostTierSize uint64 `json:"hostTierSize"`

	// Carveouts returns the reserved regions for a channel and region.
	// It is nil for architectures without carveouts.
	Carveouts func(channel, region uint32) []Carveout `json:"-"`
}

var archs = map[string]*Arch{
	// First generation inference device: 4 cores, 4 DRAM channels with
	// a single shared region each, no small-allocation sub-pool.
	"inf1": {
		Name:            "inf1",
		CoreCount:       4,
		DramChannels:    4,
		DramRegions:     1,
		DramBase:        0x1_0000_0000,
		DramChannelSize: 2 << 30,
		PageSize:        4096,
		MinAllocSize:    4096,
		HostPageTiers:   []uint64{1 << 20, 64 << 10, 4 << 10},
		HostTierSize:    16 << 20,
	},
	// Second generation training device: 2 larger cores, 2 channels with
	// 2 regions each and a small-allocation sub-pool.
	"trn1": {
		Name:             "trn1",
		CoreCount:        2,
		DramChannels:     2,
		DramRegions:      2,
		DramBase:         0x4_0000_0000,
		DramChannelSize:  16 << 30,
		PageSize:         4096,
		MinAllocSize:     4096,
		SmallPoolSize:    64 << 20,
		SmallAllocCutoff: 1 << 20,
		HostPageTiers:    []uint64{1 << 20, 64 << 10, 4 << 10},
		HostTierSize:     64 << 20,
	},
}

// Lookup returns the built-in capability table for the named architecture.
func Lookup(name string) (*Arch, bool) {
	a, ok := archs[name]
	return a, ok
}

// Names returns the names of all built-in architectures.
func Names() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	return names
}

// LoadProfile reads a device profile from a YAML file. The profile may
// either name a built-in architecture or describe a full capability table.
func LoadProfile(path string) (*Arch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devinfo: failed to read profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a device profile from YAML data.
func ParseProfile(data []byte) (*Arch, error) {
	a := &Arch{}
	if err := yaml.UnmarshalStrict(data, a); err != nil {
		return nil, fmt.Errorf("devinfo: failed to parse profile: %w", err)
	}

	if a.CoreCount == 0 && a.DramChannels == 0 {
		if builtin, ok := Lookup(a.Name); ok {
			return builtin, nil
		}
		return nil, fmt.Errorf("devinfo: unknown architecture %q", a.Name)
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

// Validate checks the capability table for internal consistency.
func (a *Arch) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("devinfo: architecture without a name")
	}
	if a.PageSize == 0 || (a.PageSize&(a.PageSize-1)) != 0 {
		return fmt.Errorf("devinfo: %s: invalid page size %d", a.Name, a.PageSize)
	}
	if a.MinAllocSize == 0 || a.MinAllocSize%a.PageSize != 0 {
		return fmt.Errorf("devinfo: %s: minimum allocation size %d not a multiple of page size %d",
			a.Name, a.MinAllocSize, a.PageSize)
	}
	if a.DramChannels == 0 || a.DramRegions == 0 {
		return fmt.Errorf("devinfo: %s: device without DRAM channels/regions", a.Name)
	}
	if a.DramChannelSize%uint64(a.DramRegions) != 0 {
		return fmt.Errorf("devinfo: %s: channel size %d not divisible into %d regions",
			a.Name, a.DramChannelSize, a.DramRegions)
	}
	for i, tier := range a.HostPageTiers {
		if i > 0 && tier >= a.HostPageTiers[i-1] {
			return fmt.Errorf("devinfo: %s: host page tiers not in decreasing order", a.Name)
		}
	}
	return nil
}

// HasSmallPool returns true if the architecture supports small sub-pools.
func (a *Arch) HasSmallPool() bool {
	return a.SmallPoolSize > 0
}

// RegionSize returns the size of one DRAM region.
func (a *Arch) RegionSize() uint64 {
	return a.DramChannelSize / uint64(a.DramRegions)
}

// RegionBase returns the device physical base address of the given
// channel and region.
func (a *Arch) RegionBase(channel, region uint32) (uint64, error) {
	if channel >= a.DramChannels || region >= a.DramRegions {
		return 0, fmt.Errorf("devinfo: %s: no such region: channel %d, region %d",
			a.Name, channel, region)
	}
	base := a.DramBase + uint64(channel)*a.DramChannelSize
	return base + uint64(region)*a.RegionSize(), nil
}
