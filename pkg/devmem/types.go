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
	"encoding/json"
	"fmt"
	"strings"
)

// Kind represents the known kinds of backing memory.
type Kind int

const (
	KindHost   Kind = iota // host DRAM, DMA-visible to the device
	KindDevice             // on-device HBM/DRAM
)

var (
	kindToString = map[Kind]string{
		KindHost:   "Host",
		KindDevice: "Device",
	}
	stringToKind = map[string]Kind{
		"HOST":   KindHost,
		"DEVICE": KindDevice,
	}
)

// ParseKind parses the given string into a memory kind.
func ParseKind(str string) (Kind, error) {
	if k, ok := stringToKind[strings.ToUpper(str)]; ok {
		return k, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, str)
}

// IsValid returns true if the memory kind is valid/known.
func (k Kind) IsValid() bool {
	_, ok := kindToString[k]
	return ok
}

// String returns a string representation of the memory kind.
func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}

	return fmt.Sprintf("%%!(devmem:Bad-Kind %d)", k)
}

// MarshalJSON is the json.Marshaller for Kind.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the json.Unmarshaller for Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKind, err)
	}

	parsed, err := ParseKind(str)
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}

// Lifetime is the tier which governs when an unreferenced chunk becomes
// eligible for automatic reclamation. Sweeping a tier promotes chunks
// which are still referenced to the next higher tier instead of freeing
// them.
type Lifetime int

const (
	LifetimeLocal          Lifetime = iota // freed at call-site scope
	LifetimeCurrentProcess                 // freed when the owning process detaches
	LifetimeAllProcesses                   // freed when all processes have detached
	LifetimeDevice                         // freed at device teardown
	lifetimeCount
)

var lifetimeToString = map[Lifetime]string{
	LifetimeLocal:          "Local",
	LifetimeCurrentProcess: "CurrentProcess",
	LifetimeAllProcesses:   "AllProcesses",
	LifetimeDevice:         "Device",
}

// IsValid returns true if the lifetime tier is valid/known.
func (l Lifetime) IsValid() bool {
	_, ok := lifetimeToString[l]
	return ok
}

// Next returns the next higher lifetime tier, if there is one.
func (l Lifetime) Next() (Lifetime, bool) {
	if l < LifetimeDevice {
		return l + 1, true
	}
	return l, false
}

// String returns a string representation of the lifetime tier.
func (l Lifetime) String() string {
	if str, ok := lifetimeToString[l]; ok {
		return str
	}

	return fmt.Sprintf("%%!(devmem:Bad-Lifetime %d)", l)
}

// Category describes what an allocation is used for. It selects the
// telemetry counters an allocation is accounted against and, for the
// scratchpad category, a dedicated allocation policy.
type Category int

const (
	CategoryMisc          Category = iota // uncategorized
	CategoryTensors                       // input/output tensors
	CategoryWeights                       // model weights
	CategoryDmaRings                      // DMA descriptor rings
	CategoryNotifications                 // notification/event queues
	CategoryScratchpad                    // physically contiguous per-core scratch
	categoryCount
)

var (
	categoryToString = map[Category]string{
		CategoryMisc:          "Misc",
		CategoryTensors:       "Tensors",
		CategoryWeights:       "Weights",
		CategoryDmaRings:      "DmaRings",
		CategoryNotifications: "Notifications",
		CategoryScratchpad:    "Scratchpad",
	}
	stringToCategory = map[string]Category{
		"MISC":          CategoryMisc,
		"TENSORS":       CategoryTensors,
		"WEIGHTS":       CategoryWeights,
		"DMARINGS":      CategoryDmaRings,
		"NOTIFICATIONS": CategoryNotifications,
		"SCRATCHPAD":    CategoryScratchpad,
	}
)

// ParseCategory parses the given string into an allocation category.
func ParseCategory(str string) (Category, error) {
	if c, ok := stringToCategory[strings.ToUpper(str)]; ok {
		return c, nil
	}

	return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidArg, str)
}

// IsValid returns true if the category is valid/known.
func (c Category) IsValid() bool {
	_, ok := categoryToString[c]
	return ok
}

// IsScratchpad returns true for the contiguous scratchpad category.
func (c Category) IsScratchpad() bool {
	return c == CategoryScratchpad
}

// String returns a string representation of the category.
func (c Category) String() string {
	if str, ok := categoryToString[c]; ok {
		return str
	}

	return fmt.Sprintf("%%!(devmem:Bad-Category %d)", c)
}

// MarshalJSON is the json.Marshaller for Category.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON is the json.Unmarshaller for Category.
func (c *Category) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArg, err)
	}

	parsed, err := ParseCategory(str)
	if err != nil {
		return err
	}

	*c = parsed
	return nil
}

// prettySize returns a human-readable representation of a size in bytes.
func prettySize(size uint64) string {
	units := []string{"k", "M", "G", "T"}

	if size < 1024 {
		return fmt.Sprintf("%d", size)
	}

	val, unit := float64(size), ""
	for _, u := range units {
		val /= 1024.0
		unit = u
		if val < 1024.0 {
			break
		}
	}

	return strings.TrimSuffix(fmt.Sprintf("%.2f", val), ".00") + unit
}

// roundUp rounds size up to the next multiple of align.
func roundUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
