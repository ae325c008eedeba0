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

package corelock

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// ID is an alias for the type used for core IDs.
type ID = idset.ID

// maxCores is the number of cores representable in one CoreMask.
const maxCores = 64

// CoreMask represents a set of cores as a bit mask.
type CoreMask uint64

// NewCoreMask returns a CoreMask containing the given cores.
func NewCoreMask(ids ...ID) CoreMask {
	m := CoreMask(0)
	for _, id := range ids {
		m |= (1 << id)
	}
	return m
}

// Slice returns the IDs of the cores present in the CoreMask.
func (m CoreMask) Slice() []ID {
	var ids []ID
	for id := 0; m != 0; id, m = id+1, m>>1 {
		if m&1 == 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Set returns a CoreMask with the original and the given cores added.
func (m CoreMask) Set(ids ...ID) CoreMask {
	for _, id := range ids {
		m |= (1 << id)
	}
	return m
}

// Clear returns a CoreMask with the given cores removed.
func (m CoreMask) Clear(ids ...ID) CoreMask {
	for _, id := range ids {
		m &^= (1 << id)
	}
	return m
}

// Contains returns true if all the given cores are present in the CoreMask.
func (m CoreMask) Contains(ids ...ID) bool {
	for _, id := range ids {
		if (m & (1 << id)) == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of cores in the CoreMask.
func (m CoreMask) Size() int {
	cnt := 0
	for ; m != 0; m >>= 1 {
		cnt += int(m & 1)
	}
	return cnt
}

// Foreach calls the given function for each core present in the CoreMask
// until the function returns false.
func (m CoreMask) Foreach(fn func(ID) bool) {
	for _, id := range m.Slice() {
		if !fn(id) {
			return
		}
	}
}

// String returns a string representation of the CoreMask.
func (m CoreMask) String() string {
	str := strings.Builder{}
	sep := ""
	for _, id := range m.Slice() {
		str.WriteString(sep)
		str.WriteString(strconv.Itoa(id))
		sep = ","
	}
	return str.String()
}

// MarshalJSON is the json.Marshaller for CoreMask.
func (m CoreMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the json.Unmarshaller for CoreMask.
func (m *CoreMask) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArg, err)
	}

	mask := CoreMask(0)
	if str != "" {
		for _, s := range strings.Split(str, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || id < 0 || id >= maxCores {
				return fmt.Errorf("%w: core ID %q", ErrInvalidArg, s)
			}
			mask = mask.Set(id)
		}
	}

	*m = mask
	return nil
}
