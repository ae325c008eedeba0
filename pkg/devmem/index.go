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
	"sync"

	"github.com/google/btree"
)

// addrIndex is the physical-address to chunk reverse index. It is kept
// separate from the pool set mutex and guarded by a reader/writer lock
// so that reverse lookups on hot paths are never serialized against
// allocation traffic.
type addrIndex struct {
	sync.RWMutex
	tree *btree.BTreeG[*Chunk]
}

func newAddrIndex() *addrIndex {
	return &addrIndex{
		tree: btree.NewG[*Chunk](16, func(a, b *Chunk) bool {
			return a.pa < b.pa
		}),
	}
}

// insert adds the chunk to the index.
func (x *addrIndex) insert(c *Chunk) {
	x.Lock()
	defer x.Unlock()
	x.tree.ReplaceOrInsert(c)
}

// remove takes the chunk out of the index.
func (x *addrIndex) remove(c *Chunk) {
	x.Lock()
	defer x.Unlock()
	x.tree.Delete(c)
}

// search returns the chunk whose [pa, pa+size) range contains the given
// address. Multiple searches can proceed concurrently.
func (x *addrIndex) search(pa uint64) (*Chunk, bool) {
	x.RLock()
	defer x.RUnlock()

	var found *Chunk
	x.tree.DescendLessOrEqual(&Chunk{pa: pa}, func(c *Chunk) bool {
		found = c
		return false
	})

	if found == nil || !found.contains(pa) {
		return nil, false
	}

	return found, true
}

// count returns the number of chunks in the index.
func (x *addrIndex) count() int {
	x.RLock()
	defer x.RUnlock()
	return x.tree.Len()
}

// foreach calls the given function for each chunk in increasing address
// order until the function returns false.
func (x *addrIndex) foreach(fn func(*Chunk) bool) {
	x.RLock()
	defer x.RUnlock()
	x.tree.Ascend(func(c *Chunk) bool {
		return fn(c)
	})
}
