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
	"sort"

	logger "github.com/npu-drivers/npucore/pkg/log"
)

var (
	log     = logger.Get("devmem")
	details = logger.Get("devmem-details")
)

func (a *Allocator) DumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)
	log.Info("%spool set configuration for %s", prefix, a.arch.Name)
	a.DumpPools(prefix)
}

func (a *Allocator) DumpPools(context ...interface{}) {
	prefix := formatPrefix(context...)

	for _, p := range a.hostPools {
		log.Info("%s  %s with %s reserved, %s free", prefix,
			p, prettySize(p.Size()), prettySize(p.Available()))
	}

	for _, p := range a.sortedDevPools() {
		small := ""
		if p.HasSmallPool() {
			small = ", small sub-pool"
		}
		log.Info("%s  %s at %#x with %s%s, %s free", prefix,
			p, p.Base(), prettySize(p.Size()), small, prettySize(p.Available()))
	}
}

func (a *Allocator) DumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	if a.index.count() == 0 {
		details.Debug("%s  no chunks alive", prefix)
		return
	}

	details.Debug("%s  chunks (%d alive, %d with handles):", prefix,
		a.index.count(), a.handles.Live())
	a.index.foreach(func(c *Chunk) bool {
		details.Debug("%s    - %s, %d references", prefix, c, c.RefCount())
		return true
	})
}

func (a *Allocator) sortedDevPools() []*Pool {
	pools := make([]*Pool, 0, len(a.devPools))
	for _, p := range a.devPools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].Channel() != pools[j].Channel() {
			return pools[i].Channel() < pools[j].Channel()
		}
		return pools[i].Region() < pools[j].Region()
	})
	return pools
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!devmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
