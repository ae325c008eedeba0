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
	logger "github.com/npu-drivers/npucore/pkg/log"
)

var (
	log     = logger.Get("corelock")
	details = logger.Get("corelock-details")
)

// DumpState logs the lock and reservation state of every core.
func (l *CoreLock) DumpState() {
	if !log.DebugEnabled() {
		return
	}

	for i := range l.cores {
		c := &l.cores[i]
		c.Lock()
		switch {
		case c.writerHeld:
			log.Debug("  core %d: writing (pid %d, model %s)", i, c.writerPid, c.model)
		case c.readers > 0:
			log.Debug("  core %d: reading (%d readers, pid %d, model %s)",
				i, c.readers, c.writerPid, c.model)
		default:
			log.Debug("  core %d: idle", i)
		}
		c.Unlock()
	}

	r := l.reservations
	r.Lock()
	for core, owner := range r.owners {
		if owner != 0 {
			log.Debug("  core %d: reserved by pid %d", core, owner)
		}
	}
	r.Unlock()
}
