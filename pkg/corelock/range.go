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
	"fmt"
	"sync"
)

// Notifier is the external election/arbitration collaborator told about
// changes in the number of reserved cores, for multi-host coordination.
type Notifier interface {
	// ReservedCores reports the current number of reserved cores.
	ReservedCores(count int)
}

// nullNotifier discards all updates.
type nullNotifier struct{}

func (nullNotifier) ReservedCores(int) {}

// reservationTable maps every core to the pid which has it reserved,
// 0 for free. One mutex protects the whole table so that a multi-core
// scan and mark is atomic against other reservation traffic.
type reservationTable struct {
	sync.Mutex
	owners   []int
	notifier Notifier
}

func newReservationTable(cores int, notifier Notifier) *reservationTable {
	if notifier == nil {
		notifier = nullNotifier{}
	}
	return &reservationTable{
		owners:   make([]int, cores),
		notifier: notifier,
	}
}

// RangeMark reserves the first run of count consecutive free cores
// within [start, end] for the given process. On failure it reports the
// largest free run found, so the caller can decide whether waiting is
// worthwhile. The notifier hears about the pre-mark reservation count
// immediately before the table is mutated, and only on success, so a
// failed search never perturbs the globally coordinated count.
func (l *CoreLock) RangeMark(count int, start, end ID, pid int) (CoreMask, int, error) {
	r := l.reservations

	if pid == 0 {
		return 0, 0, fmt.Errorf("%w: reservation for pid 0", ErrInvalidArg)
	}
	if count <= 0 || start < 0 || end >= len(r.owners) || start > end {
		return 0, 0, fmt.Errorf("%w: bad reservation range [%d,%d] x %d",
			ErrInvalidArg, start, end, count)
	}

	r.Lock()
	defer r.Unlock()

	maxRun, run, runStart := 0, 0, 0
	for core := start; core <= end; core++ {
		if r.owners[core] != 0 {
			run = 0
			continue
		}
		if run == 0 {
			runStart = core
		}
		run++
		if run > maxRun {
			maxRun = run
		}

		if run == count {
			r.notifier.ReservedCores(r.reservedLocked())

			mask := CoreMask(0)
			for c := runStart; c <= core; c++ {
				r.owners[c] = pid
				mask = mask.Set(c)
			}

			details.Debug("pid %d reserved cores %s", pid, mask)

			return mask, maxRun, nil
		}
	}

	return 0, maxRun, fmt.Errorf("%w: no run of %d free cores in [%d,%d]",
		ErrBusy, count, start, end)
}

// RangeUnmark releases the cores of the mask which the given process
// actually owns. Ownership is re-checked per core, a stale mask never
// releases someone else's reservation. The notifier hears the updated
// count once per core of the mask, owned or not.
func (l *CoreLock) RangeUnmark(mask CoreMask, pid int) {
	r := l.reservations

	r.Lock()
	defer r.Unlock()

	mask.Foreach(func(core ID) bool {
		if core < len(r.owners) && r.owners[core] == pid {
			r.owners[core] = 0
		}
		r.notifier.ReservedCores(r.reservedLocked())
		return true
	})
}

// Reserved returns the current number of reserved cores.
func (l *CoreLock) Reserved() int {
	r := l.reservations

	r.Lock()
	defer r.Unlock()

	return r.reservedLocked()
}

// Owner returns the pid holding the reservation on the core, 0 if free.
func (l *CoreLock) Owner(core ID) int {
	r := l.reservations

	r.Lock()
	defer r.Unlock()

	if core < 0 || core >= len(r.owners) {
		return 0
	}
	return r.owners[core]
}

// releaseProcess drops every reservation held by the given process.
func (r *reservationTable) releaseProcess(pid int) {
	r.Lock()
	defer r.Unlock()

	for core, owner := range r.owners {
		if owner == pid {
			r.owners[core] = 0
			details.Debug("released core %d of exiting pid %d", core, pid)
		}
	}
}

func (r *reservationTable) reservedLocked() int {
	cnt := 0
	for _, owner := range r.owners {
		if owner != 0 {
			cnt++
		}
	}
	return cnt
}
