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
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/npu-drivers/npucore/pkg/devinfo"
)

// Config carries the retry and backoff tunables of the core locks.
type Config struct {
	// ReaderRetries bounds the reader wait for a writer to finish.
	ReaderRetries int `json:"readerRetries"`
	// WriterRetries bounds the writer wait for readers to drain.
	WriterRetries int `json:"writerRetries"`
	// BackoffMin and BackoffMax delimit the randomized sleep between
	// lock retries.
	BackoffMin time.Duration `json:"backoffMin"`
	BackoffMax time.Duration `json:"backoffMax"`
	// ProgressRetries is the retry interval for writer-wait progress
	// log messages.
	ProgressRetries int `json:"progressRetries"`
}

// DefaultConfig returns the default retry and backoff tunables. Reader
// waits cover a writer critical section, roughly 500ms worst case.
// Writer waits must tolerate draining arbitrarily many brief readers,
// so their budget is roughly 2s.
func DefaultConfig() Config {
	return Config{
		ReaderRetries:   50000,
		WriterRetries:   200000,
		BackoffMin:      10 * time.Microsecond,
		BackoffMax:      20 * time.Microsecond,
		ProgressRetries: 25000,
	}
}

// coreState is the lock state of one core. All fields are protected by
// the per-core mutex, which is never held across a sleep.
type coreState struct {
	sync.Mutex
	writerHeld bool
	readers    uint64
	writerPid  int
	model      uuid.UUID
}

// Stats carries the contention counters of a core lock set.
type Stats struct {
	ReaderTimeouts uint64
	WriterTimeouts uint64
}

// CoreLock arbitrates access to the loaded-model state of every core of
// one device between concurrent readers, running inferences against the
// currently loaded model, and at most one writer, a model load or swap
// in progress. Layered on top is a device-global reservation table for
// claiming runs of adjacent cores.
type CoreLock struct {
	cfg   Config
	cores []coreState

	reservations *reservationTable

	readerTimeouts atomic.Uint64
	writerTimeouts atomic.Uint64
}

// New creates the core lock set for a device. The notifier is told
// about reservation count changes, it may be nil.
func New(arch *devinfo.Arch, cfg Config, notifier Notifier) (*CoreLock, error) {
	if arch == nil {
		return nil, fmt.Errorf("%w: nil capability table", ErrInvalidArg)
	}
	if arch.CoreCount == 0 || arch.CoreCount > maxCores {
		return nil, fmt.Errorf("%w: unsupported core count %d", ErrInvalidArg, arch.CoreCount)
	}
	if cfg.ReaderRetries <= 0 || cfg.WriterRetries <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		cfg = DefaultConfig()
	}

	l := &CoreLock{
		cfg:          cfg,
		cores:        make([]coreState, arch.CoreCount),
		reservations: newReservationTable(int(arch.CoreCount), notifier),
	}

	log.Info("created core lock set for %s (%d cores)", arch.Name, arch.CoreCount)

	return l, nil
}

// CoreCount returns the number of cores the lock set covers.
func (l *CoreLock) CoreCount() int {
	return len(l.cores)
}

// Stats returns the contention counters of the lock set.
func (l *CoreLock) Stats() Stats {
	return Stats{
		ReaderTimeouts: l.readerTimeouts.Load(),
		WriterTimeouts: l.writerTimeouts.Load(),
	}
}

// ReaderEnter attaches a reader to the model loaded on the core. The
// caller must name the model it expects and readers may only attach to
// a model their own process loaded. If a writer holds the core, the
// reader waits with randomized backoff up to its retry budget.
func (l *CoreLock) ReaderEnter(core ID, model uuid.UUID, pid int) error {
	c, err := l.core(core)
	if err != nil {
		return err
	}

	for retry := 0; retry < l.cfg.ReaderRetries; retry++ {
		c.Lock()
		if !c.writerHeld {
			if c.model != model || c.writerPid != pid {
				c.Unlock()
				return fmt.Errorf("%w: core %d does not hold the caller's model",
					ErrNotFound, core)
			}
			c.readers++
			c.Unlock()
			return nil
		}
		c.Unlock()

		l.backoff()
	}

	l.readerTimeouts.Add(1)
	log.Warn("reader starved on core %d (pid %d)", core, pid)

	return fmt.Errorf("%w: core %d held by a writer", ErrBusy, core)
}

// ReaderExit detaches a reader from the core.
func (l *CoreLock) ReaderExit(core ID, model uuid.UUID, pid int) error {
	c, err := l.core(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if c.model != model || c.writerPid != pid {
		return fmt.Errorf("%w: core %d does not hold the caller's model",
			ErrNotFound, core)
	}
	if c.readers == 0 {
		return fmt.Errorf("%w: reader exit from core %d with no readers",
			ErrInvalidArg, core)
	}
	c.readers--

	return nil
}

// WriterEnter acquires the core for a model load. It waits for the
// current writer and all readers to drain, within its retry budget. If
// the calling process already holds the core as a writer for the same
// model, WriterEnter reports that with already=true so that redundant
// load calls stay cheap.
func (l *CoreLock) WriterEnter(core ID, model uuid.UUID, pid int) (already bool, err error) {
	c, err := l.core(core)
	if err != nil {
		return false, err
	}

	for retry := 0; retry < l.cfg.WriterRetries; retry++ {
		c.Lock()
		if c.writerHeld && c.writerPid == pid && c.model == model {
			c.Unlock()
			return true, nil
		}
		if !c.writerHeld && c.readers == 0 {
			c.writerHeld = true
			c.writerPid = pid
			c.model = model
			c.Unlock()
			return false, nil
		}
		held, readers := c.writerHeld, c.readers
		c.Unlock()

		if retry > 0 && retry%l.cfg.ProgressRetries == 0 {
			log.Info("writer (pid %d) still waiting for core %d (writer held %v, %d readers)",
				pid, core, held, readers)
		}

		l.backoff()
	}

	l.writerTimeouts.Add(1)
	log.Warn("writer starved on core %d (pid %d)", core, pid)

	return false, fmt.Errorf("%w: core %d did not drain", ErrBusy, core)
}

// WriterDowngrade turns the writer holding the core into its first
// reader, without an unlocked window in between.
func (l *CoreLock) WriterDowngrade(core ID, model uuid.UUID, pid int) error {
	c, err := l.core(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if !c.writerHeld || c.writerPid != pid || c.model != model {
		return fmt.Errorf("%w: core %d not write-held by the caller", ErrNotFound, core)
	}
	if c.readers != 0 {
		log.Panic("core %d write-held with %d readers", core, c.readers)
	}

	c.writerHeld = false
	c.readers = 1

	return nil
}

// ReleaseProcess clears the lock state of every core the given process
// holds as a writer. Called at process detach as a safety net against
// processes which crash mid-load.
func (l *CoreLock) ReleaseProcess(pid int) {
	for i := range l.cores {
		c := &l.cores[i]
		c.Lock()
		if c.writerPid == pid {
			if c.writerHeld || c.readers > 0 {
				log.Warn("reclaiming core %d from exiting pid %d (writer held %v, %d readers)",
					i, pid, c.writerHeld, c.readers)
			}
			c.writerHeld = false
			c.readers = 0
			c.writerPid = 0
			c.model = uuid.Nil
		}
		c.Unlock()
	}

	l.reservations.releaseProcess(pid)
}

func (l *CoreLock) core(core ID) (*coreState, error) {
	if core < 0 || core >= len(l.cores) {
		return nil, fmt.Errorf("%w: no such core %d", ErrInvalidArg, core)
	}
	return &l.cores[core], nil
}

func (l *CoreLock) backoff() {
	window := l.cfg.BackoffMax - l.cfg.BackoffMin
	d := l.cfg.BackoffMin
	if window > 0 {
		d += time.Duration(rand.Int63n(int64(window) + 1))
	}
	time.Sleep(d)
}
