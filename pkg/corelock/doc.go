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

// Package corelock arbitrates access to the loaded-model state of the
// compute cores of one accelerator device. The primary interface to
// corelock is the CoreLock type.
//
// # Readers and Writers
//
// Each core is either idle, read-held by inference requests against the
// currently loaded model, or write-held by one model load or swap in
// progress. A reader must name the model it expects and may only attach
// to a model its own process loaded. Lock waits are bounded spin-retry
// loops with randomized backoff rather than blocking wait queues: hold
// times are short relative to model-load durations, so busy-waiting
// avoids scheduler wakeup latency while still bounding starvation. The
// reader and writer retry budgets differ because a writer must tolerate
// draining arbitrarily many brief readers, while a reader should not
// wait through an entire model reload.
//
// A finished writer downgrades into the first reader of the model it
// just loaded, without an unlocked window in between.
//
// # Range Reservation
//
// Above the per-core locks sits a device-global reservation table for
// processes which need a run of adjacent cores. RangeMark scans for the
// first fitting run under one mutex and reports the largest free run
// found even on failure. An external election collaborator is notified
// of reservation count changes for multi-host coordination.
package corelock
