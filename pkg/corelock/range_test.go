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

package corelock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/npu-drivers/npucore/pkg/corelock"
)

type countRecorder struct {
	counts []int
}

func (r *countRecorder) ReservedCores(count int) {
	r.counts = append(r.counts, count)
}

func TestCoreMask(t *testing.T) {
	m := NewCoreMask(0, 2, 5)
	require.Equal(t, []ID{0, 2, 5}, m.Slice(), "mask members")
	require.Equal(t, 3, m.Size(), "mask size")
	require.True(t, m.Contains(0, 5), "mask containment")
	require.False(t, m.Contains(1), "mask non-containment")
	require.Equal(t, "0,2,5", m.String(), "mask string")

	m = m.Clear(2).Set(7)
	require.Equal(t, []ID{0, 5, 7}, m.Slice(), "mask after Clear()/Set()")
}

func TestRangeMark(t *testing.T) {
	l := testLock(t, 8, nil)

	mask, maxRun, err := l.RangeMark(4, 0, 7, 100)
	require.NoError(t, err, "unexpected RangeMark() error")
	require.Equal(t, NewCoreMask(0, 1, 2, 3), mask, "first free run")
	require.Equal(t, 4, maxRun, "largest run at match time")
	require.Equal(t, 4, l.Reserved(), "reserved core count")
	require.Equal(t, 100, l.Owner(0), "reservation owner")

	mask, _, err = l.RangeMark(2, 0, 7, 200)
	require.NoError(t, err, "unexpected RangeMark() error")
	require.Equal(t, NewCoreMask(4, 5), mask, "next free run")

	// Only a 2-wide hole remains; report it with the failure.
	_, maxRun, err = l.RangeMark(3, 0, 7, 300)
	require.ErrorIs(t, err, ErrBusy, "oversized reservation should fail")
	require.Equal(t, 2, maxRun, "largest free run on failure")
}

func TestRangeMarkWindow(t *testing.T) {
	l := testLock(t, 8, nil)

	// The search window binds even when cores outside it are free.
	mask, _, err := l.RangeMark(2, 4, 6, 100)
	require.NoError(t, err, "unexpected RangeMark() error")
	require.Equal(t, NewCoreMask(4, 5), mask, "run inside the window")

	_, _, err = l.RangeMark(2, 5, 6, 200)
	require.ErrorIs(t, err, ErrBusy, "no fitting run inside the window")

	_, _, err = l.RangeMark(2, 6, 9, 200)
	require.ErrorIs(t, err, ErrInvalidArg, "window beyond the last core")

	_, _, err = l.RangeMark(2, 0, 7, 0)
	require.ErrorIs(t, err, ErrInvalidArg, "reservation for pid 0")
}

func TestRangeUnmark(t *testing.T) {
	l := testLock(t, 8, nil)

	mask, _, err := l.RangeMark(2, 0, 7, 100)
	require.NoError(t, err, "unexpected RangeMark() error")

	other, _, err := l.RangeMark(2, 0, 7, 200)
	require.NoError(t, err, "unexpected RangeMark() error")

	// A stale mask covering someone else's cores must only release
	// the caller's own.
	l.RangeUnmark(mask.Set(other.Slice()...), 100)
	require.Equal(t, 2, l.Reserved(), "only the caller's cores should be released")
	require.Equal(t, 200, l.Owner(other.Slice()[0]), "other reservation intact")

	l.RangeUnmark(other, 200)
	require.Zero(t, l.Reserved(), "all reservations released")
}

func TestRangeNotifications(t *testing.T) {
	rec := &countRecorder{}
	l := testLock(t, 8, rec)

	_, _, err := l.RangeMark(2, 0, 7, 100)
	require.NoError(t, err, "unexpected RangeMark() error")
	require.Equal(t, []int{0}, rec.counts, "pre-mark count on success")

	// A failed search never perturbs the coordinated count.
	_, _, err = l.RangeMark(8, 0, 7, 200)
	require.ErrorIs(t, err, ErrBusy, "oversized reservation should fail")
	require.Equal(t, []int{0}, rec.counts, "no notification on failure")

	// Unmark notifies once per core of the mask.
	l.RangeUnmark(NewCoreMask(0, 1, 5), 100)
	require.Equal(t, []int{0, 1, 0, 0}, rec.counts, "per-core unmark notifications")
}

func TestReleaseProcessReservations(t *testing.T) {
	l := testLock(t, 8, nil)

	_, _, err := l.RangeMark(3, 0, 7, 100)
	require.NoError(t, err, "unexpected RangeMark() error")
	_, _, err = l.RangeMark(2, 0, 7, 200)
	require.NoError(t, err, "unexpected RangeMark() error")

	l.ReleaseProcess(100)
	require.Equal(t, 2, l.Reserved(), "only the exiting process' cores released")
	require.Equal(t, 200, l.Owner(3), "other reservation intact")
}
