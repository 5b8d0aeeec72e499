// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

const (
	syncDataPoints = 16
	syncReset      = 10_000_000_000 // ns
)

// TimeSync tracks the offset between the AP clock and the hub clock from
// the timestamps carried by READ_EVENT requests
type TimeSync struct {
	lastTime uint64
	delta    [syncDataPoints]uint64
	avgDelta uint64
	cnt      int
	tail     int
}

// AddDelta records one AP/hub timestamp pair. A gap longer than ten
// seconds since the previous pair restarts the average.
func (ts *TimeSync) AddDelta(apTime, hubTime uint64) {
	if apTime-ts.lastTime > syncReset {
		ts.tail = 0
		ts.cnt = 0
	}

	ts.delta[ts.tail] = apTime - hubTime
	ts.tail++
	ts.lastTime = apTime

	if ts.tail >= syncDataPoints {
		ts.tail = 0
	}
	if ts.cnt < syncDataPoints {
		ts.cnt++
	}
	ts.avgDelta = 0
}

// AvgDelta returns the average AP minus hub offset, zero with no data
func (ts *TimeSync) AvgDelta() uint64 {
	if ts.cnt == 0 {
		return 0
	}
	if ts.avgDelta == 0 {
		var avg int64
		for i := 1; i < ts.cnt; i++ {
			avg += int64(ts.delta[i] - ts.delta[0])
		}
		ts.avgDelta = uint64(avg/int64(ts.cnt)) + ts.delta[0]
	}
	return ts.avgDelta
}
