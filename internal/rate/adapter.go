// Package rate converts a feed's native frame cadence to its output cadence by
// selectively admitting frames.
package rate

import (
	"math"
	"time"
)

const (
	// milliFPS scales frame rates so 23.976 and friends stay exact integers.
	milliFPS = 1000

	// threshold is one output period expressed in nanosecond-milli-fps units:
	// elapsed_ns * out_millifps >= 1e9 * 1000 means at least 1/out_fps has passed.
	threshold = int64(time.Second) * milliFPS

	// tolerance absorbs the nanosecond truncation of capture timestamps, so
	// 1/60 s steps of 16666666ns still add up to whole output periods.
	tolerance = int64(time.Microsecond)

	// maxGap caps a single timestamp jump so the phase arithmetic cannot overflow.
	maxGap = time.Minute
)

// Adapter decides which frames survive downsampling. It uses the frames' own
// decode timestamps as its time base, so the same timestamp sequence always
// produces the same decisions regardless of scheduling jitter.
//
// An Adapter is not safe for concurrent use; each feed owns one.
type Adapter struct {
	outMilli    int64
	passthrough bool

	started bool
	last    time.Duration
	phase   int64
}

// New returns an adapter converting inFPS to outFPS. When outFPS is not lower
// than inFPS, or either rate is unknown, every frame passes.
func New(inFPS, outFPS float64) *Adapter {
	a := &Adapter{
		outMilli: int64(math.Round(outFPS * milliFPS)),
	}
	if outFPS <= 0 || inFPS <= 0 || outFPS >= inFPS || a.outMilli <= 0 {
		a.passthrough = true
	}
	return a
}

// Passthrough reports whether the adapter admits every frame.
func (a *Adapter) Passthrough() bool {
	return a.passthrough
}

// Accept reports whether the frame captured at ts should be emitted.
func (a *Adapter) Accept(ts time.Duration) bool {
	if a.passthrough {
		return true
	}

	if !a.started || ts < a.last {
		// first frame, or the source restarted its clock
		a.started = true
		a.last = ts
		a.phase = 0
		return true
	}

	delta := ts - a.last
	a.last = ts
	if delta > maxGap {
		delta = maxGap
	}

	a.phase += int64(delta) * a.outMilli
	if a.phase+tolerance*a.outMilli < threshold {
		return false
	}

	a.phase -= threshold
	if a.phase >= threshold {
		// a long gap; do not emit a burst to catch up
		a.phase %= threshold
	}
	return true
}

// Reset forgets the phase so the next frame is accepted.
func (a *Adapter) Reset() {
	a.started = false
	a.phase = 0
	a.last = 0
}
