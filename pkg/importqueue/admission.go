// Package importqueue admits import files against a node-wide budget of
// in-flight bytes and runs import passes over a job's files.
package importqueue

import (
	"fmt"
	"sync/atomic"
)

// DefaultMaxInFlightBytes is the default node-wide ceiling.
const DefaultMaxInFlightBytes int64 = 8 << 30

// DefaultCompressedMultiplier approximates the expansion of gzip-compressed
// inputs when they are loaded.
const DefaultCompressedMultiplier int64 = 12

// Admission is the node-wide counter of in-flight effective bytes. It is
// shared by every pass of every job on the node and safe for concurrent use.
type Admission struct {
	ceiling  int64
	inflight atomic.Int64
	admitted atomic.Int64
	released atomic.Int64
}

// NewAdmission creates a counter with the given ceiling.
func NewAdmission(ceiling int64) (*Admission, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("admission ceiling must be positive, got %d", ceiling)
	}
	return &Admission{ceiling: ceiling}, nil
}

// TryAdmit reserves size bytes if they fit under the ceiling. An idle
// counter admits any single file, so a file larger than the ceiling is
// delayed until nothing else is in flight rather than starved forever.
func (a *Admission) TryAdmit(size int64) bool {
	if size < 0 {
		size = 0
	}
	for {
		cur := a.inflight.Load()
		if cur > 0 && cur+size > a.ceiling {
			return false
		}
		if a.inflight.CompareAndSwap(cur, cur+size) {
			a.admitted.Add(size)
			return true
		}
	}
}

// Release returns size bytes reserved by TryAdmit.
func (a *Admission) Release(size int64) {
	if size < 0 {
		size = 0
	}
	a.inflight.Add(-size)
	a.released.Add(size)
}

// InFlight is the current reservation.
func (a *Admission) InFlight() int64 { return a.inflight.Load() }

// Ceiling is the configured limit.
func (a *Admission) Ceiling() int64 { return a.ceiling }

// Totals returns the lifetime admitted and released byte counts. Once every
// pass has drained they are equal and InFlight is zero.
func (a *Admission) Totals() (admitted, released int64) {
	return a.admitted.Load(), a.released.Load()
}

// EffectiveSize is the admission weight of a file.
func EffectiveSize(size int64, compressed bool, multiplier int64) int64 {
	if size < 0 {
		return 0
	}
	if compressed {
		if multiplier <= 0 {
			multiplier = DefaultCompressedMultiplier
		}
		return size * multiplier
	}
	return size
}
