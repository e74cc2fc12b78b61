// Package blockcounter implements the Block-Counter Telemetry of
// section 4.I: two signed, saturating atomic axes (local queue, remote
// queue) that name the likely bottleneck once either axis reaches
// ±100, then re-arm by resetting with the opposite offset.
//
// Grounded on the teacher's WorkerStatus/updateWorkerStatus pattern in
// coordinator.go (mutex-guarded counters sampled by a ticking
// reporter), adapted to lock-free atomics since the spec calls for
// "lock-free atomics" explicitly (§5) rather than a mutex-guarded
// struct.
package blockcounter

import (
	"sync/atomic"

	"github.com/arangobackup/dumpclient/internal/logx"
)

const threshold = 100

// Axis names one of the two telemetry axes.
type Axis int

const (
	Local Axis = iota
	Remote
)

func (a Axis) String() string {
	if a == Remote {
		return "remote"
	}
	return "local"
}

// Counter holds the two saturating axes for one parallel dump job.
type Counter struct {
	local  int64
	remote int64
	topic  string
}

// New creates a Counter that logs diagnostics under the given topic
// (typically the dbserver name).
func New(topic string) *Counter {
	return &Counter{topic: topic}
}

// WriterBlockedOnEmpty records a writer thread observing an empty
// local queue (§4.I: "writer blocked on empty -> -1").
func (c *Counter) WriterBlockedOnEmpty() {
	c.bump(Local, -1)
}

// NetworkBlockedOnFull records a network thread observing a full local
// queue (§4.I: "network blocked on full -> +1").
func (c *Counter) NetworkBlockedOnFull() {
	c.bump(Local, 1)
}

// ApplyRemote applies a signed delta reported by the server in the
// x-arango-dump-block-counts header to the remote axis.
func (c *Counter) ApplyRemote(delta int64) {
	if delta == 0 {
		return
	}
	c.bumpBy(Remote, delta)
}

func (c *Counter) bump(axis Axis, delta int64) {
	c.bumpBy(axis, delta)
}

func (c *Counter) bumpBy(axis Axis, delta int64) {
	ptr := &c.local
	if axis == Remote {
		ptr = &c.remote
	}
	v := atomic.AddInt64(ptr, delta)
	if v >= threshold {
		c.diagnose(axis, v)
		atomic.AddInt64(ptr, -threshold)
	} else if v <= -threshold {
		c.diagnose(axis, v)
		atomic.AddInt64(ptr, threshold)
	}
}

func (c *Counter) diagnose(axis Axis, v int64) {
	log := logx.Topic("blockcounter")
	bottleneck := "too few writer threads"
	if v > 0 {
		if axis == Local {
			bottleneck = "too few network threads or too little dbserver parallelism"
		} else {
			bottleneck = "too little dbserver parallelism"
		}
	} else {
		if axis == Local {
			bottleneck = "too few writer threads"
		} else {
			bottleneck = "too few dbserver workers"
		}
	}
	log.Warn().
		Str("axis", axis.String()).
		Int64("value", v).
		Msg("block counter saturated: " + bottleneck)
}

// Local returns the current local-axis value, for tests.
func (c *Counter) Local() int64 { return atomic.LoadInt64(&c.local) }

// Remote returns the current remote-axis value, for tests.
func (c *Counter) Remote() int64 { return atomic.LoadInt64(&c.remote) }
