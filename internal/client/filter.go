package client

import (
	"time"

	"github.com/electr1fy0/tandem/internal/protocol"
)

// DefaultTolerance is how far behind the newest seen timestamp an envelope
// may be before it is treated as stale.
const DefaultTolerance = 5 * time.Second

// Filter drops envelopes that arrive out of order. Broadcasts carrying a
// sequence number are ordered by it; anything else falls back to comparing
// timestamps within a tolerance. Presence envelopes are never dropped.
//
// A Filter is not safe for concurrent use.
type Filter struct {
	tolerance int64
	maxTS     int64
	lastSeq   uint64
}

func NewFilter(tolerance time.Duration) *Filter {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Filter{tolerance: tolerance.Milliseconds()}
}

// Reset forgets everything seen. Call it when a new connection starts.
func (f *Filter) Reset() {
	f.maxTS, f.lastSeq = 0, 0
}

// Accept reports whether e should be processed and records it if so.
func (f *Filter) Accept(e protocol.Envelope) bool {
	ts := e.EffectiveTimestamp()

	if e.Type == protocol.TypeInitState {
		// The snapshot is authoritative: everything before it is history.
		f.lastSeq = e.Seq
		f.maxTS = ts
		return true
	}

	if protocol.Presence(e.Type) {
		f.observe(e.Seq, ts)
		return true
	}

	if e.Seq != 0 {
		if e.Seq <= f.lastSeq {
			return false
		}
		f.observe(e.Seq, ts)
		return true
	}

	if ts != 0 && f.maxTS != 0 && ts < f.maxTS-f.tolerance {
		return false
	}
	f.observe(0, ts)
	return true
}

func (f *Filter) observe(seq uint64, ts int64) {
	if seq > f.lastSeq {
		f.lastSeq = seq
	}
	if ts > f.maxTS {
		f.maxTS = ts
	}
}
