package fusion

import "time"

// TimedStream tracks the arrival clock of a single sensor channel and
// hands out inter-arrival deltas. Each channel owns exactly one stream;
// streams never interact.
type TimedStream struct {
	last time.Time
	seen bool
}

// Observe records stamp as the channel's new baseline and returns the
// elapsed seconds since the previous baseline. The first observation of
// a stream's lifetime returns ok=false: there is nothing to measure
// against, and the caller must skip fusion for that event. The baseline
// is updated unconditionally, so an out-of-order stamp yields a zero or
// negative delta on the next call rather than being rejected here.
func (s *TimedStream) Observe(stamp time.Time) (delta float64, ok bool) {
	if s.seen {
		delta = stamp.Sub(s.last).Seconds()
		ok = true
	}
	s.last = stamp
	s.seen = true
	return delta, ok
}
