package transcript

import "time"

// LatencyStats summarizes how long the agent takes to start responding after
// the user stops speaking. Purely observational; never drives control flow.
type LatencyStats struct {
	Count   int
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
}

type latencyTracker struct {
	count int
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (l *latencyTracker) record(d time.Duration) {
	if d < 0 {
		return
	}
	l.count++
	l.total += d
	if l.count == 1 || d < l.min {
		l.min = d
	}
	if d > l.max {
		l.max = d
	}
}

func (l *latencyTracker) snapshot() LatencyStats {
	s := LatencyStats{
		Count: l.count,
		Min:   l.min,
		Max:   l.max,
	}
	if l.count > 0 {
		s.Average = l.total / time.Duration(l.count)
	}
	return s
}
