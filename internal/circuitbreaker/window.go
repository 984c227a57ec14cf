package circuitbreaker

// slidingWindow is the trip policy behind Config.PolicyFailureRate. It keeps
// the most recent size outcomes in a ring buffer and trips once the buffer is
// full and the failure ratio reaches rate. A partially filled window never
// trips, which doubles as the volume gate for this policy.
type slidingWindow struct {
	window   []bool // true = failure
	head     int    // next write position
	count    int    // outcomes recorded, up to len(window)
	failures int    // failures currently in the window

	rate float64
}

func newSlidingWindow(size int, rate float64) *slidingWindow {
	return &slidingWindow{
		window: make([]bool, size),
		rate:   rate,
	}
}

// record writes one outcome, evicting the oldest when the window is full.
// Callers hold the owning breaker's mutex.
func (w *slidingWindow) record(failed bool) {
	if w.count == len(w.window) {
		if w.window[w.head] {
			w.failures--
		}
	} else {
		w.count++
	}

	w.window[w.head] = failed
	if failed {
		w.failures++
	}
	w.head = (w.head + 1) % len(w.window)
}

// shouldTrip reports whether the windowed failure ratio has reached the
// configured rate. Callers hold the owning breaker's mutex.
func (w *slidingWindow) shouldTrip() bool {
	if w.count < len(w.window) {
		return false
	}
	return float64(w.failures)/float64(w.count) >= w.rate
}

// reset discards all recorded outcomes.
func (w *slidingWindow) reset() {
	w.head = 0
	w.count = 0
	w.failures = 0
}
