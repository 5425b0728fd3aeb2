package ratelimit

import "time"

// window keeps the admitted timestamps for one key in arrival order. Evicted
// entries are skipped by advancing head and compacted once half the backing
// slice is dead.
type window struct {
	stamps []time.Time
	head   int
	span   time.Duration
	last   time.Time
}

func newWindow() *window {
	return &window{stamps: make([]time.Time, 0, 16)}
}

// clamp keeps timestamps monotonic when the caller's clock steps backwards.
func (w *window) clamp(now time.Time) time.Time {
	if now.Before(w.last) {
		return w.last
	}
	return now
}

func (w *window) add(ts time.Time) {
	w.stamps = append(w.stamps, ts)
	w.last = ts
}

// evict drops timestamps strictly before cutoff.
func (w *window) evict(cutoff time.Time) {
	for w.head < len(w.stamps) {
		if !w.stamps[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.stamps) {
		w.stamps = append([]time.Time{}, w.stamps[w.head:]...)
		w.head = 0
	}
}

func (w *window) count() int {
	return len(w.stamps) - w.head
}

func (w *window) oldest() (time.Time, bool) {
	if w.head >= len(w.stamps) {
		return time.Time{}, false
	}
	return w.stamps[w.head], true
}

func (w *window) idle(now time.Time) bool {
	if w.count() == 0 {
		return true
	}
	return now.Sub(w.last) > w.span
}
