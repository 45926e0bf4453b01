package feature

import "math"

// ring is a bounded sample buffer with on-demand mean/std. Capacity is the
// z-score normalization window; warmup is judged off Count.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 2 {
		capacity = 2
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(x float64) {
	r.buf[r.next] = x
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) count() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) meanStd() (mean, std float64) {
	n := r.count()
	if n == 0 {
		return 0, 0
	}
	for i := 0; i < n; i++ {
		mean += r.buf[i]
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for i := 0; i < n; i++ {
		d := r.buf[i] - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

// zscore normalizes x against the ring contents; zero std yields zero.
func (r *ring) zscore(x float64) float64 {
	mean, std := r.meanStd()
	if std == 0 {
		return 0
	}
	return (x - mean) / std
}

// std of the ring contents alone.
func (r *ring) std() float64 {
	_, std := r.meanStd()
	return std
}

// timeSample pairs a value with its event time for sliding-window sums.
type timeSample struct {
	tsMs int64
	v    float64
}

// window is a time-bounded sliding sum.
type window struct {
	spanMs  int64
	samples []timeSample
	sum     float64
}

func newWindow(spanMs int64) *window {
	return &window{spanMs: spanMs}
}

func (w *window) add(tsMs int64, v float64) {
	w.samples = append(w.samples, timeSample{tsMs: tsMs, v: v})
	w.sum += v
	w.evict(tsMs)
}

// replaceLast swaps the most recent sample's value, used for burst
// coalescing where sub-window updates collapse to the latest one.
func (w *window) replaceLast(tsMs int64, v float64) {
	if len(w.samples) == 0 {
		w.add(tsMs, v)
		return
	}
	last := &w.samples[len(w.samples)-1]
	w.sum += v - last.v
	last.v = v
	last.tsMs = tsMs
}

func (w *window) evict(nowMs int64) {
	cut := 0
	for cut < len(w.samples) && w.samples[cut].tsMs <= nowMs-w.spanMs {
		w.sum -= w.samples[cut].v
		cut++
	}
	if cut > 0 {
		w.samples = w.samples[cut:]
	}
}

func (w *window) lastTs() int64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1].tsMs
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
