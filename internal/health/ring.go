// Package health samples agent resource usage and command outcomes into
// bounded windows and evaluates them into a tiered health status.
package health

// Ring is a fixed-size overwrite-on-full sample window. It is not safe for
// concurrent use; callers synchronize access.
type Ring struct {
	buf   []float64
	next  int
	count int
}

// NewRing creates a ring holding up to size samples.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]float64, size)}
}

// Push appends a sample, evicting the oldest once the ring is full.
func (r *Ring) Push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of samples currently held.
func (r *Ring) Len() int {
	return r.count
}

// Cap returns the maximum number of samples the ring holds.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Values returns the held samples ordered oldest to newest.
func (r *Ring) Values() []float64 {
	out := make([]float64, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Last returns the most recent sample, if any.
func (r *Ring) Last() (float64, bool) {
	if r.count == 0 {
		return 0, false
	}
	idx := r.next - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}

// Mean returns the average of the held samples, if any.
func (r *Ring) Mean() (float64, bool) {
	if r.count == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range r.Values() {
		sum += v
	}
	return sum / float64(r.count), true
}
