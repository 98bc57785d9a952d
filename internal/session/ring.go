package session

import "time"

// opRing is a fixed-capacity ring of operation timestamps backing the
// sliding-window rate limiter. At capacity the oldest entry is overwritten,
// so the buffer can never grow.
type opRing struct {
	buf  []time.Time
	head int
	size int
}

func newOpRing(capacity int) *opRing {
	return &opRing{buf: make([]time.Time, capacity)}
}

// Add records a timestamp, overwriting the oldest at capacity
func (r *opRing) Add(ts time.Time) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = ts
		r.size++
		return
	}
	r.buf[r.head] = ts
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored timestamps
func (r *opRing) Len() int {
	return r.size
}

// CountSince returns how many stored timestamps fall after the cutoff
func (r *opRing) CountSince(cutoff time.Time) int {
	count := 0
	for i := 0; i < r.size; i++ {
		if r.buf[(r.head+i)%len(r.buf)].After(cutoff) {
			count++
		}
	}
	return count
}
