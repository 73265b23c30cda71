package eventbus

import "github.com/renflow/runner/pkg/events"

// ring is a fixed-capacity FIFO of records; pushing onto a full ring evicts
// the oldest entry.
type ring struct {
	buf   []events.Record
	start int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]events.Record, size)}
}

func (r *ring) push(evt events.Record) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = evt
		r.count++
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) events.Record {
	return r.buf[(r.start+i)%len(r.buf)]
}

// last returns up to n newest records, oldest first.
func (r *ring) last(n int) []events.Record {
	if n > r.count {
		n = r.count
	}
	out := make([]events.Record, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// lastMatching returns up to n newest records accepted by keep, oldest first.
func (r *ring) lastMatching(n int, keep func(events.Record) bool) []events.Record {
	var picked []events.Record
	for i := r.count - 1; i >= 0 && len(picked) < n; i-- {
		if evt := r.at(i); keep(evt) {
			picked = append(picked, evt)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

func (r *ring) reset() {
	for i := range r.buf {
		r.buf[i] = events.Record{}
	}
	r.start = 0
	r.count = 0
}
