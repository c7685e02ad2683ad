package proc

// DefaultRingCapacity bounds a record's log ring when no explicit capacity
// is configured.
const DefaultRingCapacity = 1000

// Ring is a fixed-capacity FIFO of log entries. Append is O(1); once full,
// each append evicts the oldest entry. Ring is not safe for concurrent use;
// the registry's lock guards it.
type Ring struct {
	buf  []LogEntry
	cap  int
	next int // write position once the buffer has wrapped
	full bool
}

// NewRing creates a ring holding at most capacity entries. Non-positive
// capacities fall back to DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{cap: capacity}
}

// Cap returns the ring's capacity.
func (r *Ring) Cap() int { return r.cap }

// Len returns the number of entries currently held.
func (r *Ring) Len() int {
	if r.full {
		return r.cap
	}
	return len(r.buf)
}

// Append adds an entry, evicting the oldest if the ring is full.
func (r *Ring) Append(e LogEntry) {
	if !r.full {
		r.buf = append(r.buf, e)
		if len(r.buf) == r.cap {
			r.full = true
		}
		return
	}
	r.buf[r.next] = e
	r.next++
	if r.next == r.cap {
		r.next = 0
	}
}

// Snapshot returns a copy of the entries in insertion order. A non-empty
// kind keeps only entries of that kind; tail > 0 keeps only the last tail
// entries after filtering.
func (r *Ring) Snapshot(kind LogKind, tail int) []LogEntry {
	out := make([]LogEntry, 0, r.Len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
		out = append(out, r.buf[:r.next]...)
	} else {
		out = append(out, r.buf...)
	}

	if kind != "" {
		kept := out[:0]
		for _, e := range out {
			if e.Kind == kind {
				kept = append(kept, e)
			}
		}
		out = kept
	}
	if tail > 0 && tail < len(out) {
		out = out[len(out)-tail:]
	}
	return out
}
