package voltage

import (
	"errors"
	"fmt"

	"github.com/banshee-data/dumpring/internal/timeutil"
)

// ErrCapacity is returned by NewDumpRing for a capacity below one slot.
var ErrCapacity = errors.New("voltage: ring capacity must be at least 1")

// DumpRing is the voltage dump ring buffer: capacity slots of SlotSize int8
// each, allocated once and never resized.
//
// Counts are assumed contiguous upstream. Once the ring is full every push
// advances the oldest count by exactly one; the evicted slot's own count is
// not consulted.
type DumpRing struct {
	// The next slot we write into
	writePtr int
	// The sample data itself, capacity*SlotSize elements
	buffer []int8
	// The number of time samples in this ring
	capacity int
	// The sample count of the oldest retained slot, valid if hasOldest
	oldest    uint64
	hasOldest bool
	// Set once the write pointer first wraps to zero
	full bool

	// Per-slot sample count and receive time (unix ns) for the dump coordinates
	counts []uint64
	times  []int64
	clock  timeutil.Clock

	stats     Stats
	lastCount uint64
}

// Stats summarizes what the ring has seen since construction.
type Stats struct {
	Pushes     uint64 // Total payloads pushed
	Overwrites uint64 // Pushes that evicted a retained slot
	Gaps       uint64 // Pushes whose count did not follow the previous push
}

// Option configures a DumpRing.
type Option func(*DumpRing)

// WithClock sets the clock used to stamp slots as they are written.
func WithClock(c timeutil.Clock) Option {
	return func(r *DumpRing) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewDumpRing allocates a zeroed ring of capacity slots.
func NewDumpRing(capacity int, opts ...Option) (*DumpRing, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	r := &DumpRing{
		buffer:   make([]int8, capacity*SlotSize),
		capacity: capacity,
		counts:   make([]uint64, capacity),
		times:    make([]int64, capacity),
		clock:    timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Push copies a payload into the ring, overwriting the oldest slot if full.
func (r *DumpRing) Push(p *Payload) {
	r.PushView(p.Count, p.View())
}

// PushView copies a tensor view, typically one returned by ViewPacket, into
// the slot at the write pointer. A view shorter than SlotSize leaves the rest
// of the slot zeroed.
func (r *DumpRing) PushView(count uint64, t Tensor) {
	slot := r.buffer[r.writePtr*SlotSize : (r.writePtr+1)*SlotSize]
	n := copy(slot, t.data)
	clear(slot[n:])
	r.counts[r.writePtr] = count
	r.times[r.writePtr] = r.clock.Now().UnixNano()

	r.stats.Pushes++
	if r.full {
		r.stats.Overwrites++
	}
	if r.stats.Pushes > 1 && count != r.lastCount+1 {
		r.stats.Gaps++
	}
	r.lastCount = count

	// Move the pointer
	r.writePtr = (r.writePtr + 1) % r.capacity

	switch {
	case !r.hasOldest:
		// First payload into an empty ring
		r.oldest = count
		r.hasOldest = true
	case r.full:
		// Overwrote the oldest slot; counts increase by one per payload
		r.oldest++
	}

	// Wrapping for the first time means every slot is now populated. With a
	// single slot this happens on the very first push.
	if r.writePtr == 0 && !r.full {
		r.full = true
	}
}

// Cap returns the number of slots.
func (r *DumpRing) Cap() int { return r.capacity }

// Len returns the number of retained payloads.
func (r *DumpRing) Len() int {
	if r.full {
		return r.capacity
	}
	return r.writePtr
}

// Full reports whether every slot holds a payload.
func (r *DumpRing) Full() bool { return r.full }

// WritePtr returns the index of the next slot to be written.
func (r *DumpRing) WritePtr() int { return r.writePtr }

// Oldest returns the count of the oldest retained payload. The boolean is
// false when the ring is empty.
func (r *DumpRing) Oldest() (uint64, bool) {
	return r.oldest, r.hasOldest
}

// Newest returns the count recorded for the most recently written slot.
func (r *DumpRing) Newest() (uint64, bool) {
	if !r.hasOldest {
		return 0, false
	}
	return r.counts[(r.writePtr+r.capacity-1)%r.capacity], true
}

// Stats returns push counters.
func (r *DumpRing) Stats() Stats { return r.stats }
