package voltage

// Region is a contiguous run of ring slots. It aliases the ring's storage and
// is invalidated by the next Push.
type Region struct {
	// Start is the index of the first slot in the ring's backing array.
	Start   int
	samples []int8
	counts  []uint64
	times   []int64
}

// Len returns the number of slots in the region.
func (g Region) Len() int { return len(g.counts) }

// Slot returns the tensor view of the i-th slot of the region.
func (g Region) Slot(i int) Tensor {
	return Tensor{data: g.samples[i*SlotSize : (i+1)*SlotSize : (i+1)*SlotSize]}
}

// Samples returns the region's sample block, Len()*SlotSize elements laid out
// as (time, pol, channel, reim). Callers must not modify it.
func (g Region) Samples() []int8 { return g.samples }

// Counts returns the per-slot sample counts. Callers must not modify it.
func (g Region) Counts() []uint64 { return g.counts }

// Times returns the per-slot receive times in unix nanoseconds. Callers must
// not modify it.
func (g Region) Times() []int64 { return g.times }

func (r *DumpRing) region(lo, hi int) Region {
	return Region{
		Start:   lo,
		samples: r.buffer[lo*SlotSize : hi*SlotSize : hi*SlotSize],
		counts:  r.counts[lo:hi:hi],
		times:   r.times[lo:hi:hi],
	}
}

// ConsecutiveViews returns the two regions that, concatenated, hold the
// retained payloads oldest first. The first region holds every payload while
// the ring is filling; the second is then empty.
func (r *DumpRing) ConsecutiveViews() (Region, Region) {
	// Empty, or not yet filled to capacity: we always start at index 0, so
	// there is only one chunk.
	if !r.full {
		return r.region(0, r.writePtr), r.region(0, 0)
	}
	// Full: the slots from the write pointer to the end are the oldest data,
	// the slots before it the newest. With the pointer at zero the whole
	// buffer is already in order and the second region is empty.
	return r.region(r.writePtr, r.capacity), r.region(0, r.writePtr)
}
