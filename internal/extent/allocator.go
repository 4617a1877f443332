package extent

import (
	"fmt"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Allocator implements greedy contiguous extent
// allocator: a monotonic cursor into cluster space plus a free-cluster
// bitmap, skipping ranges the BlockedSet reserves for ext4 metadata.
type Allocator struct {
	bitmap *ondisk.Bitmap
	blocked *BlockedSet
	cursor uint32
	lastCluster uint32
	trace []Extent
}

// NewAllocator builds an allocator over bitmap (already seeded with the
// FAT-used clusters). The highest cluster handed out is the lower of the
// bitmap's last bit and the last cluster below BuildBlockedSet's
// terminal sentinel range.
func NewAllocator(bitmap *ondisk.Bitmap, blocked *BlockedSet) *Allocator {
	last := uint32(sentinelEnd - 1)
	if n := bitmap.Len(); n > 0 && n-1 < uint64(last) {
		last = uint32(n - 1)
	}
	return &Allocator{bitmap: bitmap, blocked: blocked, cursor: 2, lastCluster: last}
}

// Bitmap exposes the allocator's live usage bitmap. The ext4 builder
// reads directly from it when populating each group's on-disk block
// bitmap, since block numbering and cluster numbering coincide.
func (a *Allocator) Bitmap() *ondisk.Bitmap { return a.bitmap }

// AllocateExtent returns a newly allocated, freshly marked-used extent
// of length in [1, maxLength]. Running out of free clusters is fatal.
func (a *Allocator) AllocateExtent(maxLength uint32) (Extent, error) {
	if maxLength == 0 || maxLength > MaxExtentLength {
		maxLength = MaxExtentLength
	}
	start, err := a.nextUsable(a.cursor)
	if err != nil {
		return Extent{}, err
	}

	length := uint32(1)
	a.bitmap.Set(uint64(start))
	for length < maxLength {
		next := start + length
		if next > a.lastCluster || a.bitmap.Test(uint64(next)) {
			break
		}
		if _, blocked := a.blocked.Covers(next); blocked {
			break
		}
		a.bitmap.Set(uint64(next))
		length++
	}

	a.cursor = start + length
	ext := Extent{Length: length, PhysicalStart: start}
	a.trace = append(a.trace, ext)
	return ext, nil
}

// nextUsable advances cursor to the first cluster that is both unblocked
// and free.
func (a *Allocator) nextUsable(cursor uint32) (uint32, error) {
	for {
		if cursor > a.lastCluster {
			return 0, fmt.Errorf("aborted: filesystem too small to convert (no free clusters left)")
		}
		if blocked, ok := a.blocked.Covers(cursor); ok {
			cursor = blocked.End
			continue
		}
		if a.bitmap.Test(uint64(cursor)) {
			cursor++
			continue
		}
		return cursor, nil
	}
}

// FreeClusters counts clusters at or after the cursor that are neither
// used nor blocked, a cheap upper bound on the space still allocatable.
// Bounded by the bitmap's real length, not by the sentinel: everything
// past that is unaddressable, not merely blocked.
func (a *Allocator) FreeClusters() uint32 {
	var n uint32
	limit := a.bitmap.Len()
	for c := uint64(a.cursor); c < limit; c++ {
		if _, blocked := a.blocked.Covers(uint32(c)); blocked {
			continue
		}
		if !a.bitmap.Test(c) {
			n++
		}
	}
	return n
}

// Trace returns the sequence of extents allocated so far, in order. The
// orchestrator diffs the dry-run trace against the commit trace and
// treats any divergence as a determinism violation.
func (a *Allocator) Trace() []Extent {
	cp := make([]Extent, len(a.trace))
	copy(cp, a.trace)
	return cp
}

// TracesEqual compares two allocation traces cluster-for-cluster.
func TracesEqual(a, b []Extent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].PhysicalStart != b[i].PhysicalStart || a[i].Length != b[i].Length {
			return false
		}
	}
	return true
}
