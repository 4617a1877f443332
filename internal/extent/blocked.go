package extent

import "sort"

// Range is a half-open physical cluster range [Start, End).
type Range struct {
	Start uint32
	End uint32
}

func (r Range) Len() uint32 { return r.End - r.Start }

// BlockedSet is the sorted, immutable index of physical ranges reserved
// for future ext4 metadata. Every lookup is a binary search: the
// allocator uses Covers, and the relocation pass uses Covers and
// NextBlockedAtOrAfter.
type BlockedSet struct {
	ranges []Range
}

// NewBlockedSet sorts and returns ranges as a BlockedSet. Adjacent or
// overlapping ranges are merged so Covers/NextBlockedAtOrAfter never
// need to reason about touching neighbors.
func NewBlockedSet(ranges []Range) *BlockedSet {
	cp := make([]Range, len(ranges))
	copy(cp, ranges)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start < cp[j].Start })

	merged := cp[:0]
	for _, r := range cp {
		if len(merged) > 0 && r.Start <= merged[len(merged)-1].End {
			last := &merged[len(merged)-1]
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return &BlockedSet{ranges: merged}
}

// Len returns the number of merged blocked ranges.
func (s *BlockedSet) Len() int { return len(s.ranges) }

// At returns the i-th blocked range in ascending order.
func (s *BlockedSet) At(i int) Range { return s.ranges[i] }

// indexAtOrAfter returns the index of the first range whose End is
// strictly greater than cluster, i.e. the first range that could still
// contain or follow cluster.
func (s *BlockedSet) indexAtOrAfter(cluster uint32) int {
	return sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > cluster
	})
}

// Covers reports whether cluster lies inside some blocked range, and if
// so returns that range.
func (s *BlockedSet) Covers(cluster uint32) (Range, bool) {
	i := s.indexAtOrAfter(cluster)
	if i < len(s.ranges) && s.ranges[i].Start <= cluster {
		return s.ranges[i], true
	}
	return Range{}, false
}

// NextBlockedAtOrAfter returns the first blocked range that contains or
// follows cluster and whether one exists; used by the relocation pass
// to find where a fragment must stop.
func (s *BlockedSet) NextBlockedAtOrAfter(cluster uint32) (Range, bool) {
	i := s.indexAtOrAfter(cluster)
	if i >= len(s.ranges) {
		return Range{}, false
	}
	return s.ranges[i], true
}

// Intersecting returns every blocked range intersecting [start, end),
// implementing "find blocked extents intersecting
// [start,end)" query used by the relocation pass: binary search for the
// first blocked extent whose physical end ≥ start, then iterate forward
// while start < end.
func (s *BlockedSet) Intersecting(start, end uint32) []Range {
	i := s.indexAtOrAfter(start)
	var out []Range
	for ; i < len(s.ranges) && s.ranges[i].Start < end; i++ {
		out = append(out, s.ranges[i])
	}
	return out
}
