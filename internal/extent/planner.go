package extent

import "github.com/ofs2ext4/fat2ext4/internal/ext4layout"

// sentinelEnd represents "everything beyond the last data cluster": an
// unbounded blocked range so the allocator and the relocation query both
// treat post-volume-end clusters as unusable without special-casing them.
const sentinelEnd = ^uint32(0)

// BuildBlockedSet emits one blocked range per block group covering that
// group's overhead region (superblock/GDT/reserved-GDT/bitmaps/inode
// table), clipped so nothing starts before cluster 2, plus a terminal
// sentinel range covering everything past the volume end. Kept in this
// package rather than ext4layout because the blocked-extent set is this
// package's type.
func BuildBlockedSet(l *ext4layout.Layout) *BlockedSet {
	ranges := make([]Range, 0, l.GroupCount+1)
	for g := uint32(0); g < l.GroupCount; g++ {
		gl := l.GetGroupLayout(g)
		start := gl.GroupStart
		if start < 2 {
			start = 2
		}
		end := gl.FirstDataBlock
		if end > start {
			ranges = append(ranges, Range{Start: start, End: end})
		}
	}
	ranges = append(ranges, Range{Start: l.TotalBlocks, End: sentinelEnd})
	return NewBlockedSet(ranges)
}
