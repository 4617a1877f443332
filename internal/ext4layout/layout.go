// Package ext4layout computes the target ext4 geometry — block size,
// block-group count, per-group overhead, and superblock backup
// placement — from a validated FAT32 volume geometry. It never touches
// the image; it only does arithmetic, generalized to variable block
// sizes and an {0, 1, last_group} SPARSE_SUPER2 backup policy.
package ext4layout

import "fmt"

const (
	maxBlocksPerGroup = 65528
	maxOverheadBlocks = 65535 // per-group metadata overhead cannot exceed this
	inodeSize         = 256
	groupDescSize     = 64 // 64BIT feature is set, so descriptors are the wide form
	minFinalGroupData = 50
)

// Layout is the immutable, fully-computed target geometry.
type Layout struct {
	BlockSize uint32
	TotalBlocks uint32
	GroupCount uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeTableBlks uint32
	ReservedGDT uint32 // reserved GDT blocks per backup-carrying group
	GDTBlocks uint32 // GDT blocks needed to hold GroupCount descriptors
	BackupGroups []uint32
	CreatedAt int64

	// ShortenedClusters is the number of trailing FAT clusters dropped
	// because the final group would otherwise hold fewer than 50 data
	// blocks.
	ShortenedClusters uint32
}

// GroupLayout is the per-group placement of a Layout's metadata regions.
type GroupLayout struct {
	GroupStart uint32
	HasSuperblock bool
	SuperblockBlock uint32
	GDTStart uint32
	GDTBlocks uint32
	ReservedGDT uint32
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableStart uint32
	FirstDataBlock uint32
	BlocksInGroup uint32
	OverheadBlocks uint32
}

// Plan computes a Layout for a volume of clusterSize-byte blocks and
// clusterCount data clusters. createdAt seeds the
// superblock's s_mkfs_time/s_wtime fields; it is passed in rather than
// read from the clock because the converter must be able to reproduce
// an identical dry-run/commit allocation trace.
func Plan(clusterSize uint32, clusterCount uint32, createdAt int64) (*Layout, error) {
	blocksPerGroup := clusterSize * 8
	if blocksPerGroup > maxBlocksPerGroup {
		blocksPerGroup = maxBlocksPerGroup
	}

	inodesPerGroup := blocksPerGroup * clusterSize / 16384
	if cap := clusterSize * 8; inodesPerGroup > cap {
		inodesPerGroup = cap
	}
	if inodesPerGroup == 0 {
		inodesPerGroup = 1
	}

	totalBlocks := clusterCount
	groupCount := (totalBlocks + blocksPerGroup - 1) / blocksPerGroup
	if groupCount == 0 {
		groupCount = 1
	}

	gdtBlocks := (groupCount*groupDescSize + clusterSize - 1) / clusterSize

	// Reserve enough GDT headroom to grow the filesystem up to 1024x its
	// initial size, capped at one full block group's worth, matching
	// the conservative bound standard ext4 mkfs tooling applies.
	resizeLimit := uint64(totalBlocks) * 1024
	maxGroups := uint32((resizeLimit + uint64(blocksPerGroup) - 1) / uint64(blocksPerGroup))
	reservedGDTEntries := uint32(0)
	if maxGroups > groupCount {
		reservedGDTEntries = maxGroups - groupCount
	}
	reservedGDT := (reservedGDTEntries*groupDescSize + clusterSize - 1) / clusterSize
	if reservedGDT > blocksPerGroup {
		reservedGDT = blocksPerGroup
	}

	inodeTableBlocks := (inodesPerGroup*inodeSize + clusterSize - 1) / clusterSize

	l := &Layout{
		BlockSize: clusterSize,
		TotalBlocks: totalBlocks,
		GroupCount: groupCount,
		BlocksPerGroup: blocksPerGroup,
		InodesPerGroup: inodesPerGroup,
		InodeTableBlks: inodeTableBlocks,
		ReservedGDT: reservedGDT,
		GDTBlocks: gdtBlocks,
		BackupGroups: backupGroups(groupCount),
		CreatedAt: createdAt,
	}

	if err := l.checkOverhead(); err != nil {
		return nil, err
	}

	if shortened, ok := l.shortenIfFinalGroupTooSmall(); ok {
		l.ShortenedClusters = totalBlocks - shortened
		l.TotalBlocks = shortened
		l.GroupCount = (shortened + blocksPerGroup - 1) / blocksPerGroup
		l.BackupGroups = backupGroups(l.GroupCount)
		if err := l.checkOverhead(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// backupGroups implements the SPARSE_SUPER2 backup policy: groups {0, 1,
// last_group} carry a superblock backup once there are 3 or more
// groups; fewer groups simply back up everything they have.
func backupGroups(groupCount uint32) []uint32 {
	switch {
	case groupCount == 0:
		return nil
	case groupCount == 1:
		return []uint32{0}
	case groupCount == 2:
		return []uint32{0, 1}
	default:
		return []uint32{0, 1, groupCount - 1}
	}
}

func (l *Layout) isBackupGroup(group uint32) bool {
	if group == 0 {
		return true
	}
	for _, g := range l.BackupGroups {
		if g == group {
			return true
		}
	}
	return false
}

func (l *Layout) checkOverhead() error {
	for g := uint32(0); g < l.GroupCount; g++ {
		gl := l.GetGroupLayout(g)
		if gl.OverheadBlocks > maxOverheadBlocks {
			return fmt.Errorf("refused: group %d overhead %d blocks exceeds the %d-block limit", g, gl.OverheadBlocks, maxOverheadBlocks)
		}
	}
	return nil
}

// shortenIfFinalGroupTooSmall drops the final block group (and any
// smaller remainder) entirely when it would hold fewer than 50 data
// blocks beyond its own overhead, reporting the new, shorter total
// block count.
func (l *Layout) shortenIfFinalGroupTooSmall() (uint32, bool) {
	last := l.GroupCount - 1
	gl := l.GetGroupLayout(last)
	dataBlocks := int64(gl.BlocksInGroup) - int64(gl.OverheadBlocks)
	if dataBlocks >= minFinalGroupData || l.GroupCount == 1 {
		return l.TotalBlocks, false
	}
	return last * l.BlocksPerGroup, true
}

// GetGroupLayout computes the block positions of every metadata region
// within group.
func (l *Layout) GetGroupLayout(group uint32) GroupLayout {
	gl := GroupLayout{GroupStart: group * l.BlocksPerGroup}

	if group == l.GroupCount-1 {
		gl.BlocksInGroup = l.TotalBlocks - gl.GroupStart
	} else {
		gl.BlocksInGroup = l.BlocksPerGroup
	}

	gl.HasSuperblock = l.isBackupGroup(group)
	next := gl.GroupStart

	if gl.HasSuperblock {
		gl.SuperblockBlock = next
		next++
		gl.GDTStart = next
		gl.GDTBlocks = l.GDTBlocks
		next += gl.GDTBlocks
		gl.ReservedGDT = l.ReservedGDT
		next += gl.ReservedGDT
	}

	gl.BlockBitmapBlock = next
	next++
	gl.InodeBitmapBlock = next
	next++
	gl.InodeTableStart = next
	next += l.InodeTableBlks

	gl.FirstDataBlock = next
	gl.OverheadBlocks = next - gl.GroupStart
	return gl
}

// BlockOffset returns the absolute byte offset of a block number.
func (l *Layout) BlockOffset(block uint32) uint64 {
	return uint64(block) * uint64(l.BlockSize)
}

// InodeOffset returns the absolute byte offset of an inode's on-disk
// record. Inode numbers are 1-based.
func (l *Layout) InodeOffset(inodeNum uint32) uint64 {
	group := (inodeNum - 1) / l.InodesPerGroup
	idx := (inodeNum - 1) % l.InodesPerGroup
	gl := l.GetGroupLayout(group)
	return l.BlockOffset(gl.InodeTableStart) + uint64(idx)*inodeSize
}

// TotalInodes returns GroupCount * InodesPerGroup.
func (l *Layout) TotalInodes() uint32 {
	return l.GroupCount * l.InodesPerGroup
}

// GroupOf returns which block group a block belongs to.
func (l *Layout) GroupOf(block uint32) uint32 {
	return block / l.BlocksPerGroup
}

// String renders a one-line summary of the computed layout, logged
// before the commit phase begins.
func (l *Layout) String() string {
	return fmt.Sprintf("ext4layout: block_size=%d total_blocks=%d groups=%d blocks/group=%d inodes/group=%d backup_groups=%v shortened_clusters=%d",
		l.BlockSize, l.TotalBlocks, l.GroupCount, l.BlocksPerGroup, l.InodesPerGroup, l.BackupGroups, l.ShortenedClusters)
}
