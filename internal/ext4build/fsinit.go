package ext4build

import (
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// zeroInodeTables clears every group's inode table before any inode is
// written, so inode slots this build never assigns read back as all
// zero (ext4's definition of an unused inode) rather than leftover
// image bytes.
func (b *Builder) zeroInodeTables() error {
	tableBytes := uint64(b.layout.InodeTableBlks) * uint64(b.layout.BlockSize)
	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.GetGroupLayout(g)
		off := b.layout.BlockOffset(gl.InodeTableStart)
		zero := b.image[off : off+tableBytes]
		for i := range zero {
			zero[i] = 0
		}
	}
	return nil
}

// finalizeGroupCounters writes every group's block bitmap, inode
// bitmap, and group descriptor once the whole tree has been built and
// every allocation the commit is going to make has already happened.
// Block usage comes straight from the shared *extent.Allocator's
// bitmap; backup group descriptor tables follow ext4layout.Layout's
// {0, 1, last} SPARSE_SUPER2-style policy.
func (b *Builder) finalizeGroupCounters() error {
	global := b.alloc.Bitmap()
	usedInodes := b.nextInode - 1

	gdt := make([]ondisk.GroupDesc32, b.layout.GroupCount)
	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.GetGroupLayout(g)

		blockBitmap := ondisk.WrapBitmap(b.blockAt(gl.BlockBitmapBlock))
		var freeBlocks uint32
		for i := uint32(0); i < b.layout.BlocksPerGroup; i++ {
			blk := gl.GroupStart + i
			// Metadata overhead (superblock/GDT/bitmaps/inode table)
			// never passes through the allocator, so it never sets a
			// bit in the shared bitmap; it is marked used here instead.
			used := i >= gl.BlocksInGroup || blk < gl.FirstDataBlock || global.Test(uint64(blk))
			if used {
				blockBitmap.Set(uint64(i))
			} else {
				freeBlocks++
			}
		}

		inodeBitmap := ondisk.WrapBitmap(b.blockAt(gl.InodeBitmapBlock))
		var freeInodes uint32
		for i := uint32(0); i < b.layout.InodesPerGroup; i++ {
			inodeNum := g*b.layout.InodesPerGroup + i + 1
			if inodeNum <= usedInodes {
				inodeBitmap.Set(uint64(i))
			} else {
				freeInodes++
			}
		}
		// Pad bits beyond InodesPerGroup within the bitmap block.
		for i := b.layout.InodesPerGroup; i < b.layout.BlockSize*8; i++ {
			inodeBitmap.Set(uint64(i))
		}

		gd := ondisk.GroupDesc32{}
		gd.SetBlockBitmap(uint64(gl.BlockBitmapBlock))
		gd.SetInodeBitmap(uint64(gl.InodeBitmapBlock))
		gd.SetInodeTable(uint64(gl.InodeTableStart))
		gd.SetFreeBlocksCount(freeBlocks)
		gd.SetFreeInodesCount(freeInodes)
		var usedDirs uint32
		if g == 0 {
			usedDirs = 2 // root + lost+found always live in group 0's inode range at build time
		}
		gd.SetUsedDirsCount(usedDirs)
		gdt[g] = gd
	}

	for _, g := range b.layout.BackupGroups {
		gl := b.layout.GetGroupLayout(g)
		off := b.layout.BlockOffset(gl.GDTStart)
		for i, gd := range gdt {
			raw, err := gd.MarshalBinary()
			if err != nil {
				return err
			}
			copy(b.image[off+uint64(i)*ondisk.GroupDescSize*2:], raw)
		}
	}

	b.gdt = gdt
	return nil
}

func (b *Builder) blockAt(blockNum uint32) []byte {
	off := b.layout.BlockOffset(blockNum)
	return b.image[off : off+uint64(b.layout.BlockSize)]
}

// writeSuperblockAndBackups writes the primary superblock at byte 1024
// and a backup copy at the start of every group ext4layout marked as a
// SPARSE_SUPER2 backup carrier.
func (b *Builder) writeSuperblockAndBackups() error {
	var freeBlocks, freeInodes uint32
	for _, gd := range b.gdt {
		freeBlocks += gd.FreeBlocksCount()
		freeInodes += gd.FreeInodesCount()
	}

	sb := ondisk.Superblock{
		Magic:             ondisk.Ext4Magic,
		InodesCount:       b.layout.TotalInodes(),
		BlocksCountLo:     b.layout.TotalBlocks,
		RBlocksCountLo:    b.layout.TotalBlocks / 20,
		FreeBlocksCountLo: freeBlocks,
		FreeInodesCount:   freeInodes,
		FirstDataBlock:    0,
		LogBlockSize:      log2(b.layout.BlockSize / 1024),
		LogClusterSize:    log2(b.layout.BlockSize / 1024),
		BlocksPerGroup:    b.layout.BlocksPerGroup,
		ClustersPerGroup:  b.layout.BlocksPerGroup,
		InodesPerGroup:    b.layout.InodesPerGroup,
		WTime:             uint32(b.layout.CreatedAt),
		MTime:             uint32(b.layout.CreatedAt),
		MkfsTime:          uint32(b.layout.CreatedAt),
		LastCheck:         uint32(b.layout.CreatedAt),
		MaxMntCount:       0xFFFF,
		State:             1,
		Errors:            1,
		RevLevel:          1,
		FirstInode:        ondisk.FirstNonResInode,
		InodeSize:         ondisk.InodeSize,
		FeatureCompat:     ondisk.CompatExtAttr | ondisk.CompatDirIndex,
		FeatureIncompat:   ondisk.IncompatFileType | ondisk.IncompatExtents | ondisk.Incompat64Bit,
		FeatureROCompat:   ondisk.ROCompatSparseSuper | ondisk.ROCompatLargeFile | ondisk.ROCompatExtraIsize | ondisk.ROCompatSparseSuper2,
		DescSize:          ondisk.GroupDescSize * 2,
		MinExtraIsize:     32,
		WantExtraIsize:    32,
		DefHashVersion:    1,
		ReservedGDTBlocks: uint16(b.layout.ReservedGDT),
		UUID:              newUUID(),
	}
	copy(sb.VolumeName[:], "fat2ext4")
	for i := range sb.HashSeed {
		sb.HashSeed[i] = uint32(b.layout.CreatedAt) + uint32(i)*0x9E3779B9
	}

	raw, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	copy(b.image[ondisk.SuperblockOffset:], raw)

	for _, g := range b.layout.BackupGroups {
		if g == 0 {
			continue
		}
		gl := b.layout.GetGroupLayout(g)
		sb.BlockGroupNr = uint16(g)
		raw, err := sb.MarshalBinary()
		if err != nil {
			return err
		}
		off := b.layout.BlockOffset(gl.SuperblockBlock)
		copy(b.image[off:], raw)
	}

	return nil
}

func log2(n uint32) uint32 {
	var l uint32
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
