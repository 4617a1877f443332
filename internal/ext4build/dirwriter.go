package ext4build

import (
	"encoding/binary"
	"fmt"

	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// writeDirectoryData packs ".", "..", and children into one or more
// directory blocks and returns their extent list. relocated is the
// directory's own pre-relocated FAT clusters (nodeMeta.extents): they
// become the directory's initial data blocks in cluster order, since
// they are already reserved and already sit at their final physical
// location; only once they run out does writeDirectoryData allocate
// fresh blocks through the shared allocator. Any relocated cluster left
// unconsumed once every entry is packed is cleared back to free in the
// bitmap, since nothing will reference it.
//
// Packs the whole directory in a single pass rather than incrementally,
// since a directory's final child list is already known once its
// subtree has been converted.
func (b *Builder) writeDirectoryData(selfInode, parentInode uint32, children []dirent, relocated []extent.Extent) ([]extent.Extent, uint64, error) {
	type packed struct {
		inode uint32
		ftype uint8
		name  []byte
	}
	entries := make([]packed, 0, len(children)+2)
	entries = append(entries, packed{inode: selfInode, ftype: ondisk.FTDir, name: []byte(".")})
	entries = append(entries, packed{inode: parentInode, ftype: ondisk.FTDir, name: []byte("..")})
	for _, c := range children {
		entries = append(entries, packed{inode: c.inode, ftype: c.ftype, name: []byte(c.name)})
	}

	relocatedBlocks := flattenExtents(relocated)
	relocatedIdx := 0
	nextBlock := func() (uint32, error) {
		if relocatedIdx < len(relocatedBlocks) {
			blk := relocatedBlocks[relocatedIdx]
			relocatedIdx++
			return blk, nil
		}
		return b.allocMetaBlock()
	}

	blockSize := int(b.layout.BlockSize)
	var blocks []uint32
	block := make([]byte, blockSize)
	offset := 0
	lastRecLenOff := -1

	closeBlock := func() error {
		if lastRecLenOff >= 0 {
			entryStart := lastRecLenOff - 4
			binary.LittleEndian.PutUint16(block[lastRecLenOff:], uint16(blockSize-entryStart))
		}
		blk, err := nextBlock()
		if err != nil {
			return fmt.Errorf("allocate directory block: %w", err)
		}
		b.writeBlock(blk, block)
		blocks = append(blocks, blk)
		block = make([]byte, blockSize)
		offset = 0
		lastRecLenOff = -1
		return nil
	}

	for _, e := range entries {
		nameLen := len(e.name)
		if nameLen > 255 {
			return nil, 0, fmt.Errorf("fatal: directory entry name %q exceeds 255 bytes", e.name)
		}
		recLen := (8 + nameLen + 3) &^ 3
		if offset+recLen > blockSize {
			if err := closeBlock(); err != nil {
				return nil, 0, err
			}
		}
		binary.LittleEndian.PutUint32(block[offset:], e.inode)
		binary.LittleEndian.PutUint16(block[offset+4:], uint16(recLen))
		block[offset+6] = uint8(nameLen)
		block[offset+7] = e.ftype
		copy(block[offset+8:], e.name)
		lastRecLenOff = offset + 4
		offset += recLen
	}
	if err := closeBlock(); err != nil {
		return nil, 0, err
	}

	if relocatedIdx < len(relocatedBlocks) {
		bitmap := b.alloc.Bitmap()
		for _, blk := range relocatedBlocks[relocatedIdx:] {
			bitmap.Clear(uint64(blk))
		}
	}

	exts := make([]extent.Extent, 0, len(blocks))
	var logical uint32
	for _, blk := range blocks {
		if n := len(exts); n > 0 && exts[n-1].PhysicalStart+exts[n-1].Length == blk {
			exts[n-1].Length++
		} else {
			exts = append(exts, extent.Extent{LogicalStart: logical, Length: 1, PhysicalStart: blk})
		}
		logical++
	}
	return exts, uint64(len(blocks)) * uint64(blockSize), nil
}

// flattenExtents expands an extent list into its individual physical
// cluster numbers, in ascending logical order.
func flattenExtents(exts []extent.Extent) []uint32 {
	var out []uint32
	for _, e := range exts {
		for i := uint32(0); i < e.Length; i++ {
			out = append(out, e.PhysicalStart+i)
		}
	}
	return out
}
