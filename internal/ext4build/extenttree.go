package ext4build

import (
	"encoding/binary"

	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Extent-tree constants, mirroring struct ext4_extent_header /
// ext4_extent / ext4_extent_idx. Builds to arbitrary depth rather than
// capping at one overflow leaf, since a relocated FAT file can end up
// with far more fragments than a freshly written one ever would.
const (
	extentTreeHeaderSize = 12
	extentTreeEntrySize  = 12
	inlineExtentSlots    = 4
)

// treePtr is one level's worth of "this subtree covers logical offset
// first, and lives at block" — the same shape whether it names a leaf
// or an index block, since ext4_extent_idx and ext4_extent_header's
// first entry occupy the same 12 bytes either way.
type treePtr struct {
	first uint32
	block uint32
}

// leafCapacity returns how many 12-byte entries fit in one block's
// extent-tree node after its 12-byte header.
func leafCapacity(blockSize uint32) uint16 {
	return uint16((blockSize - extentTreeHeaderSize) / extentTreeEntrySize)
}

func writeExtentTreeHeader(block []byte, entries, max, depth uint16) {
	binary.LittleEndian.PutUint16(block[0:2], ondisk.ExtentMagic)
	binary.LittleEndian.PutUint16(block[2:4], entries)
	binary.LittleEndian.PutUint16(block[4:6], max)
	binary.LittleEndian.PutUint16(block[6:8], depth)
	binary.LittleEndian.PutUint32(block[8:12], 0) // generation
}

func writeLeafEntry(block []byte, slot int, e extentRecord) {
	off := extentTreeHeaderSize + slot*extentTreeEntrySize
	binary.LittleEndian.PutUint32(block[off:], e.logical)
	binary.LittleEndian.PutUint16(block[off+4:], e.length)
	binary.LittleEndian.PutUint16(block[off+6:], 0)
	binary.LittleEndian.PutUint32(block[off+8:], e.physical)
}

func writeIndexEntry(block []byte, slot int, p treePtr) {
	off := extentTreeHeaderSize + slot*extentTreeEntrySize
	binary.LittleEndian.PutUint32(block[off:], p.first)
	binary.LittleEndian.PutUint32(block[off+4:], p.block)
	binary.LittleEndian.PutUint16(block[off+8:], 0) // leaf block hi
	binary.LittleEndian.PutUint16(block[off+10:], 0)
}

type extentRecord struct {
	logical  uint32
	length   uint16
	physical uint32
}

// chunk splits items into groups of at most size, preserving order.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// buildExtentTree fills inode's inline 60-byte extent area (and, if the
// extent list overflows it, as many generations of freshly allocated
// leaf and index blocks as needed) from extents, which must already be
// sorted by LogicalStart and fit within ext4's 32768-block extent-length
// limit each. It returns the number of metadata blocks it allocated,
// which the caller folds into the inode's block count — these blocks
// are not part of the extent list itself, only its indexing structure.
func (b *Builder) buildExtentTree(inode *ondisk.Inode, extents []extent.Extent) (uint32, error) {
	writeExtentTreeHeader(inode.Block[:], 0, inlineExtentSlots, 0)
	if len(extents) == 0 {
		return 0, nil
	}

	records := make([]extentRecord, len(extents))
	for i, e := range extents {
		records[i] = extentRecord{logical: e.LogicalStart, length: uint16(e.Length), physical: e.PhysicalStart}
	}

	if len(records) <= inlineExtentSlots {
		for i, r := range records {
			writeLeafEntry(inode.Block[:], i, r)
		}
		binary.LittleEndian.PutUint16(inode.Block[2:4], uint16(len(records)))
		return 0, nil
	}

	blockSize := b.layout.BlockSize
	capacity := leafCapacity(blockSize)
	var metaBlocks uint32

	leaves := chunk(records, int(capacity))
	ptrs := make([]treePtr, 0, len(leaves))
	for _, leafRecs := range leaves {
		blk, err := b.allocMetaBlock()
		if err != nil {
			return 0, err
		}
		metaBlocks++
		buf := make([]byte, blockSize)
		writeExtentTreeHeader(buf, uint16(len(leafRecs)), capacity, 0)
		for i, r := range leafRecs {
			writeLeafEntry(buf, i, r)
		}
		b.writeBlock(blk, buf)
		ptrs = append(ptrs, treePtr{first: leafRecs[0].logical, block: blk})
	}

	depth := uint16(1)
	for len(ptrs) > inlineExtentSlots {
		groups := chunk(ptrs, int(capacity))
		next := make([]treePtr, 0, len(groups))
		for _, grp := range groups {
			blk, err := b.allocMetaBlock()
			if err != nil {
				return 0, err
			}
			metaBlocks++
			buf := make([]byte, blockSize)
			writeExtentTreeHeader(buf, uint16(len(grp)), capacity, depth)
			for i, p := range grp {
				writeIndexEntry(buf, i, p)
			}
			b.writeBlock(blk, buf)
			next = append(next, treePtr{first: grp[0].first, block: blk})
		}
		ptrs = next
		depth++
	}

	writeExtentTreeHeader(inode.Block[:], uint16(len(ptrs)), inlineExtentSlots, depth)
	for i, p := range ptrs {
		writeIndexEntry(inode.Block[:], i, p)
	}
	return metaBlocks, nil
}
