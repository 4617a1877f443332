package ext4build

import (
	"encoding/binary"
	"testing"

	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/ext4layout"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

func newTestBuilder(blockSize uint32, bitmapLen uint64) *Builder {
	bm := ondisk.NewBitmap(bitmapLen)
	alloc := extent.NewAllocator(bm, extent.NewBlockedSet(nil))
	return &Builder{
		image:     make([]byte, uint64(blockSize)*bitmapLen),
		layout:    &ext4layout.Layout{BlockSize: blockSize},
		alloc:     alloc,
		nextInode: ondisk.FirstNonResInode,
	}
}

func fakeExtents(n int) []extent.Extent {
	out := make([]extent.Extent, n)
	for i := range out {
		out[i] = extent.Extent{LogicalStart: uint32(i), Length: 1, PhysicalStart: uint32(1000 + i)}
	}
	return out
}

func TestBuildExtentTreeInline(t *testing.T) {
	b := newTestBuilder(1024, 1000)
	var inode ondisk.Inode
	extents := fakeExtents(3)

	metaBlocks, err := b.buildExtentTree(&inode, extents)
	if err != nil {
		t.Fatalf("buildExtentTree: %v", err)
	}
	if metaBlocks != 0 {
		t.Fatalf("metaBlocks = %d, want 0 for an inline-fitting extent list", metaBlocks)
	}

	depth := binary.LittleEndian.Uint16(inode.Block[6:8])
	if depth != 0 {
		t.Fatalf("header depth = %d, want 0 (leaf)", depth)
	}
	count := binary.LittleEndian.Uint16(inode.Block[2:4])
	if count != 3 {
		t.Fatalf("header entry count = %d, want 3", count)
	}
	// First entry's physical block, split lo/hi like ext4_extent.
	firstPhys := binary.LittleEndian.Uint32(inode.Block[extentTreeHeaderSize+8:])
	if firstPhys != 1000 {
		t.Fatalf("first inline extent physical = %d, want 1000", firstPhys)
	}
}

func TestBuildExtentTreeOverflowsToOneLeaf(t *testing.T) {
	b := newTestBuilder(1024, 1000)
	var inode ondisk.Inode
	extents := fakeExtents(5) // one more than the 4 inline slots

	metaBlocks, err := b.buildExtentTree(&inode, extents)
	if err != nil {
		t.Fatalf("buildExtentTree: %v", err)
	}
	if metaBlocks != 1 {
		t.Fatalf("metaBlocks = %d, want 1 (five extents need exactly one leaf block)", metaBlocks)
	}

	depth := binary.LittleEndian.Uint16(inode.Block[6:8])
	if depth != 1 {
		t.Fatalf("header depth = %d, want 1 (index root pointing at one leaf)", depth)
	}
	rootCount := binary.LittleEndian.Uint16(inode.Block[2:4])
	if rootCount != 1 {
		t.Fatalf("root entry count = %d, want 1 leaf pointer", rootCount)
	}

	leafBlock := binary.LittleEndian.Uint32(inode.Block[extentTreeHeaderSize+4:])
	raw := b.blockAt(leafBlock)
	leafCount := binary.LittleEndian.Uint16(raw[2:4])
	if leafCount != 5 {
		t.Fatalf("leaf entry count = %d, want 5", leafCount)
	}
}

func TestBuildExtentTreeOverflowsToDepthTwo(t *testing.T) {
	b := newTestBuilder(1024, 2000)
	capacity := int(leafCapacity(1024))
	// Enough extents to need more leaves than fit as direct inline
	// pointers, forcing a second index level.
	n := capacity*inlineExtentSlots + 1
	extents := fakeExtents(n)

	var inode ondisk.Inode
	metaBlocks, err := b.buildExtentTree(&inode, extents)
	if err != nil {
		t.Fatalf("buildExtentTree: %v", err)
	}
	wantLeaves := (n + capacity - 1) / capacity
	if metaBlocks <= uint32(wantLeaves) {
		t.Fatalf("metaBlocks = %d, want more than %d leaves alone (need index blocks too)", metaBlocks, wantLeaves)
	}

	depth := binary.LittleEndian.Uint16(inode.Block[6:8])
	if depth < 2 {
		t.Fatalf("header depth = %d, want >= 2", depth)
	}
}

func TestBuildExtentTreeEmpty(t *testing.T) {
	b := newTestBuilder(1024, 100)
	var inode ondisk.Inode
	metaBlocks, err := b.buildExtentTree(&inode, nil)
	if err != nil {
		t.Fatalf("buildExtentTree: %v", err)
	}
	if metaBlocks != 0 {
		t.Fatalf("metaBlocks = %d, want 0 for an empty extent list", metaBlocks)
	}
	count := binary.LittleEndian.Uint16(inode.Block[2:4])
	if count != 0 {
		t.Fatalf("header entry count = %d, want 0", count)
	}
}

func TestChunkSplitsEvenlyAndLeavesRemainder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	got := chunk(items, 3)
	if len(got) != 3 {
		t.Fatalf("chunk produced %d groups, want 3", len(got))
	}
	if len(got[0]) != 3 || len(got[1]) != 3 || len(got[2]) != 1 {
		t.Fatalf("chunk group sizes = %v, want [3 3 1]", []int{len(got[0]), len(got[1]), len(got[2])})
	}
}
