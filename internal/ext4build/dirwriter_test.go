package ext4build

import (
	"encoding/binary"
	"testing"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

func TestWriteDirectoryDataFitsInOneBlock(t *testing.T) {
	b := newTestBuilder(4096, 1000)
	children := []dirent{
		{name: "a.txt", inode: 12, ftype: ondisk.FTRegFile},
		{name: "sub", inode: 13, ftype: ondisk.FTDir},
	}

	exts, size, err := b.writeDirectoryData(2, 2, children, nil)
	if err != nil {
		t.Fatalf("writeDirectoryData: %v", err)
	}
	if len(exts) != 1 || exts[0].Length != 1 {
		t.Fatalf("exts = %+v, want a single one-block extent", exts)
	}
	if size != 4096 {
		t.Fatalf("size = %d, want 4096 (one block)", size)
	}

	raw := b.blockAt(exts[0].PhysicalStart)
	name, inode, ftype, recLen := readDirentAt(raw, 0)
	if name != "." || inode != 2 || ftype != ondisk.FTDir {
		t.Fatalf(". entry = %q/%d/%d", name, inode, ftype)
	}
	name, inode, _, recLen = readDirentAt(raw, int(recLen))
	if name != ".." || inode != 2 {
		t.Fatalf(".. entry = %q/%d", name, inode)
	}
}

// TestWriteDirectoryDataSplitsAcrossBlocks pins the exact rec_len
// bookkeeping: a block with room for ".", "..", and three children but
// not a fourth should close before the fourth, extending the last entry
// in each block to fill it.
func TestWriteDirectoryDataSplitsAcrossBlocks(t *testing.T) {
	b := newTestBuilder(64, 1000)
	children := []dirent{
		{name: "a", inode: 12, ftype: ondisk.FTRegFile},
		{name: "b", inode: 13, ftype: ondisk.FTRegFile},
		{name: "c", inode: 14, ftype: ondisk.FTRegFile},
		{name: "d", inode: 15, ftype: ondisk.FTRegFile},
	}

	exts, size, err := b.writeDirectoryData(2, 2, children, nil)
	if err != nil {
		t.Fatalf("writeDirectoryData: %v", err)
	}
	if size != 128 {
		t.Fatalf("size = %d, want 128 (two 64-byte blocks)", size)
	}

	var blocks []uint32
	for _, e := range exts {
		for i := uint32(0); i < e.Length; i++ {
			blocks = append(blocks, e.PhysicalStart+i)
		}
	}
	if len(blocks) != 2 {
		t.Fatalf("wrote %d blocks, want 2", len(blocks))
	}

	first := b.blockAt(blocks[0])
	off := 0
	var recLen uint16
	var name string
	for _, want := range []string{".", "..", "a", "b", "c"} {
		name, _, _, recLen = readDirentAt(first, off)
		if name != want {
			t.Fatalf("block 1 entry at %d = %q, want %q", off, name, want)
		}
		off += int(recLen)
	}
	// "c" is the last entry in the block: its rec_len should reach 64.
	if off != 64 {
		t.Fatalf("block 1 last rec_len ends at %d, want 64", off)
	}

	second := b.blockAt(blocks[1])
	name, _, _, recLen = readDirentAt(second, 0)
	if name != "d" {
		t.Fatalf("block 2 entry = %q, want \"d\"", name)
	}
	if recLen != 64 {
		t.Fatalf("block 2's only entry rec_len = %d, want 64 (extended to fill the block)", recLen)
	}
}

func TestWriteDirectoryDataRejectsLongName(t *testing.T) {
	b := newTestBuilder(4096, 1000)
	longName := make([]byte, 256)
	for i := range longName {
		longName[i] = 'x'
	}
	children := []dirent{{name: string(longName), inode: 12, ftype: ondisk.FTRegFile}}
	if _, _, err := b.writeDirectoryData(2, 2, children, nil); err == nil {
		t.Fatal("expected an error for a name over 255 bytes")
	}
}

func readDirentAt(block []byte, off int) (name string, inode uint32, ftype uint8, recLen uint16) {
	inode = binary.LittleEndian.Uint32(block[off:])
	recLen = binary.LittleEndian.Uint16(block[off+4:])
	nameLen := block[off+6]
	ftype = block[off+7]
	name = string(block[off+8 : off+8+int(nameLen)])
	return
}
