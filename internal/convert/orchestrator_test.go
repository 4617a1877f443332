package convert

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofs2ext4/fat2ext4/internal/diskio"
	"github.com/ofs2ext4/fat2ext4/internal/ext4layout"
	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// decodedDirEntry is one parsed ext4_dir_entry_2 record.
type decodedDirEntry struct {
	inode uint32
	ftype uint8
	name  string
}

func readInode(t *testing.T, img []byte, layout *ext4layout.Layout, num uint32) *ondisk.Inode {
	t.Helper()
	off := layout.InodeOffset(num)
	var inode ondisk.Inode
	require.NoError(t, inode.UnmarshalBinary(img[off:off+ondisk.InodeSize]))
	return &inode
}

// decodeInlineExtents reads an inode's inline extent-tree leaf, valid
// only for the small, single-generation trees this test's tiny volume
// ever produces.
func decodeInlineExtents(t *testing.T, inode *ondisk.Inode) []extent.Extent {
	t.Helper()
	magic := binary.LittleEndian.Uint16(inode.Block[0:2])
	require.EqualValues(t, ondisk.ExtentMagic, magic, "inode extent header magic")
	count := binary.LittleEndian.Uint16(inode.Block[2:4])
	exts := make([]extent.Extent, count)
	for i := 0; i < int(count); i++ {
		off := 12 + i*12
		exts[i] = extent.Extent{
			LogicalStart:  binary.LittleEndian.Uint32(inode.Block[off:]),
			Length:        uint32(binary.LittleEndian.Uint16(inode.Block[off+4:])),
			PhysicalStart: binary.LittleEndian.Uint32(inode.Block[off+8:]),
		}
	}
	return exts
}

func decodeDirEntries(t *testing.T, img []byte, layout *ext4layout.Layout, exts []extent.Extent) []decodedDirEntry {
	t.Helper()
	var out []decodedDirEntry
	for _, e := range exts {
		for c := uint32(0); c < e.Length; c++ {
			off := layout.BlockOffset(e.PhysicalStart + c)
			data := img[off : off+uint64(layout.BlockSize)]
			pos := 0
			for pos+8 <= len(data) {
				inodeNum := binary.LittleEndian.Uint32(data[pos:])
				recLen := binary.LittleEndian.Uint16(data[pos+4:])
				nameLen := int(data[pos+6])
				ftype := data[pos+7]
				if recLen == 0 {
					break
				}
				if inodeNum != 0 {
					out = append(out, decodedDirEntry{
						inode: inodeNum,
						ftype: ftype,
						name:  string(data[pos+8 : pos+8+nameLen]),
					})
				}
				pos += int(recLen)
			}
		}
	}
	return out
}

func readFileBytes(layout *ext4layout.Layout, img []byte, exts []extent.Extent, size uint64) []byte {
	out := make([]byte, 0, size)
	for _, e := range exts {
		off := layout.BlockOffset(e.PhysicalStart)
		length := uint64(e.Length) * uint64(layout.BlockSize)
		out = append(out, img[off:off+length]...)
	}
	if uint64(len(out)) > size {
		out = out[:size]
	}
	return out
}

// TestRunProducesMatchingExt4Tree drives the full plan/dry-run/commit
// sequence over a small FAT32 image whose root directory cluster
// collides with the target ext4 layout's own group-0 overhead — every
// conversion of a from-cluster-2 volume relocates the root this way, so
// this round trip exercises fragmentAndRelocate's resettlement path as
// well as the ext4 tree it produces.
func TestRunProducesMatchingExt4Tree(t *testing.T) {
	img, geo := buildTraversalImage(t)

	createdAt := int64(1_700_000_000)
	layout, err := ext4layout.Plan(geo.ClusterSize, geo.ClusterCount, createdAt)
	require.NoError(t, err)

	backend := diskio.NewMemory(len(img))
	copy(backend.Bytes(), img)

	err = Run(backend.Bytes(), backend, Options{CreatedAt: createdAt})
	require.NoError(t, err)

	out := backend.Bytes()

	var sb ondisk.Superblock
	require.NoError(t, sb.UnmarshalBinary(out[ondisk.SuperblockOffset:ondisk.SuperblockOffset+1024]))
	assert.EqualValues(t, ondisk.Ext4Magic, sb.Magic)

	rootInode := readInode(t, out, layout, ondisk.RootInode)
	rootEntries := decodeDirEntries(t, out, layout, decodeInlineExtents(t, rootInode))

	byName := make(map[string]decodedDirEntry)
	for _, e := range rootEntries {
		byName[e.name] = e
	}
	require.Contains(t, byName, "A.TXT")
	require.Contains(t, byName, "SUB")
	require.Contains(t, byName, "lost+found")
	assert.EqualValues(t, ondisk.FTDir, byName["SUB"].ftype)
	assert.EqualValues(t, ondisk.FTDir, byName["lost+found"].ftype)
	assert.EqualValues(t, ondisk.FTRegFile, byName["A.TXT"].ftype)

	aInode := readInode(t, out, layout, byName["A.TXT"].inode)
	aContent := readFileBytes(layout, out, decodeInlineExtents(t, aInode), aInode.SizeBytes())
	assert.Equal(t, "hi", string(aContent))

	subInode := readInode(t, out, layout, byName["SUB"].inode)
	subEntries := decodeDirEntries(t, out, layout, decodeInlineExtents(t, subInode))
	subByName := make(map[string]decodedDirEntry)
	for _, e := range subEntries {
		subByName[e.name] = e
	}
	require.Contains(t, subByName, "B.TXT")

	bInode := readInode(t, out, layout, subByName["B.TXT"].inode)
	bContent := readFileBytes(layout, out, decodeInlineExtents(t, bInode), bInode.SizeBytes())
	assert.Equal(t, "world!", string(bContent))
}
