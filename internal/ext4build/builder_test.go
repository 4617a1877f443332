package ext4build

import (
	"encoding/binary"
	"testing"

	"github.com/ofs2ext4/fat2ext4/internal/archiver"
	"github.com/ofs2ext4/fat2ext4/internal/ext4layout"
	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/fatfs"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// buildTestImage constructs a minimal FAT32 image (its 2-sector FAT has
// entries for only the first 256 clusters, however many clusterCount
// asks for) whose data region starts exactly two clusters in, so that FAT cluster
// numbers and ext4 block numbers over the same image address the same
// bytes — the invariant the real orchestrator enforces before it ever
// hands a *fatfs.Reader to the builder.
func buildTestImage(t *testing.T, clusterCount uint32) []byte {
	t.Helper()
	const bytesPerSector = 512
	const sectorsPerCluster = 2 // 1024-byte clusters
	const reservedSecs = 2
	const numFATs = 1
	const fatSz32 = 2 // reservedSecs + numFATs*fatSz32 == 4 sectors == 2 clusters

	dataSectors := clusterCount * sectorsPerCluster
	totalSectors := reservedSecs + numFATs*fatSz32 + dataSectors

	img := make([]byte, uint64(totalSectors)*bytesPerSector)
	binary.LittleEndian.PutUint16(img[11:], bytesPerSector)
	img[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(img[14:], reservedSecs)
	img[16] = numFATs
	binary.LittleEndian.PutUint32(img[32:], totalSectors)
	binary.LittleEndian.PutUint32(img[36:], fatSz32)
	binary.LittleEndian.PutUint32(img[44:], 2) // root cluster
	binary.LittleEndian.PutUint16(img[510:], ondisk.BootSignature)
	return img
}

type memBackend struct{ data []byte }

func (m *memBackend) Bytes() []byte { return m.data }
func (m *memBackend) Sync() error   { return nil }
func (m *memBackend) Close() error  { return nil }

// writeTestNode appends one node's four archiver groups in the exact
// wire order traversal.Walker writes them in: dentry, name units,
// extents, child count.
func writeTestNode(t *testing.T, w *archiver.Writer, name string, attr uint8, size uint32, exts []extent.Extent, childCount uint32) {
	t.Helper()

	dentry := make([]byte, dentryRecordSize)
	dentry[0] = attr
	binary.LittleEndian.PutUint32(dentry[16:], size)
	if err := w.BeginGroup(1, dentryRecordSize); err != nil {
		t.Fatalf("BeginGroup dentry: %v", err)
	}
	if err := w.Append(dentry); err != nil {
		t.Fatalf("Append dentry: %v", err)
	}

	units, err := ondisk.UTF8ToUCS2(name)
	if err != nil {
		t.Fatalf("UTF8ToUCS2: %v", err)
	}
	if err := w.BeginGroup(uint32(len(units)), 2); err != nil {
		t.Fatalf("BeginGroup name: %v", err)
	}
	for _, u := range units {
		if err := w.Append([]byte{byte(u), byte(u >> 8)}); err != nil {
			t.Fatalf("Append name unit: %v", err)
		}
	}

	if err := w.BeginGroup(uint32(len(exts)), extentRecordSize); err != nil {
		t.Fatalf("BeginGroup extents: %v", err)
	}
	for _, e := range exts {
		rec := make([]byte, extentRecordSize)
		binary.LittleEndian.PutUint32(rec[0:], e.LogicalStart)
		binary.LittleEndian.PutUint32(rec[4:], e.Length)
		binary.LittleEndian.PutUint32(rec[8:], e.PhysicalStart)
		if err := w.Append(rec); err != nil {
			t.Fatalf("Append extent: %v", err)
		}
	}

	if err := w.BeginGroup(1, 4); err != nil {
		t.Fatalf("BeginGroup child count: %v", err)
	}
	rec := make([]byte, 4)
	binary.LittleEndian.PutUint32(rec, childCount)
	if err := w.Append(rec); err != nil {
		t.Fatalf("Append child count: %v", err)
	}
}

// TestBuildSmallTree drives Builder.Build over a hand-assembled archiver
// stream describing root/{a.txt, sub/{b.txt}} and checks the inodes,
// directory entries, and superblock it produces.
func TestBuildSmallTree(t *testing.T) {
	const clusterCount = 512
	img := buildTestImage(t, clusterCount)

	reader, err := fatfs.Open(img)
	if err != nil {
		t.Fatalf("fatfs.Open: %v", err)
	}

	layout, err := ext4layout.Plan(reader.Geo.ClusterSize, reader.Geo.ClusterCount, 1700000000)
	if err != nil {
		t.Fatalf("ext4layout.Plan: %v", err)
	}
	blocked := extent.BuildBlockedSet(layout)

	usedBitmap, err := reader.FAT.UsedBitmap()
	if err != nil {
		t.Fatalf("UsedBitmap: %v", err)
	}
	alloc := extent.NewAllocator(usedBitmap, blocked)

	w, err := archiver.NewWriter(reader, alloc, reader.Geo.ClusterSize)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Content for a.txt and sub/b.txt: allocate their storage up front,
	// the way relocateChain would, and stamp their bytes directly.
	aContent := []byte("hi")
	aExt, err := alloc.AllocateExtent(1)
	if err != nil {
		t.Fatalf("AllocateExtent a.txt: %v", err)
	}
	if cb, err := reader.ClusterBytes(aExt.PhysicalStart); err != nil {
		t.Fatalf("ClusterBytes: %v", err)
	} else {
		copy(cb, aContent)
	}

	bContent := []byte("world!")
	bExt, err := alloc.AllocateExtent(1)
	if err != nil {
		t.Fatalf("AllocateExtent b.txt: %v", err)
	}
	if cb, err := reader.ClusterBytes(bExt.PhysicalStart); err != nil {
		t.Fatalf("ClusterBytes: %v", err)
	} else {
		copy(cb, bContent)
	}

	// root: 2 children (a.txt, sub)
	writeTestNode(t, w, "", 0, 0, nil, 2)
	writeTestNode(t, w, "a.txt", ondisk.AttrArchive, uint32(len(aContent)),
		[]extent.Extent{{LogicalStart: 0, Length: 1, PhysicalStart: aExt.PhysicalStart}}, noMoreChildren)
	// sub: 1 child (b.txt)
	writeTestNode(t, w, "sub", ondisk.AttrDir, 0, nil, 1)
	writeTestNode(t, w, "b.txt", ondisk.AttrArchive, uint32(len(bContent)),
		[]extent.Extent{{LogicalStart: 0, Length: 1, PhysicalStart: bExt.PhysicalStart}}, noMoreChildren)

	head, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	backend := &memBackend{data: img}
	builder, err := NewBuilder(backend, layout, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := builder.Build(reader, head); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Root inode (2): links_count fixed at 3, directory mode.
	rootRaw := img[layout.InodeOffset(ondisk.RootInode) : layout.InodeOffset(ondisk.RootInode)+ondisk.InodeSize]
	var root ondisk.Inode
	if err := root.UnmarshalBinary(rootRaw); err != nil {
		t.Fatalf("unmarshal root inode: %v", err)
	}
	if root.LinksCount != 3 {
		t.Fatalf("root LinksCount = %d, want 3", root.LinksCount)
	}
	if root.Mode&ondisk.S_IFDIR == 0 {
		t.Fatalf("root Mode %#o is not a directory", root.Mode)
	}

	// lost+found is always inode 11, with 2 links.
	lfRaw := img[layout.InodeOffset(ondisk.FirstNonResInode) : layout.InodeOffset(ondisk.FirstNonResInode)+ondisk.InodeSize]
	var lf ondisk.Inode
	if err := lf.UnmarshalBinary(lfRaw); err != nil {
		t.Fatalf("unmarshal lost+found inode: %v", err)
	}
	if lf.LinksCount != 2 {
		t.Fatalf("lost+found LinksCount = %d, want 2", lf.LinksCount)
	}

	// a.txt is inode 12 (first FAT-derived inode after lost+found's 11)
	// and must carry its two-byte size and content.
	aInodeNum := uint32(ondisk.FirstNonResInode + 1)
	aRaw := img[layout.InodeOffset(aInodeNum) : layout.InodeOffset(aInodeNum)+ondisk.InodeSize]
	var a ondisk.Inode
	if err := a.UnmarshalBinary(aRaw); err != nil {
		t.Fatalf("unmarshal a.txt inode: %v", err)
	}
	if a.SizeBytes() != uint64(len(aContent)) {
		t.Fatalf("a.txt SizeBytes = %d, want %d", a.SizeBytes(), len(aContent))
	}
	if a.Mode&ondisk.S_IFREG == 0 {
		t.Fatalf("a.txt Mode %#o is not a regular file", a.Mode)
	}
	gotContent := img[layout.BlockOffset(aExt.PhysicalStart) : layout.BlockOffset(aExt.PhysicalStart)+uint64(len(aContent))]
	if string(gotContent) != "hi" {
		t.Fatalf("a.txt content = %q, want %q", gotContent, "hi")
	}

	// Superblock sanity.
	var sb ondisk.Superblock
	if err := sb.UnmarshalBinary(img[ondisk.SuperblockOffset:]); err != nil {
		t.Fatalf("unmarshal superblock: %v", err)
	}
	if sb.Magic != ondisk.Ext4Magic {
		t.Fatalf("superblock magic = %#x, want %#x", sb.Magic, ondisk.Ext4Magic)
	}
	if sb.InodesCount != layout.TotalInodes() {
		t.Fatalf("InodesCount = %d, want %d", sb.InodesCount, layout.TotalInodes())
	}
	if sb.FreeInodesCount == 0 {
		t.Fatal("FreeInodesCount is 0, want some inodes left unused")
	}
}
