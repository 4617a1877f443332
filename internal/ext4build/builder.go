// Package ext4build turns a planned ext4layout.Layout and a drained
// archiver stream into the actual on-disk ext4 metadata: superblock,
// group descriptors, block/inode bitmaps, inode tables, extent trees,
// and directory blocks. It never reads FAT structures itself — by the
// time Build runs, every file's data already sits at its final
// physical location and the archiver stream is the only input the
// builder needs.
//
// Block allocation for the builder's own metadata (extent-tree leaves,
// directory data blocks) draws from the same *extent.Allocator the
// relocation pass used, rather than an independent free-run allocator:
// the conversion happens in place on a single shared cluster/block
// address space, so a second allocation scheme could hand out a block a
// relocation already claimed.
package ext4build

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/ofs2ext4/fat2ext4/internal/archiver"
	"github.com/ofs2ext4/fat2ext4/internal/ext4layout"
	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/fatfs"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Backend is the image handle the builder writes through. Satisfied
// structurally by diskio.FileBackend and diskio.MemoryBackend; ext4build
// never imports diskio so that either backend can be swapped in by the
// caller without a dependency cycle.
type Backend interface {
	Bytes() []byte
	Sync() error
	Close() error
}

// Builder writes ext4 metadata directly into a mapped image. One
// Builder handles exactly one commit: reserved inodes are written once,
// then Build drains the archiver stream and assigns every remaining
// inode number in DFS order.
type Builder struct {
	backend Backend
	image   []byte
	layout  *ext4layout.Layout
	alloc   *extent.Allocator

	nextInode uint32
	gdt       []ondisk.GroupDesc32
}

// NewBuilder validates that backend's mapping is large enough to hold
// layout's target geometry and returns a Builder ready for Build.
func NewBuilder(backend Backend, layout *ext4layout.Layout, alloc *extent.Allocator) (*Builder, error) {
	image := backend.Bytes()
	need := layout.BlockOffset(layout.TotalBlocks)
	if uint64(len(image)) < need {
		return nil, fmt.Errorf("image is %d bytes, target layout needs at least %d", len(image), need)
	}
	return &Builder{
		backend:   backend,
		image:     image,
		layout:    layout,
		alloc:     alloc,
		nextInode: ondisk.FirstNonResInode,
	}, nil
}

// Build writes the whole filesystem: zeroed inode tables first, then
// every node the archiver stream (rooted at archiveHead) describes, in
// the same depth-first order traversal.Walker produced it in, then
// lost+found and the root directory, and finally the block and inode
// bitmaps, group descriptors and superblock once every allocation the
// builder itself makes has happened.
func (b *Builder) Build(reader *fatfs.Reader, archiveHead uint32) error {
	if err := b.zeroInodeTables(); err != nil {
		return fmt.Errorf("zero inode tables: %w", err)
	}

	ar, err := archiver.NewReader(reader, archiveHead)
	if err != nil {
		return fmt.Errorf("open archived stream: %w", err)
	}

	root, err := b.readNode(ar)
	if err != nil {
		return fmt.Errorf("read root node: %w", err)
	}
	childCount, hasChildren, err := b.readChildCount(ar)
	if err != nil {
		return fmt.Errorf("read root child count: %w", err)
	}
	if !hasChildren {
		return fmt.Errorf("root node has no child-count group")
	}

	// lost+found always takes inode FirstNonResInode (11), reserved
	// before any FAT-derived node is numbered.
	lfInode := b.nextInode
	b.nextInode++

	children, err := b.buildChildren(ar, ondisk.RootInode, childCount)
	if err != nil {
		return fmt.Errorf("build root's children: %w", err)
	}

	if err := b.writeLostFound(lfInode, ondisk.RootInode); err != nil {
		return fmt.Errorf("create lost+found: %w", err)
	}
	children = append(children, dirent{name: "lost+found", inode: lfInode, ftype: ondisk.FTDir})

	// Root's links_count is fixed at 3 (., .., and lost+found's ..)
	// rather than 2 plus one per direct subdirectory: every other
	// directory's count is computed from its actual children.
	if err := b.writeDirectoryInode(ondisk.RootInode, ondisk.RootInode, root, children, 3); err != nil {
		return fmt.Errorf("write root directory: %w", err)
	}

	// The archiver stream is fully drained: its pages are scratch space,
	// not filesystem content, and no inode references them. Free them
	// from the shared bitmap before the final block bitmap is derived
	// from it, or they would ship as permanently leaked "used" blocks.
	bitmap := b.alloc.Bitmap()
	for _, page := range ar.Pages() {
		bitmap.Clear(uint64(page))
	}

	if err := b.finalizeGroupCounters(); err != nil {
		return fmt.Errorf("finalize group descriptors: %w", err)
	}
	if err := b.writeSuperblockAndBackups(); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	return b.backend.Sync()
}

// buildChildren reads count nodes from ar (a directory's children, in
// on-disk order), assigns each the next free inode number, recurses
// into subdirectories, and returns the dirent list the parent's own
// directory block writer needs.
func (b *Builder) buildChildren(ar *archiver.Reader, parentInode uint32, count uint32) ([]dirent, error) {
	out := make([]dirent, 0, count)
	for i := uint32(0); i < count; i++ {
		node, err := b.readNode(ar)
		if err != nil {
			return nil, fmt.Errorf("read node %d: %w", i, err)
		}
		childCount, isDir, err := b.readChildCount(ar)
		if err != nil {
			return nil, fmt.Errorf("read child count for %q: %w", node.name, err)
		}

		inodeNum := b.nextInode
		b.nextInode++

		if isDir {
			grandchildren, err := b.buildChildren(ar, inodeNum, childCount)
			if err != nil {
				return nil, err
			}
			if err := b.writeDirectoryInode(inodeNum, parentInode, node, grandchildren, 0); err != nil {
				return nil, fmt.Errorf("write directory %q: %w", node.name, err)
			}
			out = append(out, dirent{name: node.name, inode: inodeNum, ftype: ondisk.FTDir})
		} else {
			if err := b.writeFileInode(inodeNum, node); err != nil {
				return nil, fmt.Errorf("write file %q: %w", node.name, err)
			}
			out = append(out, dirent{name: node.name, inode: inodeNum, ftype: ondisk.FTRegFile})
		}
	}
	return out, nil
}

// nodeMeta is one archived node's FAT metadata plus its relocated
// extent list, decoded from the four archiver groups traversal.Walker
// wrote for it.
type nodeMeta struct {
	name         string
	attr         uint8
	createdUnix  int64
	modifiedUnix int64
	accessedUnix int64
	size         uint32
	extents      []extent.Extent
}

const noMoreChildren = ^uint32(0)

const (
	dentryRecordSize = 20
	extentRecordSize = 12
)

func (b *Builder) readNode(ar *archiver.Reader) (nodeMeta, error) {
	var meta nodeMeta

	cnt, sz, err := ar.BeginGroup()
	if err != nil {
		return meta, err
	}
	if cnt != 1 || sz != dentryRecordSize {
		return meta, fmt.Errorf("unexpected dentry group shape: count=%d size=%d", cnt, sz)
	}
	rec, err := ar.Next()
	if err != nil {
		return meta, err
	}
	meta.attr = rec[0]
	meta.createdUnix = int64(binary.LittleEndian.Uint32(rec[4:]))
	meta.modifiedUnix = int64(binary.LittleEndian.Uint32(rec[8:]))
	meta.accessedUnix = int64(binary.LittleEndian.Uint32(rec[12:]))
	meta.size = binary.LittleEndian.Uint32(rec[16:])

	ncount, _, err := ar.BeginGroup()
	if err != nil {
		return meta, err
	}
	units := make([]uint16, ncount)
	for i := range units {
		r, err := ar.Next()
		if err != nil {
			return meta, err
		}
		units[i] = uint16(r[0]) | uint16(r[1])<<8
	}
	meta.name, err = ondisk.UCS2ToUTF8(units)
	if err != nil {
		return meta, fmt.Errorf("decode name: %w", err)
	}
	if len(meta.name) > 255 {
		return meta, fmt.Errorf("fatal: name %q exceeds 255 bytes when UTF-8 encoded", meta.name)
	}

	ecount, esz, err := ar.BeginGroup()
	if err != nil {
		return meta, err
	}
	if esz != extentRecordSize {
		return meta, fmt.Errorf("unexpected extent record size %d", esz)
	}
	meta.extents = make([]extent.Extent, ecount)
	for i := range meta.extents {
		r, err := ar.Next()
		if err != nil {
			return meta, err
		}
		meta.extents[i] = extent.Extent{
			LogicalStart:  binary.LittleEndian.Uint32(r[0:]),
			Length:        binary.LittleEndian.Uint32(r[4:]),
			PhysicalStart: binary.LittleEndian.Uint32(r[8:]),
		}
	}

	return meta, nil
}

// readChildCount reads the trailing group every node carries: a real
// count if the node is a directory, or the noMoreChildren sentinel if
// it is a leaf file.
func (b *Builder) readChildCount(ar *archiver.Reader) (count uint32, isDir bool, err error) {
	cnt, sz, err := ar.BeginGroup()
	if err != nil {
		return 0, false, err
	}
	if cnt != 1 || sz != 4 {
		return 0, false, fmt.Errorf("unexpected child-count group shape: count=%d size=%d", cnt, sz)
	}
	rec, err := ar.Next()
	if err != nil {
		return 0, false, err
	}
	n := binary.LittleEndian.Uint32(rec)
	if n == noMoreChildren {
		return 0, false, nil
	}
	return n, true, nil
}

// dirent is one entry the directory-block writer packs into its
// parent's data.
type dirent struct {
	name  string
	inode uint32
	ftype uint8
}

func (b *Builder) writeBlock(blockNum uint32, data []byte) {
	off := b.layout.BlockOffset(blockNum)
	copy(b.image[off:off+uint64(len(data))], data)
}

func (b *Builder) readBlock(blockNum uint32, out []byte) {
	off := b.layout.BlockOffset(blockNum)
	copy(out, b.image[off:off+uint64(len(out))])
}

// allocMetaBlock hands out one fresh block for the builder's own
// metadata (extent-tree leaves/index blocks, directory data blocks),
// through the same allocator the relocation pass used.
func (b *Builder) allocMetaBlock() (uint32, error) {
	e, err := b.alloc.AllocateExtent(1)
	if err != nil {
		return 0, err
	}
	return e.PhysicalStart, nil
}

func newUUID() [16]byte {
	var out [16]byte
	id, err := uuid.NewRandom()
	if err != nil {
		// uuid.NewRandom only fails if the system CSPRNG is broken; a
		// nil UUID is preferable to aborting a whole conversion over it.
		return out
	}
	copy(out[:], id[:])
	return out
}
