package ext4build

import (
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

const blockSize512 = 512

// writeFileInode builds the inode for a regular file directly from its
// relocated extents: file content already sits at its final physical
// location, so the extent tree is the only work left.
func (b *Builder) writeFileInode(inodeNum uint32, node nodeMeta) error {
	inode := b.makeInode(ondisk.S_IFREG, node)
	inode.SetSizeBytes(uint64(node.size))
	inode.LinksCount = 1

	metaBlocks, err := b.buildExtentTree(&inode, node.extents)
	if err != nil {
		return err
	}
	var dataBlocks uint32
	for _, e := range node.extents {
		dataBlocks += e.Length
	}
	inode.SetBlocks512(uint64(dataBlocks+metaBlocks) * uint64(b.layout.BlockSize) / blockSize512)

	if err := b.attachFatAttr(&inode, node.attr); err != nil {
		return err
	}
	b.writeInode(inodeNum, &inode)
	return nil
}

// writeDirectoryInode packs children into directory blocks (the
// directory's own relocated clusters first, freshly allocated blocks
// after those), builds the resulting extent tree, and writes the inode.
// linksOverride, when nonzero, fixes LinksCount instead of deriving it
// from children (used only for the root directory).
func (b *Builder) writeDirectoryInode(inodeNum, parentInode uint32, node nodeMeta, children []dirent, linksOverride uint16) error {
	inode := b.makeInode(ondisk.S_IFDIR, node)

	dataExtents, size, err := b.writeDirectoryData(inodeNum, parentInode, children, node.extents)
	if err != nil {
		return err
	}
	inode.SetSizeBytes(size)

	metaBlocks, err := b.buildExtentTree(&inode, dataExtents)
	if err != nil {
		return err
	}
	var dataBlocks uint32
	for _, e := range dataExtents {
		dataBlocks += e.Length
	}
	inode.SetBlocks512(uint64(dataBlocks+metaBlocks) * uint64(b.layout.BlockSize) / blockSize512)

	if linksOverride != 0 {
		inode.LinksCount = linksOverride
	} else {
		inode.LinksCount = 2
		for _, c := range children {
			if c.ftype == ondisk.FTDir {
				inode.LinksCount++
			}
		}
	}

	if err := b.attachFatAttr(&inode, node.attr); err != nil {
		return err
	}
	b.writeInode(inodeNum, &inode)
	return nil
}

// writeLostFound creates the reserved lost+found directory with no
// children of its own.
func (b *Builder) writeLostFound(inodeNum, parentInode uint32) error {
	inode := ondisk.Inode{
		Mode:       ondisk.S_IFDIR | 0o755,
		LinksCount: 2,
		Flags:      ondisk.InodeFlagExtents,
		ExtraIsize: 32,
	}
	inode.Atime = uint32(b.layout.CreatedAt)
	inode.Ctime = uint32(b.layout.CreatedAt)
	inode.Mtime = uint32(b.layout.CreatedAt)
	inode.Crtime = uint32(b.layout.CreatedAt)

	dataExtents, size, err := b.writeDirectoryData(inodeNum, parentInode, nil, nil)
	if err != nil {
		return err
	}
	inode.SetSizeBytes(size)

	metaBlocks, err := b.buildExtentTree(&inode, dataExtents)
	if err != nil {
		return err
	}
	var dataBlocks uint32
	for _, e := range dataExtents {
		dataBlocks += e.Length
	}
	inode.SetBlocks512(uint64(dataBlocks+metaBlocks) * uint64(b.layout.BlockSize) / blockSize512)

	b.writeInode(inodeNum, &inode)
	return nil
}

// makeInode fills in the fields common to file and directory inodes
// from a node's decoded FAT metadata. kind is S_IFREG or S_IFDIR.
func (b *Builder) makeInode(kind uint16, node nodeMeta) ondisk.Inode {
	mode := kind | 0o755
	if kind == ondisk.S_IFREG {
		mode = kind | 0o644
	}
	return ondisk.Inode{
		Mode:       mode,
		Atime:      uint32(clampToUint32(node.accessedUnix)),
		Ctime:      uint32(clampToUint32(node.modifiedUnix)),
		Mtime:      uint32(clampToUint32(node.modifiedUnix)),
		Crtime:     uint32(clampToUint32(node.createdUnix)),
		Flags:      ondisk.InodeFlagExtents,
		ExtraIsize: 32,
	}
}

func clampToUint32(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > 0x7FFFFFFF {
		return 0x7FFFFFFF
	}
	return v
}

func (b *Builder) writeInode(inodeNum uint32, inode *ondisk.Inode) {
	raw, err := inode.MarshalBinary()
	if err != nil {
		// Inode is a fixed-size struct; binary.Write only fails on an
		// unsupported field type, which would be a build-time bug, not
		// a runtime condition to recover from.
		panic(err)
	}
	off := b.layout.InodeOffset(inodeNum)
	copy(b.image[off:off+uint64(len(raw))], raw)
}
