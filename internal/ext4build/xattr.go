package ext4build

import (
	"encoding/binary"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

const fatAttrXattrName = "fat_attr"

// attachFatAttr stores node's original FAT attribute byte (hidden,
// system, archive, read-only bits) as a single-entry user.fat_attr
// xattr block, preserving information ext4 has no native equivalent
// for.
func (b *Builder) attachFatAttr(inode *ondisk.Inode, attr uint8) error {
	blk, err := b.allocMetaBlock()
	if err != nil {
		return err
	}
	block := make([]byte, b.layout.BlockSize)

	nameLen := len(fatAttrXattrName)
	valueSize := 1
	valuesEnd := int(b.layout.BlockSize) - 4 // one value word, 4-byte aligned

	binary.LittleEndian.PutUint32(block[0:4], ondisk.XattrMagic)
	binary.LittleEndian.PutUint32(block[4:8], 1) // refcount
	binary.LittleEndian.PutUint32(block[8:12], 1) // blocks

	entryOff := ondisk.XattrHeaderSize
	block[entryOff] = uint8(nameLen)
	block[entryOff+1] = ondisk.XattrIndexUser
	binary.LittleEndian.PutUint16(block[entryOff+2:], uint16(valuesEnd))
	binary.LittleEndian.PutUint32(block[entryOff+4:], 0) // value_inum, unused
	binary.LittleEndian.PutUint32(block[entryOff+8:], uint32(valueSize))
	binary.LittleEndian.PutUint32(block[entryOff+12:], fatAttrHash(attr))
	copy(block[entryOff+ondisk.XattrEntryHeaderSize:], fatAttrXattrName)

	block[valuesEnd] = attr

	b.writeBlock(blk, block)
	inode.FileACLLo = blk
	inode.SetBlocks512(inode.Blocks512() + uint64(b.layout.BlockSize)/blockSize512)
	return nil
}

// fatAttrHash computes the same name-hash ext4's xattr entries carry so
// a hash-ordered scan over the block finds this entry like any other.
func fatAttrHash(attr uint8) uint32 {
	const nameHashShift = 5
	hash := uint32(0)
	for _, c := range []byte(fatAttrXattrName) {
		hash = (hash << nameHashShift) ^ (hash >> (32 - nameHashShift)) ^ uint32(c)
	}
	hash = (hash << 16) ^ (hash >> 16) ^ uint32(attr)
	return hash
}
