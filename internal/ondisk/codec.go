package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes the superblock exactly as it sits on disk.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("marshal superblock: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a superblock from its 1024-byte on-disk form.
func (sb *Superblock) UnmarshalBinary(raw []byte) error {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("unmarshal superblock: %w", err)
	}
	return nil
}

// MarshalBinary encodes a 64-byte group descriptor.
func (gd *GroupDesc32) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, gd); err != nil {
		return nil, fmt.Errorf("marshal group descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a group descriptor.
func (gd *GroupDesc32) UnmarshalBinary(raw []byte) error {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, gd); err != nil {
		return fmt.Errorf("unmarshal group descriptor: %w", err)
	}
	return nil
}

// MarshalBinary encodes a 256-byte inode.
func (in *Inode) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, in); err != nil {
		return nil, fmt.Errorf("marshal inode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a 256-byte inode.
func (in *Inode) UnmarshalBinary(raw []byte) error {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, in); err != nil {
		return fmt.Errorf("unmarshal inode: %w", err)
	}
	return nil
}

// SetSizeBytes splits a 64-bit file size across SizeLo/SizeHi.
func (in *Inode) SetSizeBytes(size uint64) {
	in.SizeLo, in.SizeHi = SplitLoHi64(size)
}

// SizeBytes reassembles the 64-bit file size.
func (in *Inode) SizeBytes() uint64 {
	return JoinLoHi64(in.SizeLo, in.SizeHi)
}

// SetBlocks512 records the inode's block count in 512-byte units — the
// i_blocks counter is always in 512-byte units regardless of block size.
func (in *Inode) SetBlocks512(blocks512 uint64) {
	in.BlocksLo, in.BlocksHi = SplitLoHi48(blocks512)
}

// Blocks512 reassembles the 512-byte block count.
func (in *Inode) Blocks512() uint64 {
	return JoinLoHi48(in.BlocksLo, in.BlocksHi)
}

// SetFreeBlocksCount records a group's free block count across the
// lo/hi descriptor fields.
func (gd *GroupDesc32) SetFreeBlocksCount(n uint32) {
	gd.FreeBlocksCountLo, gd.FreeBlocksCountHi = SplitLoHi32(n)
}

func (gd *GroupDesc32) FreeBlocksCount() uint32 {
	return JoinLoHi32(gd.FreeBlocksCountLo, gd.FreeBlocksCountHi)
}

func (gd *GroupDesc32) SetFreeInodesCount(n uint32) {
	gd.FreeInodesCountLo, gd.FreeInodesCountHi = SplitLoHi32(n)
}

func (gd *GroupDesc32) FreeInodesCount() uint32 {
	return JoinLoHi32(gd.FreeInodesCountLo, gd.FreeInodesCountHi)
}

func (gd *GroupDesc32) SetUsedDirsCount(n uint32) {
	gd.UsedDirsCountLo, gd.UsedDirsCountHi = SplitLoHi32(n)
}

func (gd *GroupDesc32) SetBlockBitmap(b uint64) { gd.BlockBitmapLo, gd.BlockBitmapHi = SplitLoHi64(b) }
func (gd *GroupDesc32) SetInodeBitmap(b uint64) { gd.InodeBitmapLo, gd.InodeBitmapHi = SplitLoHi64(b) }
func (gd *GroupDesc32) SetInodeTable(b uint64) { gd.InodeTableLo, gd.InodeTableHi = SplitLoHi64(b) }
func (gd *GroupDesc32) BlockBitmap() uint64 { return JoinLoHi64(gd.BlockBitmapLo, gd.BlockBitmapHi) }
func (gd *GroupDesc32) InodeBitmap() uint64 { return JoinLoHi64(gd.InodeBitmapLo, gd.InodeBitmapHi) }
func (gd *GroupDesc32) InodeTable() uint64 { return JoinLoHi64(gd.InodeTableLo, gd.InodeTableHi) }
