// Package fatfs reads a FAT32 volume out of a mapped byte image: boot
// sector geometry, the FAT itself, directory entries, and long filenames.
// It never writes; relocation and archiving are the caller's job.
package fatfs

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Geometry is the validated, immutable volume shape derived once from
// the boot sector at open time.
type Geometry struct {
	BytesPerSector uint32
	SectorsPerClus uint32
	ClusterSize uint32 // bytes per cluster; also the ext4 block size
	ReservedSecs uint32
	NumFATs uint32
	FATSize uint32 // sectors per FAT
	RootCluster uint32
	TotalSectors uint64
	DataStartByte uint64 // byte offset of cluster 2
	ClusterCount uint32 // number of data clusters (index from 2)
	FATByteOffset uint64
	VolumeLabel string
}

// ParseBootSector validates and derives Geometry from the first sector
// of the image. Rejected: a cluster size below 1024 bytes, or a data
// region start that is not a multiple of the cluster size.
func ParseBootSector(image []byte) (Geometry, error) {
	if len(image) < ondisk.BootSectorSize {
		return Geometry{}, fmt.Errorf("image too small for a boot sector")
	}
	var bs ondisk.BootSector
	if err := restruct.Unpack(image[:ondisk.BootSectorSize], binary.LittleEndian, &bs); err != nil {
		return Geometry{}, fmt.Errorf("parse boot sector: %w", err)
	}
	if bs.SigWord != ondisk.BootSignature {
		return Geometry{}, fmt.Errorf("missing boot signature 0xAA55")
	}
	if bs.FATSz32 == 0 {
		return Geometry{}, fmt.Errorf("not a FAT32 volume: fat_sz32 is zero")
	}
	if bs.NumFATs == 0 {
		return Geometry{}, fmt.Errorf("num_fats is zero")
	}
	if bs.SecPerCluster == 0 || (bs.SecPerCluster&(bs.SecPerCluster-1)) != 0 {
		return Geometry{}, fmt.Errorf("sectors_per_cluster %d is not a power of two", bs.SecPerCluster)
	}

	clusterSize := uint32(bs.BytesPerSector) * uint32(bs.SecPerCluster)
	if clusterSize < 1024 {
		return Geometry{}, fmt.Errorf("refused: cluster size %d bytes is below the 1KiB minimum", clusterSize)
	}

	totalSectors := uint64(bs.TotSec32)
	if totalSectors == 0 {
		totalSectors = uint64(bs.TotSec16)
	}

	dataStartSector := uint64(bs.ReservedSecCnt) + uint64(bs.NumFATs)*uint64(bs.FATSz32)
	dataStartByte := dataStartSector * uint64(bs.BytesPerSector)
	if dataStartByte%uint64(clusterSize) != 0 {
		return Geometry{}, fmt.Errorf("refused: data region start %d is not aligned to cluster size %d", dataStartByte, clusterSize)
	}

	dataSectors := totalSectors - dataStartSector
	clusterCount := uint32(dataSectors / uint64(bs.SecPerCluster))

	g := Geometry{
		BytesPerSector: uint32(bs.BytesPerSector),
		SectorsPerClus: uint32(bs.SecPerCluster),
		ClusterSize: clusterSize,
		ReservedSecs: uint32(bs.ReservedSecCnt),
		NumFATs: uint32(bs.NumFATs),
		FATSize: bs.FATSz32,
		RootCluster: bs.RootCluster,
		TotalSectors: totalSectors,
		DataStartByte: dataStartByte,
		ClusterCount: clusterCount,
		FATByteOffset: uint64(bs.ReservedSecCnt) * uint64(bs.BytesPerSector),
		VolumeLabel: trimLabel(bs.VolLabel[:]),
	}
	return g, nil
}

func trimLabel(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// ClusterToByte maps a data cluster number to its byte offset in the image.
func (g Geometry) ClusterToByte(cluster uint32) uint64 {
	return g.DataStartByte + uint64(cluster-ondisk.FirstDataCluster)*uint64(g.ClusterSize)
}

// ByteToCluster is the inverse of ClusterToByte: the cluster a byte
// offset in the data region belongs to.
func (g Geometry) ByteToCluster(offset uint64) uint32 {
	return uint32((offset-g.DataStartByte)/uint64(g.ClusterSize)) + ondisk.FirstDataCluster
}

// ClusterToBlock and BlockToCluster translate between FAT cluster
// numbers and ext4 block numbers. Since block size equals cluster size
// by construction, the two numbering schemes share the same origin
// (cluster/block 2 is the first data unit in both) and translation is
// the identity — kept as named functions because the two are
// conceptually distinct address spaces even though numerically equal
// here.
func (g Geometry) ClusterToBlock(cluster uint32) uint32 { return cluster }
func (g Geometry) BlockToCluster(block uint32) uint32 { return block }

// LastCluster returns the highest valid data cluster number.
func (g Geometry) LastCluster() uint32 {
	return ondisk.FirstDataCluster + g.ClusterCount - 1
}
