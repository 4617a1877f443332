package fatfs

import (
	"encoding/binary"
	"fmt"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Table is a read accessor over the first FAT copy in a mapped image.
// Entries are masked to 28 bits; values >= 0x0FFFFFF8 mark end-of-chain,
// and 0 means free.
type Table struct {
	image []byte
	geo Geometry
}

func NewTable(image []byte, geo Geometry) *Table {
	return &Table{image: image, geo: geo}
}

// Entry reads the raw 28-bit FAT entry for cluster n.
func (t *Table) Entry(n uint32) (uint32, error) {
	off := t.geo.FATByteOffset + uint64(n)*ondisk.FATEntrySize
	if off+ondisk.FATEntrySize > uint64(len(t.image)) {
		return 0, fmt.Errorf("FAT entry for cluster %d out of bounds", n)
	}
	return binary.LittleEndian.Uint32(t.image[off:]) & ondisk.FATClusterMask, nil
}

func IsEndOfChain(entry uint32) bool { return entry >= ondisk.FATEOCMin }
func IsFree(entry uint32) bool { return entry == ondisk.FATFree }

// Chain follows the cluster chain starting at start and returns every
// cluster visited, in order. A malformed chain (loop, out-of-range
// link, or premature free marker) is a fatal error.
func (t *Table) Chain(start uint32) ([]uint32, error) {
	if start < ondisk.FirstDataCluster {
		return nil, nil
	}
	var chain []uint32
	seen := make(map[uint32]bool)
	cur := start
	for {
		if seen[cur] {
			return nil, fmt.Errorf("cluster chain loops at cluster %d", cur)
		}
		if cur < ondisk.FirstDataCluster || cur > t.geo.LastCluster() {
			return nil, fmt.Errorf("cluster chain references out-of-range cluster %d", cur)
		}
		seen[cur] = true
		chain = append(chain, cur)

		next, err := t.Entry(cur)
		if err != nil {
			return nil, err
		}
		if IsEndOfChain(next) {
			break
		}
		if IsFree(next) {
			return nil, fmt.Errorf("cluster chain hits free cluster %d before end-of-chain marker", cur)
		}
		cur = next
	}
	return chain, nil
}

// UsedBitmap scans the whole FAT and returns a bitmap sized to hold
// cluster numbers [0, geo.LastCluster()], with bit i set iff cluster i
// is not free. Clusters 0 and 1 are always marked used since cluster
// numbering starts at 2.
func (t *Table) UsedBitmap() (*ondisk.Bitmap, error) {
	bm := ondisk.NewBitmap(uint64(t.geo.LastCluster()) + 1)
	bm.Set(0)
	bm.Set(1)
	for c := uint32(ondisk.FirstDataCluster); c <= t.geo.LastCluster(); c++ {
		entry, err := t.Entry(c)
		if err != nil {
			return nil, err
		}
		if !IsFree(entry) {
			bm.Set(uint64(c))
		}
	}
	return bm, nil
}
