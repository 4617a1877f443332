package fatfs

import "fmt"

// Reader is the top-level FAT32 view over a mapped image: boot sector
// geometry, FAT table accessor, and directory decoding, composed as one
// read-only handle.
type Reader struct {
	Image []byte
	Geo Geometry
	FAT *Table
}

// Open parses the boot sector at the front of image and returns a ready
// Reader. It performs no other validation of the tree it exposes.
func Open(image []byte) (*Reader, error) {
	geo, err := ParseBootSector(image)
	if err != nil {
		return nil, err
	}
	return &Reader{Image: image, Geo: geo, FAT: NewTable(image, geo)}, nil
}

// ClusterBytes returns a view into the image covering one cluster. The
// returned slice aliases the image; callers that mutate it are writing
// through to the mapped file.
func (r *Reader) ClusterBytes(cluster uint32) ([]byte, error) {
	if cluster < 2 || cluster > r.Geo.LastCluster() {
		return nil, fmt.Errorf("cluster %d out of range", cluster)
	}
	start := r.Geo.ClusterToByte(cluster)
	return r.Image[start : start+uint64(r.Geo.ClusterSize)], nil
}

// ChainBytes concatenates the bytes of every cluster in chain, in order.
// Used to materialize a directory's full contents before parsing (the
// converter never copies file data as a whole; it works fat_extent by
// fat_extent).
func (r *Reader) ChainBytes(chain []uint32) ([]byte, error) {
	buf := make([]byte, 0, len(chain)*int(r.Geo.ClusterSize))
	for _, c := range chain {
		b, err := r.ClusterBytes(c)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// ReadDirectory follows chain and parses its contents into assembled
// entries.
func (r *Reader) ReadDirectory(chain []uint32) ([]Entry, error) {
	data, err := r.ChainBytes(chain)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(data)
}

// RootChain returns the cluster chain of the root directory.
func (r *Reader) RootChain() ([]uint32, error) {
	return r.FAT.Chain(r.Geo.RootCluster)
}
