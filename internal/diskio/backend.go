// Package diskio maps the target image into process memory once and
// hands out the resulting byte slice to every other package. Every
// phase of the conversion — the FAT reader, the extent allocator, the
// archiver, and the ext4 builder — reads and writes through the same
// mapping, since the conversion happens in place rather than by
// producing a second output image.
package diskio

// Backend is the minimal image handle the rest of the module needs: a
// mutable view of the whole image and a way to flush it. fatfs.Reader,
// archiver.ClusterStore, and ext4build.Backend are all satisfied by the
// same underlying bytes, so Backend itself stays tiny and lets callers
// slice Bytes() however their own interface requires.
type Backend interface {
	// Bytes returns the whole image as a byte slice. Writes through the
	// slice are writes to the image; there is no separate flush step for
	// the data itself, only for durability (Sync).
	Bytes() []byte
	// Sync flushes any dirty pages to the backing storage.
	Sync() error
	// Close releases the mapping (or, for a memory backend, does nothing).
	Close() error
}
