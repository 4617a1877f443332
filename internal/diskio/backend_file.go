package diskio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileBackend maps a regular file into memory with PROT_READ|PROT_WRITE,
// MAP_SHARED. The whole image is mapped once; the FAT reader, allocator,
// archiver, and ext4 builder all mutate the same backing pages, and
// Sync/Close are the only operations that ever touch the file
// descriptor again.
type FileBackend struct {
	f   *os.File
	buf []byte
}

var _ Backend = (*FileBackend)(nil)

// OpenFile opens path read-write and maps its full current size. The
// image is never grown or shrunk during conversion — the target ext4
// layout always fits within the source FAT32 volume's block count, by
// construction of ext4layout.Plan's ShortenedClusters trim — so no
// remap-on-resize path exists.
func OpenFile(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	if stat.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("image %s is empty", path)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap image %s: %w", path, err)
	}

	return &FileBackend{f: f, buf: buf}, nil
}

func (fb *FileBackend) Bytes() []byte { return fb.buf }

func (fb *FileBackend) Sync() error {
	if err := unix.Msync(fb.buf, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync image: %w", err)
	}
	return nil
}

func (fb *FileBackend) Close() error {
	if err := unix.Munmap(fb.buf); err != nil {
		return fmt.Errorf("munmap image: %w", err)
	}
	if err := fb.f.Close(); err != nil {
		return fmt.Errorf("close image file: %w", err)
	}
	return nil
}
