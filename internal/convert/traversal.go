package convert

import (
	"github.com/ofs2ext4/fat2ext4/internal/archiver"
	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/fatfs"
	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
	"github.com/sirupsen/logrus"
)

// dentryRecordSize is the fixed encoding of one node's FAT metadata:
// Attr(1) + pad(3) + CreatedUnix(4) + ModifiedUnix(4) + AccessedUnix(4) + Size(4).
const dentryRecordSize = 20

// nameUnitRecordSize is one little-endian UCS-2 code unit.
const nameUnitRecordSize = 2

// extentRecordSize matches extent.Extent's three uint32 fields.
const extentRecordSize = 12

// childCountRecordSize is one uint32.
const childCountRecordSize = 4

// noMoreChildren is the sentinel child count a leaf file writes in place
// of an actual count, since it never recurses.
const noMoreChildren = ^uint32(0)

// Walker performs the depth-first traversal of a FAT32 directory tree,
// aggregating each file and directory's cluster chain into extents,
// relocating any extent that collides with a blocked ext4 metadata
// range, and streaming the result into an archiver.Writer.
type Walker struct {
	reader  *fatfs.Reader
	alloc   *extent.Allocator
	blocked *extent.BlockedSet
	writer  *archiver.Writer
	log     *logrus.Entry

	dirsVisited  int
	filesVisited int
}

// NewWalker builds a Walker ready to traverse reader's root directory.
func NewWalker(reader *fatfs.Reader, alloc *extent.Allocator, blocked *extent.BlockedSet, writer *archiver.Writer, log *logrus.Entry) *Walker {
	return &Walker{reader: reader, alloc: alloc, blocked: blocked, writer: writer, log: log}
}

// DirsVisited and FilesVisited report how many directories/files the
// walk touched, for the summary the orchestrator logs after each phase.
func (w *Walker) DirsVisited() int  { return w.dirsVisited }
func (w *Walker) FilesVisited() int { return w.filesVisited }

// Walk traverses the whole volume starting at the root directory and
// returns the head cluster of the archived stream via w.writer.Finish.
func (w *Walker) Walk() (uint32, error) {
	rootChain, err := w.reader.RootChain()
	if err != nil {
		return 0, abort("read root directory chain: %v", err)
	}
	rootEntry := fatfs.Entry{
		Name:  "",
		IsDir: true,
	}
	if err := w.writeNode(rootEntry, rootChain); err != nil {
		return 0, err
	}
	head, err := w.writer.Finish()
	if err != nil {
		return 0, abort("finish archiver stream: %v", err)
	}
	return head, nil
}

// writeNode relocates entry's own cluster chain and writes its four
// archiver groups (dentry, name units, extents, child count), recursing
// into entry's children if it is a directory.
func (w *Walker) writeNode(entry fatfs.Entry, ownChain []uint32) error {
	ownExtents, err := w.relocateChain(ownChain)
	if err != nil {
		return err
	}

	if err := w.writeDentryGroup(entry); err != nil {
		return err
	}
	if err := w.writeNameGroup(entry.Name); err != nil {
		return err
	}
	if err := w.writeExtentGroup(ownExtents); err != nil {
		return err
	}

	if !entry.IsDir {
		w.filesVisited++
		return w.writeChildCount(noMoreChildren)
	}
	w.dirsVisited++
	if w.log != nil {
		w.log.WithField("dir", entry.Name).Debug("walking directory")
	}

	children, err := w.reader.ReadDirectory(ownChain)
	if err != nil {
		return abort("read directory %q: %v", entry.Name, err)
	}
	if err := w.writeChildCount(uint32(len(children))); err != nil {
		return err
	}
	for _, child := range children {
		childChain, err := w.reader.FAT.Chain(child.FirstCluster)
		if err != nil {
			return abort("follow chain for %q: %v", child.Name, err)
		}
		if err := w.writeNode(child, childChain); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) writeDentryGroup(entry fatfs.Entry) error {
	rec := make([]byte, dentryRecordSize)
	rec[0] = entry.Attr
	putUint32(rec[4:], uint32(clampUnix(entry.CreatedUnix)))
	putUint32(rec[8:], uint32(clampUnix(entry.ModifiedUnix)))
	putUint32(rec[12:], uint32(clampUnix(entry.AccessedUnix)))
	putUint32(rec[16:], entry.Size)

	if err := w.writer.BeginGroup(1, dentryRecordSize); err != nil {
		return abort("begin dentry group: %v", err)
	}
	if err := w.writer.Append(rec); err != nil {
		return abort("append dentry record: %v", err)
	}
	return nil
}

func (w *Walker) writeNameGroup(name string) error {
	units, err := ondisk.UTF8ToUCS2(name)
	if err != nil {
		return abort("encode name %q as UCS-2: %v", name, err)
	}
	if err := w.writer.BeginGroup(uint32(len(units)), nameUnitRecordSize); err != nil {
		return abort("begin name group: %v", err)
	}
	for _, u := range units {
		rec := []byte{byte(u), byte(u >> 8)}
		if err := w.writer.Append(rec); err != nil {
			return abort("append name unit: %v", err)
		}
	}
	return nil
}

func (w *Walker) writeExtentGroup(exts []extent.Extent) error {
	if err := w.writer.BeginGroup(uint32(len(exts)), extentRecordSize); err != nil {
		return abort("begin extent group: %v", err)
	}
	for _, e := range exts {
		rec := make([]byte, extentRecordSize)
		putUint32(rec[0:], e.LogicalStart)
		putUint32(rec[4:], e.Length)
		putUint32(rec[8:], e.PhysicalStart)
		if err := w.writer.Append(rec); err != nil {
			return abort("append extent record: %v", err)
		}
	}
	return nil
}

func (w *Walker) writeChildCount(n uint32) error {
	if err := w.writer.BeginGroup(1, childCountRecordSize); err != nil {
		return abort("begin child-count group: %v", err)
	}
	rec := make([]byte, childCountRecordSize)
	putUint32(rec, n)
	if err := w.writer.Append(rec); err != nil {
		return abort("append child-count record: %v", err)
	}
	return nil
}

// relocateChain aggregates chain into maximal contiguous extents, then
// fragments and relocates the portions that fall inside a blocked
// range. Chains outside blocked territory pass through untouched.
func (w *Walker) relocateChain(chain []uint32) ([]extent.Extent, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	var out []extent.Extent
	for _, e := range aggregateChain(chain) {
		relocated, err := w.fragmentAndRelocate(e)
		if err != nil {
			return nil, err
		}
		out = append(out, relocated...)
	}
	return out, nil
}

// aggregateChain merges a cluster chain into the fewest possible
// contiguous extents, capping each at extent.MaxExtentLength.
func aggregateChain(chain []uint32) []extent.Extent {
	var exts []extent.Extent
	var logical uint32
	i := 0
	for i < len(chain) {
		start := chain[i]
		length := uint32(1)
		for i+int(length) < len(chain) &&
			chain[i+int(length)] == start+length &&
			length < extent.MaxExtentLength {
			length++
		}
		exts = append(exts, extent.Extent{LogicalStart: logical, Length: length, PhysicalStart: start})
		logical += length
		i += int(length)
	}
	return exts
}

// fragmentAndRelocate splits e at every blocked-range boundary it
// crosses, leaving unblocked sub-ranges untouched and resettling blocked
// sub-ranges into freshly allocated clusters (copying their data),
// preserving e's logical offsets across the split.
func (w *Walker) fragmentAndRelocate(e extent.Extent) ([]extent.Extent, error) {
	var out []extent.Extent
	pos := e.PhysicalStart
	end := e.End()
	logical := e.LogicalStart

	for pos < end {
		blocked, isBlocked := w.blocked.Covers(pos)
		if !isBlocked {
			subEnd := end
			if next, ok := w.blocked.NextBlockedAtOrAfter(pos); ok && next.Start < subEnd {
				subEnd = next.Start
			}
			length := subEnd - pos
			out = append(out, extent.Extent{LogicalStart: logical, Length: length, PhysicalStart: pos})
			logical += length
			pos = subEnd
			continue
		}

		blockedEnd := blocked.End
		if blockedEnd > end {
			blockedEnd = end
		}
		remaining := blockedEnd - pos
		for remaining > 0 {
			fresh, err := w.alloc.AllocateExtent(remaining)
			if err != nil {
				return nil, abort("relocate blocked extent: %v", err)
			}
			if err := w.copyClusters(pos, fresh.PhysicalStart, fresh.Length); err != nil {
				return nil, err
			}
			out = append(out, extent.Extent{LogicalStart: logical, Length: fresh.Length, PhysicalStart: fresh.PhysicalStart})
			logical += fresh.Length
			pos += fresh.Length
			remaining -= fresh.Length
		}
	}
	return out, nil
}

// copyClusters copies length contiguous clusters from src to dst.
// Source and destination ranges never overlap: dst always comes from
// the allocator, which never hands out a cluster the FAT-used bitmap or
// blocked-extent set already claims.
func (w *Walker) copyClusters(src, dst, length uint32) error {
	for i := uint32(0); i < length; i++ {
		srcBytes, err := w.reader.ClusterBytes(src + i)
		if err != nil {
			return abort("read cluster %d for relocation: %v", src+i, err)
		}
		dstBytes, err := w.reader.ClusterBytes(dst + i)
		if err != nil {
			return abort("read cluster %d for relocation: %v", dst+i, err)
		}
		copy(dstBytes, srcBytes)
	}
	return nil
}

func clampUnix(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > 0x7FFFFFFF {
		return 0x7FFFFFFF
	}
	return v
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
