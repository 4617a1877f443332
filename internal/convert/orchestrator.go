package convert

import (
	"github.com/ofs2ext4/fat2ext4/internal/archiver"
	"github.com/ofs2ext4/fat2ext4/internal/ext4build"
	"github.com/ofs2ext4/fat2ext4/internal/ext4layout"
	"github.com/ofs2ext4/fat2ext4/internal/extent"
	"github.com/ofs2ext4/fat2ext4/internal/fatfs"
	"github.com/sirupsen/logrus"
)

// Options controls one conversion run.
type Options struct {
	// Force lets the conversion proceed when the clusters the ext4
	// layout drops from the end of the volume hold live data, which is
	// then lost. No external FAT check is run with or without it.
	Force bool
	// CreatedAt seeds the superblock's creation/mkfs timestamps. Held
	// fixed across the dry run and the commit so both produce the exact
	// same layout and allocation trace.
	CreatedAt int64
	Log       *logrus.Logger
}

// BuildPlan runs phase 1: parse the boot sector, compute the target
// ext4 layout, and, when that layout drops trailing clusters and Force
// is off, scan the FAT for live data in them. It performs
// no writes. Any rejection here is Refused, never Aborted or Corrupted.
func BuildPlan(image []byte, opts Options) (*fatfs.Reader, *ext4layout.Layout, *extent.BlockedSet, error) {
	reader, err := fatfs.Open(image)
	if err != nil {
		return nil, nil, nil, refuse("open FAT32 volume: %v", err)
	}

	// Cluster numbers and ext4 block numbers are the same address space
	// by construction (extent.Extent's doc comment): a physical_start a
	// FAT walk records must land at the byte offset ext4layout.Layout
	// would compute for that same number as a block. That only holds if
	// the data region begins exactly two clusters into the image, since
	// cluster numbering starts at 2 and block numbering starts at 0.
	if want := 2 * uint64(reader.Geo.ClusterSize); reader.Geo.DataStartByte != want {
		return nil, nil, nil, refuse(
			"data region starts at byte %d, need %d (2 clusters in): in-place conversion requires "+
				"FAT cluster numbers and ext4 block numbers to address the same bytes",
			reader.Geo.DataStartByte, want)
	}

	layout, err := ext4layout.Plan(reader.Geo.ClusterSize, reader.Geo.ClusterCount, opts.CreatedAt)
	if err != nil {
		return nil, nil, nil, refuse("compute ext4 layout: %v", err)
	}

	if layout.ShortenedClusters > 0 && !opts.Force {
		used, err := reader.FAT.UsedBitmap()
		if err != nil {
			return nil, nil, nil, refuse("scan FAT for used clusters: %v", err)
		}
		for c := layout.TotalBlocks; c < layout.TotalBlocks+layout.ShortenedClusters; c++ {
			if used.Test(uint64(c)) {
				return nil, nil, nil, refuse(
					"ext4 metadata needs %d fewer blocks than the volume has clusters, "+
						"and cluster %d in that trailing range holds live data; pass --force to convert anyway and lose it",
					layout.ShortenedClusters, c)
			}
		}
	}

	blocked := extent.BuildBlockedSet(layout)
	return reader, layout, blocked, nil
}

// Run executes the full conversion: plan, a dry-run walk that performs
// every relocation copy and allocation decision but throws its archived
// stream away, the real commit walk whose stream feeds the ext4
// builder, a builder dry run over that same committed stream against a
// scratch bitmap and a discarded backend, and finally the one real
// builder commit. The FAT-walk dry run and the commit must allocate
// identically — any divergence means the allocator or the FAT walk is
// not deterministic, and the run is aborted rather than handed to the
// builder with an untrustworthy stream. The builder dry run exists so a
// builder-class failure surfaces before the real backend is touched.
func Run(image []byte, backend ext4build.Backend, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	reader, layout, blocked, err := BuildPlan(image, opts)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"clusters": reader.Geo.ClusterCount,
		"groups":   layout.GroupCount,
	}).Info("computed target layout")
	log.Debug(layout.String())

	usedBitmap, err := reader.FAT.UsedBitmap()
	if err != nil {
		return abort("scan FAT for used clusters: %v", err)
	}

	log.Info("starting dry run")
	dryAlloc := extent.NewAllocator(usedBitmap.Clone(), blocked)
	dryHead, err := runWalk(reader, dryAlloc, blocked, log.WithField("phase", "dry-run"))
	if err != nil {
		return err
	}
	dryTrace := dryAlloc.Trace()

	log.Info("starting commit")
	commitAlloc := extent.NewAllocator(usedBitmap.Clone(), blocked)
	commitHead, err := runWalk(reader, commitAlloc, blocked, log.WithField("phase", "commit"))
	if err != nil {
		// Only free-space relocation copies have happened so far, no live
		// FAT structure and no ext4 metadata: the volume still mounts as
		// FAT32, so this is recoverable, not corrupted.
		return abort("commit walk failed after dry run already wrote relocated data: %v", err)
	}
	commitTrace := commitAlloc.Trace()

	if !extent.TracesEqual(dryTrace, commitTrace) {
		return abort("dry-run and commit allocation traces diverge: FAT walk or allocator is not deterministic")
	}
	_ = dryHead // the dry run's stream is never read; only its trace matters

	// The committed stream now sits on real, relocated clusters, but the
	// builder itself hasn't run yet: re-walk that stream once more
	// against a scratch copy of the allocator's bitmap and a discarded
	// backend, so a builder-class failure (a name too long once decoded,
	// the metadata allocator running out of room, group overhead
	// overflow) surfaces as an abort here rather than partway through
	// the one commit that actually writes ext4 metadata.
	log.Info("dry-running builder")
	scratchAlloc := extent.NewAllocator(commitAlloc.Bitmap().Clone(), blocked)
	scratchBackend := newDiscardBackend(layout.BlockOffset(layout.TotalBlocks))
	dryBuilder, err := ext4build.NewBuilder(scratchBackend, layout, scratchAlloc)
	if err != nil {
		return abort("initialize dry-run ext4 builder: %v", err)
	}
	if err := dryBuilder.Build(reader, commitHead); err != nil {
		return abort("builder dry run rejected the archived tree: %v", err)
	}

	log.Info("starting builder commit")
	builder, err := ext4build.NewBuilder(backend, layout, commitAlloc)
	if err != nil {
		return corrupt("initialize ext4 builder: %v", err)
	}
	if err := builder.Build(reader, commitHead); err != nil {
		return corrupt("build ext4 metadata: %v", err)
	}

	log.Info("conversion complete")
	return nil
}

// discardBackend is a scratch image buffer for the builder's dry run:
// large enough to satisfy ext4build.NewBuilder's size check, never
// synced or read back by anything but the dry run itself.
type discardBackend struct {
	buf []byte
}

func newDiscardBackend(size uint64) *discardBackend {
	return &discardBackend{buf: make([]byte, size)}
}

func (d *discardBackend) Bytes() []byte { return d.buf }
func (d *discardBackend) Sync() error   { return nil }
func (d *discardBackend) Close() error  { return nil }

func runWalk(reader *fatfs.Reader, alloc *extent.Allocator, blocked *extent.BlockedSet, log *logrus.Entry) (uint32, error) {
	writer, err := archiver.NewWriter(reader, alloc, reader.Geo.ClusterSize)
	if err != nil {
		return 0, abort("create archiver: %v", err)
	}
	walker := NewWalker(reader, alloc, blocked, writer, log)
	head, err := walker.Walk()
	if err != nil {
		return 0, err
	}
	log.WithFields(logrus.Fields{
		"dirs":  walker.DirsVisited(),
		"files": walker.FilesVisited(),
	}).Info("walk complete")
	return head, nil
}
