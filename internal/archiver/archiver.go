// Package archiver implements an append-only, typed record log backed by
// allocator-issued clusters, exposed as BeginGroup/Append/read-side
// group iteration rather than raw pointers so a reader can be forked to
// scan ahead using (page, offset) tokens instead of addresses. Pages
// chain via a leading next-pointer, with the tail buffer flushed to a
// freshly allocated cluster on overflow.
package archiver

import (
	"encoding/binary"
	"fmt"

	"github.com/ofs2ext4/fat2ext4/internal/extent"
)

const (
	// pageAddressSize is the width of a page's leading next-pointer: a
	// single little-endian uint32 cluster number.
	pageAddressSize = 4
	// minPagePayload guards against a cluster size so small a page could
	// hold its own next-pointer and nothing else.
	minPagePayload = 50
	// groupHeaderSize is the on-disk encoding of Header{len, size}: two
	// uint32s (element count, element byte size).
	groupHeaderSize = 8

	noPage = ^uint32(0)
)

// ClusterStore is the minimal image access the archiver needs: byte
// windows keyed by absolute cluster number. internal/fatfs.Reader
// satisfies it.
type ClusterStore interface {
	ClusterBytes(cluster uint32) ([]byte, error)
}

// Writer is the single-writer half of the archiver.
type Writer struct {
	store ClusterStore
	alloc *extent.Allocator
	pageSize int
	head uint32
	previous uint32
	tail []byte
	posInTail int
	pending uint32 // objects still expected in the current group
	elemSize int
	pageClusters []uint32
}

// NewWriter creates a Writer whose pages are single clusters of
// clusterSize bytes, allocated from alloc as needed.
func NewWriter(store ClusterStore, alloc *extent.Allocator, clusterSize uint32) (*Writer, error) {
	if int(clusterSize) < pageAddressSize+minPagePayload {
		return nil, fmt.Errorf("cluster size %d too small for the archiver's page header", clusterSize)
	}
	return &Writer{
		store: store,
		alloc: alloc,
		pageSize: int(clusterSize),
		head: noPage,
		previous: noPage,
		tail: make([]byte, clusterSize),
		posInTail: pageAddressSize,
	}, nil
}

// BeginGroup cuts the stream and reserves a header recording how many
// elemSize-byte records the caller is about to Append.
func (w *Writer) BeginGroup(count uint32, elemSize int) error {
	if w.pending != 0 {
		return fmt.Errorf("archiver: BeginGroup called with %d records still pending in current group", w.pending)
	}
	hdr := make([]byte, groupHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], count)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(elemSize))
	if err := w.addBytes(hdr); err != nil {
		return err
	}
	w.pending = count
	w.elemSize = elemSize
	return nil
}

// Append writes one record of the current group. len(record) must equal
// the elemSize passed to BeginGroup.
func (w *Writer) Append(record []byte) error {
	if w.pending == 0 {
		return fmt.Errorf("archiver: Append called with no group open")
	}
	if len(record) != w.elemSize {
		return fmt.Errorf("archiver: record size %d does not match group element size %d", len(record), w.elemSize)
	}
	if err := w.addBytes(record); err != nil {
		return err
	}
	w.pending--
	return nil
}

func (w *Writer) addBytes(b []byte) error {
	if w.pageSize-w.posInTail < len(b) {
		if err := w.writePage(); err != nil {
			return err
		}
	}
	copy(w.tail[w.posInTail:], b)
	w.posInTail += len(b)
	return nil
}

func (w *Writer) writePage() error {
	pageExt, err := w.alloc.AllocateExtent(1)
	if err != nil {
		return fmt.Errorf("archiver: allocate page: %w", err)
	}
	pageCluster := pageExt.PhysicalStart

	if w.head == noPage {
		w.head = pageCluster
	} else {
		prevBytes, err := w.store.ClusterBytes(w.previous)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(prevBytes[:pageAddressSize], pageCluster)
	}

	dst, err := w.store.ClusterBytes(pageCluster)
	if err != nil {
		return err
	}
	copy(dst, w.tail)

	w.previous = pageCluster
	w.pageClusters = append(w.pageClusters, pageCluster)
	for i := range w.tail {
		w.tail[i] = 0
	}
	w.posInTail = pageAddressSize
	return nil
}

// Finish flushes the in-memory tail into its own final page and returns
// the head cluster a Reader should start from.
func (w *Writer) Finish() (uint32, error) {
	if err := w.writePage(); err != nil {
		return 0, err
	}
	return w.head, nil
}

// Pages returns every cluster the writer has allocated, in write order.
// Reader has its own equivalent (Pages, tracking pages as it follows
// next-pointers) for callers that only hold the read side of a stream.
func (w *Writer) Pages() []uint32 {
	cp := make([]uint32, len(w.pageClusters))
	copy(cp, w.pageClusters)
	return cp
}
