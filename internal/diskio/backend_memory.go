package diskio

// MemoryBackend is a Backend over a plain byte slice. Used by tests that
// exercise the full plan/dry-run/commit sequence without a real file.
type MemoryBackend struct {
	data []byte
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemory returns a MemoryBackend of the given size, zero-filled.
func NewMemory(size int) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

func (m *MemoryBackend) Bytes() []byte { return m.data }
func (m *MemoryBackend) Sync() error   { return nil }
func (m *MemoryBackend) Close() error  { return nil }
