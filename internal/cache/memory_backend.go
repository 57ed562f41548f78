package cache

import "context"

// MemoryBackend is an in-process Backend used by tests and as the
// no-Redis-configured fallback, mirroring idempotency.Store's in-memory
// fallback path.
type MemoryBackend struct {
	blob string
	set  bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) (string, bool, error) {
	if !m.set {
		return "", false, nil
	}
	return m.blob, true, nil
}

func (m *MemoryBackend) Save(ctx context.Context, blob string) error {
	m.blob = blob
	m.set = true
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.blob = ""
	m.set = false
	return nil
}
