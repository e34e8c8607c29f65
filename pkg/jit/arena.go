package jit

import (
	"fmt"
	"sync"

	"ppcjit/pkg/vmalloc"
)

const (
	DefaultCacheSize = 2 * 1024 * 1024 // 2MB, enough for tens of thousands of blocks
	MinCacheSize     = vmalloc.PageSize
)

// Arena is the bump-allocated translation cache. Every compiled block
// stores its code image here; when the arena is exhausted the whole cache
// is flushed and compilation restarts from the beginning.
//
// Pages past the committed prefix are kept inaccessible. Allocate opens
// them as the cache grows and Reset closes them again, so a stale slice
// from before a flush faults instead of reading recycled code.
type Arena struct {
	region    *vmalloc.Region
	buffer    []byte
	used      int
	committed int
	mu        sync.Mutex
}

// NewArena maps size bytes for the translation cache.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if size < MinCacheSize {
		size = MinCacheSize
	}
	region, err := vmalloc.Acquire(size)
	if err != nil {
		return nil, fmt.Errorf("failed to map translation cache: %w", err)
	}
	if err := region.Protect(0, region.Len(), vmalloc.ProtNone); err != nil {
		region.Release()
		return nil, fmt.Errorf("failed to protect translation cache: %w", err)
	}
	return &Arena{
		region: region,
		buffer: region.Bytes(),
	}, nil
}

func (a *Arena) commit(n int) error {
	if n <= a.committed {
		return nil
	}
	end := vmalloc.RoundUp(n, vmalloc.PageSize)
	if err := a.region.Protect(a.committed, end-a.committed, vmalloc.ProtRead|vmalloc.ProtWrite); err != nil {
		return fmt.Errorf("failed to commit translation cache: %w", err)
	}
	a.committed = end
	return nil
}

// Allocate reserves size bytes and returns the offset and slice.
func (a *Arena) Allocate(size int) (int, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == nil {
		return 0, nil, fmt.Errorf("translation cache released")
	}
	if a.used+size > len(a.buffer) {
		return 0, nil, ErrCacheFull
	}
	if err := a.commit(a.used + size); err != nil {
		return 0, nil, err
	}
	off := a.used
	a.used += size
	return off, a.buffer[off : off+size : off+size], nil
}

// Reset forgets every allocation. Slices handed out earlier must no longer
// be used.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
	if a.buffer == nil || a.committed == 0 {
		return
	}
	if err := a.region.Protect(0, a.committed, vmalloc.ProtNone); err == nil {
		a.committed = 0
	}
}

// Committed returns how many bytes are currently accessible.
func (a *Arena) Committed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// Free releases the mapping.
func (a *Arena) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == nil {
		return nil
	}
	a.buffer = nil
	a.used = 0
	a.committed = 0
	return a.region.Release()
}

// Used returns the number of bytes currently allocated
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Capacity returns the total capacity
func (a *Arena) Capacity() int {
	return len(a.buffer)
}

// GetBytes returns a copy of the bytes at [off, off+size)
func (a *Arena) GetBytes(off, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if off < 0 || off+size > a.used {
		return nil
	}
	out := make([]byte, size)
	copy(out, a.buffer[off:off+size])
	return out
}
