// Package vmalloc hands out page-aligned host memory regions for guest RAM
// and engine arenas.
package vmalloc

import "fmt"

const (
	PageSize = 1 << 12
)

// Protection flags for Protect.
type Protection int

const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
)

// Region is a page-aligned block of host memory.
type Region struct {
	buf    []byte
	mapped bool // true when backed by mmap and must be released with munmap
}

// RoundUp rounds size up to the next multiple of align (a power of two).
func RoundUp(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// Acquire allocates size bytes rounded up to whole pages, zero filled.
func Acquire(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vmalloc: invalid size %d", size)
	}
	size = RoundUp(size, PageSize)
	buf, mapped, err := acquire(size)
	if err != nil {
		return nil, fmt.Errorf("vmalloc: acquire %d bytes: %w", size, err)
	}
	return &Region{buf: buf, mapped: mapped}, nil
}

// Bytes returns the region contents. Nil after Release.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Len returns the region size in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Protect changes the access rights of [offset, offset+length). The range is
// widened to page boundaries.
func (r *Region) Protect(offset, length int, prot Protection) error {
	if r.buf == nil {
		return fmt.Errorf("vmalloc: protect on released region")
	}
	start := offset &^ (PageSize - 1)
	end := RoundUp(offset+length, PageSize)
	if start < 0 || end > len(r.buf) || start >= end {
		return fmt.Errorf("vmalloc: protect range [%#x,%#x) outside region of %#x bytes", offset, offset+length, len(r.buf))
	}
	if !r.mapped {
		return nil
	}
	return protect(r.buf[start:end], prot)
}

// Release returns the memory to the host. Safe to call twice.
func (r *Region) Release() error {
	if r.buf == nil {
		return nil
	}
	var err error
	if r.mapped {
		err = release(r.buf)
	}
	r.buf = nil
	return err
}
