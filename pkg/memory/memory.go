// Package memory provides the guest address space the engine fetches
// instructions from and handlers load and store through.
package memory

import (
	"encoding/binary"
	"fmt"

	"ppcjit/pkg/vmalloc"
)

const PageSize = vmalloc.PageSize

// Memory is the read/write hook set the engine consumes. Values are
// big-endian, as seen by the guest.
type Memory interface {
	Read8(addr uint32) uint8
	Read16(addr uint32) uint16
	Read32(addr uint32) uint32
	Read64(addr uint32) uint64
	Write8(addr uint32, v uint8)
	Write16(addr uint32, v uint16)
	Write32(addr uint32, v uint32)
	Write64(addr uint32, v uint64)
}

// ReadOnlyChecker is implemented by memories that can tell the engine which
// addresses can never be written by the guest. Blocks decoded from such
// addresses are never scanned by range invalidation.
type ReadOnlyChecker interface {
	ReadOnly(addr uint32) bool
}

// Watchable memories report guest writes so cached code can be invalidated.
type Watchable interface {
	WatchWrites(fn WriteFunc)
}

// FaultReporter memories report bad accesses instead of panicking.
type FaultReporter interface {
	SetFaultHandler(fn FaultFunc)
}

// Access permission for a RAM page.
type Access uint8

const (
	Inaccessible Access = iota
	Immutable
	Mutable
)

// FaultFunc receives guest accesses that fall outside the mapped range or
// violate page permissions.
type FaultFunc func(addr uint32, size int, write bool)

// WriteFunc observes every successful guest write.
type WriteFunc func(addr uint32, size int)

// RAM is a flat guest memory window [base, base+size) backed by an
// anonymous host mapping.
type RAM struct {
	region      *vmalloc.Region
	buffer      []byte
	base        uint32
	permissions []Access // one entry per page
	onFault     FaultFunc
	onWrite     WriteFunc
}

// NewRAM maps size bytes of guest memory at base. All pages start Mutable.
func NewRAM(base uint32, size int) (*RAM, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("memory: base %#x not page aligned", base)
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("memory: window [%#x,+%#x) exceeds 32-bit address space", base, size)
	}
	region, err := vmalloc.Acquire(size)
	if err != nil {
		return nil, err
	}
	buffer := region.Bytes()[:size]
	permissions := make([]Access, vmalloc.RoundUp(size, PageSize)/PageSize)
	for i := range permissions {
		permissions[i] = Mutable
	}
	return &RAM{
		region:      region,
		buffer:      buffer,
		base:        base,
		permissions: permissions,
	}, nil
}

// Close releases the host mapping.
func (r *RAM) Close() error {
	r.buffer = nil
	return r.region.Release()
}

func (r *RAM) Base() uint32 { return r.base }
func (r *RAM) Size() int { return len(r.buffer) }

// SetFaultHandler installs the sink for bad guest accesses. The engine
// routes it into its fault state.
func (r *RAM) SetFaultHandler(fn FaultFunc) {
	r.onFault = fn
}

// WatchWrites installs fn to be called after every guest write. Passing nil
// removes the watch.
func (r *RAM) WatchWrites(fn WriteFunc) {
	r.onWrite = fn
}

// SetAccess sets the permission of every page touching [start, end).
func (r *RAM) SetAccess(start, end uint32, access Access) error {
	if end <= start {
		return nil
	}
	off, ok := r.offset(start, int(end-start))
	if !ok {
		return fmt.Errorf("memory: range [%#x,%#x) outside guest window", start, end)
	}
	first := off / PageSize
	last := (off + int(end-start) - 1) / PageSize
	for p := first; p <= last; p++ {
		r.permissions[p] = access
	}
	return nil
}

// ReadOnly reports whether the page holding addr is Immutable.
func (r *RAM) ReadOnly(addr uint32) bool {
	off, ok := r.offset(addr, 1)
	if !ok {
		return false
	}
	return r.permissions[off/PageSize] == Immutable
}

// Load copies data into guest memory at addr, bypassing permissions. The
// write watch still fires so loaders can rely on it for invalidation.
func (r *RAM) Load(addr uint32, data []byte) error {
	off, ok := r.offset(addr, len(data))
	if !ok {
		return fmt.Errorf("memory: load of %d bytes at %#x outside guest window", len(data), addr)
	}
	copy(r.buffer[off:], data)
	if r.onWrite != nil && len(data) > 0 {
		r.onWrite(addr, len(data))
	}
	return nil
}

// Bytes returns a copy of [addr, addr+n).
func (r *RAM) Bytes(addr uint32, n int) ([]byte, error) {
	off, ok := r.offset(addr, n)
	if !ok {
		return nil, fmt.Errorf("memory: read of %d bytes at %#x outside guest window", n, addr)
	}
	out := make([]byte, n)
	copy(out, r.buffer[off:off+n])
	return out, nil
}

func (r *RAM) offset(addr uint32, size int) (int, bool) {
	if addr < r.base {
		return 0, false
	}
	off := uint64(addr - r.base)
	if off+uint64(size) > uint64(len(r.buffer)) {
		return 0, false
	}
	return int(off), true
}

func (r *RAM) check(addr uint32, size int, write bool) (int, bool) {
	off, ok := r.offset(addr, size)
	if ok {
		first := off / PageSize
		last := (off + size - 1) / PageSize
		for p := first; p <= last && ok; p++ {
			switch r.permissions[p] {
			case Inaccessible:
				ok = false
			case Immutable:
				ok = !write
			}
		}
	}
	if !ok && r.onFault != nil {
		r.onFault(addr, size, write)
	}
	return off, ok
}

func (r *RAM) Read8(addr uint32) uint8 {
	off, ok := r.check(addr, 1, false)
	if !ok {
		return 0
	}
	return r.buffer[off]
}

func (r *RAM) Read16(addr uint32) uint16 {
	off, ok := r.check(addr, 2, false)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint16(r.buffer[off:])
}

func (r *RAM) Read32(addr uint32) uint32 {
	off, ok := r.check(addr, 4, false)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint32(r.buffer[off:])
}

func (r *RAM) Read64(addr uint32) uint64 {
	off, ok := r.check(addr, 8, false)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(r.buffer[off:])
}

func (r *RAM) Write8(addr uint32, v uint8) {
	off, ok := r.check(addr, 1, true)
	if !ok {
		return
	}
	r.buffer[off] = v
	r.written(addr, 1)
}

func (r *RAM) Write16(addr uint32, v uint16) {
	off, ok := r.check(addr, 2, true)
	if !ok {
		return
	}
	binary.BigEndian.PutUint16(r.buffer[off:], v)
	r.written(addr, 2)
}

func (r *RAM) Write32(addr uint32, v uint32) {
	off, ok := r.check(addr, 4, true)
	if !ok {
		return
	}
	binary.BigEndian.PutUint32(r.buffer[off:], v)
	r.written(addr, 4)
}

func (r *RAM) Write64(addr uint32, v uint64) {
	off, ok := r.check(addr, 8, true)
	if !ok {
		return
	}
	binary.BigEndian.PutUint64(r.buffer[off:], v)
	r.written(addr, 8)
}

func (r *RAM) written(addr uint32, size int) {
	if r.onWrite != nil {
		r.onWrite(addr, size)
	}
}
