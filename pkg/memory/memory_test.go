package memory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestRAM(t *testing.T, base uint32, size int) *RAM {
	t.Helper()
	r, err := NewRAM(base, size)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBigEndianAccess(t *testing.T) {
	r := newTestRAM(t, 0x1000, 2*PageSize)

	r.Write32(0x1000, 0x11223344)
	got, err := r.Bytes(0x1000, 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if diff := cmp.Diff([]byte{0x11, 0x22, 0x33, 0x44}, got); diff != "" {
		t.Errorf("stored bytes mismatch (-expected +actual):\n%s", diff)
	}
	if v := r.Read16(0x1002); v != 0x3344 {
		t.Errorf("Read16 = %#x, want 0x3344", v)
	}
	if v := r.Read8(0x1001); v != 0x22 {
		t.Errorf("Read8 = %#x, want 0x22", v)
	}

	r.Write64(0x1008, 0x0102030405060708)
	if v := r.Read64(0x1008); v != 0x0102030405060708 {
		t.Errorf("Read64 = %#x", v)
	}
	r.Write16(0x1010, 0xBEEF)
	r.Write8(0x1012, 0x7F)
	if v := r.Read32(0x1010); v != 0xBEEF7F00 {
		t.Errorf("Read32 = %#x, want 0xbeef7f00", v)
	}
}

func TestFaults(t *testing.T) {
	r := newTestRAM(t, 0x1000, PageSize)

	type fault struct {
		Addr  uint32
		Size  int
		Write bool
	}
	var faults []fault
	r.SetFaultHandler(func(addr uint32, size int, write bool) {
		faults = append(faults, fault{addr, size, write})
	})

	if v := r.Read32(0x0ffc); v != 0 {
		t.Errorf("read below base = %#x, want 0", v)
	}
	r.Write32(0x1ffe, 1) // straddles the end
	r.Read8(0x2000)

	expected := []fault{
		{0x0ffc, 4, false},
		{0x1ffe, 4, true},
		{0x2000, 1, false},
	}
	if diff := cmp.Diff(expected, faults); diff != "" {
		t.Errorf("faults mismatch (-expected +actual):\n%s", diff)
	}
}

func TestPermissions(t *testing.T) {
	r := newTestRAM(t, 0, 3*PageSize)
	if err := r.Load(PageSize, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.SetAccess(PageSize, 2*PageSize, Immutable); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}
	if err := r.SetAccess(2*PageSize, 3*PageSize, Inaccessible); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}

	faults := 0
	r.SetFaultHandler(func(uint32, int, bool) { faults++ })

	if !r.ReadOnly(PageSize + 8) {
		t.Error("page 1 should be read-only")
	}
	if r.ReadOnly(0) {
		t.Error("page 0 should be writable")
	}
	if v := r.Read32(PageSize); v != 0xdeadbeef {
		t.Errorf("read from immutable page = %#x", v)
	}
	r.Write32(PageSize, 0)
	if v := r.Read32(PageSize); v != 0xdeadbeef {
		t.Errorf("write to immutable page took effect: %#x", v)
	}
	r.Read8(2 * PageSize)
	if faults != 2 {
		t.Errorf("faults = %d, want 2", faults)
	}
}

func TestWatchWrites(t *testing.T) {
	r := newTestRAM(t, 0, PageSize)
	type write struct {
		Addr uint32
		Size int
	}
	var writes []write
	r.WatchWrites(func(addr uint32, size int) {
		writes = append(writes, write{addr, size})
	})

	r.Write32(0x10, 1)
	r.Write8(0x20, 1)
	r.Load(0x40, make([]byte, 12))
	r.Write32(PageSize, 1) // faults, not reported
	r.WatchWrites(nil)
	r.Write16(0x30, 1)

	expected := []write{{0x10, 4}, {0x20, 1}, {0x40, 12}}
	if diff := cmp.Diff(expected, writes); diff != "" {
		t.Errorf("writes mismatch (-expected +actual):\n%s", diff)
	}
}

func TestNewRAMRejectsBadWindow(t *testing.T) {
	if _, err := NewRAM(0x123, PageSize); err == nil {
		t.Error("unaligned base should fail")
	}
	if _, err := NewRAM(0xFFFFF000, 2*PageSize); err == nil {
		t.Error("window past 4GiB should fail")
	}
}
