package ppc

import (
	"testing"

	"ppcjit/pkg/memory"
)

// Instruction encoders for test programs.

func li(rd uint32, imm int32) uint32 { return 14<<26 | rd<<21 | uint32(imm)&0xffff }
func addi(rd, ra uint32, imm int32) uint32 { return 14<<26 | rd<<21 | ra<<16 | uint32(imm)&0xffff }
func lis(rd, imm uint32) uint32 { return 15<<26 | rd<<21 | imm&0xffff }
func ori(ra, rs, imm uint32) uint32 { return 24<<26 | rs<<21 | ra<<16 | imm&0xffff }
func add(rd, ra, rb uint32) uint32 { return 31<<26 | rd<<21 | ra<<16 | rb<<11 | 266<<1 }
func subf(rd, ra, rb uint32) uint32 { return 31<<26 | rd<<21 | ra<<16 | rb<<11 | 40<<1 }
func or(ra, rs, rb uint32) uint32 { return 31<<26 | rs<<21 | ra<<16 | rb<<11 | 444<<1 }
func cmpwi(ra uint32, imm int32) uint32 { return 11<<26 | ra<<16 | uint32(imm)&0xffff }
func rlwinm(ra, rs, sh, mb, me uint32) uint32 {
	return 21<<26 | rs<<21 | ra<<16 | sh<<11 | mb<<6 | me<<1
}
func lwz(rd, ra uint32, d int32) uint32 { return 32<<26 | rd<<21 | ra<<16 | uint32(d)&0xffff }
func stw(rs, ra uint32, d int32) uint32 { return 36<<26 | rs<<21 | ra<<16 | uint32(d)&0xffff }
func b(disp int32) uint32 { return 18<<26 | uint32(disp)&0x3fffffc }
func bl(disp int32) uint32 { return b(disp) | 1 }
func bne(disp int32) uint32 { return 16<<26 | 4<<21 | 2<<16 | uint32(disp)&0xfffc }
func icbi(ra, rb uint32) uint32 { return 31<<26 | ra<<16 | rb<<11 | 982<<1 }
func mflr(rd uint32) uint32 { return 0x7c0802a6 | rd<<21 }

const (
	blr     = 0x4e800020
	nop     = 0x60000000
	scWord  = 0x44000002
	illegal = 0x00000000

	stubPC = 0x2000
	ramTop = 1 << 20
)

var execReturnWord = EmulOpcode(ExecReturn)

var strategies = []Strategy{StrategyInterpret, StrategyThreaded, StrategyJIT}

// newTestCPU maps 1MiB of RAM at 0 with an exec-return stub at stubPC that
// LR points at.
func newTestCPU(t *testing.T, s Strategy, configure func(*Options)) (*CPU, *memory.RAM) {
	t.Helper()
	ram, err := memory.NewRAM(0, ramTop)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	opts := Options{
		Memory:       ram,
		Strategy:     s,
		FatalHandler: func(err error) { t.Fatalf("fatal engine error: %v", err) },
	}
	if configure != nil {
		configure(&opts)
	}
	cpu, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { cpu.Close() })
	load(t, ram, stubPC, execReturnWord)
	cpu.Registers().LR = stubPC
	return cpu, ram
}

func load(t *testing.T, ram *memory.RAM, addr uint32, words ...uint32) {
	t.Helper()
	for i, w := range words {
		ram.Write32(addr+uint32(4*i), w)
	}
}

func execute(t *testing.T, cpu *CPU, entry uint32, want ExitReason) {
	t.Helper()
	if got := cpu.Execute(entry); got != want {
		f, _ := cpu.LastFault()
		t.Fatalf("Execute(%#x) = %v, want %v (last fault: %v)", entry, got, want, f)
	}
}
