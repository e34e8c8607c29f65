package ppc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ppcjit/pkg/jit"
	"ppcjit/pkg/recorder"
)

// doubleProgram is li r3,imm; add r3,r3,r3; blr.
func doubleProgram(imm int32) []uint32 {
	return []uint32{li(3, imm), add(3, 3, 3), blr}
}

func TestSelfModifyingCode(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, doubleProgram(21)...)

			execute(t, cpu, 0x1000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 42 {
				t.Fatalf("r3 = %d, want 42", r3)
			}
			if pc := cpu.PC(); pc != stubPC {
				t.Errorf("pc = %#x, want %#x", pc, stubPC)
			}

			// Rewrite the add behind the engine's back. Cached strategies keep
			// running the old code until told.
			ram.Write32(0x1004, subf(3, 3, 3))
			execute(t, cpu, 0x1000, ExitReturn)
			want := uint32(42)
			if s == StrategyInterpret {
				want = 0
			}
			if r3 := cpu.Registers().GPR[3]; r3 != want {
				t.Errorf("before invalidation r3 = %d, want %d", r3, want)
			}

			cpu.InvalidateRange(0x1004, 0x1008)
			execute(t, cpu, 0x1000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 0 {
				t.Errorf("after invalidation r3 = %d, want 0", r3)
			}
		})
	}
}

// loopProgram sums 10..1 into r3, round-trips it through memory and shifts
// it left by two.
var loopProgram = []uint32{
	li(3, 0),               // 1000
	li(4, 10),              // 1004
	add(3, 3, 4),           // 1008
	addi(4, 4, -1),         // 100c
	cmpwi(4, 0),            // 1010
	bne(-12),               // 1014 -> 1008
	stw(3, 0, 0x800),       // 1018
	lwz(6, 0, 0x800),       // 101c
	rlwinm(7, 6, 2, 0, 29), // 1020
	or(8, 7, 7),            // 1024
	blr,                    // 1028
}

func TestStrategiesAgree(t *testing.T) {
	var results []Registers
	for _, s := range strategies {
		cpu, ram := newTestCPU(t, s, nil)
		load(t, ram, 0x1000, loopProgram...)
		execute(t, cpu, 0x1000, ExitReturn)
		results = append(results, *cpu.Registers())
	}
	want := results[0]
	if want.GPR[3] != 55 || want.GPR[7] != 220 || want.GPR[8] != 220 || want.CR != CrEQ<<28 {
		t.Fatalf("interpreter result wrong: r3=%d r7=%d r8=%d cr=%08x", want.GPR[3], want.GPR[7], want.GPR[8], want.CR)
	}
	for i, got := range results[1:] {
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v registers mismatch (-expected +actual):\n%s", strategies[i+1], diff)
		}
	}
}

func TestDirectChaining(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyJIT, nil)
	load(t, ram, 0x1000, loopProgram...)

	for i := 0; i < 3; i++ {
		execute(t, cpu, 0x1000, ExitReturn)
		if cpu.Registers().GPR[3] != 55 {
			t.Fatalf("run %d: r3 = %d, want 55", i, cpu.Registers().GPR[3])
		}
	}
	s := cpu.Stats()
	if s.JIT.ChainsPatched != 2 {
		t.Errorf("ChainsPatched = %d, want 2", s.JIT.ChainsPatched)
	}
	if s.ChainedJumps != 2 {
		t.Errorf("ChainedJumps = %d, want 2", s.ChainedJumps)
	}

	// Dropping the page resets every chained exit; the next run relinks.
	cpu.InvalidateRange(0x1018, 0x101c)
	if n := cpu.CachedBlocks(); n != 1 {
		t.Errorf("CachedBlocks after page invalidation = %d, want only the stub", n)
	}
	if got := cpu.Stats().JIT.Invalidated; got != 3 {
		t.Errorf("Invalidated = %d, want 3", got)
	}
	execute(t, cpu, 0x1000, ExitReturn)
	if cpu.Registers().GPR[3] != 55 {
		t.Errorf("r3 after relink = %d, want 55", cpu.Registers().GPR[3])
	}
}

func TestChainingPossible(t *testing.T) {
	cpu, _ := newTestCPU(t, StrategyJIT, func(o *Options) {
		o.ROMStart, o.ROMEnd = 0x10000, 0x20000
	})
	cases := []struct {
		from, to uint32
		want     bool
	}{
		{0x1000, 0x1ffc, true},
		{0x1000, 0x2000, false},
		{0x1000, 0x10000, true},
		{0x1ffc, 0x0ffc, false},
	}
	for _, c := range cases {
		if got := cpu.chainingPossible(c.from, c.to); got != c.want {
			t.Errorf("chainingPossible(%#x, %#x) = %t, want %t", c.from, c.to, got, c.want)
		}
	}
}

func TestGuestInvalidatesWithIcbi(t *testing.T) {
	subfWord := subf(3, 3, 3)
	program := []uint32{
		li(3, 5),                   // 1000
		bl(0xfc),                   // 1004 -> 1100
		lis(4, subfWord>>16),       // 1008
		ori(4, 4, subfWord&0xffff), // 100c
		stw(4, 0, 0x1100),          // 1010
		li(5, 0x1100),              // 1014
		icbi(0, 5),                 // 1018
		bl(0xe4),                   // 101c -> 1100
		b(stubPC - 0x1020),         // 1020
	}
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, program...)
			load(t, ram, 0x1100, add(3, 3, 3), blr)
			execute(t, cpu, 0x1000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 0 {
				t.Errorf("r3 = %d, want 0 from the rewritten routine", r3)
			}
		})
	}
}

func TestWatchCodeWrites(t *testing.T) {
	for _, s := range []Strategy{StrategyThreaded, StrategyJIT} {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, func(o *Options) { o.WatchCodeWrites = true })
			load(t, ram, 0x1000, doubleProgram(4)...)
			execute(t, cpu, 0x1000, ExitReturn)

			ram.Write32(0x80000, 1) // not code
			if n := cpu.Stats().RangeInvalidations; n != 0 {
				t.Errorf("data write caused %d invalidations", n)
			}
			ram.Write32(0x1004, subf(3, 3, 3))
			execute(t, cpu, 0x1000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 0 {
				t.Errorf("r3 = %d, want 0", r3)
			}
		})
	}
}

func TestVerifyBlocks(t *testing.T) {
	for _, s := range []Strategy{StrategyThreaded, StrategyJIT} {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, func(o *Options) { o.VerifyBlocks = true })
			load(t, ram, 0x1000, doubleProgram(4)...)
			execute(t, cpu, 0x1000, ExitReturn)
			ram.Write32(0x1004, subf(3, 3, 3))
			execute(t, cpu, 0x1000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 0 {
				t.Errorf("r3 = %d, want 0", r3)
			}
			if n := cpu.Stats().StaleBlocks; n != 1 {
				t.Errorf("StaleBlocks = %d, want 1", n)
			}
		})
	}
}

func TestInvalidationIsIdempotent(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyThreaded, nil)
	load(t, ram, 0x1000, doubleProgram(1)...)
	execute(t, cpu, 0x1000, ExitReturn)
	if n := cpu.CachedBlocks(); n != 2 {
		t.Fatalf("CachedBlocks = %d, want 2", n)
	}
	cpu.InvalidateRange(0x8000, 0x9000)
	cpu.InvalidateRange(0x8000, 0x9000)
	cpu.InvalidateRange(0x1000, 0x1000)
	if n := cpu.CachedBlocks(); n != 2 {
		t.Errorf("CachedBlocks after unrelated invalidation = %d, want 2", n)
	}
	cpu.InvalidateCache()
	cpu.InvalidateCache()
	if n := cpu.CachedBlocks(); n != 0 {
		t.Errorf("CachedBlocks after flush = %d, want 0", n)
	}
}

func TestDecodeCacheBudget(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyThreaded, func(o *Options) { o.DecodeCacheSize = 4 })
	load(t, ram, 0x1000, loopProgram...)
	execute(t, cpu, 0x1000, ExitReturn)
	if r3 := cpu.Registers().GPR[3]; r3 != 55 {
		t.Errorf("r3 = %d, want 55", r3)
	}
	if cpu.Stats().CacheFlushes == 0 {
		t.Error("exceeding the decode budget should flush the cache")
	}
}

func TestTranslationCacheFull(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyJIT, func(o *Options) { o.JITCacheSize = jit.MinCacheSize })
	const blocks, base = 40, 0x4000
	for i := uint32(0); i < blocks; i++ {
		words := make([]uint32, 32)
		for j := range words {
			words[j] = nop
		}
		words[31] = b(4)
		if i == blocks-1 {
			words[31] = blr
		}
		load(t, ram, base+i*128, words...)
	}
	execute(t, cpu, base, ExitReturn)
	if pc := cpu.PC(); pc != stubPC {
		t.Errorf("pc = %#x, want %#x", pc, stubPC)
	}
	if cpu.Stats().JIT.Flushes == 0 {
		t.Error("overflowing the translation cache should flush it")
	}
}

func TestEmulatorReturn(t *testing.T) {
	for _, s := range strategies {
		cpu, ram := newTestCPU(t, s, nil)
		load(t, ram, 0x1000, li(3, 1), EmulOpcode(EmulReturn))
		execute(t, cpu, 0x1000, ExitEmulator)
		if pc := cpu.PC(); pc != 0x1004 {
			t.Errorf("%v: pc = %#x, want %#x", s, pc, 0x1004)
		}
	}
}

func TestNativeOpcode(t *testing.T) {
	for _, s := range strategies {
		var got []uint32
		cpu, ram := newTestCPU(t, s, func(o *Options) {
			o.NativeHandler = func(cpu *CPU, sel uint32) { got = append(got, sel) }
		})
		load(t, ram, 0x1000, NativeOpcode(5), NativeOpcode(9), blr)
		execute(t, cpu, 0x1000, ExitReturn)
		if diff := cmp.Diff([]uint32{5, 9}, got); diff != "" {
			t.Errorf("%v: native selectors mismatch (-expected +actual):\n%s", s, diff)
		}
	}
}

func TestIllegalInstructionFault(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, li(3, 1), illegal)
			execute(t, cpu, 0x1000, ExitFault)
			f, ok := cpu.LastFault()
			if !ok {
				t.Fatal("no fault recorded")
			}
			want := Fault{PC: 0x1004, Opcode: illegal, Cause: FaultIllegalInstruction}
			if diff := cmp.Diff(want, f); diff != "" {
				t.Errorf("fault mismatch (-expected +actual):\n%s", diff)
			}
			if cpu.Registers().GPR[3] != 1 {
				t.Error("instructions before the fault did not retire")
			}
		})
	}
}

func TestDataAccessFaultIsPrecise(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, lis(4, 0x20), lwz(3, 4, 0), li(5, 1), blr)
			execute(t, cpu, 0x1000, ExitFault)
			f, _ := cpu.LastFault()
			want := Fault{PC: 0x1004, Opcode: lwz(3, 4, 0), Cause: FaultDataAccess, Addr: 0x200000}
			if diff := cmp.Diff(want, f); diff != "" {
				t.Errorf("fault mismatch (-expected +actual):\n%s", diff)
			}
			if cpu.PC() != 0x1004 || cpu.Registers().GPR[5] != 0 {
				t.Errorf("execution continued past the faulting load: pc=%#x r5=%d", cpu.PC(), cpu.Registers().GPR[5])
			}
		})
	}
}

func TestTrapHandlerRedirects(t *testing.T) {
	for _, s := range strategies {
		var faults []Fault
		cpu, ram := newTestCPU(t, s, func(o *Options) {
			o.TrapHandler = func(cpu *CPU, f Fault) bool {
				faults = append(faults, f)
				cpu.SetPC(stubPC)
				return true
			}
		})
		load(t, ram, 0x1000, illegal)
		execute(t, cpu, 0x1000, ExitReturn)
		if len(faults) != 1 || faults[0].Cause != FaultIllegalInstruction {
			t.Errorf("%v: trap handler saw %v", s, faults)
		}
		if _, ok := cpu.LastFault(); ok {
			t.Errorf("%v: handled fault should not be reported", s)
		}
	}
}

func TestInstructionFetchFault(t *testing.T) {
	cpu, _ := newTestCPU(t, StrategyThreaded, nil)
	cpu.Registers().LR = ramTop + 0x100
	execute(t, cpu, ramTop+0x100, ExitFault)
	f, _ := cpu.LastFault()
	if f.Cause != FaultInstructionAccess || f.PC != ramTop+0x100 {
		t.Errorf("fault = %v", f)
	}
}

func TestReturnRequestStopsBeforeLaterFault(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, func(o *Options) {
				o.SyscallHandler = func(cpu *CPU) bool {
					cpu.RequestReturn()
					return true
				}
			})
			load(t, ram, 0x1000, scWord, illegal)
			execute(t, cpu, 0x1000, ExitReturn)
			if f, ok := cpu.LastFault(); ok {
				t.Fatalf("fault recorded past the return request: %v", f)
			}
			if cpu.PC() != 0x1004 {
				t.Errorf("pc = %#x, want 0x1004", cpu.PC())
			}

			load(t, ram, 0x3000, li(3, 9), blr)
			execute(t, cpu, 0x3000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 9 {
				t.Errorf("r3 = %d, want 9", r3)
			}
			if n := cpu.Stats().Faults; n != 0 {
				t.Errorf("%d faults delivered, want 0", n)
			}
		})
	}
}

func TestFaultWinsOverReturnRequest(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, func(o *Options) {
				o.NativeHandler = func(cpu *CPU, sel uint32) {
					cpu.RequestReturn()
					cpu.Memory().Read32(0x200000)
				}
			})
			load(t, ram, 0x1000, NativeOpcode(1), li(3, 5), blr)
			execute(t, cpu, 0x1000, ExitFault)
			f, ok := cpu.LastFault()
			if !ok {
				t.Fatal("no fault recorded")
			}
			want := Fault{PC: 0x1000, Opcode: NativeOpcode(1), Cause: FaultDataAccess, Addr: 0x200000}
			if diff := cmp.Diff(want, f); diff != "" {
				t.Errorf("fault mismatch (-expected +actual):\n%s", diff)
			}
			if cpu.Registers().GPR[3] != 0 {
				t.Error("execution continued past the faulting native call")
			}
			// The return request is still honoured by the next run.
			load(t, ram, 0x3000, li(3, 9), blr)
			execute(t, cpu, 0x3000, ExitReturn)
		})
	}
}

func TestFaultStateAcrossExecuteCalls(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, li(3, 1), illegal)
			load(t, ram, 0x3000, doubleProgram(5)...)

			execute(t, cpu, 0x1000, ExitFault)
			execute(t, cpu, 0x3000, ExitReturn)
			if r3 := cpu.Registers().GPR[3]; r3 != 10 {
				t.Errorf("r3 = %d, want 10", r3)
			}
			if n := cpu.Stats().Faults; n != 1 {
				t.Errorf("%d faults delivered, want 1", n)
			}

			// A fault raised outside any run is dropped at the next entry.
			cpu.RaiseFault(FaultIllegalInstruction, 0)
			execute(t, cpu, 0x3000, ExitReturn)
			if n := cpu.Stats().Faults; n != 1 {
				t.Errorf("%d faults delivered, want 1", n)
			}

			execute(t, cpu, 0x1000, ExitFault)
			f, _ := cpu.LastFault()
			want := Fault{PC: 0x1004, Opcode: illegal, Cause: FaultIllegalInstruction}
			if diff := cmp.Diff(want, f); diff != "" {
				t.Errorf("fault mismatch (-expected +actual):\n%s", diff)
			}
		})
	}
}

func TestInterruptServicedWithoutReentry(t *testing.T) {
	program := []uint32{
		li(3, 0),    // 1000
		cmpwi(3, 0), // 1004
		bne(8),      // 1008 -> 1010
		b(-8),       // 100c -> 1004
		blr,         // 1010
	}
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			calls, active, maxActive := 0, 0, 0
			cpu, ram := newTestCPU(t, s, func(o *Options) {
				o.InterruptHandler = func(cpu *CPU, saved Registers) {
					calls++
					active++
					maxActive = max(maxActive, active)
					if calls == 1 {
						cpu.TriggerInterrupt()
					}
					cpu.Interrupt(0x3000)
					cpu.Registers().GPR[3] = 1
					active--
				}
			})
			load(t, ram, 0x1000, program...)
			load(t, ram, 0x3000, li(5, 7), execReturnWord)

			cpu.TriggerInterrupt()
			execute(t, cpu, 0x1000, ExitReturn)
			if calls != 2 || maxActive != 1 {
				t.Errorf("handler calls = %d, max nesting = %d, want 2 and 1", calls, maxActive)
			}
			if cpu.Registers().GPR[5] != 7 || cpu.PC() != stubPC {
				t.Errorf("r5 = %d pc = %#x", cpu.Registers().GPR[5], cpu.PC())
			}
			if cpu.Depth() != 0 {
				t.Errorf("depth = %d after return", cpu.Depth())
			}
		})
	}
}

func TestAsyncRequests(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			cpu, ram := newTestCPU(t, s, nil)
			load(t, ram, 0x1000, b(0))
			go func() {
				time.Sleep(10 * time.Millisecond)
				cpu.InvalidateRange(0x1000, 0x1004)
				cpu.RequestReturn()
			}()
			execute(t, cpu, 0x1000, ExitReturn)
			if pc := cpu.PC(); pc != 0x1000 {
				t.Errorf("pc = %#x, want the spinning branch", pc)
			}
			if n := cpu.Stats().RangeInvalidations; n != 1 {
				t.Errorf("RangeInvalidations = %d, want 1", n)
			}
		})
	}
}

func TestNestedExecuteFromSyscall(t *testing.T) {
	for _, s := range strategies {
		cpu, ram := newTestCPU(t, s, func(o *Options) {
			o.SyscallHandler = func(cpu *CPU) bool {
				cpu.Interrupt(0x3000)
				return true
			}
		})
		load(t, ram, 0x1000, scWord, blr)
		load(t, ram, 0x3000, li(5, 7), execReturnWord)
		execute(t, cpu, 0x1000, ExitReturn)
		if cpu.Registers().GPR[5] != 7 || cpu.PC() != stubPC {
			t.Errorf("%v: r5 = %d pc = %#x", s, cpu.Registers().GPR[5], cpu.PC())
		}
	}
}

func TestFlightRecorder(t *testing.T) {
	var logs [][]recorder.Entry
	for _, s := range strategies {
		cpu, ram := newTestCPU(t, s, func(o *Options) {
			o.Logging = true
			o.LogSize = 4
		})
		load(t, ram, 0x1000, doubleProgram(10)...)
		execute(t, cpu, 0x1000, ExitReturn)
		logs = append(logs, cpu.Recorder().Entries())

		path := filepath.Join(t.TempDir(), "ppc.log")
		if err := cpu.DumpLog(path); err != nil {
			t.Fatalf("DumpLog: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		want := []string{
			" pc 00001000 opc 3860000a| li r3,10",
			" pc 00001004 opc 7c631a14| add r3,r3,r3",
			" pc 00001008 opc 4e800020| blr",
			" pc 00002000 opc 18000001| exec_return",
		}
		if diff := cmp.Diff(want, lines); diff != "" {
			t.Errorf("%v: dump mismatch (-expected +actual):\n%s", s, diff)
		}
	}
	for i := range logs[1:] {
		if diff := cmp.Diff(logs[0], logs[i+1]); diff != "" {
			t.Errorf("%v: recorder mismatch (-expected +actual):\n%s", strategies[i+1], diff)
		}
	}
}

func TestLoggingToggleKeepsResults(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyJIT, func(o *Options) { o.LogRegisters = true })
	load(t, ram, 0x1000, doubleProgram(3)...)
	execute(t, cpu, 0x1000, ExitReturn)
	cpu.SetLogging(true)
	execute(t, cpu, 0x1000, ExitReturn)
	entries := cpu.Recorder().Entries()
	if len(entries) != 4 || entries[2].Regs == nil || entries[2].Regs.GPR[3] != 6 {
		t.Fatalf("recorded %d entries: %+v", len(entries), entries)
	}
	cpu.SetLogging(false)
	execute(t, cpu, 0x1000, ExitReturn)
	if n := cpu.Recorder().Len(); n != 4 {
		t.Errorf("recorder grew to %d with logging off", n)
	}
}

func TestFatal(t *testing.T) {
	dir := t.TempDir()
	var got error
	cpu, ram := newTestCPU(t, StrategyThreaded, func(o *Options) {
		o.Logging = true
		o.CrashLogPath = filepath.Join(dir, "crash.log")
	})
	cpu.opts.FatalHandler = func(err error) { got = err }
	load(t, ram, 0x1000, doubleProgram(1)...)
	execute(t, cpu, 0x1000, ExitReturn)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Fatal returned normally")
			}
		}()
		cpu.GetRegister(RegisterID(500))
	}()
	if got == nil {
		t.Error("fatal handler not called")
	}
	if _, err := os.Stat(filepath.Join(dir, "crash.log")); err != nil {
		t.Errorf("crash log not written: %v", err)
	}
}

func TestSetStrategy(t *testing.T) {
	cpu, ram := newTestCPU(t, StrategyInterpret, nil)
	load(t, ram, 0x1000, doubleProgram(2)...)
	for _, s := range []Strategy{StrategyJIT, StrategyThreaded, StrategyInterpret} {
		if err := cpu.SetStrategy(s); err != nil {
			t.Fatalf("SetStrategy(%v): %v", s, err)
		}
		execute(t, cpu, 0x1000, ExitReturn)
		if cpu.Registers().GPR[3] != 4 {
			t.Errorf("%v: r3 = %d", s, cpu.Registers().GPR[3])
		}
	}
}

func TestUnprofitableJIT(t *testing.T) {
	cpu, _ := newTestCPU(t, StrategyJIT, func(o *Options) {
		o.Profitability = func(int) bool { return false }
	})
	if cpu.Strategy() != StrategyThreaded {
		t.Errorf("strategy = %v, want threaded", cpu.Strategy())
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range strategies {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStrategy("dynarec"); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestTraceFilePerCPU(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")}
	entries := []uint32{0x1000, 0x3000}
	for i, path := range paths {
		cpu, ram := newTestCPU(t, StrategyThreaded, func(o *Options) { o.TracePath = path })
		load(t, ram, entries[i], doubleProgram(3)...)
		execute(t, cpu, entries[i], ExitReturn)
		if err := cpu.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if cpu.trace != nil {
			t.Error("trace logger still set after Close")
		}
	}
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		own := fmt.Sprintf("decode block %08x", entries[i])
		other := fmt.Sprintf("decode block %08x", entries[1-i])
		if !strings.Contains(string(data), own) {
			t.Errorf("%s lacks %q:\n%s", path, own, data)
		}
		if strings.Contains(string(data), other) {
			t.Errorf("%s traced the other CPU's %q", path, other)
		}
	}
}
