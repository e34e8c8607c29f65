package ppc

import (
	"log"

	"ppcjit/pkg/spcflags"
)

// Execute runs guest code from entry until an exec-return request, an
// emulator return or an unhandled fault. Nested calls from handlers are
// allowed; they interpret unless ReentrantJIT is set.
func (cpu *CPU) Execute(entry uint32) ExitReason {
	cpu.enter()
	defer cpu.leave()

	cpu.decoder.Seal()
	cpu.regs.PC = entry
	if cpu.depth == 1 {
		// A fault left undelivered by an earlier run must not surface here.
		cpu.faultPending = false
		cpu.flags.Clear(spcflags.GuestException)
	}

	strategy := cpu.strategy
	if cpu.depth > 1 && !cpu.opts.ReentrantJIT {
		strategy = StrategyInterpret
	}
	switch strategy {
	case StrategyJIT:
		return cpu.runJIT()
	case StrategyThreaded:
		return cpu.runThreaded()
	}
	return cpu.interpret()
}

// Interrupt runs guest code from entry on behalf of an interrupt and then
// restores PC, LR, CTR and the stack pointer.
func (cpu *CPU) Interrupt(entry uint32) ExitReason {
	pc, lr, ctr, sp := cpu.regs.PC, cpu.regs.LR, cpu.regs.CTR, cpu.regs.GPR[1]
	r := cpu.Execute(entry)
	cpu.regs.PC, cpu.regs.LR, cpu.regs.CTR, cpu.regs.GPR[1] = pc, lr, ctr, sp
	return r
}

// Depth returns how many Execute calls are active.
func (cpu *CPU) Depth() int {
	cpu.pendingMu.Lock()
	defer cpu.pendingMu.Unlock()
	return cpu.depth
}

func (cpu *CPU) enter() {
	cpu.pendingMu.Lock()
	cpu.depth++
	cpu.pendingMu.Unlock()
}

func (cpu *CPU) leave() {
	cpu.pendingMu.Lock()
	defer cpu.pendingMu.Unlock()
	cpu.depth--
	if cpu.depth == 0 {
		cpu.applyPendingLocked()
		cpu.flags.Clear(spcflags.JITExecReturn)
	}
}

func (cpu *CPU) interpret() ExitReason {
	for {
		pc := cpu.regs.PC
		opcode, ok := cpu.fetch(pc)
		if ok {
			ii := cpu.decoder.Decode(opcode)
			if cpu.logging {
				cpu.recordStep(opcode)
			}
			ii.Execute(cpu, opcode)
		} else {
			cpu.RaiseFault(FaultInstructionAccess, pc)
		}
		if !cpu.flags.Empty() {
			if cont, _ := cpu.poll(); !cont {
				return cpu.exitReason
			}
		}
	}
}

func (cpu *CPU) runThreaded() ExitReason {
	for {
		b := cpu.lookup(cpu.regs.PC)
		if b == nil {
			if b = cpu.decodeThreaded(cpu.regs.PC); b == nil {
				if cont, _ := cpu.poll(); !cont {
					return cpu.exitReason
				}
				continue
			}
		}
		gen := cpu.gen
		for {
			cpu.runEntries(b)
			if !cpu.flags.Empty() {
				cont, redecode := cpu.poll()
				if !cont {
					return cpu.exitReason
				}
				if redecode {
					break
				}
			}
			if cpu.gen != gen {
				break
			}
			if pc := cpu.regs.PC; pc != b.pc {
				if b = cpu.lookup(pc); b == nil {
					break
				}
				gen = cpu.gen
			}
		}
	}
}

// runEntries executes a threaded block. It stops early after an instruction
// that faulted or asked for a return, where the interpreter would too.
func (cpu *CPU) runEntries(b *Block) {
	for i := range b.entries {
		e := &b.entries[i]
		e.execute(cpu, e.opcode)
		if cpu.faultPending || cpu.flags.Test(spcflags.ExecReturn) {
			return
		}
	}
}

func (cpu *CPU) runJIT() ExitReason {
	for {
		b := cpu.lookup(cpu.regs.PC)
		if b == nil || b.code == nil || !b.code.Valid() {
			if b = cpu.compileBlock(cpu.regs.PC); b == nil {
				if cont, _ := cpu.poll(); !cont {
					return cpu.exitReason
				}
				continue
			}
		}
		code := b.code
		gen := cpu.gen
		for {
			cpu.runCode(code)
			if !cpu.flags.Empty() {
				cont, redecode := cpu.poll()
				if !cont {
					return cpu.exitReason
				}
				if redecode {
					break
				}
			}
			if cpu.gen != gen {
				break
			}
			pc := cpu.regs.PC
			if pc == code.PC {
				continue
			}
			link := code.LinkFor(pc)
			if link != nil && link.Chained() {
				code = link.Target()
				cpu.stats.ChainedJumps++
				continue
			}
			nb := cpu.lookup(pc)
			if nb == nil || nb.code == nil || !nb.code.Valid() {
				break
			}
			if link != nil && cpu.chainingPossible(code.PC, pc) {
				cpu.tc.PatchJump(link, nb.code)
			}
			code = nb.code
			gen = cpu.gen
		}
	}
}

func (cpu *CPU) runCode(code *jitCode) {
	for _, op := range code.Ops {
		op(cpu)
		if cpu.faultPending || cpu.flags.Test(spcflags.ExecReturn) {
			return
		}
	}
}

// chainingPossible reports whether an exit from the block at bpc may jump
// straight into the block at tpc. Direct jumps stay within one guest page
// unless the target can never be rewritten.
func (cpu *CPU) chainingPossible(bpc, tpc uint32) bool {
	if cpu.opts.VerifyBlocks {
		return false
	}
	return (bpc^tpc)>>12 == 0 || cpu.readOnly(tpc)
}

// lookup finds the cached block at pc. With VerifyBlocks set, a block whose
// guest words changed since decode is dropped and reported as a miss.
func (cpu *CPU) lookup(pc uint32) *Block {
	b, ok := cpu.cache.Find(pc)
	if !ok {
		return nil
	}
	if cpu.opts.VerifyBlocks && !cpu.verify(b) {
		log.Printf("ppc: stale %v, guest code changed without invalidation", b)
		cpu.cache.Remove(b)
		cpu.stats.StaleBlocks++
		return nil
	}
	return b
}

// poll services the special flags at a safe point. cont is false when
// Execute must return; redecode means cached blocks may have been dropped.
func (cpu *CPU) poll() (cont, redecode bool) {
	if !cpu.checkSpcflags() {
		return false, false
	}
	if cpu.flags.Test(spcflags.JITExecReturn) {
		cpu.pendingMu.Lock()
		cpu.applyPendingLocked()
		cpu.flags.Clear(spcflags.JITExecReturn)
		cpu.pendingMu.Unlock()
		return true, true
	}
	return true, false
}

func (cpu *CPU) checkSpcflags() bool {
	if cpu.flags.TestAndClear(spcflags.TriggerInterrupt) {
		cpu.flags.Set(spcflags.HandleInterrupt)
	}
	if cpu.flags.Test(spcflags.HandleInterrupt) && !cpu.inInterrupt {
		cpu.flags.Clear(spcflags.HandleInterrupt)
		cpu.handleInterrupt()
	}
	if cpu.flags.TestAndClear(spcflags.GuestException) {
		if !cpu.deliverFault() {
			cpu.exitReason = ExitFault
			return false
		}
	}
	if cpu.flags.TestAndClear(spcflags.ExecReturn) {
		cpu.exitReason = ExitReturn
		if cpu.emulReturn {
			cpu.emulReturn = false
			cpu.exitReason = ExitEmulator
		}
		return false
	}
	if cpu.flags.TestAndClear(spcflags.EnterDebugger) {
		if dbg := cpu.opts.Debugger; dbg != nil {
			dbg(cpu)
		} else {
			log.Printf("ppc: debugger requested at pc %08x, none attached", cpu.regs.PC)
		}
	}
	return true
}

func (cpu *CPU) handleInterrupt() {
	cpu.stats.Interrupts++
	h := cpu.opts.InterruptHandler
	if h == nil {
		return
	}
	cpu.inInterrupt = true
	defer func() { cpu.inInterrupt = false }()
	h(cpu, cpu.regs)
}

// deliverFault hands the pending fault to the trap handler. It returns
// false when nobody took it.
func (cpu *CPU) deliverFault() bool {
	if !cpu.faultPending {
		return true
	}
	f := cpu.fault
	cpu.faultPending = false
	cpu.stats.Faults++
	if cpu.trace != nil {
		cpu.trace.Printf("fault %v", f)
	}
	if h := cpu.opts.TrapHandler; h != nil && h(cpu, f) {
		return true
	}
	cpu.lastFault = f
	cpu.hasFault = true
	return false
}
