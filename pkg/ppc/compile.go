package ppc

import (
	"errors"
	"math/bits"

	pperrors "ppcjit/pkg/errors"
	"ppcjit/pkg/jit"
)

type (
	jitCode = jit.Code[*CPU]
	jitOp   = jit.Op[*CPU]
)

// decodeBlock predecodes guest code from pc up to and including the first
// instruction that ends a block. A fetch fault on the first word raises an
// instruction access fault and returns nil; a later one ends the block
// early so the fault is raised when execution gets there.
func (cpu *CPU) decodeBlock(pc uint32) (*Block, []uint32) {
	b := cpu.cache.NewBlock(pc)
	var words []uint32
	dpc := pc
	for {
		opcode, ok := cpu.fetch(dpc)
		if !ok {
			if dpc == pc {
				cpu.RaiseFault(FaultInstructionAccess, pc)
				return nil, nil
			}
			break
		}
		ii := cpu.decoder.Decode(opcode)
		words = append(words, opcode)
		if cpu.logging {
			b.entries = append(b.entries, decodedEntry{opcode: opcode, execute: execRecord})
		}
		b.entries = append(b.entries, decodedEntry{opcode: opcode, execute: ii.Execute})
		dpc += 4
		if ii.EndsBlock() || len(words) >= MaxBlockInstructions || dpc == 0 {
			break
		}
	}
	b.end = dpc
	b.ninstr = len(words)
	if cpu.opts.VerifyBlocks {
		b.checksum = blockChecksum(words)
	}
	return b, words
}

func execRecord(cpu *CPU, op uint32) {
	cpu.recordStep(op)
}

func (cpu *CPU) decodeThreaded(pc uint32) *Block {
	b, _ := cpu.decodeBlock(pc)
	if b == nil {
		return nil
	}
	if cpu.decodeUsed+len(b.entries) > cpu.opts.DecodeCacheSize {
		cpu.invalidateCache()
	}
	cpu.decodeUsed += len(b.entries)
	cpu.publish(b)
	return b
}

// compileBlock decodes the block at pc and compiles it into the
// translation cache. A full cache is flushed once and the compile retried.
func (cpu *CPU) compileBlock(pc uint32) *Block {
	b, words := cpu.decodeBlock(pc)
	if b == nil {
		return nil
	}
	ops := cpu.compileOps(pc, words)
	targets := cpu.exitTargets(b, words)
	code, err := cpu.tc.Compile(pc, b.end, words, ops, targets)
	if errors.Is(err, jit.ErrCacheFull) {
		cpu.invalidateCache()
		code, err = cpu.tc.Compile(pc, b.end, words, ops, targets)
	}
	if err != nil {
		cpu.Fatal(pperrors.WrapEngineError(err, "compile block"))
		return nil
	}
	b.code = code
	cpu.stats.BlocksCompiled++
	cpu.publish(b)
	return b
}

func (cpu *CPU) publish(b *Block) {
	cpu.markCode(b.pc, b.end)
	cpu.cache.Publish(b, cpu.inROM(b.pc))
	cpu.stats.BlocksDecoded++
	if cpu.trace != nil {
		cpu.trace.Printf("decode %v compiled=%t", b, b.code != nil)
	}
}

// exitTargets lists the statically known successors of a block, which
// become its chainable exits.
func (cpu *CPU) exitTargets(b *Block, words []uint32) []uint32 {
	last := words[len(words)-1]
	lastPC := b.end - 4
	ii := cpu.decoder.Decode(last)
	if !ii.EndsBlock() {
		return []uint32{b.end}
	}
	switch ii.kind {
	case kindB:
		t := branchDisp(last)
		if !aa(last) {
			t += lastPC
		}
		return []uint32{t}
	case kindBc:
		t := condDisp(last)
		if !aa(last) {
			t += lastPC
		}
		if t == b.end {
			return []uint32{t}
		}
		return []uint32{t, b.end}
	case kindBclr, kindBcctr:
		if fieldD(last)&0x14 != 0x14 {
			return []uint32{b.end}
		}
	}
	return nil
}

// compileOps turns each guest word into an op with its operands extracted.
// Reference instructions get specialized bodies; everything else calls the
// table handler.
func (cpu *CPU) compileOps(pc uint32, words []uint32) []jitOp {
	ops := make([]jitOp, 0, len(words))
	for i, w := range words {
		op := cpu.specialize(pc+uint32(4*i), w, cpu.decoder.Decode(w))
		if cpu.logging {
			op = recordOp(w, op)
		}
		ops = append(ops, op)
	}
	return ops
}

// recordOp logs opcode before running op. Both happen in one step so a
// block that stops early never records an instruction it did not run.
func recordOp(opcode uint32, op jitOp) jitOp {
	return func(cpu *CPU) {
		cpu.recordStep(opcode)
		op(cpu)
	}
}

func genericOp(h Handler, opcode uint32) jitOp {
	return func(cpu *CPU) { h(cpu, opcode) }
}

func (cpu *CPU) specialize(pc, op uint32, ii *InstrInfo) jitOp {
	d, a, b := fieldD(op), fieldA(op), fieldB(op)
	switch ii.kind {
	case kindAddi, kindAddis:
		imm := simm(op)
		if ii.kind == kindAddis {
			imm <<= 16
		}
		if a == 0 {
			return func(cpu *CPU) {
				cpu.regs.GPR[d] = imm
				cpu.regs.PC += 4
			}
		}
		return func(cpu *CPU) {
			cpu.regs.GPR[d] = cpu.regs.GPR[a] + imm
			cpu.regs.PC += 4
		}
	case kindOri:
		if op == 0x60000000 {
			return func(cpu *CPU) { cpu.regs.PC += 4 }
		}
		imm := uimm(op)
		return func(cpu *CPU) {
			cpu.regs.GPR[a] = cpu.regs.GPR[d] | imm
			cpu.regs.PC += 4
		}
	case kindAdd:
		if !oe(op) && !rc(op) {
			return func(cpu *CPU) {
				cpu.regs.GPR[d] = cpu.regs.GPR[a] + cpu.regs.GPR[b]
				cpu.regs.PC += 4
			}
		}
	case kindSubf:
		if !oe(op) && !rc(op) {
			return func(cpu *CPU) {
				cpu.regs.GPR[d] = cpu.regs.GPR[b] - cpu.regs.GPR[a]
				cpu.regs.PC += 4
			}
		}
	case kindOr:
		if !rc(op) {
			if d == b {
				return func(cpu *CPU) {
					cpu.regs.GPR[a] = cpu.regs.GPR[d]
					cpu.regs.PC += 4
				}
			}
			return func(cpu *CPU) {
				cpu.regs.GPR[a] = cpu.regs.GPR[d] | cpu.regs.GPR[b]
				cpu.regs.PC += 4
			}
		}
	case kindRlwinm:
		if !rc(op) {
			sh, mask := int(b), rotateMask(op>>6&31, op>>1&31)
			return func(cpu *CPU) {
				cpu.regs.GPR[a] = bits.RotateLeft32(cpu.regs.GPR[d], sh) & mask
				cpu.regs.PC += 4
			}
		}
	case kindCmpi:
		crf, imm := fieldCR(op), int32(simm(op))
		return func(cpu *CPU) {
			cpu.compareSigned(crf, int32(cpu.regs.GPR[a]), imm)
			cpu.regs.PC += 4
		}
	case kindCmpli:
		crf, imm := fieldCR(op), uimm(op)
		return func(cpu *CPU) {
			cpu.compareUnsigned(crf, cpu.regs.GPR[a], imm)
			cpu.regs.PC += 4
		}
	case kindLwz:
		imm := simm(op)
		return func(cpu *CPU) {
			v := cpu.mem.Read32(cpu.gprOr0(a) + imm)
			if cpu.faultPending {
				return
			}
			cpu.regs.GPR[d] = v
			cpu.regs.PC += 4
		}
	case kindStw:
		imm := simm(op)
		return func(cpu *CPU) {
			cpu.mem.Write32(cpu.gprOr0(a)+imm, cpu.regs.GPR[d])
			if cpu.faultPending {
				return
			}
			cpu.regs.PC += 4
		}
	case kindB:
		target := branchDisp(op)
		if !aa(op) {
			target += pc
		}
		if lk(op) {
			next := pc + 4
			return func(cpu *CPU) {
				cpu.regs.LR = next
				cpu.regs.PC = target
			}
		}
		return func(cpu *CPU) { cpu.regs.PC = target }
	case kindBclr:
		if fieldD(op)&0x14 == 0x14 {
			if lk(op) {
				next := pc + 4
				return func(cpu *CPU) {
					t := cpu.regs.LR &^ 3
					cpu.regs.LR = next
					cpu.regs.PC = t
				}
			}
			return func(cpu *CPU) { cpu.regs.PC = cpu.regs.LR &^ 3 }
		}
	case kindMfspr:
		switch spr(op) {
		case SprLR:
			return func(cpu *CPU) {
				cpu.regs.GPR[d] = cpu.regs.LR
				cpu.regs.PC += 4
			}
		case SprCTR:
			return func(cpu *CPU) {
				cpu.regs.GPR[d] = cpu.regs.CTR
				cpu.regs.PC += 4
			}
		}
	case kindMtspr:
		switch spr(op) {
		case SprLR:
			return func(cpu *CPU) {
				cpu.regs.LR = cpu.regs.GPR[d]
				cpu.regs.PC += 4
			}
		case SprCTR:
			return func(cpu *CPU) {
				cpu.regs.CTR = cpu.regs.GPR[d]
				cpu.regs.PC += 4
			}
		}
	}
	return genericOp(ii.Execute, op)
}
