package ppc

import (
	"math/bits"

	"ppcjit/pkg/spcflags"
)

// SPR numbers understood by mfspr and mtspr.
const (
	SprXER = 1
	SprLR  = 8
	SprCTR = 9
	SprTBL = 268
	SprTBU = 269
)

// Emulator opcode selectors, primary opcode 6.
const (
	EmulReturn = 0 // quit the emulator
	ExecReturn = 1 // return from Execute
	ExecNative = 2 // call the native handler
)

// EmulOpcode returns the emulator instruction word for selector sel.
func EmulOpcode(sel uint32) uint32 {
	return 6<<26 | sel&0x3ffffff
}

// NativeOpcode returns the exec-native instruction word calling native
// handler n.
func NativeOpcode(n uint32) uint32 {
	return EmulOpcode(n<<6 | ExecNative)
}

// kind tags reference entries the block compiler knows how to specialize.
type kind uint8

const (
	kindGeneric kind = iota
	kindAddi
	kindAddis
	kindOri
	kindAdd
	kindSubf
	kindOr
	kindRlwinm
	kindCmpi
	kindCmpli
	kindLwz
	kindStw
	kindB
	kindBc
	kindBclr
	kindBcctr
	kindMfspr
	kindMtspr
	kindEmul
)

// Instruction fields.
func fieldD(op uint32) uint32 { return op >> 21 & 31 }
func fieldA(op uint32) uint32 { return op >> 16 & 31 }
func fieldB(op uint32) uint32 { return op >> 11 & 31 }
func fieldCR(op uint32) uint32 { return op >> 23 & 7 }
func simm(op uint32) uint32 { return uint32(int32(int16(op))) }
func uimm(op uint32) uint32 { return op & 0xffff }
func rc(op uint32) bool { return op&1 != 0 }
func oe(op uint32) bool { return op&(1<<10) != 0 }
func lk(op uint32) bool { return op&1 != 0 }
func aa(op uint32) bool { return op&2 != 0 }
func spr(op uint32) uint32 { return (op>>16)&31 | (op>>11&31)<<5 }

// branchDisp returns the sign extended LI field of an I-form branch.
func branchDisp(op uint32) uint32 { return uint32(int32(op<<6)>>6) &^ 3 }

// condDisp returns the sign extended BD field of a B-form branch.
func condDisp(op uint32) uint32 { return uint32(int32(int16(op & 0xfffc))) }

func rotateMask(mb, me uint32) uint32 {
	m1 := uint32(0xffffffff) >> mb
	m2 := uint32(0xffffffff) << (31 - me)
	if mb <= me {
		return m1 & m2
	}
	return m1 | m2
}

func (cpu *CPU) gprOr0(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return cpu.regs.GPR[n]
}

func (cpu *CPU) compareSigned(crf uint32, a, b int32) {
	var f uint32
	switch {
	case a < b:
		f = CrLT
	case a > b:
		f = CrGT
	default:
		f = CrEQ
	}
	if cpu.regs.XER&XerSO != 0 {
		f |= CrSO
	}
	cpu.regs.setCRField(crf, f)
}

func (cpu *CPU) compareUnsigned(crf uint32, a, b uint32) {
	var f uint32
	switch {
	case a < b:
		f = CrLT
	case a > b:
		f = CrGT
	default:
		f = CrEQ
	}
	if cpu.regs.XER&XerSO != 0 {
		f |= CrSO
	}
	cpu.regs.setCRField(crf, f)
}

// branchTaken evaluates BO/BI, decrementing CTR when BO asks for it.
func (cpu *CPU) branchTaken(bo, bi uint32, useCTR bool) bool {
	ctrOK := true
	if useCTR && bo&0x04 == 0 {
		cpu.regs.CTR--
		ctrOK = (cpu.regs.CTR != 0) != (bo&0x02 != 0)
	}
	condOK := bo&0x10 != 0 || cpu.regs.crBit(bi) == (bo&0x08 != 0)
	return ctrOK && condOK
}

func execAddi(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldD(op)] = cpu.gprOr0(fieldA(op)) + simm(op)
	cpu.regs.PC += 4
}

func execAddis(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldD(op)] = cpu.gprOr0(fieldA(op)) + simm(op)<<16
	cpu.regs.PC += 4
}

// addic and addic. share a handler, the primary opcode selects CR0 update.
func execAddic(cpu *CPU, op uint32) {
	a := cpu.regs.GPR[fieldA(op)]
	r := a + simm(op)
	cpu.regs.setCA(r < a)
	cpu.regs.GPR[fieldD(op)] = r
	if op>>26 == 13 {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

func execOri(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldA(op)] = cpu.regs.GPR[fieldD(op)] | uimm(op)
	cpu.regs.PC += 4
}

func execOris(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldA(op)] = cpu.regs.GPR[fieldD(op)] | uimm(op)<<16
	cpu.regs.PC += 4
}

func execXori(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldA(op)] = cpu.regs.GPR[fieldD(op)] ^ uimm(op)
	cpu.regs.PC += 4
}

func execXoris(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldA(op)] = cpu.regs.GPR[fieldD(op)] ^ uimm(op)<<16
	cpu.regs.PC += 4
}

func execAndiDot(cpu *CPU, op uint32) {
	r := cpu.regs.GPR[fieldD(op)] & uimm(op)
	cpu.regs.GPR[fieldA(op)] = r
	cpu.regs.recordCR0(r)
	cpu.regs.PC += 4
}

func execAndisDot(cpu *CPU, op uint32) {
	r := cpu.regs.GPR[fieldD(op)] & (uimm(op) << 16)
	cpu.regs.GPR[fieldA(op)] = r
	cpu.regs.recordCR0(r)
	cpu.regs.PC += 4
}

func execCmpi(cpu *CPU, op uint32) {
	cpu.compareSigned(fieldCR(op), int32(cpu.regs.GPR[fieldA(op)]), int32(simm(op)))
	cpu.regs.PC += 4
}

func execCmpli(cpu *CPU, op uint32) {
	cpu.compareUnsigned(fieldCR(op), cpu.regs.GPR[fieldA(op)], uimm(op))
	cpu.regs.PC += 4
}

func execAdd(cpu *CPU, op uint32) {
	a, b := cpu.regs.GPR[fieldA(op)], cpu.regs.GPR[fieldB(op)]
	r := a + b
	if oe(op) {
		cpu.regs.setOV(((a^r)&(b^r))>>31 != 0)
	}
	cpu.regs.GPR[fieldD(op)] = r
	if rc(op) {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

// subf computes rB - rA.
func execSubf(cpu *CPU, op uint32) {
	a, b := cpu.regs.GPR[fieldA(op)], cpu.regs.GPR[fieldB(op)]
	r := b - a
	if oe(op) {
		cpu.regs.setOV(((a^b)&(b^r))>>31 != 0)
	}
	cpu.regs.GPR[fieldD(op)] = r
	if rc(op) {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

func execNeg(cpu *CPU, op uint32) {
	a := cpu.regs.GPR[fieldA(op)]
	r := -a
	if oe(op) {
		cpu.regs.setOV(a == 0x80000000)
	}
	cpu.regs.GPR[fieldD(op)] = r
	if rc(op) {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

func execMullw(cpu *CPU, op uint32) {
	p := int64(int32(cpu.regs.GPR[fieldA(op)])) * int64(int32(cpu.regs.GPR[fieldB(op)]))
	r := uint32(p)
	if oe(op) {
		cpu.regs.setOV(p != int64(int32(p)))
	}
	cpu.regs.GPR[fieldD(op)] = r
	if rc(op) {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

func logical(f func(s, b uint32) uint32) Handler {
	return func(cpu *CPU, op uint32) {
		r := f(cpu.regs.GPR[fieldD(op)], cpu.regs.GPR[fieldB(op)])
		cpu.regs.GPR[fieldA(op)] = r
		if rc(op) {
			cpu.regs.recordCR0(r)
		}
		cpu.regs.PC += 4
	}
}

var (
	execAnd = logical(func(s, b uint32) uint32 { return s & b })
	execOr  = logical(func(s, b uint32) uint32 { return s | b })
	execXor = logical(func(s, b uint32) uint32 { return s ^ b })
)

func execCmp(cpu *CPU, op uint32) {
	cpu.compareSigned(fieldCR(op), int32(cpu.regs.GPR[fieldA(op)]), int32(cpu.regs.GPR[fieldB(op)]))
	cpu.regs.PC += 4
}

func execCmpl(cpu *CPU, op uint32) {
	cpu.compareUnsigned(fieldCR(op), cpu.regs.GPR[fieldA(op)], cpu.regs.GPR[fieldB(op)])
	cpu.regs.PC += 4
}

func execRlwinm(cpu *CPU, op uint32) {
	sh, mb, me := fieldB(op), op>>6&31, op>>1&31
	r := bits.RotateLeft32(cpu.regs.GPR[fieldD(op)], int(sh)) & rotateMask(mb, me)
	cpu.regs.GPR[fieldA(op)] = r
	if rc(op) {
		cpu.regs.recordCR0(r)
	}
	cpu.regs.PC += 4
}

// Loads and stores leave PC on the instruction when the access faults.

func execLwz(cpu *CPU, op uint32) {
	v := cpu.mem.Read32(cpu.gprOr0(fieldA(op)) + simm(op))
	if cpu.faultPending {
		return
	}
	cpu.regs.GPR[fieldD(op)] = v
	cpu.regs.PC += 4
}

func execLwzu(cpu *CPU, op uint32) {
	ea := cpu.regs.GPR[fieldA(op)] + simm(op)
	v := cpu.mem.Read32(ea)
	if cpu.faultPending {
		return
	}
	cpu.regs.GPR[fieldD(op)] = v
	cpu.regs.GPR[fieldA(op)] = ea
	cpu.regs.PC += 4
}

func execLbz(cpu *CPU, op uint32) {
	v := cpu.mem.Read8(cpu.gprOr0(fieldA(op)) + simm(op))
	if cpu.faultPending {
		return
	}
	cpu.regs.GPR[fieldD(op)] = uint32(v)
	cpu.regs.PC += 4
}

func execLhz(cpu *CPU, op uint32) {
	v := cpu.mem.Read16(cpu.gprOr0(fieldA(op)) + simm(op))
	if cpu.faultPending {
		return
	}
	cpu.regs.GPR[fieldD(op)] = uint32(v)
	cpu.regs.PC += 4
}

func execStw(cpu *CPU, op uint32) {
	cpu.mem.Write32(cpu.gprOr0(fieldA(op))+simm(op), cpu.regs.GPR[fieldD(op)])
	if cpu.faultPending {
		return
	}
	cpu.regs.PC += 4
}

func execStwu(cpu *CPU, op uint32) {
	ea := cpu.regs.GPR[fieldA(op)] + simm(op)
	cpu.mem.Write32(ea, cpu.regs.GPR[fieldD(op)])
	if cpu.faultPending {
		return
	}
	cpu.regs.GPR[fieldA(op)] = ea
	cpu.regs.PC += 4
}

func execStb(cpu *CPU, op uint32) {
	cpu.mem.Write8(cpu.gprOr0(fieldA(op))+simm(op), uint8(cpu.regs.GPR[fieldD(op)]))
	if cpu.faultPending {
		return
	}
	cpu.regs.PC += 4
}

func execSth(cpu *CPU, op uint32) {
	cpu.mem.Write16(cpu.gprOr0(fieldA(op))+simm(op), uint16(cpu.regs.GPR[fieldD(op)]))
	if cpu.faultPending {
		return
	}
	cpu.regs.PC += 4
}

func execB(cpu *CPU, op uint32) {
	target := branchDisp(op)
	if !aa(op) {
		target += cpu.regs.PC
	}
	if lk(op) {
		cpu.regs.LR = cpu.regs.PC + 4
	}
	cpu.regs.PC = target
}

func execBc(cpu *CPU, op uint32) {
	next := cpu.regs.PC + 4
	target := condDisp(op)
	if !aa(op) {
		target += cpu.regs.PC
	}
	taken := cpu.branchTaken(fieldD(op), fieldA(op), true)
	if lk(op) {
		cpu.regs.LR = next
	}
	if taken {
		cpu.regs.PC = target
	} else {
		cpu.regs.PC = next
	}
}

func execBclr(cpu *CPU, op uint32) {
	next := cpu.regs.PC + 4
	target := cpu.regs.LR &^ 3
	taken := cpu.branchTaken(fieldD(op), fieldA(op), true)
	if lk(op) {
		cpu.regs.LR = next
	}
	if taken {
		cpu.regs.PC = target
	} else {
		cpu.regs.PC = next
	}
}

func execBcctr(cpu *CPU, op uint32) {
	next := cpu.regs.PC + 4
	taken := cpu.branchTaken(fieldD(op), fieldA(op), false)
	if lk(op) {
		cpu.regs.LR = next
	}
	if taken {
		cpu.regs.PC = cpu.regs.CTR &^ 3
	} else {
		cpu.regs.PC = next
	}
}

func execMfspr(cpu *CPU, op uint32) {
	var v uint32
	switch spr(op) {
	case SprXER:
		v = cpu.regs.XER
	case SprLR:
		v = cpu.regs.LR
	case SprCTR:
		v = cpu.regs.CTR
	case SprTBL:
		v = cpu.regs.TBL
	case SprTBU:
		v = cpu.regs.TBU
	default:
		cpu.RaiseFault(FaultIllegalInstruction, 0)
		return
	}
	cpu.regs.GPR[fieldD(op)] = v
	cpu.regs.PC += 4
}

func execMtspr(cpu *CPU, op uint32) {
	v := cpu.regs.GPR[fieldD(op)]
	switch spr(op) {
	case SprXER:
		cpu.regs.XER = v
	case SprLR:
		cpu.regs.LR = v
	case SprCTR:
		cpu.regs.CTR = v
	default:
		cpu.RaiseFault(FaultIllegalInstruction, 0)
		return
	}
	cpu.regs.PC += 4
}

func execMfcr(cpu *CPU, op uint32) {
	cpu.regs.GPR[fieldD(op)] = cpu.regs.CR
	cpu.regs.PC += 4
}

func execIsync(cpu *CPU, op uint32) {
	cpu.regs.PC += 4
}

// icbi drops cached blocks overlapping the 32-byte line holding the
// effective address.
func execIcbi(cpu *CPU, op uint32) {
	line := (cpu.gprOr0(fieldA(op)) + cpu.regs.GPR[fieldB(op)]) &^ 31
	cpu.InvalidateRange(line, line+32)
	cpu.regs.PC += 4
}

func execSc(cpu *CPU, op uint32) {
	if h := cpu.opts.SyscallHandler; h != nil && h(cpu) {
		cpu.regs.PC += 4
		return
	}
	cpu.RaiseFault(FaultSyscall, 0)
}

// execEmul implements the emulator opcode family. Return requests leave PC
// on the instruction.
func execEmul(cpu *CPU, op uint32) {
	switch sel := op & 0x3ffffff; {
	case sel == EmulReturn:
		cpu.emulReturn = true
		cpu.flags.Set(spcflags.ExecReturn)
	case sel == ExecReturn:
		cpu.flags.Set(spcflags.ExecReturn)
	case sel&0x3f == ExecNative && cpu.opts.NativeHandler != nil:
		cpu.opts.NativeHandler(cpu, sel>>6)
		cpu.regs.PC += 4
	default:
		cpu.RaiseFault(FaultIllegalInstruction, 0)
	}
}

func execIllegal(cpu *CPU, op uint32) {
	cpu.RaiseFault(FaultIllegalInstruction, 0)
}

// DefaultTable returns the reference instruction set.
func DefaultTable() []InstrInfo {
	return []InstrInfo{
		{Name: "addi", Execute: execAddi, Format: DForm, Opcode: 14, kind: kindAddi},
		{Name: "addis", Execute: execAddis, Format: DForm, Opcode: 15, kind: kindAddis},
		{Name: "addic", Execute: execAddic, Format: DForm, Opcode: 12},
		{Name: "addic.", Execute: execAddic, Format: DForm, Opcode: 13},
		{Name: "ori", Execute: execOri, Format: DForm, Opcode: 24, kind: kindOri},
		{Name: "oris", Execute: execOris, Format: DForm, Opcode: 25},
		{Name: "xori", Execute: execXori, Format: DForm, Opcode: 26},
		{Name: "xoris", Execute: execXoris, Format: DForm, Opcode: 27},
		{Name: "andi.", Execute: execAndiDot, Format: DForm, Opcode: 28},
		{Name: "andis.", Execute: execAndisDot, Format: DForm, Opcode: 29},
		{Name: "cmpi", Execute: execCmpi, Format: DForm, Opcode: 11, kind: kindCmpi},
		{Name: "cmpli", Execute: execCmpli, Format: DForm, Opcode: 10, kind: kindCmpli},
		{Name: "rlwinm", Execute: execRlwinm, Format: MForm, Opcode: 21, kind: kindRlwinm},

		{Name: "add", Execute: execAdd, Format: XOForm, Opcode: 31, XO: 266, kind: kindAdd},
		{Name: "subf", Execute: execSubf, Format: XOForm, Opcode: 31, XO: 40, kind: kindSubf},
		{Name: "neg", Execute: execNeg, Format: XOForm, Opcode: 31, XO: 104},
		{Name: "mullw", Execute: execMullw, Format: XOForm, Opcode: 31, XO: 235},
		{Name: "and", Execute: execAnd, Format: XForm, Opcode: 31, XO: 28},
		{Name: "or", Execute: execOr, Format: XForm, Opcode: 31, XO: 444, kind: kindOr},
		{Name: "xor", Execute: execXor, Format: XForm, Opcode: 31, XO: 316},
		{Name: "cmp", Execute: execCmp, Format: XForm, Opcode: 31, XO: 0},
		{Name: "cmpl", Execute: execCmpl, Format: XForm, Opcode: 31, XO: 32},
		{Name: "mfcr", Execute: execMfcr, Format: XForm, Opcode: 31, XO: 19},
		{Name: "icbi", Execute: execIcbi, Format: XForm, Opcode: 31, XO: 982},
		{Name: "mfspr", Execute: execMfspr, Format: XFXForm, Opcode: 31, XO: 339, kind: kindMfspr},
		{Name: "mtspr", Execute: execMtspr, Format: XFXForm, Opcode: 31, XO: 467, kind: kindMtspr},

		{Name: "lwz", Execute: execLwz, Format: DForm, Opcode: 32, kind: kindLwz},
		{Name: "lwzu", Execute: execLwzu, Format: DForm, Opcode: 33},
		{Name: "lbz", Execute: execLbz, Format: DForm, Opcode: 34},
		{Name: "stw", Execute: execStw, Format: DForm, Opcode: 36, kind: kindStw},
		{Name: "stwu", Execute: execStwu, Format: DForm, Opcode: 37},
		{Name: "stb", Execute: execStb, Format: DForm, Opcode: 38},
		{Name: "lhz", Execute: execLhz, Format: DForm, Opcode: 40},
		{Name: "sth", Execute: execSth, Format: DForm, Opcode: 44},

		{Name: "b", Execute: execB, Format: IForm, Opcode: 18, CFlow: CFlowJump | CFlowConstJump, kind: kindB},
		{Name: "bc", Execute: execBc, Format: BForm, Opcode: 16, CFlow: CFlowBranch | CFlowConstJump, kind: kindBc},
		{Name: "bclr", Execute: execBclr, Format: XLForm, Opcode: 19, XO: 16, CFlow: CFlowBranch, kind: kindBclr},
		{Name: "bcctr", Execute: execBcctr, Format: XLForm, Opcode: 19, XO: 528, CFlow: CFlowBranch, kind: kindBcctr},
		{Name: "isync", Execute: execIsync, Format: XLForm, Opcode: 19, XO: 150},
		{Name: "sc", Execute: execSc, Format: SCForm, Opcode: 17, CFlow: CFlowTrap},
		{Name: "emul_op", Execute: execEmul, Format: DForm, Opcode: 6, CFlow: CFlowJump | CFlowTrap, kind: kindEmul},
	}
}
