package ppc

import (
	"fmt"
)

// Disassembler renders instruction words using a decoder's table.
type Disassembler struct {
	decoder *Decoder
}

func NewDisassembler(d *Decoder) *Disassembler {
	return &Disassembler{decoder: d}
}

// Disassembler returns a disassembler for this CPU's instruction table.
func (cpu *CPU) Disassembler() *Disassembler {
	return NewDisassembler(cpu.decoder)
}

func suffix(op uint32, withOE bool) string {
	s := ""
	if withOE && oe(op) {
		s += "o"
	}
	if rc(op) {
		s += "."
	}
	return s
}

func (d *Disassembler) Disassemble(pc, op uint32) string {
	ii := d.decoder.Decode(op)
	rd, ra, rb := fieldD(op), fieldA(op), fieldB(op)
	switch ii.Name {
	case "illegal":
		return fmt.Sprintf(".long 0x%08x", op)
	case "addi":
		if ra == 0 {
			return fmt.Sprintf("li r%d,%d", rd, int32(simm(op)))
		}
		return fmt.Sprintf("addi r%d,r%d,%d", rd, ra, int32(simm(op)))
	case "addis":
		if ra == 0 {
			return fmt.Sprintf("lis r%d,%d", rd, int32(simm(op)))
		}
		return fmt.Sprintf("addis r%d,r%d,%d", rd, ra, int32(simm(op)))
	case "addic", "addic.":
		return fmt.Sprintf("%s r%d,r%d,%d", ii.Name, rd, ra, int32(simm(op)))
	case "ori":
		if op == 0x60000000 {
			return "nop"
		}
		fallthrough
	case "oris", "xori", "xoris", "andi.", "andis.":
		return fmt.Sprintf("%s r%d,r%d,0x%x", ii.Name, ra, rd, uimm(op))
	case "cmpi":
		return fmt.Sprintf("cmpwi cr%d,r%d,%d", fieldCR(op), ra, int32(simm(op)))
	case "cmpli":
		return fmt.Sprintf("cmplwi cr%d,r%d,%d", fieldCR(op), ra, uimm(op))
	case "cmp":
		return fmt.Sprintf("cmpw cr%d,r%d,r%d", fieldCR(op), ra, rb)
	case "cmpl":
		return fmt.Sprintf("cmplw cr%d,r%d,r%d", fieldCR(op), ra, rb)
	case "add", "subf", "mullw":
		return fmt.Sprintf("%s%s r%d,r%d,r%d", ii.Name, suffix(op, true), rd, ra, rb)
	case "neg":
		return fmt.Sprintf("neg%s r%d,r%d", suffix(op, true), rd, ra)
	case "or":
		if rd == rb && !rc(op) {
			return fmt.Sprintf("mr r%d,r%d", ra, rd)
		}
		fallthrough
	case "and", "xor":
		return fmt.Sprintf("%s%s r%d,r%d,r%d", ii.Name, suffix(op, false), ra, rd, rb)
	case "rlwinm":
		return fmt.Sprintf("rlwinm%s r%d,r%d,%d,%d,%d", suffix(op, false), ra, rd, rb, op>>6&31, op>>1&31)
	case "lwz", "lwzu", "lbz", "lhz", "stw", "stwu", "stb", "sth":
		return fmt.Sprintf("%s r%d,%d(r%d)", ii.Name, rd, int32(simm(op)), ra)
	case "b":
		t := branchDisp(op)
		if !aa(op) {
			t += pc
		}
		return fmt.Sprintf("b%s %08x", linkSuffix(op), t)
	case "bc":
		t := condDisp(op)
		if !aa(op) {
			t += pc
		}
		return fmt.Sprintf("bc%s %d,%d,%08x", linkSuffix(op), rd, ra, t)
	case "bclr":
		if rd&0x14 == 0x14 {
			return "blr" + lkOnly(op)
		}
		return fmt.Sprintf("bclr%s %d,%d", lkOnly(op), rd, ra)
	case "bcctr":
		if rd&0x14 == 0x14 {
			return "bctr" + lkOnly(op)
		}
		return fmt.Sprintf("bcctr%s %d,%d", lkOnly(op), rd, ra)
	case "mfspr":
		switch spr(op) {
		case SprLR:
			return fmt.Sprintf("mflr r%d", rd)
		case SprCTR:
			return fmt.Sprintf("mfctr r%d", rd)
		}
		return fmt.Sprintf("mfspr r%d,%d", rd, spr(op))
	case "mtspr":
		switch spr(op) {
		case SprLR:
			return fmt.Sprintf("mtlr r%d", rd)
		case SprCTR:
			return fmt.Sprintf("mtctr r%d", rd)
		}
		return fmt.Sprintf("mtspr %d,r%d", spr(op), rd)
	case "mfcr":
		return fmt.Sprintf("mfcr r%d", rd)
	case "icbi":
		return fmt.Sprintf("icbi r%d,r%d", ra, rb)
	case "sc", "isync":
		return ii.Name
	case "emul_op":
		switch sel := op & 0x3ffffff; {
		case sel == EmulReturn:
			return "emul_return"
		case sel == ExecReturn:
			return "exec_return"
		case sel&0x3f == ExecNative:
			return fmt.Sprintf("exec_native %d", sel>>6)
		}
		return fmt.Sprintf("emul_op %d", op&0x3ffffff)
	}
	return fmt.Sprintf("%s 0x%08x", ii.Name, op)
}

func linkSuffix(op uint32) string {
	s := ""
	if lk(op) {
		s += "l"
	}
	if aa(op) {
		s += "a"
	}
	return s
}

func lkOnly(op uint32) string {
	if lk(op) {
		return "l"
	}
	return ""
}
