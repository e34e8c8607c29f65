package ppc

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	pperrors "ppcjit/pkg/errors"
	"ppcjit/pkg/recorder"
)

// XER bits
const (
	XerSO = 1 << 31
	XerOV = 1 << 30
	XerCA = 1 << 29
)

// CR field bits, for field 0 shifted left by 28.
const (
	CrLT = 8
	CrGT = 4
	CrEQ = 2
	CrSO = 1
)

// Registers is the complete guest-visible CPU state. Copying it takes a
// snapshot.
type Registers struct {
	GPR   [32]uint32
	FPR   [32]float64
	CR    uint32
	XER   uint32
	FPSCR uint32
	LR    uint32
	CTR   uint32
	PC    uint32
	TBL   uint32
	TBU   uint32
}

// RegisterID is the dense id space used by generic register access.
type RegisterID int

const (
	RegGPR0 RegisterID = 0
	RegFPR0 RegisterID = 32
	RegCR   RegisterID = 64 + iota - 2
	RegFPSCR
	RegXER
	RegLR
	RegCTR
	RegTBL
	RegTBU
	RegPC
	NumRegisters

	RegSP = RegGPR0 + 1
)

func GPR(n int) RegisterID { return RegGPR0 + RegisterID(n) }
func FPR(n int) RegisterID { return RegFPR0 + RegisterID(n) }

var specialNames = map[RegisterID]string{
	RegCR:    "cr",
	RegFPSCR: "fpscr",
	RegXER:   "xer",
	RegLR:    "lr",
	RegCTR:   "ctr",
	RegTBL:   "tbl",
	RegTBU:   "tbu",
	RegPC:    "pc",
}

func (id RegisterID) String() string {
	switch {
	case id >= RegGPR0 && id < RegGPR0+32:
		return fmt.Sprintf("r%d", int(id-RegGPR0))
	case id >= RegFPR0 && id < RegFPR0+32:
		return fmt.Sprintf("f%d", int(id-RegFPR0))
	}
	if name, ok := specialNames[id]; ok {
		return name
	}
	return fmt.Sprintf("reg(%d)", int(id))
}

// ParseRegister accepts r0..r31, f0..f31, sp and the special register
// names.
func ParseRegister(name string) (RegisterID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "sp" {
		return RegSP, nil
	}
	for id, n := range specialNames {
		if n == name {
			return id, nil
		}
	}
	if len(name) > 1 && (name[0] == 'r' || name[0] == 'f') {
		n, err := strconv.Atoi(name[1:])
		if err == nil && n >= 0 && n < 32 {
			if name[0] == 'r' {
				return GPR(n), nil
			}
			return FPR(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", pperrors.ErrUnknownRegister, name)
}

// Value holds the raw bits of any register. Integer registers use the low
// 32 bits.
type Value uint64

func ValueOf32(v uint32) Value { return Value(v) }
func ValueOfF64(f float64) Value { return Value(math.Float64bits(f)) }
func (v Value) U32() uint32 { return uint32(v) }
func (v Value) F64() float64 { return math.Float64frombits(uint64(v)) }

// Get reads a register by id.
func (r *Registers) Get(id RegisterID) (Value, error) {
	switch {
	case id >= RegGPR0 && id < RegGPR0+32:
		return ValueOf32(r.GPR[id-RegGPR0]), nil
	case id >= RegFPR0 && id < RegFPR0+32:
		return ValueOfF64(r.FPR[id-RegFPR0]), nil
	}
	if p := r.special(id); p != nil {
		return ValueOf32(*p), nil
	}
	return 0, fmt.Errorf("%w: %d", pperrors.ErrUnknownRegister, int(id))
}

// Set writes a register by id.
func (r *Registers) Set(id RegisterID, v Value) error {
	switch {
	case id >= RegGPR0 && id < RegGPR0+32:
		r.GPR[id-RegGPR0] = v.U32()
		return nil
	case id >= RegFPR0 && id < RegFPR0+32:
		r.FPR[id-RegFPR0] = v.F64()
		return nil
	}
	if p := r.special(id); p != nil {
		*p = v.U32()
		return nil
	}
	return fmt.Errorf("%w: %d", pperrors.ErrUnknownRegister, int(id))
}

func (r *Registers) special(id RegisterID) *uint32 {
	switch id {
	case RegCR:
		return &r.CR
	case RegFPSCR:
		return &r.FPSCR
	case RegXER:
		return &r.XER
	case RegLR:
		return &r.LR
	case RegCTR:
		return &r.CTR
	case RegTBL:
		return &r.TBL
	case RegTBU:
		return &r.TBU
	case RegPC:
		return &r.PC
	}
	return nil
}

// Dump writes the register file in the classic four-per-line layout.
func (r *Registers) Dump(w io.Writer) {
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(w, "%3s %08x  %3s %08x  %3s %08x  %3s %08x\n",
			GPR(i), r.GPR[i], GPR(i+1), r.GPR[i+1], GPR(i+2), r.GPR[i+2], GPR(i+3), r.GPR[i+3])
	}
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(w, "%3s %02.5f  %3s %02.5f  %3s %02.5f  %3s %02.5f\n",
			FPR(i), r.FPR[i], FPR(i+1), r.FPR[i+1], FPR(i+2), r.FPR[i+2], FPR(i+3), r.FPR[i+3])
	}
	fmt.Fprintf(w, " lr %08x  ctr %08x   cr %08x  xer %08x\n", r.LR, r.CTR, r.CR, r.XER)
	fmt.Fprintf(w, " pc %08x fpscr %08x\n", r.PC, r.FPSCR)
}

func (r *Registers) snapshot(s *recorder.Snapshot) {
	s.GPR = r.GPR
	s.FPR = r.FPR
	s.LR = r.LR
	s.CTR = r.CTR
	s.CR = r.CR
	s.XER = r.XER
	s.FPSCR = r.FPSCR
}

// crField returns CR field n (0..7) as a 4-bit value.
func (r *Registers) crField(n uint32) uint32 {
	return (r.CR >> (28 - 4*n)) & 0xf
}

func (r *Registers) setCRField(n, v uint32) {
	shift := 28 - 4*n
	r.CR = r.CR&^(0xf<<shift) | (v&0xf)<<shift
}

// crBit returns CR bit n, numbered from the most significant bit.
func (r *Registers) crBit(n uint32) bool {
	return (r.CR>>(31-n))&1 != 0
}

func (r *Registers) recordCR0(v uint32) {
	var f uint32
	switch s := int32(v); {
	case s < 0:
		f = CrLT
	case s > 0:
		f = CrGT
	default:
		f = CrEQ
	}
	if r.XER&XerSO != 0 {
		f |= CrSO
	}
	r.setCRField(0, f)
}

func (r *Registers) setOV(ov bool) {
	if ov {
		r.XER |= XerOV | XerSO
	} else {
		r.XER &^= XerOV
	}
}

func (r *Registers) setCA(ca bool) {
	if ca {
		r.XER |= XerCA
	} else {
		r.XER &^= XerCA
	}
}
