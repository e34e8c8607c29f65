package ppc

import (
	pperrors "ppcjit/pkg/errors"
)

// Handler executes one guest instruction. It updates the register file,
// advances or redirects PC, and reports guest faults through the CPU.
type Handler func(cpu *CPU, opcode uint32)

type InstrFormat uint8

const (
	InvalidForm InstrFormat = iota
	AForm
	BForm
	DForm
	DSForm
	IForm
	MForm
	MDForm
	SCForm
	XForm
	XFLForm
	XFXForm
	XLForm
	XOForm
	XSForm
)

// ControlFlow classifies how an instruction affects the instruction
// stream.
type ControlFlow uint8

const (
	CFlowNormal    ControlFlow = 0
	CFlowBranch    ControlFlow = 1 << 0 // conditional jump
	CFlowJump      ControlFlow = 1 << 1 // unconditional jump
	CFlowTrap      ControlFlow = 1 << 2 // may raise a guest exception
	CFlowConstJump ControlFlow = 1 << 3 // target known at decode time
	CFlowEndBlock              = CFlowBranch | CFlowJump
)

// InstrInfo is one decode-table entry.
type InstrInfo struct {
	Name    string
	Execute Handler
	Format  InstrFormat
	Opcode  uint16 // primary opcode
	XO      uint16 // extended opcode, where the format has one
	CFlow   ControlFlow

	kind kind
}

// EndsBlock reports whether decoding stops after this instruction.
func (ii *InstrInfo) EndsBlock() bool {
	return ii.CFlow&CFlowEndBlock != 0
}

const indexTableSize = 1 << 16

// Decoder maps instruction words to decode-table entries through a 64K
// index table. Entry 0 is the invalid instruction.
type Decoder struct {
	table  []InstrInfo
	index  [indexTableSize]uint16
	sealed bool
}

func makeIndex(opcode, xo uint32) uint32 {
	return opcode<<10 | xo
}

// indexOf extracts the primary opcode and bits 21..30 of the word.
func indexOf(op uint32) uint32 {
	return ((op >> 16) & 0xfc00) | ((op >> 1) & 0x3ff)
}

// NewDecoder builds a decoder whose entry 0 is invalid and then registers
// entries in order. Later entries win when slots overlap.
func NewDecoder(invalid Handler, entries ...InstrInfo) (*Decoder, error) {
	d := &Decoder{}
	if err := d.add(InstrInfo{Name: "illegal", Execute: invalid, Format: InvalidForm, CFlow: CFlowTrap | CFlowJump}); err != nil {
		return nil, err
	}
	for _, ii := range entries {
		if err := d.add(ii); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds an entry. It fails once the decoder has been sealed by the
// first execution.
func (d *Decoder) Register(ii InstrInfo) error {
	if d.sealed {
		return pperrors.EngineErrorf("decoder sealed, cannot register %q", ii.Name)
	}
	return d.add(ii)
}

func (d *Decoder) add(ii InstrInfo) error {
	if len(d.table) >= indexTableSize {
		return pperrors.EngineErrorf("decode table full at %q", ii.Name)
	}
	if ii.Execute == nil {
		return pperrors.EngineErrorf("entry %q has no handler", ii.Name)
	}
	if (ii.Format == InvalidForm) != (len(d.table) == 0) {
		return pperrors.EngineErrorf("entry %q: invalid form only allowed at index 0", ii.Name)
	}
	if ii.Opcode > 63 {
		return pperrors.EngineErrorf("entry %q: primary opcode %d out of range", ii.Name, ii.Opcode)
	}
	op, xo := uint32(ii.Opcode), uint32(ii.XO)
	if limit, ok := xoLimit[ii.Format]; ok && xo > limit {
		return pperrors.EngineErrorf("entry %q: extended opcode %d out of range", ii.Name, xo)
	}
	switch ii.Format {
	case DSForm, MDForm, XSForm:
		// 64-bit only forms
		return pperrors.EngineErrorf("entry %q: unhandled form %d", ii.Name, ii.Format)
	}
	if ii.Format > XSForm {
		return pperrors.EngineErrorf("entry %q: unhandled form %d", ii.Name, ii.Format)
	}
	d.table = append(d.table, ii)
	id := uint16(len(d.table) - 1)

	// The Rc bit is not part of the index, so every slot below already
	// covers both record and non-record variants.
	switch ii.Format {
	case InvalidForm:
		for i := range d.index {
			d.index[i] = id
		}
	case BForm, DForm, IForm, MForm:
		for j := uint32(0); j < 1024; j++ {
			d.index[makeIndex(op, j)] = id
		}
	case SCForm:
		d.index[makeIndex(op, 1)] = id
	case XForm, XLForm, XFXForm, XFLForm:
		d.index[makeIndex(op, xo)] = id
	case XOForm:
		d.index[makeIndex(op, xo)] = id
		d.index[makeIndex(op, 1<<9|xo)] = id // OE
	case AForm:
		for j := uint32(0); j < 32; j++ {
			d.index[makeIndex(op, j<<5|xo)] = id
		}
	}
	return nil
}

var xoLimit = map[InstrFormat]uint32{
	XForm:   0x3ff,
	XLForm:  0x3ff,
	XFXForm: 0x3ff,
	XFLForm: 0x3ff,
	XOForm:  0x1ff,
	AForm:   0x1f,
}

// Seal forbids further registration.
func (d *Decoder) Seal() {
	d.sealed = true
}

// Decode never fails: unknown words map to the invalid entry.
func (d *Decoder) Decode(opcode uint32) *InstrInfo {
	return &d.table[d.index[indexOf(opcode)]]
}

// Len returns the number of table entries including the invalid one.
func (d *Decoder) Len() int {
	return len(d.table)
}
