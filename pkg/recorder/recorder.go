// Package recorder implements the flight recorder: a fixed-capacity ring of
// recently executed instructions used for postmortem dumps.
package recorder

import (
	"bufio"
	"fmt"
	"io"
)

// DefaultCapacity matches the classic recorder depth.
const DefaultCapacity = 32768

// Snapshot is the register state captured by a full recorder.
type Snapshot struct {
	GPR   [32]uint32
	FPR   [32]float64
	LR    uint32
	CTR   uint32
	CR    uint32
	XER   uint32
	FPSCR uint32
}

type Entry struct {
	PC     uint32
	Opcode uint32
	Regs   *Snapshot // nil unless the recorder was built with full snapshots
}

// Disassembler renders one instruction for a dump.
type Disassembler interface {
	Disassemble(pc, opcode uint32) string
}

// Recorder is not safe for concurrent use; it belongs to one CPU.
type Recorder struct {
	entries []Entry
	snaps   []Snapshot
	ptr     int
	wrapped bool
}

// New preallocates capacity entries. With full set every entry also owns a
// register snapshot slot.
func New(capacity int, full bool) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Recorder{entries: make([]Entry, capacity)}
	if full {
		r.snaps = make([]Snapshot, capacity)
		for i := range r.entries {
			r.entries[i].Regs = &r.snaps[i]
		}
	}
	return r
}

func (r *Recorder) Cap() int { return len(r.entries) }

// Full reports whether entries carry register snapshots.
func (r *Recorder) Full() bool { return r.snaps != nil }

// Len returns the number of valid entries.
func (r *Recorder) Len() int {
	if r.wrapped {
		return len(r.entries)
	}
	return r.ptr
}

// Wrapped reports whether the ring has ever filled.
func (r *Recorder) Wrapped() bool { return r.wrapped }

// Record appends one entry, overwriting the oldest when full. regs may be
// nil; it is ignored by recorders without snapshot slots.
func (r *Recorder) Record(pc, opcode uint32, regs *Snapshot) {
	e := &r.entries[r.ptr]
	e.PC = pc
	e.Opcode = opcode
	if e.Regs != nil {
		if regs != nil {
			*e.Regs = *regs
		} else {
			*e.Regs = Snapshot{}
		}
	}
	r.ptr++
	if r.ptr == len(r.entries) {
		r.ptr = 0
		r.wrapped = true
	}
}

// Reset forgets all history.
func (r *Recorder) Reset() {
	r.ptr = 0
	r.wrapped = false
}

// Entries returns the history oldest first. Snapshots are deep copied.
func (r *Recorder) Entries() []Entry {
	n := r.Len()
	out := make([]Entry, 0, n)
	r.each(func(e *Entry) {
		c := *e
		if e.Regs != nil {
			s := *e.Regs
			c.Regs = &s
		}
		out = append(out, c)
	})
	return out
}

func (r *Recorder) each(fn func(e *Entry)) {
	start, n := 0, r.ptr
	if r.wrapped {
		start, n = r.ptr, len(r.entries)
	}
	for i := 0; i < n; i++ {
		fn(&r.entries[(start+i)%len(r.entries)])
	}
}

// Dump writes the history oldest first. dis may be nil.
func (r *Recorder) Dump(w io.Writer, dis Disassembler) error {
	bw := bufio.NewWriter(w)
	r.each(func(e *Entry) {
		if e.Regs != nil {
			writeFull(bw, e)
		} else {
			fmt.Fprintf(bw, " pc %08x opc %08x| ", e.PC, e.Opcode)
		}
		if dis != nil {
			bw.WriteString(dis.Disassemble(e.PC, e.Opcode))
		}
		bw.WriteByte('\n')
	})
	return bw.Flush()
}

func writeFull(w *bufio.Writer, e *Entry) {
	s := e.Regs
	fmt.Fprintf(w, " pc %08x  lr %08x ctr %08x  cr %08x xer %08x ", e.PC, s.LR, s.CTR, s.CR, s.XER)
	for i := 0; i < 32; i++ {
		fmt.Fprintf(w, "%3s %08x ", fmt.Sprintf("r%d", i), s.GPR[i])
	}
	fmt.Fprintf(w, "\nopcode %08x ", e.Opcode)
}
