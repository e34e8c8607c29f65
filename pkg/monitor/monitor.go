// Package monitor is the interactive debugger entered through the
// enter-debugger flag. It reads commands from a terminal with line editing,
// or from any reader when scripted.
package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"ppcjit/pkg/ppc"
)

const prompt = "ppc> "

const helpText = `commands:
  regs                 dump the register file
  set <reg> <value>    write a register (r0-r31, f0-f31, sp, lr, ctr, cr, xer, pc, ...)
  mem <addr> [n]       dump n guest words
  dis [addr] [n]       disassemble n instructions, default at pc
  log [n]              show the last n flight recorder entries
  stats                engine counters
  flush                drop every cached block
  cont                 resume execution
  quit                 stop execution
`

type Monitor struct {
	in  io.Reader
	out io.Writer

	// HistoryPath, when set, persists interactive line history.
	HistoryPath string
}

func New(in io.Reader, out io.Writer) *Monitor {
	return &Monitor{in: in, out: out}
}

// Enter runs the command loop until cont or quit. It has the signature of
// ppc.Options.Debugger and runs on the executing goroutine.
func (m *Monitor) Enter(cpu *ppc.CPU) {
	fmt.Fprintf(m.out, "stopped at %08x: %s\n", cpu.PC(), m.disasmAt(cpu, cpu.PC()))
	if f, ok := m.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		m.interactive(cpu)
		return
	}
	sc := bufio.NewScanner(m.in)
	for sc.Scan() {
		if m.Exec(cpu, sc.Text()) {
			return
		}
	}
}

func (m *Monitor) interactive(cpu *ppc.CPU) {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if m.HistoryPath != "" {
		if f, err := os.Open(m.HistoryPath); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(m.HistoryPath); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}

	for {
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(m.out)
			return
		}
		if err != nil {
			fmt.Fprintf(m.out, "error: %v\n", err)
			return
		}
		if strings.TrimSpace(line) != "" {
			ln.AppendHistory(line)
		}
		if m.Exec(cpu, line) {
			return
		}
	}
}

// Exec runs one command line and reports whether execution should resume.
func (m *Monitor) Exec(cpu *ppc.CPU, line string) (resume bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	args := fields[1:]
	var err error
	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprint(m.out, helpText)
	case "regs", "r":
		cpu.Registers().Dump(m.out)
	case "set":
		err = m.set(cpu, args)
	case "mem", "m":
		err = m.mem(cpu, args)
	case "dis", "d":
		err = m.dis(cpu, args)
	case "log", "l":
		err = m.log(cpu, args)
	case "stats":
		m.stats(cpu)
	case "flush":
		cpu.InvalidateCache()
	case "cont", "c":
		return true
	case "quit", "q":
		cpu.RequestReturn()
		return true
	default:
		err = fmt.Errorf("unknown command %q, try help", fields[0])
	}
	if err != nil {
		fmt.Fprintf(m.out, "error: %v\n", err)
	}
	return false
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(v), nil
}

// addrCount parses "[addr] [n]" with the given defaults.
func addrCount(args []string, addr uint32, n int) (uint32, int, error) {
	var err error
	if len(args) > 0 {
		if addr, err = parseUint32(args[0]); err != nil {
			return 0, 0, err
		}
	}
	if len(args) > 1 {
		c, err := parseUint32(args[1])
		if err != nil {
			return 0, 0, err
		}
		n = int(c)
	}
	return addr, n, nil
}

func (m *Monitor) set(cpu *ppc.CPU, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set <reg> <value>")
	}
	id, err := ppc.ParseRegister(args[0])
	if err != nil {
		return err
	}
	var v ppc.Value
	if id >= ppc.FPR(0) && id <= ppc.FPR(31) {
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("bad float %q", args[1])
		}
		v = ppc.ValueOfF64(f)
	} else {
		u, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		v = ppc.ValueOf32(u)
	}
	return cpu.Registers().Set(id, v)
}

func (m *Monitor) mem(cpu *ppc.CPU, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mem <addr> [n]")
	}
	addr, n, err := addrCount(args, 0, 8)
	if err != nil {
		return err
	}
	addr &^= 3
	for i := 0; i < n; i++ {
		a := addr + uint32(4*i)
		if i%4 == 0 {
			if i > 0 {
				fmt.Fprintln(m.out)
			}
			fmt.Fprintf(m.out, "%08x:", a)
		}
		if w, ok := cpu.ReadWord(a); ok {
			fmt.Fprintf(m.out, " %08x", w)
		} else {
			fmt.Fprint(m.out, " ????????")
		}
	}
	fmt.Fprintln(m.out)
	return nil
}

func (m *Monitor) disasmAt(cpu *ppc.CPU, pc uint32) string {
	w, ok := cpu.ReadWord(pc)
	if !ok {
		return "<unmapped>"
	}
	return cpu.Disassembler().Disassemble(pc, w)
}

func (m *Monitor) dis(cpu *ppc.CPU, args []string) error {
	addr, n, err := addrCount(args, cpu.PC(), 8)
	if err != nil {
		return err
	}
	addr &^= 3
	dis := cpu.Disassembler()
	for i := 0; i < n; i++ {
		pc := addr + uint32(4*i)
		w, ok := cpu.ReadWord(pc)
		if !ok {
			fmt.Fprintf(m.out, "%08x: <unmapped>\n", pc)
			continue
		}
		fmt.Fprintf(m.out, "%08x: %08x  %s\n", pc, w, dis.Disassemble(pc, w))
	}
	return nil
}

func (m *Monitor) log(cpu *ppc.CPU, args []string) error {
	n := 16
	if len(args) > 0 {
		c, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		n = int(c)
	}
	rec := cpu.Recorder()
	if rec == nil || rec.Len() == 0 {
		fmt.Fprintln(m.out, "flight recorder is empty")
		return nil
	}
	entries := rec.Entries()
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	dis := cpu.Disassembler()
	for _, e := range entries {
		fmt.Fprintf(m.out, " pc %08x opc %08x| %s\n", e.PC, e.Opcode, dis.Disassemble(e.PC, e.Opcode))
	}
	return nil
}

func (m *Monitor) stats(cpu *ppc.CPU) {
	s := cpu.Stats()
	fmt.Fprintf(m.out, "strategy         %v\n", cpu.Strategy())
	fmt.Fprintf(m.out, "blocks cached    %d\n", cpu.CachedBlocks())
	fmt.Fprintf(m.out, "blocks decoded   %d\n", s.BlocksDecoded)
	fmt.Fprintf(m.out, "blocks compiled  %d\n", s.BlocksCompiled)
	fmt.Fprintf(m.out, "cache flushes    %d\n", s.CacheFlushes)
	fmt.Fprintf(m.out, "invalidations    %d (%d blocks)\n", s.RangeInvalidations, s.BlocksInvalidated)
	fmt.Fprintf(m.out, "chained jumps    %d\n", s.ChainedJumps)
	fmt.Fprintf(m.out, "interrupts       %d\n", s.Interrupts)
	fmt.Fprintf(m.out, "faults           %d\n", s.Faults)
	if cpu.Strategy() == ppc.StrategyJIT {
		fmt.Fprintf(m.out, "jit code bytes   %d/%d (%d committed)\n", s.JIT.CodeBytes, s.JIT.Capacity, s.JIT.Committed)
		fmt.Fprintf(m.out, "jit chains       %d\n", s.JIT.ChainsPatched)
	}
}
