// Package ppc is the PowerPC execution engine: register file, decoder,
// block cache driven dispatch loops and the JIT block compiler.
package ppc

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ppcjit/pkg/blockcache"
	pperrors "ppcjit/pkg/errors"
	"ppcjit/pkg/jit"
	"ppcjit/pkg/memory"
	"ppcjit/pkg/recorder"
	"ppcjit/pkg/spcflags"
)

type Strategy int

const (
	StrategyInterpret Strategy = iota
	StrategyThreaded
	StrategyJIT
)

func (s Strategy) String() string {
	switch s {
	case StrategyInterpret:
		return "interpret"
	case StrategyThreaded:
		return "threaded"
	case StrategyJIT:
		return "jit"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "interpret", "interpreter":
		return StrategyInterpret, nil
	case "threaded", "":
		return StrategyThreaded, nil
	case "jit":
		return StrategyJIT, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// ExitReason tells the caller of Execute why it returned.
type ExitReason int

const (
	ExitReturn   ExitReason = iota // exec-return was requested
	ExitFault                      // a guest fault had no trap handler
	ExitEmulator                   // the guest asked the emulator to quit
)

func (r ExitReason) String() string {
	switch r {
	case ExitReturn:
		return "return"
	case ExitFault:
		return "fault"
	case ExitEmulator:
		return "emulator-return"
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

type FaultCause int

const (
	FaultNone FaultCause = iota
	FaultIllegalInstruction
	FaultDataAccess
	FaultInstructionAccess
	FaultSyscall
)

func (c FaultCause) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultIllegalInstruction:
		return "illegal instruction"
	case FaultDataAccess:
		return "data access"
	case FaultInstructionAccess:
		return "instruction access"
	case FaultSyscall:
		return "unhandled syscall"
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// Fault describes a guest exception raised by a handler.
type Fault struct {
	PC     uint32
	Opcode uint32
	Cause  FaultCause
	Addr   uint32 // faulting data address, when relevant
}

func (f Fault) String() string {
	return fmt.Sprintf("%v at %08x (opcode %08x, addr %08x)", f.Cause, f.PC, f.Opcode, f.Addr)
}

type (
	// InterruptHandler services handle-interrupt with a copy of the
	// register file taken at the poll point.
	InterruptHandler func(cpu *CPU, saved Registers)
	// TrapHandler redirects the guest after a fault. Returning false makes
	// Execute return ExitFault.
	TrapHandler func(cpu *CPU, f Fault) bool
	// SyscallHandler services sc. Returning false raises FaultSyscall.
	SyscallHandler func(cpu *CPU) bool
	// NativeHandler services the exec-native emulator opcode.
	NativeHandler func(cpu *CPU, selector uint32)
	// ProfitabilityPolicy decides once whether the JIT is worth enabling.
	ProfitabilityPolicy func(cacheSize int) bool
)

// AlwaysProfitable is the default policy.
func AlwaysProfitable(int) bool { return true }

const (
	DefaultDecodeCacheSize = 32768 // predecoded entries before a flush
	MaxBlockInstructions   = 1024
	PageSize               = memory.PageSize
)

type Options struct {
	Memory   memory.Memory
	Strategy Strategy

	JITCacheSize    int
	DecodeCacheSize int
	Profitability   ProfitabilityPolicy
	ReentrantJIT    bool

	// Guest addresses in [ROMStart, ROMEnd) are never written by the guest.
	// Blocks decoded there are skipped by guest write tracking; a host that
	// reloads ROM must call InvalidateRange over it.
	ROMStart, ROMEnd uint32

	Logging      bool
	LogSize      int
	LogRegisters bool
	CrashLogPath string
	TracePath    string

	WatchCodeWrites bool
	VerifyBlocks    bool

	Instructions     []InstrInfo
	InterruptHandler InterruptHandler
	TrapHandler      TrapHandler
	SyscallHandler   SyscallHandler
	NativeHandler    NativeHandler
	Debugger         func(cpu *CPU)
	FatalHandler     func(err error)
}

type Stats struct {
	BlocksDecoded      int
	BlocksCompiled     int
	CacheFlushes       int
	RangeInvalidations int
	BlocksInvalidated  int
	ChainedJumps       int
	Interrupts         int
	Faults             int
	StaleBlocks        int
	JIT                jit.Stats
}

type addrRange struct {
	start, end uint32
}

// CPU is one guest processor. Execute and everything it calls run on a
// single goroutine; the flag setters and the invalidation requests may be
// called from any goroutine.
type CPU struct {
	regs     Registers
	mem      memory.Memory
	opts     Options
	decoder  *Decoder
	cache    *blockcache.Cache[*Block]
	tc       *jit.Cache[*CPU]
	strategy Strategy
	flags    spcflags.Flags

	rec     *recorder.Recorder
	logging bool
	snap    recorder.Snapshot

	fault        Fault
	faultPending bool
	lastFault    Fault
	hasFault     bool
	fetching     bool
	fetchFailed  bool

	depth       int
	inInterrupt bool
	emulReturn  bool
	exitReason  ExitReason
	gen         uint64 // bumped whenever cached blocks are dropped
	decodeUsed  int
	codePages   []uint64 // one bit per guest page holding decoded code

	trace     *log.Logger
	traceFile *os.File

	pendingMu     sync.Mutex
	pendingRanges []addrRange
	pendingFlush  bool

	stats Stats
}

// InitFileLogger traces block decode, compile and invalidation events and
// delivered faults to filename. The file is closed by Close.
func (cpu *CPU) InitFileLogger(filename string) error {
	// Open the file with TRUNC flag instead of APPEND to clear existing content
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if cpu.traceFile != nil {
		cpu.traceFile.Close()
	}
	cpu.traceFile = file
	cpu.trace = log.New(file, "", log.LstdFlags)
	return nil
}

// New builds a CPU over opts.Memory with the reference instruction table
// plus opts.Instructions.
func New(opts Options) (*CPU, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("ppc: no guest memory")
	}
	if opts.DecodeCacheSize <= 0 {
		opts.DecodeCacheSize = DefaultDecodeCacheSize
	}
	if opts.Profitability == nil {
		opts.Profitability = AlwaysProfitable
	}
	decoder, err := NewDecoder(execIllegal, append(DefaultTable(), opts.Instructions...)...)
	if err != nil {
		return nil, fmt.Errorf("ppc: build decoder: %w", err)
	}

	cpu := &CPU{
		mem:       opts.Memory,
		opts:      opts,
		decoder:   decoder,
		strategy:  StrategyThreaded,
		codePages: make([]uint64, (1<<32)/PageSize/64),
	}
	cpu.cache = blockcache.New(newBlock)
	cpu.cache.OnEvict = cpu.evictBlock

	if fr, ok := opts.Memory.(memory.FaultReporter); ok {
		fr.SetFaultHandler(cpu.memoryFault)
	}
	if opts.WatchCodeWrites {
		w, ok := opts.Memory.(memory.Watchable)
		if !ok {
			return nil, fmt.Errorf("ppc: memory %T cannot watch code writes", opts.Memory)
		}
		w.WatchWrites(cpu.codeWritten)
	}
	if opts.TracePath != "" {
		if err := cpu.InitFileLogger(opts.TracePath); err != nil {
			return nil, fmt.Errorf("ppc: open trace: %w", err)
		}
	}
	if opts.Logging {
		cpu.SetLogging(true)
	}

	switch opts.Strategy {
	case StrategyInterpret, StrategyThreaded:
		cpu.strategy = opts.Strategy
	case StrategyJIT:
		if err := cpu.EnableJIT(opts.JITCacheSize); err != nil {
			cpu.Close()
			return nil, err
		}
	default:
		cpu.Close()
		return nil, fmt.Errorf("ppc: unknown strategy %d", opts.Strategy)
	}
	return cpu, nil
}

// Close releases the translation cache and closes the trace file.
func (cpu *CPU) Close() error {
	var err error
	if cpu.tc != nil {
		err = cpu.tc.Free()
		cpu.tc = nil
	}
	if cpu.traceFile != nil {
		if cerr := cpu.traceFile.Close(); err == nil {
			err = cerr
		}
		cpu.traceFile = nil
		cpu.trace = nil
	}
	return err
}

func (cpu *CPU) Strategy() Strategy { return cpu.strategy }
func (cpu *CPU) Memory() memory.Memory { return cpu.mem }
func (cpu *CPU) Flags() *spcflags.Flags { return &cpu.flags }
func (cpu *CPU) Decoder() *Decoder { return cpu.decoder }
func (cpu *CPU) Recorder() *recorder.Recorder { return cpu.rec }

// Registers returns the live register file. Only the executing goroutine
// may use it while Execute runs.
func (cpu *CPU) Registers() *Registers { return &cpu.regs }

func (cpu *CPU) PC() uint32 { return cpu.regs.PC }
func (cpu *CPU) SetPC(pc uint32) { cpu.regs.PC = pc }
func (cpu *CPU) IncrementPC(n uint32) { cpu.regs.PC += n }

// GetRegister reads a register by id. Unknown ids are engine bugs.
func (cpu *CPU) GetRegister(id RegisterID) Value {
	v, err := cpu.regs.Get(id)
	if err != nil {
		cpu.Fatal(pperrors.WrapEngineError(err, "get register"))
	}
	return v
}

// SetRegister writes a register by id. Unknown ids are engine bugs.
func (cpu *CPU) SetRegister(id RegisterID, v Value) {
	if err := cpu.regs.Set(id, v); err != nil {
		cpu.Fatal(pperrors.WrapEngineError(err, "set register"))
	}
}

// RegisterInstruction adds a decode-table entry. Only allowed before the
// first Execute.
func (cpu *CPU) RegisterInstruction(ii InstrInfo) {
	if err := cpu.decoder.Register(ii); err != nil {
		cpu.Fatal(err)
	}
}

// LastFault returns the most recent fault that no trap handler took.
func (cpu *CPU) LastFault() (Fault, bool) {
	return cpu.lastFault, cpu.hasFault
}

// RaiseFault records a guest exception raised by the instruction at the
// current PC. The executing block stops after that instruction and the
// fault is delivered at the next poll. Only the first fault before
// delivery is kept.
func (cpu *CPU) RaiseFault(cause FaultCause, addr uint32) {
	if cpu.faultPending {
		return
	}
	f := Fault{PC: cpu.regs.PC, Cause: cause, Addr: addr}
	if cause != FaultInstructionAccess {
		f.Opcode, _ = cpu.fetch(f.PC)
	}
	cpu.fault = f
	cpu.faultPending = true
	cpu.flags.Set(spcflags.GuestException)
}

func (cpu *CPU) memoryFault(addr uint32, size int, write bool) {
	if cpu.fetching {
		cpu.fetchFailed = true
		return
	}
	cpu.RaiseFault(FaultDataAccess, addr)
}

func (cpu *CPU) fetch(pc uint32) (uint32, bool) {
	if pc&3 != 0 {
		return 0, false
	}
	cpu.fetching = true
	cpu.fetchFailed = false
	w := cpu.mem.Read32(pc)
	cpu.fetching = false
	return w, !cpu.fetchFailed
}

// ReadWord reads an aligned guest word without raising a guest fault.
func (cpu *CPU) ReadWord(addr uint32) (uint32, bool) {
	return cpu.fetch(addr)
}

func (cpu *CPU) inROM(addr uint32) bool {
	return cpu.opts.ROMEnd > cpu.opts.ROMStart && addr >= cpu.opts.ROMStart && addr < cpu.opts.ROMEnd
}

// romOverlaps reports whether [start, end) touches the ROM range; end 0
// stands for the top of the address space.
func (cpu *CPU) romOverlaps(start, end uint32) bool {
	if cpu.opts.ROMEnd <= cpu.opts.ROMStart {
		return false
	}
	e := uint64(end)
	if end == 0 {
		e = 1 << 32
	}
	return uint64(start) < uint64(cpu.opts.ROMEnd) && uint64(cpu.opts.ROMStart) < e
}

// readOnly reports whether the guest cannot currently write addr. Page
// permissions may change later, so only the ROM range makes blocks
// dormant.
func (cpu *CPU) readOnly(addr uint32) bool {
	if cpu.inROM(addr) {
		return true
	}
	if ro, ok := cpu.mem.(memory.ReadOnlyChecker); ok {
		return ro.ReadOnly(addr)
	}
	return false
}

// TriggerInterrupt asks for the interrupt handler to run at the next safe
// point.
func (cpu *CPU) TriggerInterrupt() { cpu.flags.Set(spcflags.TriggerInterrupt) }

// EnterDebugger asks for the debugger callback at the next safe point.
func (cpu *CPU) EnterDebugger() { cpu.flags.Set(spcflags.EnterDebugger) }

// RequestReturn makes the innermost Execute return at the next safe point.
func (cpu *CPU) RequestReturn() { cpu.flags.Set(spcflags.ExecReturn) }

// EnableJIT allocates the translation cache and switches to the JIT
// strategy if the profitability policy agrees.
func (cpu *CPU) EnableJIT(cacheSize int) error {
	if cacheSize <= 0 {
		cacheSize = cpu.opts.JITCacheSize
	}
	if cacheSize <= 0 {
		cacheSize = jit.DefaultCacheSize
	}
	if !cpu.opts.Profitability(cacheSize) {
		log.Printf("ppc: JIT not profitable on this host, staying %v", cpu.strategy)
		return nil
	}
	if cpu.tc == nil {
		tc, err := jit.NewCache[*CPU](cacheSize)
		if err != nil {
			return pperrors.WrapEngineError(err, "allocate translation cache")
		}
		cpu.tc = tc
	}
	cpu.setStrategy(StrategyJIT)
	return nil
}

// SetStrategy switches the dispatch strategy. Switching drops every cached
// block.
func (cpu *CPU) SetStrategy(s Strategy) error {
	switch s {
	case StrategyJIT:
		return cpu.EnableJIT(cpu.opts.JITCacheSize)
	case StrategyInterpret, StrategyThreaded:
		cpu.setStrategy(s)
		return nil
	}
	return fmt.Errorf("ppc: unknown strategy %d", s)
}

func (cpu *CPU) setStrategy(s Strategy) {
	if cpu.strategy == s {
		return
	}
	cpu.strategy = s
	cpu.InvalidateCache()
}

// SetLogging turns the flight recorder on or off. Cached blocks are
// dropped so the record step is added to or removed from every block.
func (cpu *CPU) SetLogging(on bool) {
	if on && cpu.rec == nil {
		cpu.rec = recorder.New(cpu.opts.LogSize, cpu.opts.LogRegisters)
	}
	if cpu.logging == on {
		return
	}
	cpu.logging = on
	cpu.InvalidateCache()
}

func (cpu *CPU) Logging() bool { return cpu.logging }

func (cpu *CPU) recordStep(opcode uint32) {
	if cpu.rec.Full() {
		cpu.regs.snapshot(&cpu.snap)
		cpu.rec.Record(cpu.regs.PC, opcode, &cpu.snap)
		return
	}
	cpu.rec.Record(cpu.regs.PC, opcode, nil)
}

// DumpLog writes the flight recorder to path, "ppc.log" when empty.
func (cpu *CPU) DumpLog(path string) error {
	if cpu.rec == nil {
		return fmt.Errorf("ppc: flight recorder was never enabled")
	}
	if path == "" {
		path = "ppc.log"
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ppc: dump log: %w", err)
	}
	if err := cpu.rec.Dump(f, cpu.Disassembler()); err != nil {
		f.Close()
		return fmt.Errorf("ppc: dump log: %w", err)
	}
	return f.Close()
}

// Fatal reports a broken engine invariant. It logs, dumps the registers and
// the flight recorder, then calls the fatal handler, which by default exits
// the process. If the handler returns, Fatal panics with err.
func (cpu *CPU) Fatal(err error) {
	log.Printf("ppc: fatal engine error at pc %08x: %v", cpu.regs.PC, err)
	var sb strings.Builder
	cpu.regs.Dump(&sb)
	log.Print(sb.String())
	if cpu.rec != nil && cpu.rec.Len() > 0 {
		path := cpu.opts.CrashLogPath
		if path == "" {
			path = fmt.Sprintf("ppc-crash-%s.log", uuid.New())
		}
		if derr := cpu.DumpLog(path); derr != nil {
			log.Printf("ppc: %v", derr)
		} else {
			log.Printf("ppc: flight recorder written to %s", path)
		}
	}
	handler := cpu.opts.FatalHandler
	if handler == nil {
		handler = func(error) { os.Exit(1) }
	}
	handler(err)
	panic(err)
}

// Stats returns engine counters.
func (cpu *CPU) Stats() Stats {
	s := cpu.stats
	if cpu.tc != nil {
		s.JIT = cpu.tc.Stats()
	}
	return s
}

// CachedBlocks returns the number of blocks in the block cache.
func (cpu *CPU) CachedBlocks() int {
	return cpu.cache.Len()
}

// markCode records that [start, end) holds decoded code.
func (cpu *CPU) markCode(start, end uint32) {
	for p := start / PageSize; ; p++ {
		atomic.OrUint64(&cpu.codePages[p/64], 1<<(p%64))
		if p == (end-1)/PageSize {
			break
		}
	}
}

func (cpu *CPU) isCode(start, end uint32) bool {
	for p := start / PageSize; ; p++ {
		if atomic.LoadUint64(&cpu.codePages[p/64])&(1<<(p%64)) != 0 {
			return true
		}
		if p == (end-1)/PageSize {
			return false
		}
	}
}

func (cpu *CPU) clearCodePages() {
	for i := range cpu.codePages {
		atomic.StoreUint64(&cpu.codePages[i], 0)
	}
}

// codeWritten is the memory write watch: writes that touch a page holding
// decoded code invalidate the affected blocks.
func (cpu *CPU) codeWritten(addr uint32, size int) {
	end := addr + uint32(size)
	if uint64(addr)+uint64(size) >= 1<<32 {
		end = 0
	}
	if size <= 0 || !cpu.isCode(addr, end) {
		return
	}
	cpu.InvalidateRange(addr, end)
}
