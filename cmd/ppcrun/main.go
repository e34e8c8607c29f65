package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ppcjit/pkg/config"
	"ppcjit/pkg/memory"
	"ppcjit/pkg/monitor"
	"ppcjit/pkg/ppc"
)

// stackGap keeps the initial stack pointer clear of the return stub.
const stackGap = 64

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	imagePath := flag.String("image", "", "Raw big-endian guest image to load")
	strategy := flag.String("strategy", "", "Override the execution strategy (interpret, threaded, jit)")
	logging := flag.Bool("log", false, "Enable the flight recorder")
	tracePath := flag.String("trace", "", "Write an engine trace to this file")
	useMonitor := flag.Bool("monitor", false, "Enter the monitor on SIGINT instead of stopping")
	historyPath := flag.String("history", defaultHistoryPath(), "Monitor command history file, empty to disable")

	flag.Parse()

	if *imagePath == "" {
		log.Fatal("Error: --image flag is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *strategy != "" {
		cfg.Strategy = *strategy
	}
	cfg.Logging = cfg.Logging || *logging
	cfg.Monitor = cfg.Monitor || *useMonitor
	if *tracePath != "" {
		cfg.TracePath = *tracePath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ram, err := memory.NewRAM(0, cfg.MemorySize)
	if err != nil {
		log.Fatalf("Failed to map guest memory: %v", err)
	}
	defer ram.Close()

	image, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("Failed to read image: %v", err)
	}
	if err := ram.Load(cfg.LoadAddress, image); err != nil {
		log.Fatalf("Failed to load image at %#x: %v", cfg.LoadAddress, err)
	}

	// The guest returns into an exec-return stub in the last word of RAM.
	stub := uint32(uint64(cfg.MemorySize)-4) &^ 3
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], ppc.EmulOpcode(ppc.ExecReturn))
	if err := ram.Load(stub, word[:]); err != nil {
		log.Fatalf("Failed to write return stub: %v", err)
	}

	if cfg.ROMEnd > cfg.ROMStart {
		if err := ram.SetAccess(cfg.ROMStart, cfg.ROMEnd, memory.Immutable); err != nil {
			log.Fatalf("Failed to protect ROM: %v", err)
		}
	}

	opts := ppc.Options{Memory: ram}
	if err := cfg.ApplyTo(&opts); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	opts.CrashLogPath = cfg.LogPath
	if cfg.Monitor {
		mon := monitor.New(os.Stdin, os.Stdout)
		mon.HistoryPath = *historyPath
		opts.Debugger = mon.Enter
	}

	cpu, err := ppc.New(opts)
	if err != nil {
		log.Fatalf("Failed to create CPU: %v", err)
	}
	defer cpu.Close()

	regs := cpu.Registers()
	regs.LR = stub
	regs.GPR[1] = (stub - stackGap) &^ 15
	if err := cfg.InitRegisters(regs); err != nil {
		log.Fatalf("Failed to set initial registers: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGINT && cfg.Monitor {
				cpu.EnterDebugger()
				continue
			}
			log.Printf("Received %v, stopping guest", sig)
			cpu.RequestReturn()
		}
	}()

	log.Printf("Running %s from %#x with the %v strategy", *imagePath, cfg.Entry, cpu.Strategy())
	start := time.Now()
	reason := cpu.Execute(cfg.Entry)
	elapsed := time.Since(start)
	signal.Stop(sigChan)

	log.Printf("Guest stopped (%v) after %v", reason, elapsed)
	regs.Dump(os.Stdout)
	printStats(cpu)

	if cfg.Logging {
		if err := cpu.DumpLog(cfg.LogPath); err != nil {
			log.Printf("Failed to write flight recorder: %v", err)
		}
	}

	if reason == ppc.ExitFault {
		if f, ok := cpu.LastFault(); ok {
			log.Printf("Unhandled fault: %v", f)
		}
		os.Exit(1)
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ppcrun_history")
}

func printStats(cpu *ppc.CPU) {
	s := cpu.Stats()
	fmt.Printf("blocks decoded %d, compiled %d, cached %d\n", s.BlocksDecoded, s.BlocksCompiled, cpu.CachedBlocks())
	fmt.Printf("flushes %d, range invalidations %d (%d blocks), stale %d\n",
		s.CacheFlushes, s.RangeInvalidations, s.BlocksInvalidated, s.StaleBlocks)
	fmt.Printf("chained jumps %d, interrupts %d, faults %d\n", s.ChainedJumps, s.Interrupts, s.Faults)
}
