// Package config loads the JSON run configuration used by cmd/ppcrun.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"ppcjit/pkg/jit"
	"ppcjit/pkg/ppc"
	"ppcjit/pkg/recorder"
)

// Config mirrors the on-disk JSON file. Zero values fall back to Default.
type Config struct {
	Strategy        string            `json:"strategy"`
	JITCacheSize    int               `json:"jit_cache_size"`
	DecodeCacheSize int               `json:"decode_cache_size"`
	MemorySize      int               `json:"memory_size"`
	LoadAddress     uint32            `json:"load_address"`
	Entry           uint32            `json:"entry"`
	ROMStart        uint32            `json:"rom_start"`
	ROMEnd          uint32            `json:"rom_end"`
	Logging         bool              `json:"logging"`
	LogSize         int               `json:"log_size"`
	LogRegisters    bool              `json:"log_registers"`
	LogPath         string            `json:"log_path"`
	TracePath       string            `json:"trace_path"`
	WatchCodeWrites bool              `json:"watch_code_writes"`
	VerifyBlocks    bool              `json:"verify_blocks"`
	ReentrantJIT    bool              `json:"reentrant_jit"`
	Monitor         bool              `json:"monitor"`
	Registers       map[string]uint32 `json:"registers"`
}

const (
	DefaultMemorySize  = 16 << 20
	DefaultLoadAddress = 0x10000
)

func Default() Config {
	return Config{
		Strategy:        ppc.StrategyThreaded.String(),
		JITCacheSize:    jit.DefaultCacheSize,
		DecodeCacheSize: ppc.DefaultDecodeCacheSize,
		MemorySize:      DefaultMemorySize,
		LoadAddress:     DefaultLoadAddress,
		Entry:           DefaultLoadAddress,
		LogSize:         recorder.DefaultCapacity,
		LogPath:         "ppc.log",
		WatchCodeWrites: true,
	}
}

// Load reads a config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	s, err := ppc.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	if c.MemorySize <= 0 || uint64(c.MemorySize) > 1<<32 {
		return fmt.Errorf("memory_size %d out of range", c.MemorySize)
	}
	if uint64(c.LoadAddress) >= uint64(c.MemorySize) {
		return fmt.Errorf("load_address %#x beyond memory_size %#x", c.LoadAddress, c.MemorySize)
	}
	if c.Entry&3 != 0 || uint64(c.Entry) >= uint64(c.MemorySize) {
		return fmt.Errorf("entry %#x is unaligned or unmapped", c.Entry)
	}
	if c.ROMEnd < c.ROMStart {
		return fmt.Errorf("rom_end %#x below rom_start %#x", c.ROMEnd, c.ROMStart)
	}
	if s == ppc.StrategyJIT && c.JITCacheSize != 0 && c.JITCacheSize < jit.MinCacheSize {
		return fmt.Errorf("jit_cache_size %d below minimum %d", c.JITCacheSize, jit.MinCacheSize)
	}
	if c.LogSize < 0 || c.DecodeCacheSize < 0 {
		return fmt.Errorf("negative log_size or decode_cache_size")
	}
	for name := range c.Registers {
		if _, err := ppc.ParseRegister(name); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTo copies the engine settings into opts. Memory and handlers are
// left to the caller.
func (c Config) ApplyTo(opts *ppc.Options) error {
	s, err := ppc.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	opts.Strategy = s
	opts.JITCacheSize = c.JITCacheSize
	opts.DecodeCacheSize = c.DecodeCacheSize
	opts.ROMStart = c.ROMStart
	opts.ROMEnd = c.ROMEnd
	opts.Logging = c.Logging
	opts.LogSize = c.LogSize
	opts.LogRegisters = c.LogRegisters
	opts.TracePath = c.TracePath
	opts.WatchCodeWrites = c.WatchCodeWrites
	opts.VerifyBlocks = c.VerifyBlocks
	opts.ReentrantJIT = c.ReentrantJIT
	return nil
}

// InitRegisters writes the configured initial register values.
func (c Config) InitRegisters(regs *ppc.Registers) error {
	for name, v := range c.Registers {
		id, err := ppc.ParseRegister(name)
		if err != nil {
			return err
		}
		if err := regs.Set(id, ppc.ValueOf32(v)); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}
