// Package spcflags is the poll-based signaling bitset between the host and
// an executing CPU. Anyone may set a flag; only the engine clears them.
package spcflags

import (
	"strings"
	"sync/atomic"
)

type Flag uint32

const (
	ExecReturn Flag = 1 << iota
	TriggerInterrupt
	HandleInterrupt
	EnterDebugger
	JITExecReturn
	GuestException
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{ExecReturn, "exec-return"},
	{TriggerInterrupt, "trigger-interrupt"},
	{HandleInterrupt, "handle-interrupt"},
	{EnterDebugger, "enter-debugger"},
	{JITExecReturn, "jit-exec-return"},
	{GuestException, "guest-exception"},
}

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// Flags is safe for concurrent use. The zero value has no flags set.
type Flags struct {
	bits atomic.Uint32
}

// Init resets the set to exactly f.
func (s *Flags) Init(f Flag) {
	s.bits.Store(uint32(f))
}

func (s *Flags) Get() Flag {
	return Flag(s.bits.Load())
}

func (s *Flags) Set(f Flag) {
	s.bits.Or(uint32(f))
}

func (s *Flags) Clear(f Flag) {
	s.bits.And(^uint32(f))
}

// Test reports whether any flag in f is set.
func (s *Flags) Test(f Flag) bool {
	return s.bits.Load()&uint32(f) != 0
}

func (s *Flags) Empty() bool {
	return s.bits.Load() == 0
}

// TestAndClear atomically clears f and reports whether any of it was set.
func (s *Flags) TestAndClear(f Flag) bool {
	return s.bits.And(^uint32(f))&uint32(f) != 0
}
