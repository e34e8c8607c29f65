// Package jit is the translation cache: compiled blocks, their exit link
// records and the arena they are allocated from.
//
// A compiled block is a flat sequence of ops with the operands of each
// guest instruction already extracted. Every block has up to MaxTargets
// exits. An exit slot either points at the shared resolver, which makes the
// engine perform an ordinary cache lookup, or directly at a sibling block
// once it has been chained. PatchJump and ResetJumpToResolver are the only
// ways a slot changes.
package jit

import (
	"encoding/binary"
	"errors"

	pperrors "ppcjit/pkg/errors"
)

// ErrCacheFull is returned by Compile when the arena has no room left. The
// engine flushes the whole cache and compiles again.
var ErrCacheFull = errors.New("translation cache full")

const (
	MaxTargets     = 2
	linkRecordSize = 8
)

// Op is one compiled guest instruction.
type Op[C any] func(cpu C)

// Link is an exit point of a compiled block.
type Link[C any] struct {
	TargetPC uint32
	slot     *Code[C]
}

// Target returns the block the exit jumps to, which is the resolver when
// the exit is not chained.
func (l *Link[C]) Target() *Code[C] { return l.slot }

// Chained reports whether the exit jumps straight to a sibling block.
func (l *Link[C]) Chained() bool { return l.slot != nil && !l.slot.resolver }

type Code[C any] struct {
	PC    uint32
	EndPC uint32
	Ops   []Op[C]

	links    [MaxTargets]Link[C]
	nlinks   int
	incoming []*Link[C]

	cache    *Cache[C]
	gen      uint64
	offset   int
	size     int
	valid    bool
	resolver bool
}

// LinkFor returns the exit whose target is pc, or nil for computed exits.
func (c *Code[C]) LinkFor(pc uint32) *Link[C] {
	for i := 0; i < c.nlinks; i++ {
		if c.links[i].TargetPC == pc {
			return &c.links[i]
		}
	}
	return nil
}

// Valid reports whether c may still be entered: it has not been
// invalidated and the cache has not been flushed since it was compiled.
func (c *Code[C]) Valid() bool {
	return c.valid && c.gen == c.cache.gen
}

// Size returns the arena bytes held by c.
func (c *Code[C]) Size() int { return c.size }

// Words returns the guest instruction words c was compiled from, read back
// from the arena. The engine compares them with guest memory when blocks
// are verified.
func (c *Code[C]) Words() []uint32 {
	if !c.Valid() {
		return nil
	}
	n := (c.size - c.nlinks*linkRecordSize) / 4
	img := c.cache.arena.GetBytes(c.offset, n*4)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(img[i*4:])
	}
	return out
}

// Stats returns JIT compilation statistics
type Stats struct {
	BlocksCompiled int // live blocks since the last flush
	TotalCompiled  int
	CodeBytes      int
	Committed      int
	Capacity       int
	Flushes        int
	ChainsPatched  int
	Invalidated    int
}

// Cache is owned by one CPU and is not safe for concurrent use.
type Cache[C any] struct {
	arena    *Arena
	resolver *Code[C]
	gen      uint64
	stats    Stats
}

// NewCache maps a translation cache of size bytes.
func NewCache[C any](size int) (*Cache[C], error) {
	arena, err := NewArena(size)
	if err != nil {
		return nil, err
	}
	tc := &Cache[C]{arena: arena}
	tc.resolver = &Code[C]{cache: tc, valid: true, resolver: true}
	return tc, nil
}

// Compile copies the guest words into the arena and returns a block with
// one exit per target, each pointing at the resolver.
func (tc *Cache[C]) Compile(pc, endPC uint32, words []uint32, ops []Op[C], targets []uint32) (*Code[C], error) {
	if len(targets) > MaxTargets {
		return nil, pperrors.EngineErrorf("block %08x has %d exits, at most %d supported", pc, len(targets), MaxTargets)
	}
	size := 4*len(words) + linkRecordSize*len(targets)
	off, buf, err := tc.arena.Allocate(size)
	if err != nil {
		return nil, err
	}
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	rec := buf[4*len(words):]
	c := &Code[C]{
		PC:     pc,
		EndPC:  endPC,
		Ops:    ops,
		cache:  tc,
		gen:    tc.gen,
		offset: off,
		size:   size,
		valid:  true,
		nlinks: len(targets),
	}
	for i, t := range targets {
		c.links[i] = Link[C]{TargetPC: t, slot: tc.resolver}
		binary.BigEndian.PutUint32(rec[i*linkRecordSize:], t)
		binary.BigEndian.PutUint32(rec[i*linkRecordSize+4:], uint32(i))
	}
	tc.stats.BlocksCompiled++
	tc.stats.TotalCompiled++
	return c, nil
}

// PatchJump chains l directly to to. Patching to an invalid block resets
// the exit instead.
func (tc *Cache[C]) PatchJump(l *Link[C], to *Code[C]) {
	if to == nil || to.resolver || !to.Valid() {
		tc.ResetJumpToResolver(l)
		return
	}
	if l.slot == to {
		return
	}
	tc.unchain(l)
	l.slot = to
	to.incoming = append(to.incoming, l)
	tc.stats.ChainsPatched++
}

// ResetJumpToResolver points l back at the resolver.
func (tc *Cache[C]) ResetJumpToResolver(l *Link[C]) {
	tc.unchain(l)
	l.slot = tc.resolver
}

func (tc *Cache[C]) unchain(l *Link[C]) {
	t := l.slot
	if t == nil || t.resolver {
		return
	}
	for i, in := range t.incoming {
		if in == l {
			last := len(t.incoming) - 1
			t.incoming[i] = t.incoming[last]
			t.incoming[last] = nil
			t.incoming = t.incoming[:last]
			break
		}
	}
}

// Invalidate retires c: its own exits and every exit chained into it are
// reset to the resolver so no stale direct jump can be taken again.
func (tc *Cache[C]) Invalidate(c *Code[C]) {
	if c == nil || c.resolver || !c.valid {
		return
	}
	for i := 0; i < c.nlinks; i++ {
		tc.ResetJumpToResolver(&c.links[i])
	}
	for len(c.incoming) > 0 {
		tc.ResetJumpToResolver(c.incoming[len(c.incoming)-1])
	}
	c.valid = false
	if c.gen == tc.gen {
		tc.stats.BlocksCompiled--
	}
	tc.stats.Invalidated++
}

// Reset flushes every compiled block. Blocks handed out before become
// invalid.
func (tc *Cache[C]) Reset() {
	tc.arena.Reset()
	tc.gen++
	tc.stats.BlocksCompiled = 0
	tc.stats.Flushes++
}

// Free releases the arena.
func (tc *Cache[C]) Free() error {
	if tc == nil || tc.arena == nil {
		return nil
	}
	tc.gen++
	return tc.arena.Free()
}

func (tc *Cache[C]) Stats() Stats {
	if tc == nil {
		return Stats{}
	}
	s := tc.stats
	s.CodeBytes = tc.arena.Used()
	s.Committed = tc.arena.Committed()
	s.Capacity = tc.arena.Capacity()
	return s
}
