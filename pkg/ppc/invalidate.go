package ppc

import (
	"ppcjit/pkg/spcflags"
)

// InvalidateRange drops every cached block decoded from [start, end). An
// end of 0 means the range runs to the top of the address space. Safe to
// call from any goroutine. While guest code runs, the request is queued
// and applied at the next poll; the running block is never torn down under
// itself.
func (cpu *CPU) InvalidateRange(start, end uint32) {
	if end != 0 && end <= start {
		return
	}
	cpu.pendingMu.Lock()
	if cpu.depth == 0 {
		cpu.clearRange(start, end)
		cpu.pendingMu.Unlock()
		return
	}
	cpu.pendingRanges = append(cpu.pendingRanges, addrRange{start, end})
	cpu.pendingMu.Unlock()
	cpu.flags.Set(spcflags.JITExecReturn)
}

// InvalidateCache drops every cached block and flushes the translation
// cache. Safe to call from any goroutine.
func (cpu *CPU) InvalidateCache() {
	cpu.pendingMu.Lock()
	if cpu.depth == 0 {
		cpu.invalidateCache()
		cpu.pendingMu.Unlock()
		return
	}
	cpu.pendingFlush = true
	cpu.pendingMu.Unlock()
	cpu.flags.Set(spcflags.JITExecReturn)
}

func (cpu *CPU) applyPendingLocked() {
	if cpu.pendingFlush {
		cpu.invalidateCache()
	} else {
		for _, r := range cpu.pendingRanges {
			cpu.clearRange(r.start, r.end)
		}
	}
	cpu.pendingFlush = false
	cpu.pendingRanges = cpu.pendingRanges[:0]
}

func (cpu *CPU) invalidateCache() {
	cpu.cache.Clear()
	if cpu.tc != nil {
		cpu.tc.Reset()
	}
	cpu.decodeUsed = 0
	cpu.clearCodePages()
	cpu.gen++
	cpu.stats.CacheFlushes++
	if cpu.trace != nil {
		cpu.trace.Printf("flush cache")
	}
}

func (cpu *CPU) clearRange(start, end uint32) {
	if cpu.strategy == StrategyJIT {
		start, end = pageRange(start, end)
	}
	cpu.stats.RangeInvalidations++
	n := cpu.cache.ClearRange(start, end)
	if cpu.romOverlaps(start, end) {
		n += cpu.cache.ClearDormantRange(start, end)
	}
	if n == 0 {
		return
	}
	cpu.stats.BlocksInvalidated += n
	cpu.gen++
	if cpu.trace != nil {
		cpu.trace.Printf("invalidate [%08x,%08x) dropped %d blocks", start, end, n)
	}
}

// pageRange widens [start, end) to whole guest pages. Compiled blocks may
// be chained anywhere within a page. An end of 0 stays 0, the top of the
// address space, and so does an end that rounds up past it.
func pageRange(start, end uint32) (uint32, uint32) {
	s := start &^ (PageSize - 1)
	if end == 0 {
		return s, 0
	}
	e := (uint64(end) + PageSize - 1) &^ (PageSize - 1)
	return s, uint32(e)
}

func (cpu *CPU) evictBlock(b *Block) {
	if b.code != nil && cpu.tc != nil {
		cpu.tc.Invalidate(b.code)
	}
}
