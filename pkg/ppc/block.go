package ppc

import (
	"encoding/binary"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"

	"ppcjit/pkg/jit"
)

// decodedEntry is one predecoded instruction of a threaded block.
type decodedEntry struct {
	opcode  uint32
	execute Handler
}

// Block is a straight-line run of guest code starting at pc and ending
// after the first control-flow instruction.
type Block struct {
	pc, end  uint32 // end is exclusive; 0 means the block runs to the top of the address space
	entries  []decodedEntry
	ninstr   int
	code     *jit.Code[*CPU]
	checksum [blake2b.Size256]byte
}

func newBlock(pc uint32) *Block {
	return &Block{pc: pc}
}

func (b *Block) PC() uint32  { return b.pc }
func (b *Block) End() uint32 { return b.end }

// Len returns the number of guest instructions in the block.
func (b *Block) Len() int { return b.ninstr }

func (b *Block) String() string {
	return fmt.Sprintf("block %08x-%08x (%d instructions)", b.pc, b.end, b.ninstr)
}

// Intersect reports whether [start, end) overlaps the guest bytes the block
// was decoded from. An end of 0 is the top of the address space.
func (b *Block) Intersect(start, end uint32) bool {
	bend, qend := uint64(b.end), uint64(end)
	if b.end <= b.pc {
		bend = 1 << 32
	}
	if end == 0 {
		qend = 1 << 32
	}
	return uint64(b.pc) < qend && uint64(start) < bend
}

func blockChecksum(words []uint32) [blake2b.Size256]byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return blake2b.Sum256(buf)
}

// verify re-reads the guest words the block was decoded from. Compiled
// blocks are compared with the image kept in the translation cache, the
// rest with the checksum taken at decode time.
func (cpu *CPU) verify(b *Block) bool {
	words := make([]uint32, 0, b.ninstr)
	for pc := b.pc; pc != b.end; pc += 4 {
		w, ok := cpu.fetch(pc)
		if !ok {
			return false
		}
		words = append(words, w)
	}
	if b.code != nil && b.code.Valid() {
		return slices.Equal(words, b.code.Words())
	}
	return blockChecksum(words) == b.checksum
}
