package bgzf

import (
	"fmt"
)

const (
	// MaxBlockAddr is the largest compressed-file offset a VOffset can
	// address (48 bits).
	MaxBlockAddr = int64(1)<<48 - 1

	// MaxBlockOff is the largest in-block offset a VOffset can address
	// (16 bits).
	MaxBlockOff = 0xffff

	addrShift = 16
	offMask   = 0xffff
)

// VOffset is a virtual file offset into a .bgzf file.  The high 48
// bits hold the offset, in the compressed file, of the start of the
// gzip block containing the addressed byte; the low 16 bits hold the
// byte's offset within the uncompressed payload of that block.  The
// offset just past the last byte of block B is (address of the block
// after B, 0), never (B, length of B).
//
// VOffsets order the same way the addressed bytes do: unsigned
// comparison of the packed value equals lexicographic comparison of
// (block address, block offset).
type VOffset uint64

// MakeVOffset packs a compressed block address and an uncompressed
// in-block offset into a VOffset.  blockAddr must be in [0, 2^48-1]
// and blockOff in [0, 0xffff].
func MakeVOffset(blockAddr int64, blockOff int) (VOffset, error) {
	if blockAddr < 0 || blockAddr > MaxBlockAddr {
		return 0, fmt.Errorf("bgzf: block address %d out of range [0, %d]", blockAddr, MaxBlockAddr)
	}
	if blockOff < 0 || blockOff > MaxBlockOff {
		return 0, fmt.Errorf("bgzf: block offset %d out of range [0, %d]", blockOff, MaxBlockOff)
	}
	return VOffset(uint64(blockAddr)<<addrShift | uint64(blockOff)), nil
}

// BlockAddr returns the compressed-file offset of the block the
// VOffset points into.
func (v VOffset) BlockAddr() int64 {
	return int64(uint64(v) >> addrShift)
}

// BlockOff returns the offset within the uncompressed block payload.
func (v VOffset) BlockOff() uint16 {
	return uint16(uint64(v) & offMask)
}

func (v VOffset) String() string {
	return fmt.Sprintf("%d:%d", v.BlockAddr(), v.BlockOff())
}

// CompareVOffsets returns -1, 0, or 1 if a addresses a byte before,
// at, or after b.
func CompareVOffsets(a, b VOffset) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// SameOrAdjacentBlocks reports whether the block addresses of a and b
// are equal or differ by one, in either direction.
func SameOrAdjacentBlocks(a, b VOffset) bool {
	d := a.BlockAddr() - b.BlockAddr()
	return d >= -1 && d <= 1
}
