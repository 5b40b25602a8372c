package bgzf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVOffsetRoundTrip(t *testing.T) {
	addrs := []int64{0, 1, 0xffff, 0x10000, 1 << 32, MaxBlockAddr}
	offs := []int{0, 1, 255, 0xfffe, MaxBlockOff}
	for _, addr := range addrs {
		for _, off := range offs {
			v, err := MakeVOffset(addr, off)
			require.NoError(t, err)
			assert.Equal(t, addr, v.BlockAddr(), "voffset %v", v)
			assert.Equal(t, uint16(off), v.BlockOff(), "voffset %v", v)
		}
	}
}

func TestVOffsetRangeChecks(t *testing.T) {
	for _, arg := range []struct {
		addr int64
		off  int
	}{
		{-1, 0},
		{MaxBlockAddr + 1, 0},
		{0, -1},
		{0, MaxBlockOff + 1},
	} {
		_, err := MakeVOffset(arg.addr, arg.off)
		assert.Errorf(t, err, "addr %d off %d", arg.addr, arg.off)
	}
}

func TestVOffsetCompare(t *testing.T) {
	mk := func(addr int64, off int) VOffset {
		v, err := MakeVOffset(addr, off)
		require.NoError(t, err)
		return v
	}
	ordered := []VOffset{
		mk(0, 0),
		mk(0, 1),
		mk(0, MaxBlockOff),
		mk(1, 0),
		mk(100, 7),
		mk(100, 8),
		mk(MaxBlockAddr, MaxBlockOff),
	}
	for i, a := range ordered {
		for j, b := range ordered {
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			assert.Equalf(t, want, CompareVOffsets(a, b), "%v vs %v", a, b)
		}
	}
}

func TestSameOrAdjacentBlocks(t *testing.T) {
	mk := func(addr int64, off int) VOffset {
		v, err := MakeVOffset(addr, off)
		require.NoError(t, err)
		return v
	}
	assert.True(t, SameOrAdjacentBlocks(mk(10, 0), mk(10, 500)))
	assert.True(t, SameOrAdjacentBlocks(mk(10, 0), mk(11, 0)))
	assert.True(t, SameOrAdjacentBlocks(mk(11, 3), mk(10, 9)))
	assert.False(t, SameOrAdjacentBlocks(mk(10, 0), mk(12, 0)))
	assert.False(t, SameOrAdjacentBlocks(mk(0, 0), mk(2, 0)))
}
