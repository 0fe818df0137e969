package cacheutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vellum-gfx/cardatlas/cacheutils"
)

func TestPow2Helpers(t *testing.T) {
	require.NoError(t, cacheutils.CheckPow2(128, "page size"))
	require.Error(t, cacheutils.CheckPow2(100, "page size"))

	require.Equal(t, uint32(3), cacheutils.FloorLog2(8))
	require.Equal(t, uint32(3), cacheutils.FloorLog2(15))
	require.Equal(t, uint32(4), cacheutils.FloorLog2(16))

	require.Equal(t, uint32(1), cacheutils.RoundUpToPowerOfTwo(0))
	require.Equal(t, uint32(8), cacheutils.RoundUpToPowerOfTwo(5))
	require.Equal(t, uint32(8), cacheutils.RoundUpToPowerOfTwo(8))
}

func TestRoundingHelpers(t *testing.T) {
	require.Equal(t, 0, cacheutils.AlignUp(0, 16384))
	require.Equal(t, 16384, cacheutils.AlignUp(1, 16384))
	require.Equal(t, 32768, cacheutils.AlignUp(16385, 16384))

	require.Equal(t, int32(0), cacheutils.DivideAndRoundUp(int32(0), 256))
	require.Equal(t, int32(1), cacheutils.DivideAndRoundUp(int32(256), 256))
	require.Equal(t, int32(2), cacheutils.DivideAndRoundUp(int32(257), 256))
}

func TestIntPointDiv(t *testing.T) {
	p := cacheutils.NewIntPoint(300, 128)
	require.Equal(t, cacheutils.NewIntPoint(2, 1), p.Div(128))
}

func TestIntRect(t *testing.T) {
	r := cacheutils.NewIntRect(0, 0, 128, 64)
	require.Equal(t, int32(128), r.Width())
	require.Equal(t, int32(64), r.Height())
	require.Equal(t, int32(128*64), r.Area())

	require.True(t, r.Intersects(cacheutils.NewIntRect(64, 32, 256, 256)))
	require.False(t, r.Intersects(cacheutils.NewIntRect(128, 0, 256, 64)))
}

func TestBox3SquaredDistance(t *testing.T) {
	box := cacheutils.Box3{
		Min: cacheutils.Vector3{X: -1, Y: -1, Z: -1},
		Max: cacheutils.Vector3{X: 1, Y: 1, Z: 1},
	}
	require.Equal(t, 0.0, box.SquaredDistanceToPoint(cacheutils.Vector3{}))
	require.Equal(t, 4.0, box.SquaredDistanceToPoint(cacheutils.Vector3{X: 3}))
	require.Equal(t, 8.0, box.SquaredDistanceToPoint(cacheutils.Vector3{X: 3, Y: 3}))
}
