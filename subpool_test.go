package chipool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// TestGeometryLayoutInvariants verifies the layout arithmetic for a spread of
// element sizes: the header plus all chips always fit the sub-pool stride,
// the usable region divides evenly into chips, and every chip index stays
// below the free-list sentinel.
func TestGeometryLayoutInvariants(t *testing.T) {
	usable := uintptr(PageSize) - headerSize
	sizes := []uintptr{2, 4, 8, 16, 24, 40, 48, 80, 240, 2040, 4080}
	for _, size := range sizes {
		g, err := newGeometry(size)
		require.NoError(t, err, "size %d should be poolable", size)

		assert.Equal(t, uintptr(PageSize), g.stride)
		assert.Equal(t, 2, g.linkWidth)
		assert.Equal(t, ^uint16(0), g.sentinel)
		assert.Equal(t, int(usable/size), g.chipCount, "size %d", size)
		assert.LessOrEqual(t, headerSize+uintptr(g.chipCount)*size, uintptr(PageSize), "size %d overflows the stride", size)
		assert.Less(t, g.chipCount-1, int(g.sentinel), "size %d chip indices collide with the sentinel", size)
		assert.GreaterOrEqual(t, size, uintptr(g.linkWidth), "size %d cannot hold a free-list link", size)
	}
}

// TestGeometryPackedByte covers the 1-byte special case: short sub-pools
// packed eight to a page, 1-byte links, and the chip count capped below the
// 1-byte sentinel rather than filling the usable region.
func TestGeometryPackedByte(t *testing.T) {
	g, err := newGeometry(1)
	require.NoError(t, err)

	assert.Equal(t, uintptr(PageSize/8), g.stride)
	assert.Equal(t, 1, g.linkWidth)
	assert.Equal(t, uint16(0xFF), g.sentinel)
	assert.Equal(t, 8, g.subPoolsPerPage())

	// The usable region holds more bytes than a 1-byte link can address; the
	// cap is what keeps a pushed link from overflowing its chip.
	assert.Greater(t, int(g.stride-headerSize), int(g.sentinel))
	assert.Equal(t, int(g.sentinel), g.chipCount)
}

func TestGeometryRejectsUnpoolableSizes(t *testing.T) {
	_, err := newGeometry(0)
	assert.ErrorIs(t, err, ErrZeroSizeType)

	// 4080 usable bytes do not divide evenly by these.
	for _, size := range []uintptr{7, 32, 100} {
		_, err := newGeometry(size)
		assert.ErrorIs(t, err, ErrNotPoolable, "size %d", size)
	}

	_, err = newGeometry(PageSize - headerSize + 1)
	assert.ErrorIs(t, err, ErrTypeTooLarge)
}

func TestGeometryLinkRoundTrip(t *testing.T) {
	for _, size := range []uintptr{1, 8} {
		g, err := newGeometry(size)
		require.NoError(t, err)

		chip := make([]byte, g.chipSize)
		for _, idx := range []uint16{0, 1, 42, uint16(g.chipCount - 1), g.sentinel} {
			g.writeLink(ptrOf(chip), idx)
			assert.Equal(t, idx, g.readLink(ptrOf(chip)), "size %d link %d", size, idx)
		}
	}
}
