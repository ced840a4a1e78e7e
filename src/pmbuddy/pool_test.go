package pmbuddy

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempPoolPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pool.pmb")
}

func TestFormatRejectsNonPowerOfTwo(t *testing.T) {
	path := tempPoolPath(t)
	err := Format(path, 3000, Options{})
	assert.ErrorIs(t, err, ErrNotPowerOfTwo)
}

func TestFormatRejectsTooSmall(t *testing.T) {
	path := tempPoolPath(t)
	err := Format(path, 1024, Options{})
	assert.ErrorIs(t, err, ErrPoolTooSmall)
}

func TestFormatOpenCloseOpenRoundTrip(t *testing.T) {
	fmt.Fprintln(os.Stderr, "->Testing format; open; close; open")
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))

	p1, err := Open(path, Options{})
	require.NoError(t, err)
	before := p1.Available()
	assert.Equal(t, uint32(1), p1.Generation())
	require.NoError(t, p1.Close())

	p2, err := Open(path, Options{})
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, before, p2.Available(), "available must be unchanged across a clean close/reopen")
	assert.Equal(t, uint32(2), p2.Generation(), "generation increments on every open")
}

func TestOpenRejectsInvalidMagic(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<16), 0o644))

	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrInvalidPool)
}

func TestOpenRejectsDoubleOpen(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))

	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrDoubleOpen)
}

func TestOpenHonorsTransactionGuard(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))

	_, err := Open(path, Options{TransactionGuard: func() bool { return true }})
	assert.ErrorIs(t, err, ErrOpenInTransaction)
}

func TestAllocDeallocThroughPool(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	before := p.Available()
	off, err := p.Alloc(100, true)
	require.NoError(t, err)
	assert.Equal(t, before-128, p.Available(), "100 bytes rounds up to a 128-byte block")
	assert.True(t, p.IsAllocated(off, 100))

	require.NoError(t, p.Dealloc(off, 100, true))
	assert.Equal(t, before, p.Available())
	assert.False(t, p.IsAllocated(off, 100))
}

func TestAllocLIFODeterminism(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	off1, err := p.Alloc(64, true)
	require.NoError(t, err)
	require.NoError(t, p.Dealloc(off1, 64, true))

	off2, err := p.Alloc(64, true)
	require.NoError(t, err)
	assert.Equal(t, off1, off2, "alloc after dealloc with no intervening op reuses the same offset")
}

func TestDeferredAllocRequiresPerformOrDiscard(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	before := p.Available()
	off, err := p.Alloc(32, false)
	require.NoError(t, err)
	assert.Equal(t, before, p.Available(), "staged-but-not-performed alloc must not change committed available")

	require.NoError(t, p.Perform())
	assert.Equal(t, before-32, p.Available())
	assert.True(t, p.IsAllocated(off, 32))
}

func TestDiscardLeavesIndexUntouched(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	before := p.Available()
	_, err = p.Alloc(32, false)
	require.NoError(t, err)
	require.NoError(t, p.Discard())
	assert.Equal(t, before, p.Available())
}

func TestReallocSameOrderIsNoop(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Alloc(20, true)
	require.NoError(t, err)
	newOff, err := p.Realloc(off, 20, 30) // both round to order 5 (32 bytes)
	require.NoError(t, err)
	assert.Equal(t, off, newOff)
}

func TestReallocGrowsAndCopiesData(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{})
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Alloc(8, true)
	require.NoError(t, err)
	copy(p.mem[off:off+8], []byte("ABCDEFGH"))

	newOff, err := p.Realloc(off, 8, 4096)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGH", string(p.mem[newOff:newOff+8]))
}

func TestAccessViolationPanicsWhenEnabled(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{AccessViolationCheck: true})
	require.NoError(t, err)
	defer p.Close()

	assert.Panics(t, func() {
		_ = p.Dealloc(999999, 16, true)
	})
}

func TestFootprintTracksHighWaterMark(t *testing.T) {
	path := tempPoolPath(t)
	require.NoError(t, Format(path, 1<<20, Options{}))
	p, err := Open(path, Options{CaptureFootprint: true})
	require.NoError(t, err)
	defer p.Close()

	off1, err := p.Alloc(4096, true)
	require.NoError(t, err)
	peak := p.Footprint()
	require.NoError(t, p.Dealloc(off1, 4096, true))
	assert.Equal(t, peak, p.Footprint(), "footprint does not shrink on dealloc")

	_, err = p.Alloc(64, true)
	require.NoError(t, err)
	assert.Equal(t, peak, p.Footprint(), "a smaller alloc does not raise the high-water mark")
}
