// Package pmbuddy implements a persistent-memory buddy allocator: a fixed
// size byte region, memory-mapped from a file, whose free-list metadata
// survives process crashes and power failures. Reopening the pool after a
// crash observes either the pre-failure state or the post-success state of
// every mutating call, never an intermediate one.
package pmbuddy

import "math/bits"

const (
	// noOffset is the "none" sentinel for an offset field. The arena can
	// never legitimately contain this offset because the region size is
	// capped well below 2^64.
	noOffset uint64 = ^uint64(0)

	// noOrder is returned by getOrder for a zero-length request.
	noOrder = ^uint(0)

	// maxOrder bounds the free-list array, one entry per power-of-two
	// block size from 2^0 up to 2^63.
	maxOrder = 64

	// minBlockBits is the smallest block size an allocation can occupy:
	// 8 bytes, exactly enough to hold a next-offset pointer.
	minBlockBits = 3
	minBlockSize = 1 << minBlockBits

	// ringAuxCapacity, ringLog64Capacity and ringDropCapacity bound the
	// staging rings. A single operation edits at most 2*lastIdx+O(1)
	// entries, so 128 safely bounds any real pool (lastIdx <= 63).
	ringAuxCapacity  = 128
	ringLog64Capacity = 8
	ringDropCapacity  = 8
)

// getOrder returns the smallest k such that 2^k >= max(bytes, minBlockSize).
// A request of 0 bytes returns noOrder, meaning "no allocation requested".
func getOrder(bytes uint64) uint {
	if bytes == 0 {
		return noOrder
	}
	if bytes < minBlockSize {
		bytes = minBlockSize
	}
	// Smallest k with 2^k >= bytes: bit length of (bytes-1).
	return uint(bits.Len64(bytes - 1))
}

// isNone reports whether off is the "no offset" sentinel.
func isNone(off uint64) bool {
	return off == noOffset
}
