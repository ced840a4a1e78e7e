package pmbuddy

import "errors"

// NoSpace, InvalidPool, DoubleOpen and OpenInTransaction are locally
// recoverable: they predate the commit point and leave no trace on the
// index. AccessViolation and CyclicFreeList indicate corrupted
// higher-level state and are treated as fatal by the caller (see
// Options.AccessViolationCheck / Options.CyclicLinkCheck).
var (
	// ErrNoSpace is returned when no order-k block is available and
	// recursive splitting is exhausted.
	ErrNoSpace = errors.New("pmbuddy: no space left")

	// ErrInvalidPool is returned by Open when the magic number does not
	// match, or the file is smaller than a header.
	ErrInvalidPool = errors.New("pmbuddy: invalid pool file")

	// ErrDoubleOpen is returned by Open when the same backing file is
	// already open in this process.
	ErrDoubleOpen = errors.New("pmbuddy: pool already open")

	// ErrOpenInTransaction is returned by Open when a caller-supplied
	// Options.TransactionGuard reports that a transaction of this pool's
	// own kind is active.
	ErrOpenInTransaction = errors.New("pmbuddy: cannot open pool from inside its own transaction")

	// ErrAccessViolation is wrapped in the panic Dealloc raises when
	// Options.AccessViolationCheck is set and the target range is reported
	// free by IsAllocated's audit. It is never returned.
	ErrAccessViolation = errors.New("pmbuddy: access violation: range not allocated")

	// ErrCyclicFreeList reports a cycle detected while walking a free list.
	// Detection runs only when Options.CyclicLinkCheck is set; Alloc,
	// Dealloc, Realloc and IsAllocated panic with it.
	ErrCyclicFreeList = errors.New("pmbuddy: cyclic free list detected")

	// ErrClosed is returned by any operation on a Pool after Close.
	ErrClosed = errors.New("pmbuddy: pool is closed")

	// ErrPoolTooSmall is returned by Format when the requested size is
	// below the 64 KiB minimum or cannot hold the header and buddy index.
	ErrPoolTooSmall = errors.New("pmbuddy: pool size too small")

	// ErrNotPowerOfTwo is returned by Format when size is not a power of two.
	ErrNotPowerOfTwo = errors.New("pmbuddy: size must be a power of two")
)
