package pmbuddy

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Store is the durable-store primitive the crash-consistency protocol
// requires: Persist makes a byte range of the mapped region durable on the
// storage medium, and Fence orders everything persisted before it ahead of
// stores issued after it. The buddy core never assumes more than this.
type Store interface {
	// Persist ensures that data[offset:offset+length] is durable on the
	// backing medium once it returns.
	Persist(offset, length uint64) error

	// Fence orders all prior Persist calls ahead of subsequent stores.
	Fence()
}

// mmapStore is the production Store, backed by a file-mapped region.
// Persist issues msync(2) over the page range covering [offset,
// offset+length); Go has no portable explicit store-fence instruction, so
// Fence is implemented as an atomic RMW, which is a full memory barrier on
// every architecture Go supports.
type mmapStore struct {
	data     []byte
	pageSize uint64
	barrier  uint32
}

func newMmapStore(data []byte) *mmapStore {
	return &mmapStore{data: data, pageSize: uint64(os.Getpagesize())}
}

func (s *mmapStore) Persist(offset, length uint64) error {
	if length == 0 {
		return nil
	}
	end := offset + length
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	if offset >= end {
		return nil
	}
	start := offset &^ (s.pageSize - 1)
	alignedEnd := (end + s.pageSize - 1) &^ (s.pageSize - 1)
	if alignedEnd > uint64(len(s.data)) {
		alignedEnd = uint64(len(s.data))
	}
	return unix.Msync(s.data[start:alignedEnd], unix.MS_SYNC)
}

func (s *mmapStore) Fence() {
	atomic.AddUint32(&s.barrier, 1)
}

// memStore is a non-file-backed Store that counts persist/fence calls
// without a real mapping. The crash-at-a-step-boundary tests in
// crash_test.go do not use it: they stop drainAux at a chosen step through
// its hook and run recover on the same region with an mmapStore.
type memStore struct {
	data     []byte
	persists int
	fences   int
}

func newMemStore(data []byte) *memStore {
	return &memStore{data: data}
}

func (s *memStore) Persist(offset, length uint64) error {
	s.persists++
	return nil
}

func (s *memStore) Fence() {
	s.fences++
}
