package pmbuddy

import (
	"encoding/binary"
	"unsafe"
)

// buddyIndexOffset is where the buddy index begins in the mapped region:
// immediately after the fixed header, per the region layout.
const buddyIndexOffset = regionHeaderSize

// buddyIndex is the free-list forest plus its bookkeeping fields. It is
// never allocated on the Go heap: Pool.Open/Format overlay it directly on
// the mapped bytes at buddyIndexOffset via unsafe.Pointer, so that field
// writes here are writes to the backing file.
type buddyIndex struct {
	buddies      [maxOrder]uint64
	lastIdx      uint64
	available    uint64
	size         uint64
	aux          auxRing
	log64        smallRing
	dropLog      smallRing
	auxValid     uint64
	availableLog uint64
	mutexWord    uint64
	// cyclicLinkCheck mirrors Options.CyclicLinkCheck: when non-zero, every
	// free-list walk below counts its steps and fails with
	// ErrCyclicFreeList instead of looping forever on a corrupted list.
	cyclicLinkCheck uint64
}

// walkLimit bounds a legitimate order-k free-list walk: the region holds at
// most size/2^k blocks of that size, so visiting more nodes than that while
// searching order k can only mean the list has been corrupted into a cycle.
func (idx *buddyIndex) walkLimit(k uint) uint64 {
	return (idx.size >> k) + 1
}

const buddyIndexSize = uint64(unsafe.Sizeof(buddyIndex{}))

// Field offsets within buddyIndex, used by crash.go to turn a field into an
// absolute byte address for Store.Persist.
var (
	auxRingFieldOffset     = uint64(unsafe.Offsetof(buddyIndex{}.aux))
	log64RingFieldOffset   = uint64(unsafe.Offsetof(buddyIndex{}.log64))
	dropLogRingFieldOffset = uint64(unsafe.Offsetof(buddyIndex{}.dropLog))
	auxValidFieldOffset    = uint64(unsafe.Offsetof(buddyIndex{}.auxValid))
	availableFieldOffset   = uint64(unsafe.Offsetof(buddyIndex{}.available))
)

// headAddr returns the byte offset, within the mapped region, of the head
// pointer for order k's free list. aux edits address both this slot and
// free blocks' own next-pointers uniformly as byte offsets into the same
// region, so drain_aux's replay (write *off = new_next) never needs to know
// which kind of slot it is writing.
func headAddr(k uint) uint64 {
	return buddyIndexOffset + uint64(k)*8
}

func readNext(mem []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[off : off+8])
}

func (idx *buddyIndex) stageHead(mem []byte, k uint, val uint64) error {
	return idx.aux.view(buddyIndexOffset+auxRingFieldOffset, nil).push(headAddr(k), val)
}

func (idx *buddyIndex) stageNext(mem []byte, blockOffset, val uint64) error {
	return idx.aux.view(buddyIndexOffset+auxRingFieldOffset, nil).push(blockOffset, val)
}

// beginStage resets available_log to the currently-committed available
// count; callers adjust it as they stage edits, and drain_aux's replay
// writes it back to available as the last durable step.
func (idx *buddyIndex) beginStage() {
	idx.availableLog = idx.available
}

// findFree recursively locates an order-k block, splitting a larger block
// and staging the split's bookkeeping into aux if no order-k block is
// already free. Nothing in the index is mutated directly; every edit is a
// pending (offset, new_next) pair in aux.
func (idx *buddyIndex) findFree(mem []byte, k uint) (uint64, error) {
	if k > uint(idx.lastIdx) {
		return noOffset, ErrNoSpace
	}
	head := idx.buddies[k]
	if !isNone(head) {
		next := readNext(mem, head)
		if err := idx.stageHead(mem, k, next); err != nil {
			return noOffset, err
		}
		return head, nil
	}

	upper, err := idx.findFree(mem, k+1)
	if err != nil {
		return noOffset, err
	}

	// upper is an order-(k+1) block just popped from buddies[k+1] (staged,
	// not yet committed). Its upper half, at upper+2^k, becomes a new
	// order-k free block; its lower half, still at `upper`, is what this
	// level hands back up (and, at the requested order, to the caller).
	// This is the corrected derivation: the upper half of an order-(k+1)
	// block at offset o is at o+2^k and joins the order-k list — not
	// order-(k-1), which a naive read of the recursive structure suggests.
	upperHalf := upper + (uint64(1) << k)
	if err := idx.insertSorted(mem, k, upperHalf); err != nil {
		return noOffset, err
	}
	return upper, nil
}

// insertSorted stages the pointer swings needed to splice offset into the
// order-k free list at its sorted position. It reads the list's
// currently-committed shape (no other edit touches order k within the same
// staged operation), so the reads below always see consistent state.
func (idx *buddyIndex) insertSorted(mem []byte, k uint, offset uint64) error {
	head := idx.buddies[k]
	if isNone(head) || offset < head {
		if err := idx.stageNext(mem, offset, head); err != nil {
			return err
		}
		return idx.stageHead(mem, k, offset)
	}
	prev := head
	cur := readNext(mem, head)
	limit := idx.walkLimit(k)
	for steps := uint64(0); !isNone(cur) && cur < offset; steps++ {
		if idx.cyclicLinkCheck != 0 && steps >= limit {
			return ErrCyclicFreeList
		}
		prev = cur
		cur = readNext(mem, cur)
	}
	if err := idx.stageNext(mem, offset, cur); err != nil {
		return err
	}
	return idx.stageNext(mem, prev, offset)
}

// findInList reports whether target is present in order k's free list,
// and the offset of its predecessor (noOffset if target is the head).
func (idx *buddyIndex) findInList(mem []byte, k uint, target uint64) (found bool, prev uint64, err error) {
	prev = noOffset
	cur := idx.buddies[k]
	limit := idx.walkLimit(k)
	for steps := uint64(0); !isNone(cur); steps++ {
		if idx.cyclicLinkCheck != 0 && steps >= limit {
			return false, noOffset, ErrCyclicFreeList
		}
		if cur == target {
			return true, prev, nil
		}
		prev = cur
		cur = readNext(mem, cur)
	}
	return false, noOffset, nil
}

func (idx *buddyIndex) unlink(mem []byte, k uint, target, prev uint64) error {
	if isNone(prev) {
		return idx.stageHead(mem, k, readNext(mem, target))
	}
	return idx.stageNext(mem, prev, readNext(mem, target))
}

// free stages the edits that return an order-get_order(len) block at offset
// to the free-list forest, eagerly coalescing with its buddy at every order
// until no buddy is present or the arena's top order is reached.
func (idx *buddyIndex) free(mem []byte, offset, length uint64) error {
	k := getOrder(length)
	if k == noOrder {
		return nil
	}
	for k < uint(idx.lastIdx) {
		buddy := offset ^ (uint64(1) << k)
		found, prev, err := idx.findInList(mem, k, buddy)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		if err := idx.unlink(mem, k, buddy, prev); err != nil {
			return err
		}
		if buddy < offset {
			offset = buddy
		}
		k++
	}
	return idx.insertSorted(mem, k, offset)
}

// isAllocated is the defensive audit Options.AccessViolationCheck relies
// on. A non-empty aux ring means a mutation is mid-flight under the same
// mutex that guards this read, which cannot happen from a correctly
// synchronized caller; reporting "allocated" in that case is the
// conservative answer. isAllocated has no error return, so unlike
// findInList/free it panics directly when CyclicLinkCheck trips, the same
// fatal treatment Dealloc gives ErrAccessViolation.
func (idx *buddyIndex) isAllocated(mem []byte, offset, length uint64) bool {
	if idx.aux.count > 0 {
		return true
	}
	k := getOrder(length)
	if k == noOrder {
		k = 0
	}
	for order := k; order <= uint(idx.lastIdx); order++ {
		blockSize := uint64(1) << order
		cur := idx.buddies[order]
		limit := idx.walkLimit(order)
		for steps := uint64(0); !isNone(cur); steps++ {
			if idx.cyclicLinkCheck != 0 && steps >= limit {
				panic(ErrCyclicFreeList)
			}
			if rangesOverlap(cur, blockSize, offset, length) {
				return false
			}
			cur = readNext(mem, cur)
		}
	}
	return true
}

func rangesOverlap(aOff, aLen, bOff, bLen uint64) bool {
	return aOff+aLen > bOff && bOff+bLen > aOff
}
