package pmbuddy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-kit/log/level"
)

// panicOnCyclicFreeList treats ErrCyclicFreeList as fatal, the same
// unconditional-panic treatment Dealloc gives ErrAccessViolation: a
// corrupted free list is not a condition any caller can recover from.
// Every other error is returned to the caller as usual.
func panicOnCyclicFreeList(err error) error {
	if errors.Is(err, ErrCyclicFreeList) {
		panic(err)
	}
	return err
}

// stageAlloc finds an order-get_order(len) block and adjusts the staged
// available_log accordingly. Caller must hold p.lock and have called
// p.idx.beginStage() first.
func (p *Pool) stageAlloc(length uint64) (uint64, error) {
	k := getOrder(length)
	if k == noOrder {
		return noOffset, nil
	}
	off, err := p.idx.findFree(p.mem, k)
	if err != nil {
		err = panicOnCyclicFreeList(err)
		level.Warn(p.logger).Log("msg", "no space left", "requested", length, "available", p.idx.availableLog)
		return noOffset, err
	}
	p.idx.availableLog -= uint64(1) << k
	if p.opts.CaptureFootprint {
		p.bumpFootprint()
	}
	return off, nil
}

// stageFree stages the coalescing edits for returning [off, off+len) to the
// free forest. Caller must hold p.lock and have called p.idx.beginStage().
func (p *Pool) stageFree(off, length uint64) error {
	k := getOrder(length)
	if k == noOrder {
		return nil
	}
	if err := p.idx.free(p.mem, off, length); err != nil {
		return panicOnCyclicFreeList(err)
	}
	p.idx.availableLog += uint64(1) << k
	return nil
}

func (p *Pool) bumpFootprint() {
	used := p.idx.size - p.idx.availableLog
	for {
		cur := atomic.LoadUint64(&p.footprint)
		if used <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&p.footprint, cur, used) {
			return
		}
	}
}

// commitAndPublish runs drain_aux to completion, then clears drop_log —
// the "publish" half of perform(): the operation's outcome is now durable
// and no undo is pending for it.
func (p *Pool) commitAndPublish() error {
	if err := p.idx.drainAux(p.mem, p.store, nil); err != nil {
		return err
	}
	dropView := p.idx.dropLog.view(buddyIndexOffset+dropLogRingFieldOffset, p.store)
	dropView.clear()
	return dropView.syncAll()
}

// finishStage either commits+publishes and unlocks (performNow), or
// persists the staged aux/log64 rings and leaves the mutex held for a
// later Perform/Discard.
func (p *Pool) finishStage(result uint64, performNow bool) (uint64, error) {
	if performNow {
		defer p.lock.Unlock()
		if err := p.commitAndPublish(); err != nil {
			return noOffset, err
		}
		return result, nil
	}
	auxView := p.idx.aux.view(buddyIndexOffset+auxRingFieldOffset, p.store)
	if err := auxView.syncAll(); err != nil {
		p.lock.Unlock()
		return noOffset, err
	}
	return result, nil
}

// Alloc reserves a block of at least length bytes. When performNow is
// false, the staged edit is durable in aux but not yet applied to the
// index; the mutex remains held until Perform or Discard is called.
func (p *Pool) Alloc(length uint64, performNow bool) (uint64, error) {
	if err := p.checkOpen(); err != nil {
		return noOffset, err
	}
	p.lock.Lock()
	p.idx.beginStage()
	off, err := p.stageAlloc(length)
	if err != nil {
		p.lock.Unlock()
		return noOffset, err
	}
	return p.finishStage(off, performNow)
}

// Dealloc returns [off, off+length) to the free forest, coalescing eagerly.
func (p *Pool) Dealloc(off, length uint64, performNow bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.lock.Lock()
	if p.opts.AccessViolationCheck && !p.idx.isAllocated(p.mem, off, length) {
		p.lock.Unlock()
		panic(fmt.Errorf("%w: offset %d len %d", ErrAccessViolation, off, length))
	}
	p.idx.beginStage()
	if err := p.stageFree(off, length); err != nil {
		p.lock.Unlock()
		return err
	}
	_, err := p.finishStage(noOffset, performNow)
	return err
}

// Realloc changes a block's effective size. If the old and new lengths
// round to the same order, it is a no-op. Otherwise it stages a dealloc and
// an alloc, copies min(oldLen,newLen) bytes from the old block to the new
// one, and only then commits. Realloc is not crash-atomic: if the process
// dies after commit, nothing re-verifies that the copy it already
// performed was complete. This mirrors the source's documented limitation.
func (p *Pool) Realloc(off, oldLen, newLen uint64) (uint64, error) {
	if err := p.checkOpen(); err != nil {
		return noOffset, err
	}
	if getOrder(oldLen) == getOrder(newLen) {
		return off, nil
	}

	p.lock.Lock()
	p.idx.beginStage()
	if err := p.stageFree(off, oldLen); err != nil {
		p.lock.Unlock()
		return noOffset, err
	}
	newOff, err := p.stageAlloc(newLen)
	if err != nil {
		discardErr := p.idx.discard(p.store)
		p.lock.Unlock()
		if discardErr != nil {
			return noOffset, discardErr
		}
		return noOffset, err
	}

	// The old and new blocks' bytes are untouched by staging alone — only
	// drain_aux's replay (inside commitAndPublish) writes free-list
	// bookkeeping into the old block's first 8 bytes. Copying before that
	// replay runs is what lets this read the old block intact; a crash
	// after this copy but before commitAndPublish simply discards on
	// recovery (aux_valid never became true), leaving the original block
	// as the sole surviving copy. The source's documented gap is the
	// opposite ordering: once committed, the new pointer is live but
	// nothing re-verifies the copy actually completed.
	n := oldLen
	if newLen < n {
		n = newLen
	}
	copy(p.mem[newOff:newOff+n], p.mem[off:off+n])

	defer p.lock.Unlock()
	if err := p.commitAndPublish(); err != nil {
		return noOffset, err
	}
	return newOff, nil
}

// Log64 stages an 8-byte word update alongside the in-flight allocator
// operation. Callers must only call this between an Alloc/Dealloc with
// performNow=false and the matching Perform/Discard, while the mutex is
// held on their behalf.
func (p *Pool) Log64(wordAddr, newValue uint64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.idx.log64.view(buddyIndexOffset+log64RingFieldOffset, p.store).push(wordAddr, newValue)
}

// DropOnFailure pre-stages an undo: if the process crashes after this
// operation commits but before the higher-level caller confirms success,
// recovery deallocates [off, off+length) automatically.
func (p *Pool) DropOnFailure(off, length uint64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.idx.dropLog.view(buddyIndexOffset+dropLogRingFieldOffset, p.store).push(off, length)
}

// Perform commits and publishes a staged operation left open by a
// performNow=false call, and releases the mutex.
func (p *Pool) Perform() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	defer p.lock.Unlock()
	return p.commitAndPublish()
}

// Discard abandons a staged operation left open by a performNow=false
// call. Safe because the index was never mutated.
func (p *Pool) Discard() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	defer p.lock.Unlock()
	return p.idx.discard(p.store)
}

// IsAllocated reports whether no free block of order getOrder(length) or
// larger overlaps [off, off+length). Free blocks of smaller orders are not
// consulted. See buddyIndex.isAllocated for the conservative-during-a-
// staged-operation caveat.
func (p *Pool) IsAllocated(off, length uint64) bool {
	if p.checkOpen() != nil {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.idx.isAllocated(p.mem, off, length)
}
