package pmbuddy

import "encoding/binary"

// drainStep names each durable step of the commit protocol, in order. Tests
// install a stepHook to stop a simulated drain partway through and verify
// that recover() converges to the same state as a completed drain.
type drainStep int

const (
	stepSyncRings drainStep = iota
	stepSetAuxValid
	stepFenceAfterValid
	stepReplayAux
	stepClearAux
	stepReplayLog64
	stepClearLog64
	stepWriteAvailable
	stepFenceBeforeClear
	stepClearAuxValid
	stepDone
)

// drainAux implements the commit sequence, one drainStep per durable step
// (ten, stepSyncRings through stepClearAuxValid): after stepSetAuxValid
// persists, the operation is durable even if the process dies before
// stepDone — recover() resumes from stepReplayAux using the same code path.
// hook, when non-nil, is invoked after each step and may stop the drain
// early by returning false (used by tests to simulate a crash at a precise
// step boundary).
func (idx *buddyIndex) drainAux(mem []byte, store Store, hook func(drainStep) bool) error {
	step := func(s drainStep) bool {
		if hook == nil {
			return true
		}
		return hook(s)
	}

	auxView := idx.aux.view(buddyIndexOffset+auxRingFieldOffset, store)
	log64View := idx.log64.view(buddyIndexOffset+log64RingFieldOffset, store)

	if err := auxView.syncAll(); err != nil {
		return err
	}
	if err := log64View.syncAll(); err != nil {
		return err
	}
	if !step(stepSyncRings) {
		return nil
	}

	idx.auxValid = 1
	if err := persistField(store, auxValidFieldOffset, 8); err != nil {
		return err
	}
	if !step(stepSetAuxValid) {
		return nil
	}

	store.Fence()
	if !step(stepFenceAfterValid) {
		return nil
	}

	auxView.foreach(func(off, val uint64) {
		binary.LittleEndian.PutUint64(mem[off:off+8], val)
	})
	if err := store.Persist(0, uint64(len(mem))); err != nil {
		return err
	}
	if !step(stepReplayAux) {
		return nil
	}

	auxView.clear()
	if err := auxView.syncAll(); err != nil {
		return err
	}
	if !step(stepClearAux) {
		return nil
	}

	log64View.foreach(func(off, val uint64) {
		binary.LittleEndian.PutUint64(mem[off:off+8], val)
	})
	if err := store.Persist(0, uint64(len(mem))); err != nil {
		return err
	}
	if !step(stepReplayLog64) {
		return nil
	}

	log64View.clear()
	if err := log64View.syncAll(); err != nil {
		return err
	}
	if !step(stepClearLog64) {
		return nil
	}

	idx.available = idx.availableLog
	if err := persistField(store, availableFieldOffset, 8); err != nil {
		return err
	}
	if !step(stepWriteAvailable) {
		return nil
	}

	store.Fence()
	if !step(stepFenceBeforeClear) {
		return nil
	}

	idx.auxValid = 0
	if err := persistField(store, auxValidFieldOffset, 8); err != nil {
		return err
	}
	step(stepClearAuxValid)
	return nil
}

// discard clears aux and log64 without touching the index, the
// cancellation primitive for operations abandoned before their commit
// point. Safe because drainAux has not yet run.
func (idx *buddyIndex) discard(store Store) error {
	auxView := idx.aux.view(buddyIndexOffset+auxRingFieldOffset, store)
	log64View := idx.log64.view(buddyIndexOffset+log64RingFieldOffset, store)
	auxView.clear()
	log64View.clear()
	if err := auxView.syncAll(); err != nil {
		return err
	}
	return log64View.syncAll()
}

// recover is invoked once after Open, before any caller-visible operation
// runs. It finishes an interrupted drain, or discards an uncommitted one,
// then replays drop_log to undo allocations whose higher-level owner never
// confirmed success.
func (idx *buddyIndex) recover(mem []byte, store Store) error {
	if idx.auxValid != 0 {
		if err := idx.drainAux(mem, store, nil); err != nil {
			return err
		}
	} else {
		if err := idx.discard(store); err != nil {
			return err
		}
	}

	dropView := idx.dropLog.view(buddyIndexOffset+dropLogRingFieldOffset, store)
	dropView.foreachAtomic(func(off, length uint64) {
		idx.beginStage()
		_ = idx.free(mem, off, length)
		if k := getOrder(length); k != noOrder {
			idx.availableLog += uint64(1) << k
		}
	}, func() {
		_ = idx.drainAux(mem, store, nil)
	})
	return dropView.syncAll()
}

// persistField persists the `length` bytes of idx starting at byteOffset
// within the mapped region. idx's fields are laid out in mem starting at
// buddyIndexOffset, so a field's absolute offset is buddyIndexOffset plus
// its offset within the struct.
func persistField(store Store, fieldOffset, length uint64) error {
	if store == nil {
		return nil
	}
	return store.Persist(buddyIndexOffset+fieldOffset, length)
}
