package pmbuddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageAllocNoCommit performs the stage phase of an alloc without draining
// it, so tests can interpose drainAux at a chosen step boundary.
func stageAllocNoCommit(idx *buddyIndex, mem []byte, length uint64) uint64 {
	k := getOrder(length)
	idx.beginStage()
	off, err := idx.findFree(mem, k)
	if err != nil {
		return noOffset
	}
	idx.availableLog -= uint64(1) << k
	return off
}

var namedSteps = []struct {
	name string
	step drainStep
}{
	{"SyncRings", stepSyncRings},
	{"SetAuxValid", stepSetAuxValid},
	{"FenceAfterValid", stepFenceAfterValid},
	{"ReplayAux", stepReplayAux},
	{"ClearAux", stepClearAux},
	{"ReplayLog64", stepReplayLog64},
	{"ClearLog64", stepClearLog64},
	{"WriteAvailable", stepWriteAvailable},
	{"FenceBeforeClear", stepFenceBeforeClear},
	{"ClearAuxValid", stepClearAuxValid},
}

// Stopping at or after stepSetAuxValid (the commit point) must converge to
// the completed state; stopping before it must revert to the pre-operation
// state, as TestRecoverBeforeCommitPointRestoresPreOperationState also checks.
func TestRecoverAfterEveryStepBoundaryConverges(t *testing.T) {
	const size = 1 << 20
	const length = 64

	_, preIdx, _ := newBareIndex(t, size)

	refMem, refIdx, refStore := newBareIndex(t, size)
	stageAllocNoCommit(refIdx, refMem, length)
	require.NoError(t, refIdx.drainAux(refMem, refStore, nil))

	for _, ns := range namedSteps {
		stopped := ns.step
		t.Run(ns.name, func(t *testing.T) {
			want := refIdx
			if stopped < stepSetAuxValid {
				want = preIdx
			}

			mem, idx, store := newBareIndex(t, size)
			stageAllocNoCommit(idx, mem, length)

			require.NoError(t, idx.drainAux(mem, store, func(s drainStep) bool {
				return s != stopped
			}))

			require.NoError(t, idx.recover(mem, store))

			assert.Equal(t, want.available, idx.available, "available must converge after recover")
			assert.Equal(t, want.buddies, idx.buddies, "free lists must converge after recover")
			assert.Equal(t, uint64(0), idx.auxValid)
		})
	}
}

func TestRecoverBeforeCommitPointRestoresPreOperationState(t *testing.T) {
	const size = 1 << 20
	const length = 64

	mem, idx, store := newBareIndex(t, size)
	preAvailable := idx.available
	preBuddies := idx.buddies

	stageAllocNoCommit(idx, mem, length)
	require.NoError(t, idx.drainAux(mem, store, func(s drainStep) bool {
		return s != stepSyncRings // stop right after syncing, before aux_valid is ever set
	}))
	assert.Equal(t, uint64(0), idx.auxValid, "aux_valid must not have been set yet")

	require.NoError(t, idx.recover(mem, store))

	assert.Equal(t, preAvailable, idx.available)
	assert.Equal(t, preBuddies, idx.buddies)
}

func TestRecoverMidDrainKeepsAllocatedBlockOffAnyFreeList(t *testing.T) {
	const size = 1 << 20
	const length = 64

	mem, idx, store := newBareIndex(t, size)
	off := stageAllocNoCommit(idx, mem, length)
	require.False(t, isNone(off))

	require.NoError(t, idx.drainAux(mem, store, func(s drainStep) bool {
		return s != stepReplayAux // crash after the commit point, once aux is replayed but before it is cleared
	}))
	assert.Equal(t, uint64(1), idx.auxValid)

	require.NoError(t, idx.recover(mem, store))
	assert.Equal(t, size-length, idx.available)
	assert.True(t, idx.isAllocated(mem, off, length), "the allocated block must not be back on a free list")
}

func TestRecoverDrainsDropLogOnUnconfirmedAllocation(t *testing.T) {
	const size = 1 << 20
	const length = 64

	mem, idx, store := newBareIndex(t, size)
	off := idx.allocCommit(t, mem, store, length)

	dropView := idx.dropLog.view(buddyIndexOffset+dropLogRingFieldOffset, store)
	require.NoError(t, dropView.push(off, length))
	require.NoError(t, dropView.syncAll())

	require.NoError(t, idx.recover(mem, store))

	assert.Equal(t, size, idx.available, "recovery must reclaim the unconfirmed allocation")
	assert.False(t, idx.isAllocated(mem, off, length))
	assert.True(t, dropView.empty())
}
