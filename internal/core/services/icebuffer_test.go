package services

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"

	"peerlink/pkg/clock"
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestIceBuffer_BuffersUntilFlush(t *testing.T) {
	pc := newFakePC()
	clk := clock.NewMock()
	b := NewIceBuffer("peer-1", pc, 3*time.Second, clk, testLogger())

	b.Enqueue(candidate("c1"))
	b.Enqueue(candidate("c2"))
	b.Enqueue(candidate("c3"))
	assert.Empty(t, pc.addedCandidates())
	assert.Equal(t, 3, b.Pending())

	b.Flush()
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.addedCandidates())
	assert.Equal(t, 0, b.Pending())
}

func TestIceBuffer_LateCandidatesApplyDirectly(t *testing.T) {
	pc := newFakePC()
	b := NewIceBuffer("peer-1", pc, 0, clock.NewMock(), testLogger())

	b.Flush()
	b.Enqueue(candidate("late"))
	assert.Equal(t, []string{"late"}, pc.addedCandidates())
	assert.Equal(t, 0, b.Pending())
}

func TestIceBuffer_ApplyCriticalSectionBuffers(t *testing.T) {
	pc := newFakePC()
	b := NewIceBuffer("peer-1", pc, 0, clock.NewMock(), testLogger())

	b.Flush()
	b.BeginApply()
	b.Enqueue(candidate("during-apply"))
	assert.Empty(t, pc.addedCandidates())
	assert.Equal(t, 1, b.Pending())

	b.EndApply()
	b.Flush()
	assert.Equal(t, []string{"during-apply"}, pc.addedCandidates())
}

func TestIceBuffer_SkipsFailedCandidates(t *testing.T) {
	pc := newFakePC()
	pc.failAdd["bad"] = true
	b := NewIceBuffer("peer-1", pc, 0, clock.NewMock(), testLogger())

	b.Enqueue(candidate("c1"))
	b.Enqueue(candidate("bad"))
	b.Enqueue(candidate("c2"))
	b.Flush()

	// The failed candidate is skipped; the rest still apply in order.
	assert.Equal(t, []string{"c1", "c2"}, pc.addedCandidates())
}

func TestIceBuffer_ForcedFlushDrainsStragglers(t *testing.T) {
	pc := newFakePC()
	clk := clock.NewMock()
	b := NewIceBuffer("peer-1", pc, 3*time.Second, clk, testLogger())

	b.Flush()

	// A candidate slips in during the answer critical section and misses
	// the flush.
	b.BeginApply()
	b.Enqueue(candidate("straggler"))
	b.EndApply()
	assert.Equal(t, 1, b.Pending())

	clk.Advance(3 * time.Second)
	assert.Equal(t, []string{"straggler"}, pc.addedCandidates())
	assert.Equal(t, 0, b.Pending())
}

func TestIceBuffer_ClearDropsEverything(t *testing.T) {
	pc := newFakePC()
	clk := clock.NewMock()
	b := NewIceBuffer("peer-1", pc, 3*time.Second, clk, testLogger())

	b.Enqueue(candidate("c1"))
	b.Flush()
	b.BeginApply()
	b.Enqueue(candidate("c2"))
	b.Clear()

	// Neither the forced-flush timer nor new enqueues do anything now.
	clk.Advance(10 * time.Second)
	b.Enqueue(candidate("c3"))
	b.Flush()

	assert.Equal(t, []string{"c1"}, pc.addedCandidates())
	assert.Equal(t, 0, b.Pending())
}

func TestIceBuffer_MidDrainArrivalDoesNotJumpQueue(t *testing.T) {
	pc := newFakePC()
	b := NewIceBuffer("peer-1", pc, 0, clock.NewMock(), testLogger())

	b.Enqueue(candidate("c1"))
	b.Enqueue(candidate("c2"))

	// A candidate arriving while the drain is mid-flight must join the tail
	// of the queue, never apply ahead of the earlier buffered candidates.
	pc.addHook = func(applied string) {
		if applied == "c1" {
			pc.addHook = nil
			b.Enqueue(candidate("late"))
		}
	}
	b.Flush()

	assert.Equal(t, []string{"c1", "c2", "late"}, pc.addedCandidates())
}

func TestIceBuffer_OrderPreservedAcrossInterleavings(t *testing.T) {
	// Candidates must never apply before the remote description commit,
	// and always in arrival order, whatever the interleaving.
	pc := newFakePC()
	b := NewIceBuffer("peer-1", pc, 0, clock.NewMock(), testLogger())

	b.Enqueue(candidate("c1"))
	b.BeginApply()
	b.Enqueue(candidate("c2"))
	b.EndApply()
	b.Enqueue(candidate("c3"))
	assert.Empty(t, pc.addedCandidates())

	b.Flush()
	b.Enqueue(candidate("c4"))

	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, pc.addedCandidates())
}
