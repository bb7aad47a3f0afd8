package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raft-core/common"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []common.Message
}

func (r *recordingTransport) Send(to uuid.UUID, msg common.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) messages() []common.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.Message(nil), r.sent...)
}

// take returns and forgets the messages sent so far.
func (r *recordingTransport) take() []common.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := r.sent
	r.sent = nil
	return sent
}

func entryIndexes(msg common.Message) []int64 {
	var indexes []int64
	for _, entry := range msg.Entries {
		indexes = append(indexes, entry.Index)
	}
	return indexes
}

func newTestShipper(t *testing.T, terms ...int64) (*LogShipper, *recordingTransport) {
	transport := &recordingTransport{}
	raftLog := logWithTerms(t, terms...)
	s := NewLogShipper(uuid.New(), uuid.New(), raftLog, transport, NewManualClock(), time.Second, 4)
	return s, transport
}

func Test_ShipperStartOffersLastEntry(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 2)
	ctx := LeaderContext{Term: 2, CommitIndex: 0}

	s.start(ctx)

	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Equal(t, common.AppendEntriesRequest, sent[0].Type)
	assert.Equal(t, s.leader, sent[0].From)
	assert.Equal(t, int64(2), sent[0].Term)
	assert.Equal(t, int64(1), sent[0].PrevLogIndex)
	assert.Equal(t, int64(1), sent[0].PrevLogTerm)
	assert.Equal(t, []int64{2}, entryIndexes(sent[0]))
	assert.Equal(t, int64(0), sent[0].LeaderCommit)
	assert.Equal(t, mismatchMode, s.mode)
}

func Test_ShipperMismatchWalksBack(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	transport.take()

	// the follower only has two entries
	s.onMismatch(1, ctx)
	sent := transport.take()
	assert.Equal(t, []int64{2}, entryIndexes(sent[0]))
	assert.Equal(t, int64(1), sent[0].PrevLogIndex)

	// its second entry diverges too
	s.onMismatch(0, ctx)
	sent = transport.take()
	assert.Equal(t, []int64{1}, entryIndexes(sent[0]))

	s.onMismatch(-1, ctx)
	sent = transport.take()
	assert.Equal(t, []int64{0}, entryIndexes(sent[0]))
	assert.Equal(t, int64(-1), sent[0].PrevLogIndex)
	assert.Equal(t, int64(-1), sent[0].PrevLogTerm)

	// never below the start of the log
	s.onMismatch(-1, ctx)
	sent = transport.take()
	assert.Equal(t, []int64{0}, entryIndexes(sent[0]))
}

func Test_ShipperPipelinesBatchesAfterMatch(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMismatch(2, ctx)
	transport.take()

	s.onMatch(3, ctx)
	assert.Equal(t, pipelineMode, s.mode)
	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Equal(t, []int64{4, 5, 6, 7}, entryIndexes(sent[0]))
	assert.Equal(t, int64(3), sent[0].PrevLogIndex)

	// partial acknowledgements wait for the batch in flight
	s.onMatch(5, ctx)
	assert.Empty(t, transport.take())

	s.onMatch(7, ctx)
	sent = transport.take()
	assert.Equal(t, []int64{8, 9}, entryIndexes(sent[0]))

	s.onMatch(9, ctx)
	assert.Empty(t, transport.take())
	assert.Equal(t, int64(9), s.matchIndex)
}

func Test_ShipperNewEntryInPipeline(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMatch(1, ctx)
	transport.take()

	entry := common.LogEntry{Index: 2, Term: 1, Data: []byte("x")}
	s.onNewEntry(1, 1, entry, ctx)
	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Equal(t, []common.LogEntry{entry}, sent[0].Entries)
	assert.Equal(t, int64(1), sent[0].PrevLogIndex)
	assert.Equal(t, int64(2), s.lastSentIndex)

	// a gap means the entry is sent once the follower catches up
	s.onNewEntry(5, 1, common.LogEntry{Index: 6, Term: 1}, ctx)
	assert.Empty(t, transport.take())
}

func Test_ShipperIgnoresNewEntryWhileProbing(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	transport.take()

	s.onNewEntry(1, 1, common.LogEntry{Index: 2, Term: 1}, ctx)
	assert.Empty(t, transport.take())
	s.onCommitUpdate(ctx)
	assert.Empty(t, transport.take())
}

func Test_ShipperTimeoutResendsUnacknowledged(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMismatch(3, ctx)
	transport.take()

	// still mismatching: the same entry is offered again
	s.onTimeout()
	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Equal(t, []int64{4}, entryIndexes(sent[0]))
	assert.Equal(t, mismatchMode, s.mode)
}

func Test_ShipperTimeoutInPipeline(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1, 1, 1, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMismatch(1, ctx)
	s.onMatch(2, ctx)
	transport.take()
	assert.Equal(t, int64(6), s.lastSentIndex)

	s.onTimeout()
	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Equal(t, []int64{3, 4, 5, 6}, entryIndexes(sent[0]))

	s.onMatch(7, ctx)
	transport.take()
	s.onTimeout()
	sent = transport.take()
	assert.Len(t, sent, 1)
	assert.Empty(t, sent[0].Entries)
	assert.Equal(t, int64(7), sent[0].PrevLogIndex)
}

func Test_ShipperCommitUpdate(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMatch(2, ctx)
	transport.take()

	s.onCommitUpdate(LeaderContext{Term: 1, CommitIndex: 2})
	sent := transport.take()
	assert.Len(t, sent, 1)
	assert.Empty(t, sent[0].Entries)
	assert.Equal(t, int64(2), sent[0].PrevLogIndex)
	assert.Equal(t, int64(1), sent[0].PrevLogTerm)
	assert.Equal(t, int64(2), sent[0].LeaderCommit)
	assert.Equal(t, int64(2), s.lastSentIndex)
}

func Test_ShipperMismatchInPipelineFallsBack(t *testing.T) {
	s, transport := newTestShipper(t, 1, 1, 1, 1, 1, 1)
	ctx := LeaderContext{Term: 1, CommitIndex: -1}
	s.start(ctx)
	s.onMismatch(0, ctx)
	s.onMatch(1, ctx)
	transport.take()

	s.onMismatch(3, ctx)
	assert.Equal(t, mismatchMode, s.mode)
	sent := transport.take()
	assert.Equal(t, []int64{4}, entryIndexes(sent[0]))
}

func Test_ShipperRetriesOnClock(t *testing.T) {
	clock := NewManualClock()
	transport := &recordingTransport{}
	raftLog := logWithTerms(t, 1, 1)
	s := NewLogShipper(uuid.New(), uuid.New(), raftLog, transport, clock, time.Second, 4)

	s.Start(LeaderContext{Term: 1, CommitIndex: -1})
	defer s.Stop()
	assert.Eventually(t, func() bool { return len(transport.messages()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, transport.messages(), 1)

	clock.Advance(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(transport.messages()) == 2 }, time.Second, 5*time.Millisecond)
	sent := transport.messages()
	assert.Equal(t, entryIndexes(sent[0]), entryIndexes(sent[1]))

	s.Offer(Match(1, s.follower), LeaderContext{Term: 1, CommitIndex: 1})
	s.Offer(CommitUpdate(), LeaderContext{Term: 1, CommitIndex: 1})
	assert.Eventually(t, func() bool { return len(transport.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), transport.messages()[2].LeaderCommit)
}
