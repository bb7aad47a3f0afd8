package raft

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// LeaderContext is the leader state a log shipper stamps on its requests.
type LeaderContext struct {
	Term        int64
	CommitIndex int64
}

type shipperMode int

const (
	// mismatchMode steps backwards one entry at a time until the follower matches.
	mismatchMode shipperMode = iota
	// pipelineMode streams batches without waiting for each response.
	pipelineMode
)

func (m shipperMode) String() string {
	if m == pipelineMode {
		return "PIPELINE"
	}
	return "MISMATCH"
}

type shipEvent struct {
	cmd ShipCommand
	ctx LeaderContext
}

// LogShipper brings the log of one follower up to date with the leader.
// All of its state is confined to its own goroutine; the instance talks
// to it through Offer.
type LogShipper struct {
	leader       uuid.UUID
	follower     uuid.UUID
	raftLog      common.ReadableLog
	transport    common.Transport
	clock        Clock
	retryTimeout time.Duration
	maxBatch     int64

	mode          shipperMode
	matchIndex    int64
	lastSentIndex int64
	lastContext   LeaderContext
	timer         Timer

	events chan shipEvent
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewLogShipper(leader, follower uuid.UUID, raftLog common.ReadableLog, transport common.Transport,
	clock Clock, retryTimeout time.Duration, maxBatch int) *LogShipper {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &LogShipper{
		leader:        leader,
		follower:      follower,
		raftLog:       raftLog,
		transport:     transport,
		clock:         clock,
		retryTimeout:  retryTimeout,
		maxBatch:      int64(maxBatch),
		matchIndex:    -1,
		lastSentIndex: -1,
		events:        make(chan shipEvent, 1024),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start runs the shipper until Stop.
func (s *LogShipper) Start(ctx LeaderContext) {
	s.timer = s.clock.NewTimer(s.retryTimeout)
	go s.run(ctx)
}

// Stop terminates the shipper and waits for it to exit.
func (s *LogShipper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Offer queues cmd without blocking. A dropped command is recovered by
// the retry timer.
func (s *LogShipper) Offer(cmd ShipCommand, ctx LeaderContext) {
	select {
	case s.events <- shipEvent{cmd: cmd, ctx: ctx}:
	default:
		log.Printf("%v: shipper to %v is congested, dropping %v\n", s.leader, s.follower, cmd)
	}
}

func (s *LogShipper) run(ctx LeaderContext) {
	defer close(s.doneCh)
	s.start(ctx)
	for {
		select {
		case <-s.stopCh:
			s.timer.Stop()
			return
		case ev := <-s.events:
			s.handle(ev)
		case <-s.timer.C():
			s.onTimeout()
		}
	}
}

func (s *LogShipper) handle(ev shipEvent) {
	switch ev.cmd.Kind {
	case ShipMatch:
		s.onMatch(ev.cmd.Index, ev.ctx)
	case ShipMismatch:
		s.onMismatch(ev.cmd.Index, ev.ctx)
	case ShipNewEntry:
		s.onNewEntry(ev.cmd.PrevIndex, ev.cmd.PrevTerm, ev.cmd.Entry, ev.ctx)
	case ShipCommitUpdate:
		s.onCommitUpdate(ev.ctx)
	default:
		log.Printf("%v: unknown ship command %v\n", s.leader, ev.cmd)
	}
}

func (s *LogShipper) start(ctx LeaderContext) {
	log.Printf("%v: starting log shipper to %v\n", s.leader, s.follower)
	s.lastContext = ctx
	s.mode = mismatchMode
	appendIndex, err := s.raftLog.AppendIndex()
	if err != nil {
		log.Printf("%v: reading append index: %+v\n", s.leader, err)
		return
	}
	s.sendSingle(appendIndex, ctx)
}

func (s *LogShipper) onMismatch(lastRemoteAppendIndex int64, ctx LeaderContext) {
	s.lastContext = ctx
	switch s.mode {
	case mismatchMode:
		s.sendSingle(min64(s.lastSentIndex-1, lastRemoteAppendIndex+1), ctx)
	case pipelineMode:
		log.Printf("%v: follower %v diverged, probing from %d\n", s.leader, s.follower, lastRemoteAppendIndex+1)
		s.mode = mismatchMode
		s.sendSingle(min64(s.lastSentIndex, lastRemoteAppendIndex+1), ctx)
	}
}

func (s *LogShipper) onMatch(newMatchIndex int64, ctx LeaderContext) {
	s.lastContext = ctx
	if newMatchIndex > s.matchIndex {
		s.matchIndex = newMatchIndex
	}
	switch s.mode {
	case mismatchMode:
		s.mode = pipelineMode
		s.lastSentIndex = s.matchIndex
		s.sendNewEntries(ctx)
	case pipelineMode:
		if s.matchIndex >= s.lastSentIndex {
			s.lastSentIndex = s.matchIndex
			s.sendNewEntries(ctx)
		}
	}
}

func (s *LogShipper) onNewEntry(prevIndex, prevTerm int64, entry common.LogEntry, ctx LeaderContext) {
	s.lastContext = ctx
	if s.mode != pipelineMode || s.lastSentIndex != prevIndex {
		// sent once the follower catches up
		return
	}
	s.send(common.Message{
		Type:         common.AppendEntriesRequest,
		Term:         ctx.Term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      []common.LogEntry{entry},
		LeaderCommit: ctx.CommitIndex,
	})
	s.lastSentIndex = entry.Index
}

func (s *LogShipper) onCommitUpdate(ctx LeaderContext) {
	s.lastContext = ctx
	if s.mode != pipelineMode {
		return
	}
	// anchored at the acknowledged prefix so that in-flight batches stay valid
	prevTerm, err := s.raftLog.ReadEntryTerm(s.matchIndex)
	if err != nil {
		log.Printf("%v: reading term of %d: %+v\n", s.leader, s.matchIndex, err)
		return
	}
	s.send(common.Message{
		Type:         common.AppendEntriesRequest,
		Term:         ctx.Term,
		PrevLogIndex: s.matchIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: ctx.CommitIndex,
	})
}

func (s *LogShipper) onTimeout() {
	ctx := s.lastContext
	switch s.mode {
	case mismatchMode:
		s.sendSingle(s.lastSentIndex, ctx)
	case pipelineMode:
		// resend everything the follower has not acknowledged
		s.lastSentIndex = s.matchIndex
		if !s.sendNewEntries(ctx) {
			s.sendRange(s.lastSentIndex+1, s.lastSentIndex, ctx)
		}
	}
}

// sendSingle sends the entry at index, bounded below by what the
// follower is known to match and by the start of the log.
func (s *LogShipper) sendSingle(index int64, ctx LeaderContext) {
	appendIndex, err := s.raftLog.AppendIndex()
	if err != nil {
		log.Printf("%v: reading append index: %+v\n", s.leader, err)
		return
	}
	prevIndex, err := s.raftLog.PrevIndex()
	if err != nil {
		log.Printf("%v: reading log start: %+v\n", s.leader, err)
		return
	}
	if index > appendIndex {
		index = appendIndex
	}
	if index < s.matchIndex+1 {
		index = s.matchIndex + 1
	}
	if index <= prevIndex {
		index = prevIndex + 1
	}
	if index > appendIndex {
		s.sendRange(index, index-1, ctx)
		return
	}
	s.sendRange(index, index, ctx)
}

// sendNewEntries sends the next batch after lastSentIndex, if any.
func (s *LogShipper) sendNewEntries(ctx LeaderContext) bool {
	appendIndex, err := s.raftLog.AppendIndex()
	if err != nil {
		log.Printf("%v: reading append index: %+v\n", s.leader, err)
		return false
	}
	from := s.lastSentIndex + 1
	if from > appendIndex {
		return false
	}
	s.sendRange(from, min64(appendIndex, from+s.maxBatch-1), ctx)
	return true
}

// sendRange sends entries from..to; an empty range (to < from) still
// carries the commit index and checks the entry preceding from.
func (s *LogShipper) sendRange(from, to int64, ctx LeaderContext) {
	prevTerm, err := s.raftLog.ReadEntryTerm(from - 1)
	if err != nil {
		log.Printf("%v: reading term of %d: %+v\n", s.leader, from-1, err)
		return
	}
	if prevTerm == -1 && from > 0 {
		log.Printf("%v: entry %d is no longer in the log\n", s.leader, from-1)
		return
	}
	var entries []common.LogEntry
	for index := from; index <= to; index++ {
		entry, err := s.raftLog.EntryAt(index)
		if err != nil {
			log.Printf("%v: reading entry %d: %+v\n", s.leader, index, err)
			return
		}
		entries = append(entries, *entry)
	}
	s.send(common.Message{
		Type:         common.AppendEntriesRequest,
		Term:         ctx.Term,
		PrevLogIndex: from - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: ctx.CommitIndex,
	})
	if to >= from {
		s.lastSentIndex = to
	} else {
		s.lastSentIndex = from - 1
	}
}

func (s *LogShipper) send(msg common.Message) {
	msg.From = s.leader
	if err := s.transport.Send(s.follower, msg); err != nil {
		log.Printf("%v: sending %v to %v: %+v\n", s.leader, msg.Type, s.follower, err)
	}
	if s.timer != nil {
		s.timer.Reset(s.retryTimeout)
	}
}
