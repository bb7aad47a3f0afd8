package raft

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// env is the read side of one Handle call. It tracks the log as it will
// look once the log commands collected so far have been applied.
type env struct {
	myself uuid.UUID

	membership *Membership
	codec      MembershipCodec
	// cloned is set once membership is a private copy of the state's
	cloned bool

	log         common.ReadableLog
	appendIndex int64
	// pending holds entries appended by this outcome, contiguous up to appendIndex
	pending []common.LogEntry
}

func (e *env) termAt(index int64) (int64, error) {
	if index > e.appendIndex {
		return -1, nil
	}
	if n := len(e.pending); n > 0 && index >= e.pending[0].Index {
		return e.pending[index-e.pending[0].Index].Term, nil
	}
	return e.log.ReadEntryTerm(index)
}

func (e *env) appendEntry(out *Outcome, term int64, data []byte) common.LogEntry {
	entry := common.LogEntry{Index: e.appendIndex + 1, Term: term, Data: data}
	out.LogCommands = append(out.LogCommands, LogCommand{Kind: AppendLogEntry, Entry: entry})
	e.pending = append(e.pending, entry)
	e.appendIndex = entry.Index
	// the entry decides about its own commit with the set it introduces
	if e.codec != nil && len(data) > 0 {
		if members, ok := e.codec.MemberSetOf(data); ok {
			e.ownMembership().Append(entry.Index, members)
		}
	}
	return entry
}

func (e *env) ownMembership() *Membership {
	if !e.cloned {
		e.membership = e.membership.Clone()
		e.cloned = true
	}
	return e.membership
}

func (e *env) truncateFrom(out *Outcome, index int64) {
	out.LogCommands = append(out.LogCommands, LogCommand{Kind: TruncateLog, FromIndex: index})
	e.appendIndex = index - 1
	for len(e.pending) > 0 && e.pending[len(e.pending)-1].Index >= index {
		e.pending = e.pending[:len(e.pending)-1]
	}
	if e.membership.LatestIndex() >= index {
		e.ownMembership().TruncateFrom(index)
	}
}

func (e *env) send(out *Outcome, to uuid.UUID, msg common.Message) {
	msg.From = e.myself
	out.Messages = append(out.Messages, Directed{To: to, Message: msg})
}

func (e *env) broadcast(out *Outcome, msg common.Message) {
	for _, peer := range e.membership.Peers(e.myself) {
		e.send(out, peer.ID, msg)
	}
}

// Handle computes the reaction of a member in state st to msg. It never
// mutates st or the log; the returned outcome describes every change.
func Handle(st *State, msg common.Message, raftLog common.ReadableLog) (*Outcome, error) {
	appendIndex, err := raftLog.AppendIndex()
	if err != nil {
		return nil, err
	}
	e := &env{
		myself:      st.Myself,
		membership:  st.Membership,
		codec:       st.Codec,
		log:         raftLog,
		appendIndex: appendIndex,
	}
	out := newOutcome(st)
	switch st.Role {
	case Follower:
		err = handleAsFollower(out, msg, e)
	case Candidate:
		err = handleAsCandidate(out, msg, e)
	case Leader:
		err = handleAsLeader(out, msg, e)
	default:
		err = fmt.Errorf("unknown role %v", st.Role)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stepDown turns out into a follower without a known leader, moving to
// term if it is newer.
func stepDown(out *Outcome, term int64) {
	if term > out.Term {
		out.Term = term
		out.VotedFor = uuid.Nil
	}
	out.Role = Follower
	out.Leader = uuid.Nil
	out.VotesForMe = nil
	out.HeartbeatResponders = nil
	out.FollowerStates = nil
}

func handleVoteRequest(out *Outcome, msg common.Message, e *env) error {
	if msg.Term > out.Term {
		stepDown(out, msg.Term)
	}
	granted := false
	if msg.Term == out.Term && (out.VotedFor == uuid.Nil || out.VotedFor == msg.From) {
		lastTerm, err := e.termAt(e.appendIndex)
		if err != nil {
			return err
		}
		if msg.LastLogTerm > lastTerm || (msg.LastLogTerm == lastTerm && msg.LastLogIndex >= e.appendIndex) {
			granted = true
			out.VotedFor = msg.From
			out.RenewElectionTimeout = true
		}
	}
	e.send(out, msg.From, common.Message{
		Type:        common.VoteResponse,
		Term:        out.Term,
		VoteGranted: granted,
	})
	return nil
}

// handleAppendEntries runs the follower side of log replication. The
// caller has already stepped down if msg comes from a current leader.
func handleAppendEntries(out *Outcome, msg common.Message, e *env) error {
	reject := func() {
		e.send(out, msg.From, common.Message{
			Type:        common.AppendEntriesResponse,
			Term:        out.Term,
			Success:     false,
			MatchIndex:  -1,
			AppendIndex: e.appendIndex,
		})
	}
	if msg.Term < out.Term {
		reject()
		return nil
	}
	if msg.Term > out.Term {
		out.Term = msg.Term
		out.VotedFor = uuid.Nil
	}
	out.Leader = msg.From
	out.RenewElectionTimeout = true

	prevTerm, err := e.termAt(msg.PrevLogIndex)
	if err != nil {
		return err
	}
	if prevTerm != msg.PrevLogTerm {
		if msg.PrevLogIndex <= e.appendIndex && prevTerm != -1 {
			if msg.PrevLogIndex <= out.LeaderCommit {
				log.Printf("%v: refusing to truncate committed entry %d (commit %d)\n", e.myself, msg.PrevLogIndex, out.LeaderCommit)
			} else {
				e.truncateFrom(out, msg.PrevLogIndex)
			}
		}
		reject()
		return nil
	}

	for i, entry := range msg.Entries {
		index := msg.PrevLogIndex + 1 + int64(i)
		if index <= e.appendIndex {
			term, err := e.termAt(index)
			if err != nil {
				return err
			}
			if term == entry.Term {
				continue
			}
			if index <= out.LeaderCommit {
				return fmt.Errorf("entry %d conflicts with committed entry (term %d, leader term %d)", index, term, entry.Term)
			}
			e.truncateFrom(out, index)
		}
		e.appendEntry(out, entry.Term, entry.Data)
	}

	matchIndex := msg.PrevLogIndex + int64(len(msg.Entries))
	if commit := min64(msg.LeaderCommit, matchIndex); commit > out.LeaderCommit {
		out.LeaderCommit = commit
	}
	e.send(out, msg.From, common.Message{
		Type:        common.AppendEntriesResponse,
		Term:        out.Term,
		Success:     true,
		MatchIndex:  matchIndex,
		AppendIndex: e.appendIndex,
	})
	return nil
}

func handleHeartbeat(out *Outcome, msg common.Message, e *env) error {
	if msg.Term < out.Term {
		e.send(out, msg.From, common.Message{Type: common.HeartbeatResponse, Term: out.Term})
		return nil
	}
	if msg.Term > out.Term {
		out.Term = msg.Term
		out.VotedFor = uuid.Nil
	}
	out.Leader = msg.From
	out.RenewElectionTimeout = true
	if msg.LeaderCommit > out.LeaderCommit {
		term, err := e.termAt(msg.LeaderCommit)
		if err != nil {
			return err
		}
		// a matching term at the commit index implies a matching prefix
		if term == msg.CommitIndexTerm {
			out.LeaderCommit = msg.LeaderCommit
		}
	}
	e.send(out, msg.From, common.Message{Type: common.HeartbeatResponse, Term: out.Term})
	return nil
}

func startElection(out *Outcome, e *env) error {
	if _, ok := e.membership.Latest()[e.myself]; !ok {
		out.RenewElectionTimeout = true
		return nil
	}
	out.Term++
	out.VotedFor = e.myself
	out.Role = Candidate
	out.Leader = uuid.Nil
	out.VotesForMe = map[uuid.UUID]bool{e.myself: true}
	out.RenewElectionTimeout = true
	log.Printf("%v: starting election for term %d\n", e.myself, out.Term)

	if e.membership.IsQuorum(e.appendIndex, out.VotesForMe) {
		return becomeLeader(out, e)
	}
	lastTerm, err := e.termAt(e.appendIndex)
	if err != nil {
		return err
	}
	e.broadcast(out, common.Message{
		Type:         common.VoteRequest,
		Term:         out.Term,
		LastLogIndex: e.appendIndex,
		LastLogTerm:  lastTerm,
	})
	return nil
}

func becomeLeader(out *Outcome, e *env) error {
	log.Printf("%v: becoming leader for term %d\n", e.myself, out.Term)
	out.Role = Leader
	out.Leader = e.myself
	out.VotesForMe = nil
	out.HeartbeatResponders = make(map[uuid.UUID]bool)
	out.FollowerStates = make(map[uuid.UUID]FollowerState)
	for _, peer := range e.membership.Peers(e.myself) {
		out.FollowerStates[peer.ID] = FollowerState{MatchIndex: -1}
	}
	out.RenewElectionTimeout = true
	// entries of earlier terms only commit together with one of this term
	return appendAsLeader(out, e, nil)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
