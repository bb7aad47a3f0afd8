package raft

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/persistent"
)

func coreMembers(ids ...uuid.UUID) []common.CoreMember {
	var members []common.CoreMember
	for _, id := range ids {
		members = append(members, common.CoreMember{ID: id})
	}
	return members
}

func logWithTerms(t *testing.T, terms ...int64) *persistent.MemLogStore {
	raftLog := persistent.NewMemLogStore()
	for _, term := range terms {
		_, err := raftLog.Append(common.LogEntry{Term: term, Data: []byte{byte(term)}})
		assert.NoError(t, err)
	}
	return raftLog
}

func followerState(myself uuid.UUID, term int64, ids ...uuid.UUID) *State {
	return NewState(myself, term, uuid.Nil, NewMembership(-1, coreMembers(ids...)))
}

func leaderState(myself uuid.UUID, term int64, ids ...uuid.UUID) *State {
	st := NewState(myself, term, myself, NewMembership(-1, coreMembers(ids...)))
	st.Role = Leader
	st.Leader = myself
	st.HeartbeatResponders = make(map[uuid.UUID]bool)
	st.FollowerStates = make(map[uuid.UUID]FollowerState)
	for _, id := range ids {
		if id != myself {
			st.FollowerStates[id] = FollowerState{MatchIndex: -1}
		}
	}
	return st
}

func handle(t *testing.T, st *State, msg common.Message, raftLog common.ReadableLog) *Outcome {
	out, err := Handle(st, msg, raftLog)
	assert.NoError(t, err)
	assert.NotNil(t, out)
	return out
}

func Test_ElectionTimeoutStartsElection(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 0, a, b, c)

	out := handle(t, st, common.Message{Type: common.ElectionTimeout}, persistent.NewMemLogStore())

	assert.Equal(t, Candidate, out.Role)
	assert.Equal(t, int64(1), out.Term)
	assert.Equal(t, a, out.VotedFor)
	assert.True(t, out.RenewElectionTimeout)
	assert.Len(t, out.Messages, 2)
	var targets []uuid.UUID
	for _, d := range out.Messages {
		targets = append(targets, d.To)
		assert.Equal(t, common.Message{
			Type:         common.VoteRequest,
			From:         a,
			Term:         1,
			LastLogIndex: -1,
			LastLogTerm:  -1,
		}, d.Message)
	}
	assert.ElementsMatch(t, []uuid.UUID{b, c}, targets)
}

func Test_SingleMemberBecomesLeaderImmediately(t *testing.T) {
	a := uuid.New()
	st := followerState(a, 4, a)

	out := handle(t, st, common.Message{Type: common.ElectionTimeout}, persistent.NewMemLogStore())

	assert.Equal(t, Leader, out.Role)
	assert.Equal(t, int64(5), out.Term)
	assert.Equal(t, a, out.Leader)
	assert.Empty(t, out.Messages)
	noop := common.LogEntry{Index: 0, Term: 5}
	assert.Equal(t, []LogCommand{{Kind: AppendLogEntry, Entry: noop}}, out.LogCommands)
	assert.Equal(t, int64(0), out.LeaderCommit)
	assert.Equal(t, []ShipCommand{NewEntry(-1, -1, noop), CommitUpdate()}, out.ShipCommands)
}

func Test_CandidateBecomesLeaderOnMajority(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 1, a, b, c)
	st.Role = Candidate
	st.VotedFor = a
	st.VotesForMe = map[uuid.UUID]bool{a: true}
	raftLog := logWithTerms(t, 1)

	stale := handle(t, st, common.Message{Type: common.VoteResponse, From: b, Term: 0, VoteGranted: true}, raftLog)
	assert.Equal(t, Candidate, stale.Role)

	refused := handle(t, st, common.Message{Type: common.VoteResponse, From: b, Term: 1}, raftLog)
	assert.Equal(t, Candidate, refused.Role)

	out := handle(t, st, common.Message{Type: common.VoteResponse, From: b, Term: 1, VoteGranted: true}, raftLog)
	assert.Equal(t, Leader, out.Role)
	assert.Equal(t, a, out.Leader)
	assert.Equal(t, map[uuid.UUID]FollowerState{b: {MatchIndex: -1}, c: {MatchIndex: -1}}, out.FollowerStates)
	noop := common.LogEntry{Index: 1, Term: 1}
	assert.Equal(t, []LogCommand{{Kind: AppendLogEntry, Entry: noop}}, out.LogCommands)
	assert.Equal(t, []ShipCommand{NewEntry(0, 1, noop)}, out.ShipCommands)
	// the state the outcome was computed from is untouched
	assert.Equal(t, Candidate, st.Role)
	assert.Equal(t, map[uuid.UUID]bool{a: true}, st.VotesForMe)
}

func Test_VoteGrantedOncePerTerm(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 1, a, b, c)
	raftLog := logWithTerms(t, 1)

	out := handle(t, st, common.Message{Type: common.VoteRequest, From: b, Term: 1, LastLogIndex: 0, LastLogTerm: 1}, raftLog)
	assert.Equal(t, b, out.VotedFor)
	assert.True(t, out.RenewElectionTimeout)
	assert.Equal(t, []Directed{{To: b, Message: common.Message{Type: common.VoteResponse, From: a, Term: 1, VoteGranted: true}}}, out.Messages)

	st.VotedFor = out.VotedFor
	out = handle(t, st, common.Message{Type: common.VoteRequest, From: c, Term: 1, LastLogIndex: 5, LastLogTerm: 1}, raftLog)
	assert.Equal(t, b, out.VotedFor)
	assert.False(t, out.Messages[0].Message.VoteGranted)

	// asking again is answered the same way
	out = handle(t, st, common.Message{Type: common.VoteRequest, From: b, Term: 1, LastLogIndex: 0, LastLogTerm: 1}, raftLog)
	assert.True(t, out.Messages[0].Message.VoteGranted)
}

func Test_VoteRefusedToStaleLog(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 2, a, b, c)
	raftLog := logWithTerms(t, 1, 2)

	out := handle(t, st, common.Message{Type: common.VoteRequest, From: b, Term: 3, LastLogIndex: 5, LastLogTerm: 1}, raftLog)
	assert.Equal(t, int64(3), out.Term)
	assert.Equal(t, uuid.Nil, out.VotedFor)
	assert.False(t, out.Messages[0].Message.VoteGranted)
	assert.Equal(t, int64(3), out.Messages[0].Message.Term)

	out = handle(t, st, common.Message{Type: common.VoteRequest, From: b, Term: 3, LastLogIndex: 0, LastLogTerm: 2}, raftLog)
	assert.False(t, out.Messages[0].Message.VoteGranted)

	out = handle(t, st, common.Message{Type: common.VoteRequest, From: b, Term: 3, LastLogIndex: 1, LastLogTerm: 2}, raftLog)
	assert.True(t, out.Messages[0].Message.VoteGranted)
}

func Test_AppendEntriesRejectsLowerTerm(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 3, a, b)
	raftLog := logWithTerms(t, 1)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 2, PrevLogIndex: 0, PrevLogTerm: 1}, raftLog)
	assert.Empty(t, out.LogCommands)
	assert.Equal(t, uuid.Nil, out.Leader)
	assert.False(t, out.RenewElectionTimeout)
	assert.Equal(t, common.Message{
		Type:        common.AppendEntriesResponse,
		From:        a,
		Term:        3,
		MatchIndex:  -1,
		AppendIndex: 0,
	}, out.Messages[0].Message)
}

func Test_AppendEntriesTruncatesOnMismatch(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 2, a, b)
	st.LeaderCommit = 0
	raftLog := logWithTerms(t, 1, 1, 2)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 3, PrevLogIndex: 2, PrevLogTerm: 3}, raftLog)
	assert.Equal(t, int64(3), out.Term)
	assert.Equal(t, b, out.Leader)
	assert.True(t, out.RenewElectionTimeout)
	assert.Equal(t, []LogCommand{{Kind: TruncateLog, FromIndex: 2}}, out.LogCommands)
	assert.False(t, out.Messages[0].Message.Success)
	assert.Equal(t, int64(1), out.Messages[0].Message.AppendIndex)
}

func Test_AppendEntriesNeverTruncatesCommitted(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 2, a, b)
	st.LeaderCommit = 2
	raftLog := logWithTerms(t, 1, 1, 2)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 3, PrevLogIndex: 2, PrevLogTerm: 3}, raftLog)
	assert.Empty(t, out.LogCommands)
	assert.False(t, out.Messages[0].Message.Success)
	assert.Equal(t, int64(2), out.LeaderCommit)
}

func Test_AppendEntriesMissingPrevious(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 1, a, b)
	raftLog := logWithTerms(t, 1)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 1, PrevLogIndex: 4, PrevLogTerm: 1}, raftLog)
	assert.Empty(t, out.LogCommands)
	assert.False(t, out.Messages[0].Message.Success)
	assert.Equal(t, int64(0), out.Messages[0].Message.AppendIndex)
}

func Test_AppendEntriesReplacesConflictingSuffix(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 2, a, b)
	raftLog := logWithTerms(t, 1, 1, 2)

	out := handle(t, st, common.Message{
		Type:         common.AppendEntriesRequest,
		From:         b,
		Term:         3,
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		Entries: []common.LogEntry{
			{Index: 1, Term: 1, Data: []byte{1}},
			{Index: 2, Term: 3, Data: []byte("x")},
			{Index: 3, Term: 3, Data: []byte("y")},
		},
		LeaderCommit: 0,
	}, raftLog)
	assert.Equal(t, []LogCommand{
		{Kind: TruncateLog, FromIndex: 2},
		{Kind: AppendLogEntry, Entry: common.LogEntry{Index: 2, Term: 3, Data: []byte("x")}},
		{Kind: AppendLogEntry, Entry: common.LogEntry{Index: 3, Term: 3, Data: []byte("y")}},
	}, out.LogCommands)
	assert.Equal(t, common.Message{
		Type:        common.AppendEntriesResponse,
		From:        a,
		Term:        3,
		Success:     true,
		MatchIndex:  3,
		AppendIndex: 3,
	}, out.Messages[0].Message)
	assert.Equal(t, int64(0), out.LeaderCommit)
}

func Test_AppendEntriesCommitBoundedByMatch(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 1, a, b)
	raftLog := persistent.NewMemLogStore()
	entries := []common.LogEntry{{Index: 0, Term: 1}, {Index: 1, Term: 1}, {Index: 2, Term: 1}}

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 1, PrevLogIndex: -1, PrevLogTerm: -1,
		Entries: entries, LeaderCommit: 1}, raftLog)
	assert.Len(t, out.LogCommands, 3)
	assert.Equal(t, int64(1), out.LeaderCommit)

	out = handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 1, PrevLogIndex: -1, PrevLogTerm: -1,
		Entries: entries[:1], LeaderCommit: 10}, raftLog)
	assert.Equal(t, int64(0), out.LeaderCommit)
}

func Test_CommitNeverMovesBackwards(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 1, a, b)
	st.LeaderCommit = 2
	raftLog := logWithTerms(t, 1, 1, 1)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 1, PrevLogIndex: 0, PrevLogTerm: 1, LeaderCommit: 0}, raftLog)
	assert.True(t, out.Messages[0].Message.Success)
	assert.Equal(t, int64(2), out.LeaderCommit)
	assert.Empty(t, out.LogCommands)
}

func Test_HeartbeatCommitsOnlyMatchingTerm(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := followerState(a, 3, a, b)
	raftLog := logWithTerms(t, 1, 1, 2)

	out := handle(t, st, common.Message{Type: common.Heartbeat, From: b, Term: 3, LeaderCommit: 2, CommitIndexTerm: 3}, raftLog)
	assert.Equal(t, int64(-1), out.LeaderCommit)
	assert.Equal(t, b, out.Leader)
	assert.Equal(t, []Directed{{To: b, Message: common.Message{Type: common.HeartbeatResponse, From: a, Term: 3}}}, out.Messages)

	out = handle(t, st, common.Message{Type: common.Heartbeat, From: b, Term: 3, LeaderCommit: 2, CommitIndexTerm: 2}, raftLog)
	assert.Equal(t, int64(2), out.LeaderCommit)
}

func Test_CandidateStepsDownOnAppendFromLeaderOfSameTerm(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 2, a, b, c)
	st.Role = Candidate
	st.VotedFor = a
	st.VotesForMe = map[uuid.UUID]bool{a: true}
	raftLog := logWithTerms(t, 1)

	out := handle(t, st, common.Message{Type: common.AppendEntriesRequest, From: b, Term: 2, PrevLogIndex: 0, PrevLogTerm: 1}, raftLog)
	assert.Equal(t, Follower, out.Role)
	assert.Equal(t, b, out.Leader)
	assert.Equal(t, int64(2), out.Term)
	// the vote of this term is kept
	assert.Equal(t, a, out.VotedFor)
	assert.True(t, out.Messages[0].Message.Success)
}

func Test_LeaderCommitsOnMajorityMatch(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 2, a, b, c)
	raftLog := logWithTerms(t, 1, 2)

	out := handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: b, Term: 2, Success: true, MatchIndex: 1, AppendIndex: 1}, raftLog)
	assert.Equal(t, int64(1), out.LeaderCommit)
	assert.Equal(t, FollowerState{MatchIndex: 1}, out.FollowerStates[b])
	assert.Equal(t, []ShipCommand{Match(1, b), CommitUpdate()}, out.ShipCommands)
	assert.True(t, out.HeartbeatResponders[b])
	assert.Equal(t, FollowerState{MatchIndex: -1}, st.FollowerStates[b])
}

func memberSetEntry(t *testing.T, ids ...uuid.UUID) []byte {
	data, err := jsonMemberCodec{}.EncodeMemberSet(coreMembers(ids...))
	assert.NoError(t, err)
	return data
}

func Test_AddedMemberDecidesAboutItsOwnMemberSet(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := leaderState(a, 1, a)
	st.Codec = jsonMemberCodec{}
	st.LeaderCommit = 0
	raftLog := logWithTerms(t, 1)
	data := memberSetEntry(t, a, b)

	out := handle(t, st, common.Message{Type: common.NewEntryRequest, Content: data}, raftLog)
	assert.Equal(t, int64(0), out.LeaderCommit, "{a, b} needs the ack of b")
	assert.Len(t, st.Membership.Latest(), 1)

	_, err := raftLog.Append(common.LogEntry{Term: 1, Data: data})
	assert.NoError(t, err)
	st.Membership.Append(1, coreMembers(a, b))
	out = handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: b, Term: 1, Success: true, MatchIndex: 1, AppendIndex: 1}, raftLog)
	assert.Equal(t, int64(1), out.LeaderCommit)
}

func Test_RemovedMemberDoesNotDecideAboutItsRemoval(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 1, a, b, c)
	st.Codec = jsonMemberCodec{}
	st.LeaderCommit = 0
	raftLog := logWithTerms(t, 1)
	data := memberSetEntry(t, a, b)
	_, err := raftLog.Append(common.LogEntry{Term: 1, Data: data})
	assert.NoError(t, err)
	st.Membership.Append(1, coreMembers(a, b))

	out := handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: c, Term: 1, Success: true, MatchIndex: 1, AppendIndex: 1}, raftLog)
	assert.Equal(t, int64(0), out.LeaderCommit)

	st.FollowerStates[c] = FollowerState{MatchIndex: 1}
	out = handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: b, Term: 1, Success: true, MatchIndex: 1, AppendIndex: 1}, raftLog)
	assert.Equal(t, int64(1), out.LeaderCommit)
}

func Test_FollowerTracksMemberSetsWithoutTouchingState(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(b, 1, a, b, c)
	st.Codec = jsonMemberCodec{}
	raftLog := logWithTerms(t, 1)

	out := handle(t, st, common.Message{
		Type:         common.AppendEntriesRequest,
		From:         a,
		Term:         1,
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		Entries:      []common.LogEntry{{Index: 1, Term: 1, Data: memberSetEntry(t, a, b)}},
		LeaderCommit: 1,
	}, raftLog)
	assert.Equal(t, int64(1), out.LeaderCommit)
	assert.Len(t, out.LogCommands, 1)
	assert.Len(t, st.Membership.Latest(), 3)
	assert.Equal(t, int64(-1), st.Membership.LatestIndex())
}

func Test_LeaderDoesNotCommitEarlierTermsByCounting(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 3, a, b, c)
	raftLog := logWithTerms(t, 1, 2)

	out := handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: b, Term: 3, Success: true, MatchIndex: 1, AppendIndex: 1}, raftLog)
	assert.Equal(t, int64(-1), out.LeaderCommit)
	assert.Equal(t, []ShipCommand{Match(1, b)}, out.ShipCommands)
}

func Test_LeaderMismatch(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 3, a, b, c)
	raftLog := logWithTerms(t, 1, 3)

	out := handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: c, Term: 3, MatchIndex: -1, AppendIndex: 0}, raftLog)
	assert.Equal(t, []ShipCommand{Mismatch(0, c)}, out.ShipCommands)
	assert.Equal(t, Leader, out.Role)

	// responses of earlier terms are ignored
	out = handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: c, Term: 2, MatchIndex: -1, AppendIndex: 0}, raftLog)
	assert.Empty(t, out.ShipCommands)
}

func Test_LeaderStepsDownOnHigherTerm(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 3, a, b, c)
	raftLog := logWithTerms(t, 3)

	out := handle(t, st, common.Message{Type: common.AppendEntriesResponse, From: b, Term: 5, MatchIndex: -1, AppendIndex: 7}, raftLog)
	assert.Equal(t, Follower, out.Role)
	assert.Equal(t, int64(5), out.Term)
	assert.Equal(t, uuid.Nil, out.VotedFor)
	assert.Equal(t, uuid.Nil, out.Leader)
	assert.Empty(t, out.ShipCommands)
	assert.Nil(t, out.FollowerStates)
}

func Test_LeaderStepsDownWithoutQuorum(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 3, a, b, c)
	raftLog := logWithTerms(t, 3)

	out := handle(t, st, common.Message{Type: common.ElectionTimeout}, raftLog)
	assert.Equal(t, Follower, out.Role)
	assert.Equal(t, int64(3), out.Term)
	assert.Equal(t, uuid.Nil, out.Leader)

	st.HeartbeatResponders[b] = true
	out = handle(t, st, common.Message{Type: common.ElectionTimeout}, raftLog)
	assert.Equal(t, Leader, out.Role)
	assert.Empty(t, out.HeartbeatResponders)
	assert.True(t, out.RenewElectionTimeout)
}

func Test_LeaderHeartbeat(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := leaderState(a, 3, a, b, c)
	st.LeaderCommit = 1
	raftLog := logWithTerms(t, 1, 3)

	out := handle(t, st, common.Message{Type: common.HeartbeatTimeout}, raftLog)
	assert.Len(t, out.Messages, 2)
	for _, d := range out.Messages {
		assert.Equal(t, common.Message{Type: common.Heartbeat, From: a, Term: 3, LeaderCommit: 1, CommitIndexTerm: 3}, d.Message)
	}

	out = handle(t, st, common.Message{Type: common.HeartbeatResponse, From: c, Term: 3}, raftLog)
	assert.True(t, out.HeartbeatResponders[c])
}

func Test_NewEntryRequest(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	raftLog := logWithTerms(t, 1, 3)
	request := common.Message{Type: common.NewEntryRequest, Content: []byte("content")}

	out := handle(t, leaderState(a, 3, a, b, c), request, raftLog)
	entry := common.LogEntry{Index: 2, Term: 3, Data: []byte("content")}
	assert.Equal(t, []LogCommand{{Kind: AppendLogEntry, Entry: entry}}, out.LogCommands)
	assert.Equal(t, []ShipCommand{NewEntry(1, 3, entry)}, out.ShipCommands)
	assert.Equal(t, int64(-1), out.LeaderCommit)

	follower := followerState(b, 3, a, b, c)
	out = handle(t, follower, request, raftLog)
	assert.Empty(t, out.Messages)
	assert.Empty(t, out.LogCommands)

	follower.Leader = a
	out = handle(t, follower, request, raftLog)
	assert.Equal(t, []Directed{{To: a, Message: common.Message{Type: common.NewEntryRequest, From: b, Content: []byte("content")}}}, out.Messages)
}

func Test_RemovedMemberDoesNotCampaign(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	st := followerState(a, 1, b, c)

	out := handle(t, st, common.Message{Type: common.ElectionTimeout}, persistent.NewMemLogStore())
	assert.Equal(t, Follower, out.Role)
	assert.Equal(t, int64(1), out.Term)
	assert.Empty(t, out.Messages)
}

func Test_ShipCommandString(t *testing.T) {
	target := uuid.New()
	assert.Equal(t, "Match{newMatchIndex=4, target="+target.String()+"}", Match(4, target).String())
	assert.Equal(t, "CommitUpdate{}", CommitUpdate().String())
	assert.Equal(t, "NewEntry{prevLogIndex=1, prevLogTerm=2, index=2}", NewEntry(1, 2, common.LogEntry{Index: 2}).String())
}
