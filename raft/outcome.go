package raft

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

type LogCommandKind int

const (
	// AppendLogEntry appends Entry (its Index is the expected position).
	AppendLogEntry LogCommandKind = iota
	// TruncateLog drops every entry at or after FromIndex.
	TruncateLog
)

type LogCommand struct {
	Kind      LogCommandKind
	Entry     common.LogEntry
	FromIndex int64
}

type ShipCommandKind int

const (
	// ShipMatch reports that Target acknowledged everything up to Index.
	ShipMatch ShipCommandKind = iota
	// ShipMismatch reports that the log of Target diverges, Index is its append index.
	ShipMismatch
	// ShipNewEntry announces Entry, appended after PrevIndex/PrevTerm.
	ShipNewEntry
	// ShipCommitUpdate announces that the leader commit index advanced.
	ShipCommitUpdate
)

// ShipCommand instructs the log shippers of a leader. It is a tagged
// union over Kind; fields not relevant to Kind are zero.
type ShipCommand struct {
	Kind      ShipCommandKind
	Target    uuid.UUID
	Index     int64
	PrevIndex int64
	PrevTerm  int64
	Entry     common.LogEntry
}

func Match(index int64, target uuid.UUID) ShipCommand {
	return ShipCommand{Kind: ShipMatch, Index: index, Target: target}
}

func Mismatch(lastRemoteAppendIndex int64, target uuid.UUID) ShipCommand {
	return ShipCommand{Kind: ShipMismatch, Index: lastRemoteAppendIndex, Target: target}
}

func NewEntry(prevIndex, prevTerm int64, entry common.LogEntry) ShipCommand {
	return ShipCommand{Kind: ShipNewEntry, PrevIndex: prevIndex, PrevTerm: prevTerm, Entry: entry}
}

func CommitUpdate() ShipCommand {
	return ShipCommand{Kind: ShipCommitUpdate}
}

func (c ShipCommand) String() string {
	switch c.Kind {
	case ShipMatch:
		return fmt.Sprintf("Match{newMatchIndex=%d, target=%v}", c.Index, c.Target)
	case ShipMismatch:
		return fmt.Sprintf("Mismatch{lastRemoteAppendIndex=%d, target=%v}", c.Index, c.Target)
	case ShipNewEntry:
		return fmt.Sprintf("NewEntry{prevLogIndex=%d, prevLogTerm=%d, index=%d}", c.PrevIndex, c.PrevTerm, c.Entry.Index)
	case ShipCommitUpdate:
		return "CommitUpdate{}"
	default:
		return fmt.Sprintf("ShipCommand(%d)", int(c.Kind))
	}
}

// Directed is an outbound message and its destination.
type Directed struct {
	To      uuid.UUID
	Message common.Message
}

// Outcome is the result of handling one message: the next state plus the
// side effects the instance has to carry out, in this order: persist
// term and vote, apply log commands, send messages, dispatch ship commands.
type Outcome struct {
	Role         Role
	Term         int64
	VotedFor     uuid.UUID
	Leader       uuid.UUID
	LeaderCommit int64

	VotesForMe          map[uuid.UUID]bool
	HeartbeatResponders map[uuid.UUID]bool
	FollowerStates      map[uuid.UUID]FollowerState

	LogCommands  []LogCommand
	Messages     []Directed
	ShipCommands []ShipCommand

	RenewElectionTimeout bool
}

func copySet(m map[uuid.UUID]bool) map[uuid.UUID]bool {
	if m == nil {
		return nil
	}
	c := make(map[uuid.UUID]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func newOutcome(st *State) *Outcome {
	out := &Outcome{
		Role:                st.Role,
		Term:                st.Term,
		VotedFor:            st.VotedFor,
		Leader:              st.Leader,
		LeaderCommit:        st.LeaderCommit,
		VotesForMe:          copySet(st.VotesForMe),
		HeartbeatResponders: copySet(st.HeartbeatResponders),
	}
	if st.FollowerStates != nil {
		out.FollowerStates = make(map[uuid.UUID]FollowerState, len(st.FollowerStates))
		for k, v := range st.FollowerStates {
			out.FollowerStates[k] = v
		}
	}
	return out
}
