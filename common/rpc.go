package common

import (
	"fmt"

	"github.com/google/uuid"
)

type MessageType int

const (
	VoteRequest MessageType = iota
	VoteResponse
	AppendEntriesRequest
	AppendEntriesResponse
	Heartbeat
	HeartbeatResponse
	// NewEntryRequest carries a client proposal towards the leader.
	NewEntryRequest
	// ElectionTimeout and HeartbeatTimeout are synthesised locally by timers.
	ElectionTimeout
	HeartbeatTimeout
)

func (t MessageType) String() string {
	switch t {
	case VoteRequest:
		return "VoteRequest"
	case VoteResponse:
		return "VoteResponse"
	case AppendEntriesRequest:
		return "AppendEntriesRequest"
	case AppendEntriesResponse:
		return "AppendEntriesResponse"
	case Heartbeat:
		return "Heartbeat"
	case HeartbeatResponse:
		return "HeartbeatResponse"
	case NewEntryRequest:
		return "NewEntryRequest"
	case ElectionTimeout:
		return "ElectionTimeout"
	case HeartbeatTimeout:
		return "HeartbeatTimeout"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is the single envelope for every raft message. Only the fields
// relevant to Type are set; see Raft paper for details on the RPCs.
type Message struct {
	Type MessageType
	From uuid.UUID
	Term int64

	// VoteRequest
	LastLogIndex int64
	LastLogTerm  int64
	// VoteResponse
	VoteGranted bool

	// AppendEntriesRequest, LeaderCommit is also the commit index of a Heartbeat
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []LogEntry
	LeaderCommit int64
	// Heartbeat
	CommitIndexTerm int64

	// AppendEntriesResponse
	Success     bool
	MatchIndex  int64
	AppendIndex int64

	// NewEntryRequest
	Content []byte
}

func (m Message) String() string {
	switch m.Type {
	case VoteRequest:
		return fmt.Sprintf("%v{from=%v term=%d last=%d/%d}", m.Type, m.From, m.Term, m.LastLogIndex, m.LastLogTerm)
	case VoteResponse:
		return fmt.Sprintf("%v{from=%v term=%d granted=%v}", m.Type, m.From, m.Term, m.VoteGranted)
	case AppendEntriesRequest:
		return fmt.Sprintf("%v{from=%v term=%d prev=%d/%d entries=%d commit=%d}", m.Type, m.From, m.Term, m.PrevLogIndex, m.PrevLogTerm, len(m.Entries), m.LeaderCommit)
	case AppendEntriesResponse:
		return fmt.Sprintf("%v{from=%v term=%d success=%v match=%d append=%d}", m.Type, m.From, m.Term, m.Success, m.MatchIndex, m.AppendIndex)
	case Heartbeat:
		return fmt.Sprintf("%v{from=%v term=%d commit=%d/%d}", m.Type, m.From, m.Term, m.LeaderCommit, m.CommitIndexTerm)
	default:
		return fmt.Sprintf("%v{from=%v term=%d}", m.Type, m.From, m.Term)
	}
}
