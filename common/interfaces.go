package common

import (
	"github.com/google/uuid"
)

// LogEntry represents one particular log entry in the raft log.
// Data is an opaque replicated content frame, an entry without data
// is a no-op appended by a new leader.
type LogEntry struct {
	Index, Term int64
	Data        []byte
}

// ReadableLog is the read-only view of a raft log. It is safe to use
// concurrently with the single writer of the log.
type ReadableLog interface {
	// AppendIndex returns the index of the last stored entry, -1 when empty.
	AppendIndex() (int64, error)
	// PrevIndex returns the index preceding the first stored entry (see Skip).
	PrevIndex() (int64, error)
	// ReadEntryTerm returns -1 if there is no entry at index.
	ReadEntryTerm(index int64) (int64, error)
	EntryAt(index int64) (*LogEntry, error)
}

// RaftLog is the interface that when implemented can be used as
// the log of one raft member. RaftLog is responsible for guaranteeing
// persistence of entries across restarts: every mutation is flushed
// before the call returns.
type RaftLog interface {
	ReadableLog
	// Append stores the entry at AppendIndex()+1 and returns that index.
	Append(entry LogEntry) (int64, error)
	// TruncateAfter drops every entry with an index greater than index.
	TruncateAfter(index int64) error
	// Skip drops all entries and continues the log after index, which is
	// recorded as having the given term.
	Skip(index, term int64) error
	Close() error
}

// ApplyCallback is invoked once per committed entry, in commit order.
type ApplyCallback interface {
	Apply(entry LogEntry) error
}

// Transport sends raft messages to a named member. Delivery is neither
// reliable nor ordered.
type Transport interface {
	Send(to uuid.UUID, msg Message) error
}

// Inbound accepts messages addressed to the local member.
type Inbound interface {
	Deliver(msg Message)
}

// LeaderListener is notified whenever the local member observes a new leader.
type LeaderListener interface {
	OnLeaderSwitch(leader uuid.UUID, term int64)
}

// LeaderLocator resolves the most recently observed leader.
type LeaderLocator interface {
	Leader() (uuid.UUID, error)
	RegisterLeaderListener(listener LeaderListener)
}
