package raft

import (
	"fmt"

	"github.com/google/uuid"
)

type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// FollowerState is the leader's view of one follower.
type FollowerState struct {
	MatchIndex int64
}

// State is the in-memory raft state of one member. It is owned by the
// instance loop and only read by Handle.
type State struct {
	Myself uuid.UUID

	// Term and VotedFor are persisted before any message depending on them is sent
	Term     int64
	VotedFor uuid.UUID

	Role         Role
	Leader       uuid.UUID
	LeaderCommit int64

	// Candidate only
	VotesForMe map[uuid.UUID]bool
	// Leader only
	HeartbeatResponders map[uuid.UUID]bool
	FollowerStates      map[uuid.UUID]FollowerState

	Membership *Membership
	// Codec recognises member set entries, nil when membership never changes
	Codec MembershipCodec
}

// NewState returns the state of a member that has not yet heard from anyone.
func NewState(myself uuid.UUID, term int64, votedFor uuid.UUID, membership *Membership) *State {
	return &State{
		Myself:       myself,
		Term:         term,
		VotedFor:     votedFor,
		Role:         Follower,
		LeaderCommit: -1,
		Membership:   membership,
	}
}
