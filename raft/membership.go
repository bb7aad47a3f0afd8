package raft

import (
	"sort"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// MembershipCodec recognises member set entries in the log and produces
// them for membership proposals.
type MembershipCodec interface {
	// MemberSetOf returns the members carried by data, false if data is
	// not a member set entry.
	MemberSetOf(data []byte) ([]common.CoreMember, bool)
	EncodeMemberSet(members []common.CoreMember) ([]byte, error)
}

type memberSetChange struct {
	index   int64
	members map[uuid.UUID]common.CoreMember
}

// Membership tracks member set changes by the log index that introduced
// them. The set in effect at an index is the latest change at or before
// it, which may still be uncommitted.
type Membership struct {
	// changes is ordered by index and never empty
	changes []memberSetChange
}

func toMemberMap(members []common.CoreMember) map[uuid.UUID]common.CoreMember {
	m := make(map[uuid.UUID]common.CoreMember, len(members))
	for _, member := range members {
		m[member.ID] = member
	}
	return m
}

// NewMembership starts tracking from the member set in effect at index.
func NewMembership(index int64, members []common.CoreMember) *Membership {
	return &Membership{changes: []memberSetChange{{index: index, members: toMemberMap(members)}}}
}

// Append records a member set introduced by the entry at index.
func (m *Membership) Append(index int64, members []common.CoreMember) {
	m.TruncateFrom(index)
	m.changes = append(m.changes, memberSetChange{index: index, members: toMemberMap(members)})
}

// Clone returns a copy that can be changed without affecting m. Member
// maps are shared, they are never modified once recorded.
func (m *Membership) Clone() *Membership {
	return &Membership{changes: append([]memberSetChange(nil), m.changes...)}
}

// TruncateFrom forgets changes introduced at or after index. The oldest
// change is always kept.
func (m *Membership) TruncateFrom(index int64) {
	n := len(m.changes)
	for n > 1 && m.changes[n-1].index >= index {
		n--
	}
	m.changes = m.changes[:n]
}

// VotingMembersAt returns the member set that decides about the entry at index.
func (m *Membership) VotingMembersAt(index int64) map[uuid.UUID]common.CoreMember {
	for i := len(m.changes) - 1; i > 0; i-- {
		if m.changes[i].index <= index {
			return m.changes[i].members
		}
	}
	return m.changes[0].members
}

// Latest returns the member set introduced by the most recent change.
func (m *Membership) Latest() map[uuid.UUID]common.CoreMember {
	return m.changes[len(m.changes)-1].members
}

// LatestIndex returns the index of the most recent change.
func (m *Membership) LatestIndex() int64 {
	return m.changes[len(m.changes)-1].index
}

// IsQuorum reports whether voters form a strict majority of the member
// set deciding about index.
func (m *Membership) IsQuorum(index int64, voters map[uuid.UUID]bool) bool {
	members := m.VotingMembersAt(index)
	count := 0
	for id := range members {
		if voters[id] {
			count++
		}
	}
	return 2*count > len(members)
}

// Compact drops changes superseded by a change at or before commitIndex.
// It returns the committed change now at the base and whether the base moved.
func (m *Membership) Compact(commitIndex int64) (int64, []common.CoreMember, bool) {
	base := 0
	for i := 1; i < len(m.changes); i++ {
		if m.changes[i].index <= commitIndex {
			base = i
		}
	}
	if base > 0 {
		m.changes = m.changes[base:]
	}
	return m.changes[0].index, sortedMembers(m.changes[0].members), base > 0
}

// Peers returns the latest members other than myself, ordered by id.
func (m *Membership) Peers(myself uuid.UUID) []common.CoreMember {
	var peers []common.CoreMember
	for id, member := range m.Latest() {
		if id != myself {
			peers = append(peers, member)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.String() < peers[j].ID.String()
	})
	return peers
}

// Members returns the latest member set ordered by id.
func (m *Membership) Members() []common.CoreMember {
	return sortedMembers(m.Latest())
}

func sortedMembers(set map[uuid.UUID]common.CoreMember) []common.CoreMember {
	members := make([]common.CoreMember, 0, len(set))
	for _, member := range set {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID.String() < members[j].ID.String()
	})
	return members
}
