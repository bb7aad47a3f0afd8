package raft

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func Test_MembershipVotingMembersAt(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	m := NewMembership(-1, coreMembers(a, b, c))
	m.Append(5, coreMembers(a, b, c, d))

	assert.Len(t, m.VotingMembersAt(4), 3)
	assert.Len(t, m.VotingMembersAt(5), 4)
	assert.Len(t, m.VotingMembersAt(-7), 3)
	assert.Equal(t, int64(5), m.LatestIndex())

	assert.False(t, m.IsQuorum(6, map[uuid.UUID]bool{a: true, b: true}))
	assert.True(t, m.IsQuorum(4, map[uuid.UUID]bool{a: true, b: true}))
	assert.True(t, m.IsQuorum(6, map[uuid.UUID]bool{a: true, b: true, d: true}))
	// unknown voters do not count
	assert.False(t, m.IsQuorum(4, map[uuid.UUID]bool{a: true, uuid.New(): true}))
}

func Test_MembershipTruncate(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	m := NewMembership(-1, coreMembers(a, b, c))
	m.Append(3, coreMembers(a, b))
	m.Append(7, coreMembers(a))

	m.TruncateFrom(7)
	assert.Len(t, m.Latest(), 2)
	m.TruncateFrom(0)
	assert.Len(t, m.Latest(), 3)
	m.TruncateFrom(-5)
	assert.Len(t, m.Latest(), 3)
	assert.Len(t, m.Peers(a), 2)
	for _, peer := range m.Peers(a) {
		assert.NotEqual(t, a, peer.ID)
	}
}

func Test_MembershipCompact(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	m := NewMembership(-1, coreMembers(a, b, c))
	m.Append(3, coreMembers(a, b))
	m.Append(7, coreMembers(a))

	_, _, moved := m.Compact(2)
	assert.False(t, moved)

	index, members, moved := m.Compact(5)
	assert.True(t, moved)
	assert.Equal(t, int64(3), index)
	assert.ElementsMatch(t, coreMembers(a, b), members)
	assert.Len(t, m.Latest(), 1)

	// a truncation can no longer reach below the committed set
	m.TruncateFrom(0)
	assert.Len(t, m.Latest(), 2)
}
