package statemachine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
)

func TestIDRangesAreGrantedInOrder(t *testing.T) {
	m := NewIDAllocationStateMachine()
	a := common.CoreMember{ID: uuid.New()}
	b := common.CoreMember{ID: uuid.New()}

	assert.True(t, m.Apply(1, replication.IDAllocationRequest{Owner: a, IDType: replication.NodeID, RangeStart: 0, RangeLength: 10}))
	// b raced for the same range and lost
	assert.False(t, m.Apply(2, replication.IDAllocationRequest{Owner: b, IDType: replication.NodeID, RangeStart: 0, RangeLength: 10}))
	assert.True(t, m.Apply(3, replication.IDAllocationRequest{Owner: b, IDType: replication.NodeID, RangeStart: 10, RangeLength: 5}))
	assert.False(t, m.Apply(4, replication.IDAllocationRequest{Owner: b, IDType: replication.NodeID, RangeStart: 15, RangeLength: 0}))
	// id types are independent
	assert.True(t, m.Apply(5, replication.IDAllocationRequest{Owner: b, IDType: replication.PropertyID, RangeStart: 0, RangeLength: 3}))

	assert.Equal(t, int64(15), m.FirstUnallocated(replication.NodeID))
	assert.Equal(t, int64(3), m.FirstUnallocated(replication.PropertyID))
	assert.Equal(t, int64(0), m.FirstUnallocated(replication.RelationshipID))

	owner, ok := m.OwnerOf(replication.NodeID, 9)
	assert.True(t, ok)
	assert.Equal(t, a, owner)
	owner, ok = m.OwnerOf(replication.NodeID, 12)
	assert.True(t, ok)
	assert.Equal(t, b, owner)
	_, ok = m.OwnerOf(replication.NodeID, 15)
	assert.False(t, ok)
	_, ok = m.OwnerOf(replication.RelationshipID, 0)
	assert.False(t, ok)
}

func TestTokensKeepTheirIDs(t *testing.T) {
	m := NewTokenStateMachine()
	assert.Equal(t, int32(0), m.Apply(replication.TokenRequest{Type: replication.LabelToken, Name: "Person"}))
	assert.Equal(t, int32(1), m.Apply(replication.TokenRequest{Type: replication.LabelToken, Name: "Movie"}))
	assert.Equal(t, int32(0), m.Apply(replication.TokenRequest{Type: replication.LabelToken, Name: "Person"}))
	assert.Equal(t, int32(0), m.Apply(replication.TokenRequest{Type: replication.PropertyKeyToken, Name: "name"}))
	assert.Equal(t, 2, m.Count(replication.LabelToken))
	_, ok := m.TokenID(replication.RelationshipTypeToken, "KNOWS")
	assert.False(t, ok)
}
