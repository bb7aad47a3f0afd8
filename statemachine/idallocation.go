package statemachine

import (
	"sync"

	"github.com/google/btree"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
)

// idRange is one granted range, ordered by id type then start.
type idRange struct {
	idType replication.IDType
	start  int64
	length int32
	owner  common.CoreMember
	index  int64
}

func (r *idRange) Less(than btree.Item) bool {
	other := than.(*idRange)
	if r.idType != other.idType {
		return r.idType < other.idType
	}
	return r.start < other.start
}

// IDAllocationStateMachine grants consecutive id ranges per id type. A
// request is granted only if it starts at the first unallocated id, so
// racing requests for the same range are decided by log order.
type IDAllocationStateMachine struct {
	mu               sync.RWMutex
	firstUnallocated map[replication.IDType]int64
	granted          *btree.BTree
}

func NewIDAllocationStateMachine() *IDAllocationStateMachine {
	return &IDAllocationStateMachine{
		firstUnallocated: make(map[replication.IDType]int64),
		granted:          btree.New(32),
	}
}

// Apply returns whether the range was granted.
func (m *IDAllocationStateMachine) Apply(index int64, request replication.IDAllocationRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if request.RangeLength <= 0 || request.RangeStart != m.firstUnallocated[request.IDType] {
		return false
	}
	m.granted.ReplaceOrInsert(&idRange{
		idType: request.IDType,
		start:  request.RangeStart,
		length: request.RangeLength,
		owner:  request.Owner,
		index:  index,
	})
	m.firstUnallocated[request.IDType] = request.RangeStart + int64(request.RangeLength)
	return true
}

func (m *IDAllocationStateMachine) FirstUnallocated(idType replication.IDType) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstUnallocated[idType]
}

// OwnerOf returns the member that was granted id.
func (m *IDAllocationStateMachine) OwnerOf(idType replication.IDType, id int64) (common.CoreMember, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var owner common.CoreMember
	found := false
	m.granted.DescendLessOrEqual(&idRange{idType: idType, start: id}, func(item btree.Item) bool {
		r := item.(*idRange)
		if r.idType == idType && id < r.start+int64(r.length) {
			owner, found = r.owner, true
		}
		return false
	})
	return owner, found
}
