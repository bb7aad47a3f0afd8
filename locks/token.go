package locks

import (
	"fmt"
	"sync"

	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
)

// InvalidLockTokenID is the id of the token in effect before any was granted.
const InvalidLockTokenID int64 = -1

// LockToken entitles its owner to take exclusive locks. Transactions
// prepared under any other token are rejected when they are applied.
type LockToken struct {
	Owner common.CoreMember
	ID    int64
}

func (t LockToken) String() string {
	return fmt.Sprintf("LockToken{id=%d, owner=%v}", t.ID, t.Owner.ID)
}

// ReplicatedLockTokenStateMachine holds the lock token decided by the log.
// A request wins iff it asks for the id following the current one.
type ReplicatedLockTokenStateMachine struct {
	mu       sync.RWMutex
	current  LockToken
	ordinal  int64
	requests int64
}

func NewReplicatedLockTokenStateMachine() *ReplicatedLockTokenStateMachine {
	return &ReplicatedLockTokenStateMachine{current: LockToken{ID: InvalidLockTokenID}, ordinal: -1}
}

func (m *ReplicatedLockTokenStateMachine) Apply(index int64, request replication.LockTokenRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if request.CandidateID != m.current.ID+1 {
		return false
	}
	m.current = LockToken{Owner: request.Owner, ID: request.CandidateID}
	m.ordinal = index
	return true
}

func (m *ReplicatedLockTokenStateMachine) CurrentToken() LockToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *ReplicatedLockTokenStateMachine) CurrentTokenID() int64 {
	return m.CurrentToken().ID
}

// Index returns the log index the current token was granted at.
func (m *ReplicatedLockTokenStateMachine) Index() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ordinal
}
