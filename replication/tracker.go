package replication

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

type operationResult struct {
	sequenceNumber int64
	result         interface{}
	err            error
}

// sessionTable is what the tracker knows about one global session.
type sessionTable struct {
	lastSequence map[int64]int64
	lastResult   map[int64]operationResult
}

// SessionTracker is the apply side of deduplication. Per global session
// it keeps, for every local session of it, the highest applied sequence
// number. Sessions of the same owner never share or replace a table, so
// a late resend from an owner's previous session is still recognised.
// It is only mutated by the apply goroutine but may be read concurrently.
type SessionTracker struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*sessionTable
	duplicates atomic.Int64
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[uuid.UUID]*sessionTable)}
}

// Validate reports whether op has not been applied yet. Duplicates are counted.
func (t *SessionTracker) Validate(session GlobalSession, op LocalOperationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.sessions[session.SessionID]
	if table == nil {
		return true
	}
	last, ok := table.lastSequence[op.LocalSessionID]
	if ok && op.SequenceNumber <= last {
		t.duplicates.Inc()
		return false
	}
	return true
}

// Update records op as applied with its result.
func (t *SessionTracker) Update(session GlobalSession, op LocalOperationID, result interface{}, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.sessions[session.SessionID]
	if table == nil {
		table = &sessionTable{
			lastSequence: make(map[int64]int64),
			lastResult:   make(map[int64]operationResult),
		}
		t.sessions[session.SessionID] = table
	}
	if last, ok := table.lastSequence[op.LocalSessionID]; ok && op.SequenceNumber <= last {
		return
	}
	table.lastSequence[op.LocalSessionID] = op.SequenceNumber
	table.lastResult[op.LocalSessionID] = operationResult{sequenceNumber: op.SequenceNumber, result: result, err: err}
}

// LastResult returns the cached result of op if it was the last operation
// applied in its local session.
func (t *SessionTracker) LastResult(session GlobalSession, op LocalOperationID) (interface{}, error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.sessions[session.SessionID]
	if table == nil {
		return nil, nil, false
	}
	cached, ok := table.lastResult[op.LocalSessionID]
	if !ok || cached.sequenceNumber != op.SequenceNumber {
		return nil, nil, false
	}
	return cached.result, cached.err, true
}

// SessionCount returns the number of global sessions seen, over all owners.
func (t *SessionTracker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Duplicates returns how many operations Validate rejected.
func (t *SessionTracker) Duplicates() int64 {
	return t.duplicates.Load()
}
