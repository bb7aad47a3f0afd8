package replication

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// LocalSession issues operation ids with increasing sequence numbers. It
// is used by one operation at a time.
type LocalSession struct {
	ID           int64
	nextSequence int64
}

func (s *LocalSession) NextOperationID() LocalOperationID {
	op := LocalOperationID{LocalSessionID: s.ID, SequenceNumber: s.nextSequence}
	s.nextSequence++
	return op
}

// LocalSessionPool hands out local sessions of one global session.
type LocalSessionPool struct {
	mu            sync.Mutex
	globalSession GlobalSession
	nextID        int64
	free          []*LocalSession
	open          int
}

// NewLocalSessionPool starts a new global session owned by owner.
func NewLocalSessionPool(owner common.CoreMember) *LocalSessionPool {
	return &LocalSessionPool{globalSession: GlobalSession{SessionID: uuid.New(), Owner: owner}}
}

func (p *LocalSessionPool) GlobalSession() GlobalSession {
	return p.globalSession
}

// Acquire returns a released session if there is one, a new one otherwise.
func (p *LocalSessionPool) Acquire() *LocalSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open++
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s
	}
	s := &LocalSession{ID: p.nextID}
	p.nextID++
	return s
}

func (p *LocalSessionPool) Release(s *LocalSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open--
	p.free = append(p.free, s)
}

// OpenSessionCount returns the number of acquired, unreleased sessions.
func (p *LocalSessionPool) OpenSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}
