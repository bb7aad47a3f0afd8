package locks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
)

const DefaultTokenTimeout = 5 * time.Second

// notLeaderError is returned for lock requests made on a member that does
// not lead. It satisfies errors.Is for both common.ErrNotLeader and
// ErrAcquireLockTimeout.
type notLeaderError struct {
	leader uuid.UUID
}

func (e notLeaderError) Error() string {
	if e.leader == uuid.Nil {
		return "should only attempt to take locks when leader, no leader is known"
	}
	return fmt.Sprintf("should only attempt to take locks when leader, the leader is %v", e.leader)
}

func (e notLeaderError) Is(target error) bool {
	return target == common.ErrNotLeader || target == ErrAcquireLockTimeout
}

// LeaderOnlyLockManager lets only the leader take locks, and only while
// it owns the replicated lock token. The token id is the lock session of
// every transaction prepared under these locks.
type LeaderOnlyLockManager struct {
	myself       common.CoreMember
	replicator   replication.Replicator
	locator      common.LeaderLocator
	local        *Locks
	tokens       *ReplicatedLockTokenStateMachine
	tokenTimeout time.Duration

	mu          sync.Mutex
	lockTokenID int64
	// pending is the token request in flight, shared by every waiter
	pending *tokenRequest
}

type tokenRequest struct {
	done chan struct{}
	id   int64
	err  error
}

var _ common.LeaderListener = &LeaderOnlyLockManager{}

func NewLeaderOnlyLockManager(
	myself common.CoreMember,
	replicator replication.Replicator,
	locator common.LeaderLocator,
	local *Locks,
	tokens *ReplicatedLockTokenStateMachine,
	tokenTimeout time.Duration,
) *LeaderOnlyLockManager {
	if tokenTimeout <= 0 {
		tokenTimeout = DefaultTokenTimeout
	}
	m := &LeaderOnlyLockManager{
		myself:       myself,
		replicator:   replicator,
		locator:      locator,
		local:        local,
		tokens:       tokens,
		tokenTimeout: tokenTimeout,
		lockTokenID:  InvalidLockTokenID,
	}
	locator.RegisterLeaderListener(m)
	return m
}

// OnLeaderSwitch requests the token as soon as this member becomes leader.
func (m *LeaderOnlyLockManager) OnLeaderSwitch(leader uuid.UUID, term int64) {
	if leader != m.myself.ID {
		return
	}
	go func() {
		if _, err := m.ensureHoldingToken(context.Background()); err != nil {
			log.Printf("%v: could not acquire lock token in term %d: %+v\n", m.myself.ID, term, err)
		}
	}()
}

func (m *LeaderOnlyLockManager) NewClient() *LeaderOnlyClient {
	return &LeaderOnlyClient{manager: m, local: m.local.NewClient(), lockSessionID: InvalidLockTokenID}
}

// CheckLeader returns an error satisfying common.ErrNotLeader unless this
// member leads.
func (m *LeaderOnlyLockManager) CheckLeader() error {
	leader, err := m.locator.Leader()
	if err != nil {
		return notLeaderError{}
	}
	if leader != m.myself.ID {
		return notLeaderError{leader: leader}
	}
	return nil
}

// ensureHoldingToken returns the id of the token owned by this member,
// replicating a request for the next token if it does not own the current
// one. Concurrent callers share one request; each waits at most until its
// own ctx is done.
func (m *LeaderOnlyLockManager) ensureHoldingToken(ctx context.Context) (int64, error) {
	m.mu.Lock()
	current := m.tokens.CurrentToken()
	if current.ID != InvalidLockTokenID && current.Owner.ID == m.myself.ID {
		m.lockTokenID = current.ID
		m.mu.Unlock()
		return current.ID, nil
	}
	m.lockTokenID = InvalidLockTokenID
	request := m.pending
	if request == nil {
		request = &tokenRequest{done: make(chan struct{})}
		m.pending = request
		go m.requestToken(request, current.ID+1)
	}
	m.mu.Unlock()

	select {
	case <-request.done:
		return request.id, request.err
	case <-ctx.Done():
		return InvalidLockTokenID, fmt.Errorf("%w: waiting for lock token: %v", ErrAcquireLockTimeout, ctx.Err())
	}
}

func (m *LeaderOnlyLockManager) requestToken(request *tokenRequest, candidate int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.tokenTimeout)
	defer cancel()
	result, err := m.replicator.Replicate(ctx, replication.LockTokenRequest{Owner: m.myself, CandidateID: candidate})

	m.mu.Lock()
	defer m.mu.Unlock()
	request.id = InvalidLockTokenID
	switch accepted, _ := result.(bool); {
	case err != nil:
		request.err = fmt.Errorf("%w: requesting lock token %d: %v", ErrAcquireLockTimeout, candidate, err)
	case !accepted:
		request.err = fmt.Errorf("%w: lock token %d was granted to another member", ErrAcquireLockTimeout, candidate)
	default:
		log.Printf("%v: acquired lock token %d\n", m.myself.ID, candidate)
		request.id = candidate
		m.lockTokenID = candidate
	}
	m.pending = nil
	close(request.done)
}

// LockTokenID returns the token this member holds, InvalidLockTokenID if none.
func (m *LeaderOnlyLockManager) LockTokenID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockTokenID
}

// LeaderOnlyClient takes local locks after checking that this member
// leads and holds the lock token.
type LeaderOnlyClient struct {
	manager       *LeaderOnlyLockManager
	local         Client
	mu            sync.Mutex
	lockSessionID int64
}

var _ Client = &LeaderOnlyClient{}

func (c *LeaderOnlyClient) prepare(ctx context.Context) error {
	if err := c.manager.CheckLeader(); err != nil {
		return err
	}
	tokenID, err := c.manager.ensureHoldingToken(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lockSessionID = tokenID
	c.mu.Unlock()
	return nil
}

func (c *LeaderOnlyClient) AcquireExclusive(ctx context.Context, resourceType ResourceType, ids ...int64) error {
	if err := c.prepare(ctx); err != nil {
		return err
	}
	return c.local.AcquireExclusive(ctx, resourceType, ids...)
}

func (c *LeaderOnlyClient) AcquireShared(ctx context.Context, resourceType ResourceType, ids ...int64) error {
	if err := c.prepare(ctx); err != nil {
		return err
	}
	return c.local.AcquireShared(ctx, resourceType, ids...)
}

func (c *LeaderOnlyClient) ReleaseExclusive(resourceType ResourceType, ids ...int64) {
	c.local.ReleaseExclusive(resourceType, ids...)
}

func (c *LeaderOnlyClient) ReleaseShared(resourceType ResourceType, ids ...int64) {
	c.local.ReleaseShared(resourceType, ids...)
}

func (c *LeaderOnlyClient) Close() {
	c.local.Close()
}

// LockSessionID returns the token id the locks of this client were taken under.
func (c *LeaderOnlyClient) LockSessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockSessionID
}
