package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAcquireLockTimeout is returned when a lock could not be acquired in time.
var ErrAcquireLockTimeout = errors.New("could not acquire lock in time")

// ErrClientClosed is returned by a client after Close.
var ErrClientClosed = errors.New("lock client is closed")

type ResourceType int

const (
	NodeResource ResourceType = iota
	RelationshipResource
	SchemaResource
	KeyResource
)

type resource struct {
	resourceType ResourceType
	id           int64
}

type lockState struct {
	exclusive      *localClient
	exclusiveCount int
	shared         map[*localClient]int
}

// Client takes locks on behalf of one transaction. Locks are reentrant
// and held until released or the client is closed.
type Client interface {
	AcquireExclusive(ctx context.Context, resourceType ResourceType, ids ...int64) error
	AcquireShared(ctx context.Context, resourceType ResourceType, ids ...int64) error
	ReleaseExclusive(resourceType ResourceType, ids ...int64)
	ReleaseShared(resourceType ResourceType, ids ...int64)
	Close()
}

// Locks is the lock manager of one member. Waiters are woken whenever a
// lock is released and give up when their context is done.
type Locks struct {
	mu      sync.Mutex
	locks   map[resource]*lockState
	changed chan struct{}
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[resource]*lockState), changed: make(chan struct{})}
}

func (l *Locks) NewClient() Client {
	return &localClient{locks: l}
}

// broadcast wakes all waiters, l.mu must be held.
func (l *Locks) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Locks) state(res resource) *lockState {
	s := l.locks[res]
	if s == nil {
		s = &lockState{shared: make(map[*localClient]int)}
		l.locks[res] = s
	}
	return s
}

func (l *Locks) tryExclusive(c *localClient, res resource) bool {
	s := l.state(res)
	if s.exclusive != nil && s.exclusive != c {
		return false
	}
	for holder := range s.shared {
		if holder != c {
			return false
		}
	}
	s.exclusive = c
	s.exclusiveCount++
	return true
}

func (l *Locks) tryShared(c *localClient, res resource) bool {
	s := l.state(res)
	if s.exclusive != nil && s.exclusive != c {
		return false
	}
	s.shared[c]++
	return true
}

func (l *Locks) acquire(ctx context.Context, c *localClient, res resource, try func(*localClient, resource) bool) error {
	for {
		l.mu.Lock()
		if c.closed {
			l.mu.Unlock()
			return ErrClientClosed
		}
		if try(c, res) {
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: resource %v/%d: %v", ErrAcquireLockTimeout, res.resourceType, res.id, ctx.Err())
		}
	}
}

func (l *Locks) releaseExclusive(c *localClient, res resource) {
	s := l.locks[res]
	if s == nil || s.exclusive != c {
		return
	}
	s.exclusiveCount--
	if s.exclusiveCount == 0 {
		s.exclusive = nil
	}
	l.cleanup(res, s)
}

func (l *Locks) releaseShared(c *localClient, res resource) {
	s := l.locks[res]
	if s == nil || s.shared[c] == 0 {
		return
	}
	s.shared[c]--
	if s.shared[c] == 0 {
		delete(s.shared, c)
	}
	l.cleanup(res, s)
}

func (l *Locks) cleanup(res resource, s *lockState) {
	if s.exclusive == nil && len(s.shared) == 0 {
		delete(l.locks, res)
	}
	l.broadcast()
}

// LockCount returns the number of locked resources.
func (l *Locks) LockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type localClient struct {
	locks  *Locks
	closed bool
}

func (c *localClient) acquireAll(ctx context.Context, resourceType ResourceType, ids []int64,
	try func(*localClient, resource) bool, release func(*localClient, resource)) error {
	for i, id := range ids {
		if err := c.locks.acquire(ctx, c, resource{resourceType, id}, try); err != nil {
			c.locks.mu.Lock()
			for _, acquired := range ids[:i] {
				release(c, resource{resourceType, acquired})
			}
			c.locks.mu.Unlock()
			return err
		}
	}
	return nil
}

func (c *localClient) AcquireExclusive(ctx context.Context, resourceType ResourceType, ids ...int64) error {
	return c.acquireAll(ctx, resourceType, ids, c.locks.tryExclusive, c.locks.releaseExclusive)
}

func (c *localClient) AcquireShared(ctx context.Context, resourceType ResourceType, ids ...int64) error {
	return c.acquireAll(ctx, resourceType, ids, c.locks.tryShared, c.locks.releaseShared)
}

func (c *localClient) ReleaseExclusive(resourceType ResourceType, ids ...int64) {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	for _, id := range ids {
		c.locks.releaseExclusive(c, resource{resourceType, id})
	}
}

func (c *localClient) ReleaseShared(resourceType ResourceType, ids ...int64) {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	for _, id := range ids {
		c.locks.releaseShared(c, resource{resourceType, id})
	}
}

// Close releases every lock held by the client.
func (c *localClient) Close() {
	l := c.locks
	l.mu.Lock()
	defer l.mu.Unlock()
	c.closed = true
	for res, s := range l.locks {
		if s.exclusive == c {
			s.exclusive = nil
			s.exclusiveCount = 0
		}
		delete(s.shared, c)
		if s.exclusive == nil && len(s.shared) == 0 {
			delete(l.locks, res)
		}
	}
	l.broadcast()
}
