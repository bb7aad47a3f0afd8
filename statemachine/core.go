package statemachine

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
	"go.uber.org/atomic"
)

// LockTokenStateMachine decides lock token requests in log order.
type LockTokenStateMachine interface {
	LockTokens
	Apply(index int64, request replication.LockTokenRequest) bool
}

// CoreStateMachines is the apply callback of a core member. It decodes
// every committed entry, discards operations that were already applied
// and dispatches the rest to the state machine for their content.
type CoreStateMachines struct {
	myself       uuid.UUID
	sessions     *replication.SessionTracker
	progress     *replication.ProgressTracker
	transactions *ReplicatedTransactionStateMachine
	ids          *IDAllocationStateMachine
	tokens       *TokenStateMachine
	lockTokens   LockTokenStateMachine

	storeIDMu sync.RWMutex
	storeID   *replication.StoreID

	lastApplied atomic.Int64
	skipped     atomic.Int64
}

var _ common.ApplyCallback = &CoreStateMachines{}

func NewCoreStateMachines(
	myself uuid.UUID,
	sessions *replication.SessionTracker,
	progress *replication.ProgressTracker,
	lockTokens LockTokenStateMachine,
	storage TransactionApplier,
) *CoreStateMachines {
	c := &CoreStateMachines{
		myself:       myself,
		sessions:     sessions,
		progress:     progress,
		transactions: NewReplicatedTransactionStateMachine(lockTokens, storage),
		ids:          NewIDAllocationStateMachine(),
		tokens:       NewTokenStateMachine(),
		lockTokens:   lockTokens,
	}
	c.lastApplied.Store(-1)
	return c
}

func (c *CoreStateMachines) Apply(entry common.LogEntry) error {
	if len(entry.Data) == 0 {
		c.lastApplied.Store(entry.Index)
		return nil
	}
	content, err := replication.Unmarshal(entry.Data)
	if err != nil {
		log.Printf("%v: skipping undecodable entry %d: %+v\n", c.myself, entry.Index, err)
		c.skipped.Inc()
		c.lastApplied.Store(entry.Index)
		return nil
	}

	op, ok := content.(replication.DistributedOperation)
	if !ok {
		if _, err := c.dispatch(entry.Index, content); err != nil && !isOperationError(err) {
			return err
		}
		c.lastApplied.Store(entry.Index)
		return nil
	}

	if !c.sessions.Validate(op.Session, op.OperationID) {
		// a resubmission; its originator may still be waiting for the result
		if result, opErr, ok := c.sessions.LastResult(op.Session, op.OperationID); ok {
			c.progress.TrackResult(op, result, opErr)
		}
		c.lastApplied.Store(entry.Index)
		return nil
	}
	result, err := c.dispatch(entry.Index, op.Content)
	if err != nil && !isOperationError(err) {
		return fmt.Errorf("applying entry %d: %w", entry.Index, err)
	}
	c.sessions.Update(op.Session, op.OperationID, result, err)
	c.progress.TrackResult(op, result, err)
	c.lastApplied.Store(entry.Index)
	return nil
}

func (c *CoreStateMachines) dispatch(index int64, content replication.Content) (interface{}, error) {
	switch content := content.(type) {
	case replication.NoOp:
		return nil, nil
	case replication.Transaction:
		return c.transactions.Apply(index, content)
	case replication.IDAllocationRequest:
		return c.ids.Apply(index, content), nil
	case replication.TokenRequest:
		return c.tokens.Apply(content), nil
	case replication.MemberSet:
		// membership is tracked by raft itself
		return nil, nil
	case replication.SeedStoreID:
		return c.seedStoreID(content.StoreID), nil
	case replication.LockTokenRequest:
		return c.lockTokens.Apply(index, content), nil
	default:
		log.Printf("%v: entry %d has unexpected content %v\n", c.myself, index, content.Tag())
		return nil, nil
	}
}

// seedStoreID records the first proposed store id and reports whether
// storeID is the one in effect.
func (c *CoreStateMachines) seedStoreID(storeID replication.StoreID) bool {
	c.storeIDMu.Lock()
	defer c.storeIDMu.Unlock()
	if c.storeID == nil {
		c.storeID = &storeID
		return true
	}
	return *c.storeID == storeID
}

func (c *CoreStateMachines) StoreID() (replication.StoreID, bool) {
	c.storeIDMu.RLock()
	defer c.storeIDMu.RUnlock()
	if c.storeID == nil {
		return replication.StoreID{}, false
	}
	return *c.storeID, true
}

// OwnerOf returns the member that was granted id.
func (c *CoreStateMachines) OwnerOf(idType replication.IDType, id int64) (common.CoreMember, bool) {
	return c.ids.OwnerOf(idType, id)
}

func (c *CoreStateMachines) IDAllocation() *IDAllocationStateMachine {
	return c.ids
}

func (c *CoreStateMachines) Tokens() *TokenStateMachine {
	return c.tokens
}

// LastApplied returns the index of the last entry handled.
func (c *CoreStateMachines) LastApplied() int64 {
	return c.lastApplied.Load()
}

// Skipped returns the number of entries that could not be decoded.
func (c *CoreStateMachines) Skipped() int64 {
	return c.skipped.Load()
}
