package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sushantsondhi/raft-core/locks"
	"github.com/sushantsondhi/raft-core/replication"
	"github.com/sushantsondhi/raft-core/statemachine"
)

// RevisionIDType is the id type revisions are allocated from.
const RevisionIDType = replication.PropertyID

// KeyTokenType is the token type naming keys.
const KeyTokenType = replication.PropertyKeyToken

// LockManager hands out clients that lock on the leader only.
type LockManager interface {
	CheckLeader() error
	NewClient() *locks.LeaderOnlyClient
}

// KeyTokens resolves a key to the id its lock is taken on.
type KeyTokens interface {
	GetOrCreateID(ctx context.Context, name string) (int32, error)
}

// IDGenerator hands out cluster-unique ids.
type IDGenerator interface {
	NextID(ctx context.Context, idType replication.IDType) (int64, error)
}

// Store is the key value store of one member. Writes lock their key,
// then replicate a transaction under the lock session; reads are served
// from local storage and may be stale on followers.
type Store struct {
	locks      LockManager
	replicator replication.Replicator
	storage    *Storage
	keys       KeyTokens
	ids        IDGenerator
}

func NewStore(lockManager LockManager, replicator replication.Replicator, storage *Storage, keys KeyTokens, ids IDGenerator) *Store {
	return &Store{locks: lockManager, replicator: replicator, storage: storage, keys: keys, ids: ids}
}

func (s *Store) write(ctx context.Context, request Request) (Result, error) {
	if request.Key == "" {
		return Result{}, fmt.Errorf("empty key: %w", statemachine.ErrTransactionRejected)
	}
	// followers fail before anything is replicated on their behalf
	if err := s.locks.CheckLeader(); err != nil {
		return Result{}, err
	}
	keyID, err := s.keys.GetOrCreateID(ctx, request.Key)
	if err != nil {
		return Result{}, err
	}
	client := s.locks.NewClient()
	defer client.Close()
	if err := client.AcquireExclusive(ctx, locks.KeyResource, int64(keyID)); err != nil {
		return Result{}, err
	}
	if request.Revision, err = s.ids.NextID(ctx, RevisionIDType); err != nil {
		return Result{}, err
	}
	txBytes, err := json.Marshal(request)
	if err != nil {
		return Result{}, err
	}
	res, err := s.replicator.Replicate(ctx, replication.Transaction{LockSessionID: client.LockSessionID(), TxBytes: txBytes})
	if err != nil {
		return Result{}, err
	}
	result, ok := res.(Result)
	if !ok {
		return Result{}, fmt.Errorf("unexpected transaction result %T", res)
	}
	return result, nil
}

// Set returns what key held before.
func (s *Store) Set(ctx context.Context, key, val string) (Result, error) {
	return s.write(ctx, Request{Type: Set, Key: key, Val: val})
}

func (s *Store) Delete(ctx context.Context, key string) (Result, error) {
	return s.write(ctx, Request{Type: Delete, Key: key})
}

func (s *Store) Get(key string) (string, error) {
	return s.storage.Get(key)
}

// Revision returns the revision of the write that set key.
func (s *Store) Revision(key string) (int64, error) {
	return s.storage.Revision(key)
}
