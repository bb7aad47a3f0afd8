package statemachine

import (
	"errors"
	"fmt"

	"github.com/sushantsondhi/raft-core/replication"
)

// ErrLockSessionInvalid rejects a transaction prepared under a lock token
// that is no longer current.
var ErrLockSessionInvalid = errors.New("transaction lock session is no longer valid")

// ErrTransactionRejected may be wrapped by a TransactionApplier to reject
// a single transaction. Any other error is a failure of the storage engine.
var ErrTransactionRejected = errors.New("transaction rejected")

// TransactionApplier is the storage engine applying committed transactions.
type TransactionApplier interface {
	ApplyTransaction(index int64, txBytes []byte) (interface{}, error)
}

// LockTokens exposes the id of the currently committed lock token.
type LockTokens interface {
	CurrentTokenID() int64
}

// ReplicatedTransactionStateMachine hands committed transactions to the
// storage engine if their lock session is still valid.
type ReplicatedTransactionStateMachine struct {
	tokens  LockTokens
	storage TransactionApplier
}

func NewReplicatedTransactionStateMachine(tokens LockTokens, storage TransactionApplier) *ReplicatedTransactionStateMachine {
	return &ReplicatedTransactionStateMachine{tokens: tokens, storage: storage}
}

// Apply hands the transaction to the storage engine. Errors wrapping
// ErrLockSessionInvalid or ErrTransactionRejected concern the transaction
// alone, any other error is a storage failure.
func (m *ReplicatedTransactionStateMachine) Apply(index int64, tx replication.Transaction) (interface{}, error) {
	if current := m.tokens.CurrentTokenID(); tx.LockSessionID != current {
		return nil, fmt.Errorf("lock session %d, current token %d: %w", tx.LockSessionID, current, ErrLockSessionInvalid)
	}
	return m.storage.ApplyTransaction(index, tx.TxBytes)
}

// isOperationError reports whether err rejects one operation rather than
// signalling a storage failure.
func isOperationError(err error) bool {
	return errors.Is(err, ErrLockSessionInvalid) || errors.Is(err, ErrTransactionRejected)
}
