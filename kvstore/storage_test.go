package kvstore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raft-core/statemachine"
)

func encode(t *testing.T, request Request) []byte {
	data, err := json.Marshal(request)
	require.NoError(t, err)
	return data
}

func TestStorageApplyTransaction(t *testing.T) {
	storage, err := NewStorage(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer storage.Close()

	result, err := storage.ApplyTransaction(0, encode(t, Request{Type: Set, Key: "a", Val: "1", Revision: 7}))
	require.NoError(t, err)
	assert.Equal(t, Result{Revision: 7}, result)

	result, err = storage.ApplyTransaction(1, encode(t, Request{Type: Set, Key: "a", Val: "2", Revision: 8}))
	require.NoError(t, err)
	assert.Equal(t, Result{Previous: "1", Existed: true, Revision: 8}, result)
	revision, err := storage.Revision("a")
	require.NoError(t, err)
	assert.Equal(t, int64(8), revision)

	val, err := storage.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	_, err = storage.Get("b")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	result, err = storage.ApplyTransaction(2, encode(t, Request{Type: Delete, Key: "a", Revision: 9}))
	require.NoError(t, err)
	assert.Equal(t, Result{Previous: "2", Existed: true, Revision: 9}, result)
	_, err = storage.Get("a")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	_, err = storage.Revision("a")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	assert.Equal(t, int64(2), storage.AppliedIndex())
}

func TestStorageSkipsReplayedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	storage, err := NewStorage(path)
	require.NoError(t, err)
	_, err = storage.ApplyTransaction(0, encode(t, Request{Type: Set, Key: "a", Val: "1"}))
	require.NoError(t, err)
	_, err = storage.ApplyTransaction(1, encode(t, Request{Type: Set, Key: "a", Val: "2"}))
	require.NoError(t, err)

	storeID := storage.StoreID()
	require.NoError(t, storage.Close())

	storage, err = NewStorage(path)
	require.NoError(t, err)
	defer storage.Close()
	assert.Equal(t, int64(1), storage.AppliedIndex())
	assert.Equal(t, storeID, storage.StoreID())

	// the log is replayed from the start after a restart
	_, err = storage.ApplyTransaction(0, encode(t, Request{Type: Set, Key: "a", Val: "1"}))
	require.NoError(t, err)
	val, err := storage.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", val)
}

func TestStorageRejectsMalformedRequests(t *testing.T) {
	storage, err := NewStorage(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer storage.Close()

	_, err = storage.ApplyTransaction(0, []byte("not json"))
	assert.True(t, errors.Is(err, statemachine.ErrTransactionRejected))
	_, err = storage.ApplyTransaction(1, encode(t, Request{Type: Set}))
	assert.True(t, errors.Is(err, statemachine.ErrTransactionRejected))
	_, err = storage.ApplyTransaction(2, encode(t, Request{Type: RequestType(9), Key: "a"}))
	assert.True(t, errors.Is(err, statemachine.ErrTransactionRejected))
	assert.Equal(t, int64(-1), storage.AppliedIndex())
}
