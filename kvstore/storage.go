package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/raft-core/replication"
	"github.com/sushantsondhi/raft-core/statemachine"
)

var (
	kvBucketName       = []byte("kv")
	revisionBucketName = []byte("revisions")
	metaBucketName     = []byte("meta")

	appliedIndexKey = []byte("appliedIndex")
	storeIDKey      = []byte("storeId")
)

const storeVersion = 1

// ErrKeyNotFound is returned by Get for keys that were never set or were deleted.
var ErrKeyNotFound = errors.New("key does not exist")

type RequestType int

const (
	Set RequestType = iota
	Delete
)

// Request is the transaction format of the key value store. Revision is
// a cluster-unique id of the write.
type Request struct {
	Type     RequestType
	Key      string
	Val      string
	Revision int64
}

// Result is what applying a Request returns: the value the key held
// before and the revision of the write.
type Result struct {
	Previous string
	Existed  bool
	Revision int64
}

// Storage is the storage engine of the key value store. Values and the
// index of the last applied entry are updated in the same bolt
// transaction, so entries replayed after a restart are not applied twice.
type Storage struct {
	db      *bolt.DB
	storeID replication.StoreID
}

var _ statemachine.TransactionApplier = &Storage{}

func NewStorage(dataBaseFilePath string) (*Storage, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Storage{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{kvBucketName, revisionBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if val := meta.Get(storeIDKey); val != nil {
			return json.Unmarshal(val, &s.storeID)
		}
		// a store is created once, its id never changes afterwards
		now := time.Now().UnixNano()
		s.storeID = replication.StoreID{
			CreationTime: now,
			RandomID:     rand.New(rand.NewSource(now)).Int63(),
			StoreVersion: storeVersion,
		}
		val, err := json.Marshal(s.storeID)
		if err != nil {
			return err
		}
		return meta.Put(storeIDKey, val)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// StoreID identifies this store. Members of one cluster agree on the
// store id seeded first.
func (s *Storage) StoreID() replication.StoreID {
	return s.storeID
}

func indexToBytes(index int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(index))
	return b
}

func appliedIndexOf(tx *bolt.Tx) int64 {
	if val := tx.Bucket(metaBucketName).Get(appliedIndexKey); val != nil {
		return int64(binary.BigEndian.Uint64(val))
	}
	return -1
}

func (s *Storage) ApplyTransaction(index int64, txBytes []byte) (interface{}, error) {
	var request Request
	if err := json.Unmarshal(txBytes, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %v: %w", err, statemachine.ErrTransactionRejected)
	}
	if request.Key == "" {
		return nil, fmt.Errorf("empty key: %w", statemachine.ErrTransactionRejected)
	}

	result := Result{Revision: request.Revision}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if index <= appliedIndexOf(tx) {
			return nil
		}
		bucket := tx.Bucket(kvBucketName)
		revisions := tx.Bucket(revisionBucketName)
		if prev := bucket.Get([]byte(request.Key)); prev != nil {
			result.Previous, result.Existed = string(prev), true
		}
		switch request.Type {
		case Set:
			if err := bucket.Put([]byte(request.Key), []byte(request.Val)); err != nil {
				return err
			}
			if err := revisions.Put([]byte(request.Key), indexToBytes(request.Revision)); err != nil {
				return err
			}
		case Delete:
			if err := bucket.Delete([]byte(request.Key)); err != nil {
				return err
			}
			if err := revisions.Delete([]byte(request.Key)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("request type %d: %w", request.Type, statemachine.ErrTransactionRejected)
		}
		return tx.Bucket(metaBucketName).Put(appliedIndexKey, indexToBytes(index))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Storage) Get(key string) (string, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(kvBucketName).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return string(val), err
}

// Revision returns the revision of the write that set key.
func (s *Storage) Revision(key string) (int64, error) {
	revision := int64(-1)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(revisionBucketName).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		revision = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return revision, err
}

// AppliedIndex returns the index of the last transaction written to storage.
func (s *Storage) AppliedIndex() int64 {
	index := int64(-1)
	s.db.View(func(tx *bolt.Tx) error {
		index = appliedIndexOf(tx)
		return nil
	})
	return index
}

func (s *Storage) Close() error {
	return s.db.Close()
}
