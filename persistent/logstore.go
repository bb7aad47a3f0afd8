package persistent

// Bolt is a pure Go key/value store that don't require a full database server such as Postgres or MySQL
import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/raft-core/common"
)

var (
	logsBucketName = []byte("logs")
	metaBucketName = []byte("meta")

	prevIndexKey = []byte("prevIndex")
	prevTermKey  = []byte("prevTerm")
)

// DbLogStore is a raft log backed by a Bolt DB. Every mutation is a
// separate bolt transaction, which is fsynced before Update returns.
type DbLogStore struct {
	db *bolt.DB
}

var _ common.RaftLog = DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (DbLogStore, error) {
	// Open the .db data file.
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbLogStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucketName); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if meta.Get(prevIndexKey) == nil {
			if err := meta.Put(prevIndexKey, int64ToBytes(-1)); err != nil {
				return err
			}
			return meta.Put(prevTermKey, int64ToBytes(-1))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return DbLogStore{}, err
	}

	return DbLogStore{
		db: db,
	}, nil
}

func prevOf(tx *bolt.Tx) (index, term int64) {
	meta := tx.Bucket(metaBucketName)
	return bytesToInt64(meta.Get(prevIndexKey)), bytesToInt64(meta.Get(prevTermKey))
}

func appendIndexOf(tx *bolt.Tx) int64 {
	if k, _ := tx.Bucket(logsBucketName).Cursor().Last(); k != nil {
		return bytesToInt64(k)
	}
	prevIndex, _ := prevOf(tx)
	return prevIndex
}

func (d DbLogStore) Append(entry common.LogEntry) (int64, error) {
	var index int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		index = appendIndexOf(tx) + 1
		entry.Index = index
		val, err := EncodeToBytes(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(logsBucketName).Put(int64ToBytes(index), val)
	})
	return index, err
}

func (d DbLogStore) TruncateAfter(index int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if prevIndex, _ := prevOf(tx); index < prevIndex {
			return fmt.Errorf("[TruncateAfter]: index %d precedes the start of the log (%d)", index, prevIndex)
		}
		bucket := tx.Bucket(logsBucketName)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(int64ToBytes(index + 1)); k != nil; k, _ = c.Next() {
			keys = append(keys, k)
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d DbLogStore) Skip(index, term int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if index <= appendIndexOf(tx) {
			return nil
		}
		if err := tx.DeleteBucket(logsBucketName); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(logsBucketName); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucketName)
		if err := meta.Put(prevIndexKey, int64ToBytes(index)); err != nil {
			return err
		}
		return meta.Put(prevTermKey, int64ToBytes(term))
	})
}

func (d DbLogStore) EntryAt(index int64) (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return fmt.Errorf("[EntryAt]: index %d: %w", index, common.ErrNoSuchEntry)
		}
		var err error
		entry, err = DecodeToLogEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d DbLogStore) ReadEntryTerm(index int64) (int64, error) {
	term := int64(-1)
	err := d.db.View(func(tx *bolt.Tx) error {
		if prevIndex, prevTerm := prevOf(tx); index == prevIndex {
			term = prevTerm
			return nil
		}
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return nil
		}
		entry, err := DecodeToLogEntry(val)
		if err != nil {
			return err
		}
		term = entry.Term
		return nil
	})
	return term, err
}

func (d DbLogStore) AppendIndex() (int64, error) {
	var index int64
	err := d.db.View(func(tx *bolt.Tx) error {
		index = appendIndexOf(tx)
		return nil
	})
	return index, err
}

func (d DbLogStore) PrevIndex() (int64, error) {
	var index int64
	err := d.db.View(func(tx *bolt.Tx) error {
		index, _ = prevOf(tx)
		return nil
	})
	return index, err
}

func (d DbLogStore) Close() error {
	return d.db.Close()
}
