package persistent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// ErrUnrecoverableState is returned when neither of the two state files
// holds a readable record. The member cannot safely recover its identity.
var ErrUnrecoverableState = errors.New("unrecoverable durable state: both state files are corrupt")

// recordHeaderSize is len(u32) + crc32(u32) + seq(u64)
const recordHeaderSize = 16

// DefaultRecordsPerFile is the number of records a state file holds
// before it is truncated and reused.
const DefaultRecordsPerFile = 1000

// StateMarshal converts a durable value to and from its record payload.
// Ordinal orders values: a later value must never have a smaller ordinal.
type StateMarshal[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
	Ordinal(v T) int64
	StartState() T
}

// StateStore persists a single value in two files (A and B) used in turn.
// Every Persist appends a record to the inactive file and flushes it, the
// file then becomes active. A torn write only ever damages the inactive
// file so the previous value survives in the active one.
type StateStore[T any] struct {
	mu             sync.Mutex
	marshal        StateMarshal[T]
	recordsPerFile int

	paths   [2]string
	files   [2]*os.File
	offsets [2]int64
	counts  [2]int
	// active is the file holding the current value, -1 before the first write
	active int
	seq    uint64
	value  T
}

type recoveredFile struct {
	valid    bool
	value    interface{}
	seq      uint64
	ordinal  int64
	count    int
	validLen int64
	size     int64
}

// RecoveryStatus reports which file recovery chose.
type RecoveryStatus struct {
	PreviouslyActive   string
	PreviouslyInactive string
}

// NewStateStore opens (creating if needed) dir/name.a and dir/name.b and
// recovers the last durable value.
func NewStateStore[T any](dir, name string, marshal StateMarshal[T], recordsPerFile int) (*StateStore[T], error) {
	if recordsPerFile <= 0 {
		recordsPerFile = DefaultRecordsPerFile
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	store := &StateStore[T]{
		marshal:        marshal,
		recordsPerFile: recordsPerFile,
		paths: [2]string{
			filepath.Join(dir, name+".a"),
			filepath.Join(dir, name+".b"),
		},
		active: -1,
	}
	for i, path := range store.paths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			store.closeFiles()
			return nil, err
		}
		store.files[i] = f
	}
	if _, err := store.recover(); err != nil {
		store.closeFiles()
		return nil, err
	}
	return store, nil
}

func (store *StateStore[T]) recover() (RecoveryStatus, error) {
	var recovered [2]recoveredFile
	for i := range store.files {
		r, err := store.readFile(store.files[i])
		if err != nil {
			return RecoveryStatus{}, fmt.Errorf("reading %s: %w", store.paths[i], err)
		}
		recovered[i] = r
	}

	a, b := recovered[0], recovered[1]
	switch {
	case !a.valid && !b.valid:
		if a.size > 0 && b.size > 0 {
			return RecoveryStatus{}, fmt.Errorf("%s, %s: %w", store.paths[0], store.paths[1], ErrUnrecoverableState)
		}
		store.active = -1
		store.value = store.marshal.StartState()
	case a.valid && !b.valid:
		store.active = 0
	case !a.valid && b.valid:
		store.active = 1
	default:
		if a.ordinal > b.ordinal || (a.ordinal == b.ordinal && a.seq > b.seq) {
			store.active = 0
		} else {
			store.active = 1
		}
	}
	if store.active >= 0 {
		store.value = recovered[store.active].value.(T)
	}

	for i := range store.files {
		// cut off any torn trailing record so that later appends are readable
		if recovered[i].size != recovered[i].validLen {
			log.Printf("%s: discarding %d trailing bytes\n", store.paths[i], recovered[i].size-recovered[i].validLen)
			if err := store.files[i].Truncate(recovered[i].validLen); err != nil {
				return RecoveryStatus{}, err
			}
			if err := store.files[i].Sync(); err != nil {
				return RecoveryStatus{}, err
			}
		}
		store.offsets[i] = recovered[i].validLen
		store.counts[i] = recovered[i].count
		if recovered[i].seq > store.seq {
			store.seq = recovered[i].seq
		}
	}

	status := RecoveryStatus{PreviouslyActive: store.paths[0], PreviouslyInactive: store.paths[1]}
	if store.active != 0 {
		status.PreviouslyActive, status.PreviouslyInactive = store.paths[1], store.paths[0]
	}
	return status, nil
}

// readFile reads records until the first short or corrupt one.
func (store *StateStore[T]) readFile(f *os.File) (recoveredFile, error) {
	var r recoveredFile
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return r, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return r, err
	}
	r.size = int64(len(data))
	offset := 0
	for len(data)-offset >= recordHeaderSize {
		length := int(binary.BigEndian.Uint32(data[offset:]))
		checksum := binary.BigEndian.Uint32(data[offset+4:])
		end := offset + recordHeaderSize + length
		if length < 0 || end > len(data) {
			break
		}
		if crc32.ChecksumIEEE(data[offset+8:end]) != checksum {
			break
		}
		value, err := store.marshal.Unmarshal(data[offset+recordHeaderSize : end])
		if err != nil {
			break
		}
		r.valid = true
		r.value = value
		r.seq = binary.BigEndian.Uint64(data[offset+8:])
		r.ordinal = store.marshal.Ordinal(value)
		r.count++
		offset = end
	}
	r.validLen = int64(offset)
	return r, nil
}

func encodeRecord(seq uint64, payload []byte) []byte {
	record := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(record, uint32(len(payload)))
	binary.BigEndian.PutUint64(record[8:], seq)
	copy(record[recordHeaderSize:], payload)
	binary.BigEndian.PutUint32(record[4:], crc32.ChecksumIEEE(record[8:]))
	return record
}

// Persist durably stores v. When Persist returns nil the value survives
// a crash; when it returns an error the previous value is still the
// recoverable one.
func (store *StateStore[T]) Persist(v T) error {
	payload, err := store.marshal.Marshal(v)
	if err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	target := 0
	if store.active == 0 {
		target = 1
	}
	f := store.files[target]
	if store.counts[target] >= store.recordsPerFile {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncating %s: %w", store.paths[target], err)
		}
		store.offsets[target] = 0
		store.counts[target] = 0
	}

	record := encodeRecord(store.seq+1, payload)
	if _, err := f.WriteAt(record, store.offsets[target]); err != nil {
		return fmt.Errorf("writing %s: %w", store.paths[target], err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flushing %s: %w", store.paths[target], err)
	}

	store.seq++
	store.offsets[target] += int64(len(record))
	store.counts[target]++
	store.active = target
	store.value = v
	return nil
}

// Value returns the last persisted (or recovered) value.
func (store *StateStore[T]) Value() T {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.value
}

func (store *StateStore[T]) closeFiles() error {
	var err error
	for i, f := range store.files {
		if f != nil {
			err = multierr.Append(err, f.Close())
			store.files[i] = nil
		}
	}
	return err
}

func (store *StateStore[T]) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.closeFiles()
}
