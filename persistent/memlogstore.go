package persistent

import (
	"fmt"
	"sync"

	"github.com/sushantsondhi/raft-core/common"
)

// MemLogStore is an in-memory raft log, used by tests and by members
// that do not need to survive restarts.
type MemLogStore struct {
	mu        sync.RWMutex
	entries   []common.LogEntry
	prevIndex int64
	prevTerm  int64
}

var _ common.RaftLog = &MemLogStore{}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{prevIndex: -1, prevTerm: -1}
}

func (s *MemLogStore) Append(entry common.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Index = s.prevIndex + int64(len(s.entries)) + 1
	s.entries = append(s.entries, entry)
	return entry.Index, nil
}

func (s *MemLogStore) TruncateAfter(index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.prevIndex {
		return fmt.Errorf("index %d precedes the start of the log (%d)", index, s.prevIndex)
	}
	if keep := index - s.prevIndex; keep < int64(len(s.entries)) {
		s.entries = s.entries[:keep]
	}
	return nil
}

func (s *MemLogStore) Skip(index, term int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.prevIndex+int64(len(s.entries)) {
		return nil
	}
	s.entries = nil
	s.prevIndex = index
	s.prevTerm = term
	return nil
}

func (s *MemLogStore) EntryAt(index int64) (*common.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := index - s.prevIndex - 1
	if offset < 0 || offset >= int64(len(s.entries)) {
		return nil, fmt.Errorf("index %d: %w", index, common.ErrNoSuchEntry)
	}
	entry := s.entries[offset]
	return &entry, nil
}

func (s *MemLogStore) ReadEntryTerm(index int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index == s.prevIndex {
		return s.prevTerm, nil
	}
	offset := index - s.prevIndex - 1
	if offset < 0 || offset >= int64(len(s.entries)) {
		return -1, nil
	}
	return s.entries[offset].Term, nil
}

func (s *MemLogStore) AppendIndex() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevIndex + int64(len(s.entries)), nil
}

func (s *MemLogStore) PrevIndex() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prevIndex, nil
}

func (s *MemLogStore) Close() error {
	return nil
}
