package statemachine

import (
	"sync"

	"github.com/sushantsondhi/raft-core/replication"
)

// TokenStateMachine assigns ids to token names, per token type, in the
// order the requests are committed. Requesting an existing name returns
// its id.
type TokenStateMachine struct {
	mu     sync.RWMutex
	tokens map[replication.TokenType]map[string]int32
	// commands holds the storage commands that created each token
	commands map[replication.TokenType][][]byte
}

func NewTokenStateMachine() *TokenStateMachine {
	return &TokenStateMachine{
		tokens:   make(map[replication.TokenType]map[string]int32),
		commands: make(map[replication.TokenType][][]byte),
	}
}

func (m *TokenStateMachine) Apply(request replication.TokenRequest) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.tokens[request.Type]
	if byName == nil {
		byName = make(map[string]int32)
		m.tokens[request.Type] = byName
	}
	if id, ok := byName[request.Name]; ok {
		return id
	}
	id := int32(len(byName))
	byName[request.Name] = id
	m.commands[request.Type] = append(m.commands[request.Type], request.CommandBytes)
	return id
}

func (m *TokenStateMachine) TokenID(tokenType replication.TokenType, name string) (int32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[tokenType][name]
	return id, ok
}

func (m *TokenStateMachine) Count(tokenType replication.TokenType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens[tokenType])
}
