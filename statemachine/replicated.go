package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
)

// DefaultIDRangeLength is the number of ids acquired per allocation request.
const DefaultIDRangeLength = 128

// maxRangeAttempts bounds how often an acquirer retries after losing a
// range to another member.
const maxRangeAttempts = 10

// IDRange is a range of ids granted to this member.
type IDRange struct {
	Start  int64
	Length int32
}

// ReplicatedIDGenerator hands out cluster-unique ids. It acquires ranges
// through the log and serves ids from them until they run out.
type ReplicatedIDGenerator struct {
	myself      common.CoreMember
	replicator  replication.Replicator
	allocations *IDAllocationStateMachine
	rangeLength int32

	mu     sync.Mutex
	ranges map[replication.IDType]*IDRange
}

func NewReplicatedIDGenerator(myself common.CoreMember, replicator replication.Replicator,
	allocations *IDAllocationStateMachine, rangeLength int32) *ReplicatedIDGenerator {
	if rangeLength <= 0 {
		rangeLength = DefaultIDRangeLength
	}
	return &ReplicatedIDGenerator{
		myself:      myself,
		replicator:  replicator,
		allocations: allocations,
		rangeLength: rangeLength,
		ranges:      make(map[replication.IDType]*IDRange),
	}
}

// AcquireRange replicates requests for the next unallocated range of
// idType until one is granted to this member.
func (g *ReplicatedIDGenerator) AcquireRange(ctx context.Context, idType replication.IDType) (IDRange, error) {
	for attempt := 0; attempt < maxRangeAttempts; attempt++ {
		request := replication.IDAllocationRequest{
			Owner:       g.myself,
			IDType:      idType,
			RangeStart:  g.allocations.FirstUnallocated(idType),
			RangeLength: g.rangeLength,
		}
		result, err := g.replicator.Replicate(ctx, request)
		if err != nil {
			return IDRange{}, fmt.Errorf("acquiring %v ids from %d: %w", idType, request.RangeStart, err)
		}
		if granted, _ := result.(bool); granted {
			return IDRange{Start: request.RangeStart, Length: request.RangeLength}, nil
		}
	}
	return IDRange{}, fmt.Errorf("acquiring %v ids: lost %d races for a range", idType, maxRangeAttempts)
}

// NextID returns an id of idType no other member will hand out.
func (g *ReplicatedIDGenerator) NextID(ctx context.Context, idType replication.IDType) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current := g.ranges[idType]
	if current == nil || current.Length == 0 {
		acquired, err := g.AcquireRange(ctx, idType)
		if err != nil {
			return -1, err
		}
		current = &acquired
		g.ranges[idType] = current
	}
	id := current.Start
	current.Start++
	current.Length--
	return id, nil
}

// ReplicatedTokenHolder resolves token names of one type to ids, creating
// missing tokens through the log.
type ReplicatedTokenHolder struct {
	tokenType  replication.TokenType
	replicator replication.Replicator
	tokens     *TokenStateMachine
}

func NewReplicatedTokenHolder(tokenType replication.TokenType, replicator replication.Replicator, tokens *TokenStateMachine) *ReplicatedTokenHolder {
	return &ReplicatedTokenHolder{tokenType: tokenType, replicator: replicator, tokens: tokens}
}

func (h *ReplicatedTokenHolder) GetOrCreateID(ctx context.Context, name string) (int32, error) {
	if id, ok := h.tokens.TokenID(h.tokenType, name); ok {
		return id, nil
	}
	result, err := h.replicator.Replicate(ctx, replication.TokenRequest{Type: h.tokenType, Name: name, CommandBytes: []byte(name)})
	if err != nil {
		return -1, fmt.Errorf("creating token %q: %w", name, err)
	}
	id, ok := result.(int32)
	if !ok {
		return -1, fmt.Errorf("creating token %q: unexpected result %T", name, result)
	}
	return id, nil
}
