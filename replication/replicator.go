package replication

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sushantsondhi/raft-core/common"
)

const DefaultRetryTimeout = 500 * time.Millisecond

// Replicator replicates content and waits for the result of applying it.
type Replicator interface {
	Replicate(ctx context.Context, content Content) (interface{}, error)
}

// RaftReplicator proposes operations to the current leader and resends
// them until they are applied locally. Resending is safe because the
// apply side discards duplicates.
type RaftReplicator struct {
	me           common.CoreMember
	locator      common.LeaderLocator
	local        common.Inbound
	transport    common.Transport
	sessionPool  *LocalSessionPool
	progress     *ProgressTracker
	retryTimeout time.Duration
}

var _ Replicator = &RaftReplicator{}

func NewRaftReplicator(me common.CoreMember, locator common.LeaderLocator, local common.Inbound, transport common.Transport,
	sessionPool *LocalSessionPool, progress *ProgressTracker, retryTimeout time.Duration) *RaftReplicator {
	if retryTimeout <= 0 {
		retryTimeout = DefaultRetryTimeout
	}
	return &RaftReplicator{
		me:           me,
		locator:      locator,
		local:        local,
		transport:    transport,
		sessionPool:  sessionPool,
		progress:     progress,
		retryTimeout: retryTimeout,
	}
}

func (r *RaftReplicator) Replicate(ctx context.Context, content Content) (interface{}, error) {
	session := r.sessionPool.Acquire()
	defer r.sessionPool.Release(session)

	op := DistributedOperation{
		Session:     r.sessionPool.GlobalSession(),
		OperationID: session.NextOperationID(),
		Content:     content,
	}
	data, err := Marshal(op)
	if err != nil {
		return nil, err
	}
	progress := r.progress.Start(op)

	timer := time.NewTimer(r.retryTimeout)
	defer timer.Stop()
	for {
		r.send(data)
		select {
		case <-progress.Done():
			return progress.Result()
		case <-ctx.Done():
			r.progress.Abort(op)
			return nil, fmt.Errorf("replicating %v: %w", op, ctx.Err())
		case <-timer.C:
			timer.Reset(r.retryTimeout)
		}
	}
}

func (r *RaftReplicator) send(data []byte) {
	leader, err := r.locator.Leader()
	if err != nil {
		log.Printf("%v: cannot replicate yet: %+v\n", r.me.ID, err)
		return
	}
	msg := common.Message{Type: common.NewEntryRequest, From: r.me.ID, Content: data}
	if leader == r.me.ID {
		r.local.Deliver(msg)
		return
	}
	if err := r.transport.Send(leader, msg); err != nil {
		log.Printf("%v: sending proposal to %v: %+v\n", r.me.ID, leader, err)
	}
}
