package raft

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
)

// applier feeds committed entries to the apply callback, in index order
// and exactly once per entry for the lifetime of the instance.
type applier struct {
	myself     uuid.UUID
	raftLog    common.ReadableLog
	callback   common.ApplyCallback
	clock      Clock
	retryDelay time.Duration
	onFatal    func(error)

	commitIndex atomic.Int64
	lastApplied atomic.Int64

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newApplier(myself uuid.UUID, raftLog common.ReadableLog, callback common.ApplyCallback,
	clock Clock, retryDelay time.Duration, onFatal func(error)) *applier {
	a := &applier{
		myself:     myself,
		raftLog:    raftLog,
		callback:   callback,
		clock:      clock,
		retryDelay: retryDelay,
		onFatal:    onFatal,
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	a.commitIndex.Store(-1)
	a.lastApplied.Store(-1)
	return a
}

// notify raises the commit index, it never blocks.
func (a *applier) notify(commitIndex int64) {
	if commitIndex <= a.commitIndex.Load() {
		return
	}
	a.commitIndex.Store(commitIndex)
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

func (a *applier) run() {
	defer close(a.doneCh)
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.notifyCh:
		}
		for a.lastApplied.Load() < a.commitIndex.Load() {
			index := a.lastApplied.Load() + 1
			err := a.apply(index)
			if err == nil {
				a.lastApplied.Store(index)
				continue
			}
			if !errors.Is(err, common.ErrRetryableApply) {
				a.onFatal(fmt.Errorf("applying entry %d: %w", index, err))
				return
			}
			log.Printf("%v: applying entry %d failed, retrying: %+v\n", a.myself, index, err)
			if !a.sleep() {
				return
			}
		}
	}
}

func (a *applier) apply(index int64) error {
	entry, err := a.raftLog.EntryAt(index)
	if err != nil {
		// the entry is committed so it must be readable eventually
		return fmt.Errorf("%v: %w", err, common.ErrRetryableApply)
	}
	return a.callback.Apply(*entry)
}

func (a *applier) sleep() bool {
	timer := a.clock.NewTimer(a.retryDelay)
	defer timer.Stop()
	select {
	case <-a.stopCh:
		return false
	case <-timer.C():
		return true
	}
}

func (a *applier) stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.doneCh
}
