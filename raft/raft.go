package raft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ErrFatal is returned once the instance has halted after a failure it
// cannot recover from, such as a failed durable write.
var ErrFatal = errors.New("raft instance halted")

// ErrStopped is returned by operations on a stopped instance.
var ErrStopped = errors.New("raft instance stopped")

type proposalResult struct {
	index int64
	err   error
}

type proposal struct {
	content []byte
	result  chan proposalResult
}

// Status is a snapshot of the externally visible state of an instance.
type Status struct {
	ID          uuid.UUID `json:"id"`
	Role        string    `json:"role"`
	Term        int64     `json:"term"`
	Leader      uuid.UUID `json:"leader"`
	CommitIndex int64     `json:"commitIndex"`
	LastApplied int64     `json:"lastApplied"`
	AppendIndex int64     `json:"appendIndex"`
}

// Instance runs the raft protocol for one member. A single goroutine
// owns the raft state: it handles inbound messages and timer events one
// at a time and carries out the resulting outcome before the next one.
type Instance struct {
	me        common.CoreMember
	cluster   common.ClusterConfig
	options   Options
	raftLog   common.RaftLog
	stores    *DurableStores
	transport common.Transport
	codec     MembershipCodec

	// owned by the run goroutine
	state         *State
	shippers      map[uuid.UUID]*LogShipper
	renewElection bool

	applier      *applier
	inbound      chan common.Message
	proposals    chan proposal
	leaderEvents chan leaderEvent
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
	started      atomic.Bool

	term    atomic.Int64
	role    atomic.Int32
	leader  atomic.Value
	members atomic.Value
	fatal   atomic.Error

	listenersMu sync.Mutex
	listeners   []common.LeaderListener
}

type leaderEvent struct {
	leader uuid.UUID
	term   int64
}

var _ common.Inbound = &Instance{}
var _ common.LeaderLocator = &Instance{}

// NewInstance recovers the durable state of me and prepares it to join
// the cluster. Nothing runs until Start.
func NewInstance(
	me common.CoreMember,
	cluster common.ClusterConfig,
	raftLog common.RaftLog,
	stores *DurableStores,
	transport common.Transport,
	callback common.ApplyCallback,
	codec MembershipCodec,
	options Options,
) (*Instance, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults(cluster)

	term := stores.getTerm()
	votedFor := stores.getVotedFor(term)
	index, members := stores.getMembership()
	if len(members) == 0 {
		index, members = -1, cluster.Cluster
	}
	membership := NewMembership(index, members)

	r := &Instance{
		me:           me,
		cluster:      cluster,
		options:      options,
		raftLog:      raftLog,
		stores:       stores,
		transport:    transport,
		codec:        codec,
		shippers:     make(map[uuid.UUID]*LogShipper),
		inbound:      make(chan common.Message, 1024),
		proposals:    make(chan proposal),
		leaderEvents: make(chan leaderEvent, 64),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if err := r.replayMembership(membership, index); err != nil {
		return nil, err
	}
	r.state = NewState(me.ID, term, votedFor, membership)
	r.state.Codec = codec
	r.applier = newApplier(me.ID, raftLog, callback, options.Clock, options.ApplyRetryDelay, r.fail)

	r.term.Store(term)
	r.role.Store(int32(Follower))
	r.leader.Store(uuid.Nil)
	r.members.Store(membership.Members())
	log.Printf("%v: recovered term %d, vote %v, %d members\n", me.ID, term, votedFor, len(members))
	return r, nil
}

// replayMembership re-reads member sets appended after the last committed one.
func (r *Instance) replayMembership(membership *Membership, committedIndex int64) error {
	prevIndex, err := r.raftLog.PrevIndex()
	if err != nil {
		return err
	}
	appendIndex, err := r.raftLog.AppendIndex()
	if err != nil {
		return err
	}
	from := committedIndex + 1
	if from <= prevIndex {
		from = prevIndex + 1
	}
	for index := from; index <= appendIndex; index++ {
		entry, err := r.raftLog.EntryAt(index)
		if err != nil {
			return err
		}
		if members, ok := r.memberSetOf(entry.Data); ok {
			membership.Append(index, members)
		}
	}
	return nil
}

func (r *Instance) memberSetOf(data []byte) ([]common.CoreMember, bool) {
	if r.codec == nil || len(data) == 0 {
		return nil, false
	}
	return r.codec.MemberSetOf(data)
}

// Start runs the instance until Stop or a fatal failure.
func (r *Instance) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.applier.run()
		go r.notifyLeaderListeners()
		go r.run()
		log.Printf("Initialization complete for server %v\n", r.me.ID)
	})
}

func (r *Instance) run() {
	defer close(r.doneCh)
	clock := r.options.Clock
	electionTimer := clock.NewTimer(randomTimeout(r.cluster.ElectionTimeout))
	heartbeatTimer := clock.NewTimer(r.cluster.HeartBeatTimeout)
	defer func() {
		electionTimer.Stop()
		heartbeatTimer.Stop()
		r.stopShippers()
		r.applier.stop()
	}()

	for {
		select {
		case <-r.stopCh:
			return
		case msg := <-r.inbound:
			r.step(msg)
		case p := <-r.proposals:
			r.propose(p)
		case <-electionTimer.C():
			r.renewElection = true
			r.step(common.Message{Type: common.ElectionTimeout, From: r.me.ID})
		case <-heartbeatTimer.C():
			heartbeatTimer.Reset(r.cluster.HeartBeatTimeout)
			r.step(common.Message{Type: common.HeartbeatTimeout, From: r.me.ID})
		}
		if r.renewElection {
			r.renewElection = false
			electionTimer.Reset(randomTimeout(r.cluster.ElectionTimeout))
		}
	}
}

// step handles msg and returns the index of the last entry it appended, -1 if none.
func (r *Instance) step(msg common.Message) int64 {
	out, err := Handle(r.state, msg, r.raftLog)
	if err != nil {
		log.Printf("%v: dropping %v: %+v\n", r.me.ID, msg, err)
		return -1
	}
	lastAppended, err := r.applyOutcome(out)
	if err != nil {
		r.fail(err)
		return -1
	}
	return lastAppended
}

func (r *Instance) propose(p proposal) {
	if r.state.Role != Leader {
		p.result <- proposalResult{index: -1, err: common.ErrNotLeader}
		return
	}
	index := r.step(common.Message{Type: common.NewEntryRequest, From: r.me.ID, Content: p.content})
	if index < 0 {
		p.result <- proposalResult{index: -1, err: fmt.Errorf("entry was not appended")}
		return
	}
	p.result <- proposalResult{index: index}
}

// applyOutcome carries out out: durable state first, then the log, then
// everything that may reveal the new state to others.
func (r *Instance) applyOutcome(out *Outcome) (int64, error) {
	st := r.state
	if out.Term != st.Term {
		if err := r.stores.setTerm(out.Term); err != nil {
			return -1, fmt.Errorf("persisting term %d: %w", out.Term, err)
		}
	}
	if out.Term != st.Term || out.VotedFor != st.VotedFor {
		if err := r.stores.setVotedFor(out.Term, out.VotedFor); err != nil {
			return -1, fmt.Errorf("persisting vote for %v in term %d: %w", out.VotedFor, out.Term, err)
		}
	}

	lastAppended := int64(-1)
	membershipChanged := false
	for _, cmd := range out.LogCommands {
		switch cmd.Kind {
		case AppendLogEntry:
			index, err := r.raftLog.Append(cmd.Entry)
			if err != nil {
				return -1, fmt.Errorf("appending entry %d: %w", cmd.Entry.Index, err)
			}
			if index != cmd.Entry.Index {
				return -1, fmt.Errorf("entry appended at %d, expected %d", index, cmd.Entry.Index)
			}
			if members, ok := r.memberSetOf(cmd.Entry.Data); ok {
				log.Printf("%v: member set of %d members appended at %d\n", r.me.ID, len(members), index)
				st.Membership.Append(index, members)
				membershipChanged = true
			}
			lastAppended = index
		case TruncateLog:
			log.Printf("%v: truncating log from %d\n", r.me.ID, cmd.FromIndex)
			if err := r.raftLog.TruncateAfter(cmd.FromIndex - 1); err != nil {
				return -1, fmt.Errorf("truncating log from %d: %w", cmd.FromIndex, err)
			}
			st.Membership.TruncateFrom(cmd.FromIndex)
			membershipChanged = true
		}
	}

	prevRole, prevLeader, prevCommit := st.Role, st.Leader, st.LeaderCommit
	st.Term = out.Term
	st.VotedFor = out.VotedFor
	st.Role = out.Role
	st.Leader = out.Leader
	st.LeaderCommit = out.LeaderCommit
	st.VotesForMe = out.VotesForMe
	st.HeartbeatResponders = out.HeartbeatResponders
	st.FollowerStates = out.FollowerStates
	if prevRole != st.Role {
		log.Printf("%v: %v -> %v in term %d\n", r.me.ID, prevRole, st.Role, st.Term)
	}

	switch {
	case st.Role == Leader && (prevRole != Leader || membershipChanged):
		r.reconcileShippers()
	case st.Role != Leader && prevRole == Leader:
		r.stopShippers()
	}

	for _, d := range out.Messages {
		if err := r.transport.Send(d.To, d.Message); err != nil {
			log.Printf("%v: sending %v to %v: %+v\n", r.me.ID, d.Message.Type, d.To, err)
		}
	}

	if st.Role == Leader {
		ctx := LeaderContext{Term: st.Term, CommitIndex: st.LeaderCommit}
		for _, cmd := range out.ShipCommands {
			switch cmd.Kind {
			case ShipMatch, ShipMismatch:
				if shipper, ok := r.shippers[cmd.Target]; ok {
					shipper.Offer(cmd, ctx)
				}
			default:
				for _, shipper := range r.shippers {
					shipper.Offer(cmd, ctx)
				}
			}
		}
	}

	if st.LeaderCommit > prevCommit {
		r.applier.notify(st.LeaderCommit)
		if index, members, moved := st.Membership.Compact(st.LeaderCommit); moved {
			if err := r.stores.setMembership(index, members); err != nil {
				return -1, fmt.Errorf("persisting member set of %d: %w", index, err)
			}
			log.Printf("%v: member set of %d committed\n", r.me.ID, index)
		}
	}
	if membershipChanged {
		r.members.Store(st.Membership.Members())
	}

	if out.RenewElectionTimeout {
		r.renewElection = true
	}

	r.term.Store(st.Term)
	r.role.Store(int32(st.Role))
	if st.Leader != prevLeader {
		r.leader.Store(st.Leader)
		select {
		case r.leaderEvents <- leaderEvent{leader: st.Leader, term: st.Term}:
		case <-r.stopCh:
		}
	}
	return lastAppended, nil
}

// reconcileShippers runs one log shipper per peer of the latest member set.
func (r *Instance) reconcileShippers() {
	st := r.state
	ctx := LeaderContext{Term: st.Term, CommitIndex: st.LeaderCommit}
	peers := make(map[uuid.UUID]bool)
	for _, peer := range st.Membership.Peers(r.me.ID) {
		peers[peer.ID] = true
		if _, ok := r.shippers[peer.ID]; ok {
			continue
		}
		if _, ok := st.FollowerStates[peer.ID]; !ok {
			st.FollowerStates[peer.ID] = FollowerState{MatchIndex: -1}
		}
		shipper := NewLogShipper(r.me.ID, peer.ID, r.raftLog, r.transport, r.options.Clock,
			r.options.ShipperRetryTimeout, r.options.MaxBatch)
		r.shippers[peer.ID] = shipper
		shipper.Start(ctx)
	}
	for id, shipper := range r.shippers {
		if !peers[id] {
			shipper.Stop()
			delete(r.shippers, id)
			delete(st.FollowerStates, id)
		}
	}
}

func (r *Instance) stopShippers() {
	for id, shipper := range r.shippers {
		shipper.Stop()
		delete(r.shippers, id)
	}
}

func (r *Instance) notifyLeaderListeners() {
	for {
		select {
		case <-r.stopCh:
			return
		case ev := <-r.leaderEvents:
			r.listenersMu.Lock()
			listeners := append([]common.LeaderListener(nil), r.listeners...)
			r.listenersMu.Unlock()
			for _, listener := range listeners {
				listener.OnLeaderSwitch(ev.leader, ev.term)
			}
		}
	}
}

func (r *Instance) fail(err error) {
	log.Printf("%v: FATAL: %+v\n", r.me.ID, err)
	r.fatal.Store(fmt.Errorf("%w: %v", ErrFatal, err))
	r.halt()
}

func (r *Instance) halt() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// Deliver hands an inbound message to the instance. It blocks while the
// inbound queue is full and drops the message once the instance stopped.
func (r *Instance) Deliver(msg common.Message) {
	select {
	case r.inbound <- msg:
	case <-r.stopCh:
	}
}

// Propose appends content to the log if the local member leads, returning
// its index. The entry may still be lost if leadership changes before it
// commits.
func (r *Instance) Propose(ctx context.Context, content []byte) (int64, error) {
	p := proposal{content: content, result: make(chan proposalResult, 1)}
	select {
	case r.proposals <- p:
	case <-r.stopCh:
		return -1, r.stoppedErr()
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	select {
	case res := <-p.result:
		return res.index, res.err
	case <-r.stopCh:
		return -1, r.stoppedErr()
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ProposeMembershipChange proposes members as the new member set. It takes
// effect as soon as it is appended and survives once committed.
func (r *Instance) ProposeMembershipChange(ctx context.Context, members []common.CoreMember) (int64, error) {
	if r.codec == nil {
		return -1, fmt.Errorf("no membership codec configured")
	}
	if len(members) == 0 {
		return -1, fmt.Errorf("member set must not be empty")
	}
	data, err := r.codec.EncodeMemberSet(members)
	if err != nil {
		return -1, err
	}
	return r.Propose(ctx, data)
}

func (r *Instance) stoppedErr() error {
	if err := r.fatal.Load(); err != nil {
		return err
	}
	return ErrStopped
}

func (r *Instance) RegisterLeaderListener(listener common.LeaderListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Leader returns the most recently observed leader.
func (r *Instance) Leader() (uuid.UUID, error) {
	leader, _ := r.leader.Load().(uuid.UUID)
	if leader == uuid.Nil {
		return uuid.Nil, common.ErrNoLeader
	}
	return leader, nil
}

func (r *Instance) ID() uuid.UUID {
	return r.me.ID
}

func (r *Instance) Term() int64 {
	return r.term.Load()
}

func (r *Instance) Role() Role {
	return Role(r.role.Load())
}

func (r *Instance) IsLeader() bool {
	return r.Role() == Leader
}

func (r *Instance) CommitIndex() int64 {
	return r.applier.commitIndex.Load()
}

func (r *Instance) LastApplied() int64 {
	return r.applier.lastApplied.Load()
}

// Members returns the latest member set, including uncommitted changes.
func (r *Instance) Members() []common.CoreMember {
	members, _ := r.members.Load().([]common.CoreMember)
	return members
}

// Err returns the failure that halted the instance, nil while healthy.
func (r *Instance) Err() error {
	return r.fatal.Load()
}

func (r *Instance) Status() Status {
	leader, _ := r.Leader()
	appendIndex, err := r.raftLog.AppendIndex()
	if err != nil {
		appendIndex = -1
	}
	return Status{
		ID:          r.me.ID,
		Role:        r.Role().String(),
		Term:        r.Term(),
		Leader:      leader,
		CommitIndex: r.CommitIndex(),
		LastApplied: r.LastApplied(),
		AppendIndex: appendIndex,
	}
}

// Stop halts the instance and releases the log and the durable stores.
// The transport is left to its owner.
func (r *Instance) Stop() error {
	r.halt()
	if r.started.Load() {
		<-r.doneCh
	}
	log.Printf("%v: SHUTDOWN!", r.me.ID)
	return multierr.Combine(r.raftLog.Close(), r.stores.Close())
}
