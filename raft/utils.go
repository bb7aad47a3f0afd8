package raft

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/persistent"
	"go.uber.org/multierr"
)

const (
	termStoreName       = "term"
	voteStoreName       = "vote"
	membershipStoreName = "membership"
)

// DurableStores holds the state a member must never forget: its term, its
// vote and the last committed member set.
type DurableStores struct {
	Term       *persistent.StateStore[int64]
	Vote       *persistent.StateStore[persistent.VoteState]
	Membership *persistent.StateStore[persistent.MembershipState]
}

// OpenDurableStores recovers (or creates) the durable state kept under dir.
func OpenDurableStores(dir string, recordsPerFile int) (*DurableStores, error) {
	term, err := persistent.NewStateStore[int64](dir, termStoreName, persistent.TermMarshal{}, recordsPerFile)
	if err != nil {
		return nil, err
	}
	vote, err := persistent.NewStateStore[persistent.VoteState](dir, voteStoreName, persistent.VoteMarshal{}, recordsPerFile)
	if err != nil {
		return nil, multierr.Append(err, term.Close())
	}
	membership, err := persistent.NewStateStore[persistent.MembershipState](dir, membershipStoreName, persistent.MembershipMarshal{}, recordsPerFile)
	if err != nil {
		return nil, multierr.Combine(err, term.Close(), vote.Close())
	}
	return &DurableStores{Term: term, Vote: vote, Membership: membership}, nil
}

func (d *DurableStores) Close() error {
	return multierr.Combine(d.Term.Close(), d.Vote.Close(), d.Membership.Close())
}

func (d *DurableStores) getTerm() int64 {
	return d.Term.Value()
}

func (d *DurableStores) setTerm(term int64) error {
	return d.Term.Persist(term)
}

// getVotedFor returns the vote cast in term, uuid.Nil if none.
func (d *DurableStores) getVotedFor(term int64) uuid.UUID {
	if vote := d.Vote.Value(); vote.Term == term {
		return vote.VotedFor
	}
	return uuid.Nil
}

func (d *DurableStores) setVotedFor(term int64, votedFor uuid.UUID) error {
	return d.Vote.Persist(persistent.VoteState{Term: term, VotedFor: votedFor})
}

func (d *DurableStores) getMembership() (int64, []common.CoreMember) {
	m := d.Membership.Value()
	return m.Index, m.Members
}

func (d *DurableStores) setMembership(index int64, members []common.CoreMember) error {
	return d.Membership.Persist(persistent.MembershipState{Index: index, Members: members})
}

// randomTimeout returns a duration in [timeout, 2*timeout).
func randomTimeout(timeout time.Duration) time.Duration {
	return timeout + time.Duration(rand.Float64()*float64(timeout))
}
