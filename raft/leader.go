package raft

import (
	"log"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

func handleAsLeader(out *Outcome, msg common.Message, e *env) error {
	switch msg.Type {
	case common.AppendEntriesRequest, common.Heartbeat:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
			return handleAsFollower(out, msg, e)
		}
		if msg.Term == out.Term {
			log.Printf("%v: ignoring %v from another leader of term %d\n", e.myself, msg.Type, msg.Term)
			return nil
		}
		// a stale leader learns about our term from the response
		return handleAsFollower(out, msg, e)
	case common.VoteRequest:
		return handleVoteRequest(out, msg, e)
	case common.VoteResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
		}
	case common.AppendEntriesResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
			return nil
		}
		if msg.Term < out.Term {
			return nil
		}
		out.HeartbeatResponders[msg.From] = true
		if !msg.Success {
			out.ShipCommands = append(out.ShipCommands, Mismatch(msg.AppendIndex, msg.From))
			return nil
		}
		if fs, ok := out.FollowerStates[msg.From]; !ok || msg.MatchIndex > fs.MatchIndex {
			out.FollowerStates[msg.From] = FollowerState{MatchIndex: msg.MatchIndex}
		}
		out.ShipCommands = append(out.ShipCommands, Match(msg.MatchIndex, msg.From))
		return advanceCommit(out, e)
	case common.HeartbeatResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
			return nil
		}
		if msg.Term == out.Term {
			out.HeartbeatResponders[msg.From] = true
		}
	case common.HeartbeatTimeout:
		commitTerm, err := e.termAt(out.LeaderCommit)
		if err != nil {
			return err
		}
		e.broadcast(out, common.Message{
			Type:            common.Heartbeat,
			Term:            out.Term,
			LeaderCommit:    out.LeaderCommit,
			CommitIndexTerm: commitTerm,
		})
	case common.ElectionTimeout:
		if _, ok := e.membership.Latest()[e.myself]; !ok && out.LeaderCommit >= e.membership.LatestIndex() {
			log.Printf("%v: removed from the member set, stepping down in term %d\n", e.myself, out.Term)
			stepDown(out, out.Term)
			out.RenewElectionTimeout = true
			return nil
		}
		responders := map[uuid.UUID]bool{e.myself: true}
		for id := range out.HeartbeatResponders {
			responders[id] = true
		}
		if !e.membership.IsQuorum(e.appendIndex, responders) {
			log.Printf("%v: lost contact with a quorum, stepping down in term %d\n", e.myself, out.Term)
			stepDown(out, out.Term)
			out.RenewElectionTimeout = true
			return nil
		}
		out.HeartbeatResponders = make(map[uuid.UUID]bool)
		out.RenewElectionTimeout = true
	case common.NewEntryRequest:
		return appendAsLeader(out, e, msg.Content)
	}
	return nil
}

// appendAsLeader appends data in the current term and hands it to the
// log shippers.
func appendAsLeader(out *Outcome, e *env, data []byte) error {
	prevIndex := e.appendIndex
	prevTerm, err := e.termAt(prevIndex)
	if err != nil {
		return err
	}
	entry := e.appendEntry(out, out.Term, data)
	out.ShipCommands = append(out.ShipCommands, NewEntry(prevIndex, prevTerm, entry))
	return advanceCommit(out, e)
}

// advanceCommit commits the highest entry of the current term stored by
// a majority of the member set deciding about it.
func advanceCommit(out *Outcome, e *env) error {
	for index := e.appendIndex; index > out.LeaderCommit; index-- {
		term, err := e.termAt(index)
		if err != nil {
			return err
		}
		if term != out.Term {
			// terms only decrease further down the log
			return nil
		}
		stored := map[uuid.UUID]bool{e.myself: true}
		for id, fs := range out.FollowerStates {
			if fs.MatchIndex >= index {
				stored[id] = true
			}
		}
		if e.membership.IsQuorum(index, stored) {
			out.LeaderCommit = index
			out.ShipCommands = append(out.ShipCommands, CommitUpdate())
			return nil
		}
	}
	return nil
}
