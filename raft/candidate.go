package raft

import (
	"log"

	"github.com/sushantsondhi/raft-core/common"
)

func handleAsCandidate(out *Outcome, msg common.Message, e *env) error {
	switch msg.Type {
	case common.AppendEntriesRequest, common.Heartbeat:
		if msg.Term >= out.Term {
			// someone won the election of this term (or a later one)
			stepDown(out, msg.Term)
		}
		return handleAsFollower(out, msg, e)
	case common.VoteRequest:
		return handleVoteRequest(out, msg, e)
	case common.VoteResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
			return nil
		}
		if msg.Term < out.Term || !msg.VoteGranted {
			return nil
		}
		out.VotesForMe[msg.From] = true
		if e.membership.IsQuorum(e.appendIndex, out.VotesForMe) {
			log.Printf("%v: won election for term %d with %d votes\n", e.myself, out.Term, len(out.VotesForMe))
			return becomeLeader(out, e)
		}
	case common.ElectionTimeout:
		return startElection(out, e)
	case common.AppendEntriesResponse, common.HeartbeatResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
		}
	}
	return nil
}
