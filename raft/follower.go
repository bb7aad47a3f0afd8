package raft

import (
	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

func handleAsFollower(out *Outcome, msg common.Message, e *env) error {
	switch msg.Type {
	case common.AppendEntriesRequest:
		return handleAppendEntries(out, msg, e)
	case common.Heartbeat:
		return handleHeartbeat(out, msg, e)
	case common.VoteRequest:
		return handleVoteRequest(out, msg, e)
	case common.ElectionTimeout:
		return startElection(out, e)
	case common.NewEntryRequest:
		if out.Leader != uuid.Nil && out.Leader != e.myself {
			e.send(out, out.Leader, common.Message{Type: common.NewEntryRequest, Content: msg.Content})
		}
	case common.VoteResponse, common.AppendEntriesResponse, common.HeartbeatResponse:
		if msg.Term > out.Term {
			stepDown(out, msg.Term)
		}
	}
	return nil
}
