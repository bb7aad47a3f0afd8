package server

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/replication"
	"github.com/sushantsondhi/raft-core/statemachine"
	"go.uber.org/atomic"
)

const storeIDSeedTimeout = 10 * time.Second

// storeIDSeeder proposes the local store id the first time this member
// leads a cluster that has none. Only the first proposal in the log sticks.
type storeIDSeeder struct {
	myself     common.CoreMember
	local      replication.StoreID
	replicator replication.Replicator
	machines   *statemachine.CoreStateMachines
	seeding    atomic.Bool
}

var _ common.LeaderListener = &storeIDSeeder{}

func (s *storeIDSeeder) OnLeaderSwitch(leader uuid.UUID, term int64) {
	if leader != s.myself.ID {
		return
	}
	if _, ok := s.machines.StoreID(); ok {
		return
	}
	if !s.seeding.CAS(false, true) {
		return
	}
	go func() {
		defer s.seeding.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), storeIDSeedTimeout)
		defer cancel()
		result, err := s.replicator.Replicate(ctx, replication.SeedStoreID{StoreID: s.local})
		if err != nil {
			log.Printf("%v: could not seed store id in term %d: %+v\n", s.myself.ID, term, err)
			return
		}
		if matches, _ := result.(bool); !matches {
			seeded, _ := s.machines.StoreID()
			log.Printf("%v: cluster store id %+v differs from local %+v\n", s.myself.ID, seeded, s.local)
		}
	}()
}
