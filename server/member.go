package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/httpapi"
	"github.com/sushantsondhi/raft-core/kvstore"
	"github.com/sushantsondhi/raft-core/locks"
	"github.com/sushantsondhi/raft-core/persistent"
	"github.com/sushantsondhi/raft-core/raft"
	"github.com/sushantsondhi/raft-core/replication"
	"github.com/sushantsondhi/raft-core/rpc"
	"github.com/sushantsondhi/raft-core/statemachine"
	"go.uber.org/multierr"
)

// Options tunes a member, zero values select the defaults.
type Options struct {
	Raft           raft.Options
	RetryTimeout   time.Duration
	TokenTimeout   time.Duration
	RecordsPerFile int
}

// Member is one core server: a raft instance with its transport, the
// replicated state machines and the HTTP API.
type Member struct {
	Core       common.CoreMember
	Instance   *raft.Instance
	Manager    *rpc.Manager
	Store      *kvstore.Store
	Machines   *statemachine.CoreStateMachines
	LockTokens *locks.ReplicatedLockTokenStateMachine

	storage    *kvstore.Storage
	httpServer *http.Server
}

// StartMember recovers the member me from dataDir and joins the cluster.
func StartMember(cluster common.ClusterConfig, me common.CoreMember, dataDir string, options Options) (m *Member, err error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	raftLog, err := persistent.CreateDbLogStore(filepath.Join(dataDir, "raft_log.db"))
	if err != nil {
		return nil, err
	}
	stores, err := raft.OpenDurableStores(filepath.Join(dataDir, "state"), options.RecordsPerFile)
	if err != nil {
		return nil, multierr.Append(err, raftLog.Close())
	}
	storage, err := kvstore.NewStorage(filepath.Join(dataDir, "kv.db"))
	if err != nil {
		return nil, multierr.Combine(err, raftLog.Close(), stores.Close())
	}

	m = &Member{Core: me, storage: storage}
	m.Manager = rpc.NewManager(me.ID, m.addressOf(cluster))

	pool := replication.NewLocalSessionPool(me)
	progress := replication.NewProgressTracker(pool.GlobalSession())
	m.LockTokens = locks.NewReplicatedLockTokenStateMachine()
	m.Machines = statemachine.NewCoreStateMachines(me.ID, replication.NewSessionTracker(), progress, m.LockTokens, storage)

	m.Instance, err = raft.NewInstance(me, cluster, raftLog, stores, m.Manager, m.Machines,
		replication.MembershipCodec{}, options.Raft)
	if err != nil {
		return nil, multierr.Combine(err, raftLog.Close(), stores.Close(), storage.Close())
	}
	replicator := replication.NewRaftReplicator(me, m.Instance, m.Instance, m.Manager, pool, progress, options.RetryTimeout)
	lockManager := locks.NewLeaderOnlyLockManager(me, replicator, m.Instance, locks.NewLocks(), m.LockTokens, options.TokenTimeout)
	keys := statemachine.NewReplicatedTokenHolder(kvstore.KeyTokenType, replicator, m.Machines.Tokens())
	ids := statemachine.NewReplicatedIDGenerator(me, replicator, m.Machines.IDAllocation(), 0)
	m.Store = kvstore.NewStore(lockManager, replicator, storage, keys, ids)
	m.Instance.RegisterLeaderListener(&storeIDSeeder{
		myself:     me,
		local:      storage.StoreID(),
		replicator: replicator,
		machines:   m.Machines,
	})

	if err := m.Manager.Start(me.RaftAddress, m.Instance); err != nil {
		return nil, multierr.Combine(err, m.Instance.Stop(), storage.Close())
	}
	listener, err := net.Listen("tcp", string(me.DataAddress))
	if err != nil {
		return nil, multierr.Combine(err, m.Manager.Close(), m.Instance.Stop(), storage.Close())
	}
	m.httpServer = &http.Server{Handler: httpapi.New(m.Instance, m.Store, m.Machines).Handler()}
	go func() {
		if err := m.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%v: http server: %+v\n", me.ID, err)
		}
	}()

	m.Instance.Start()
	log.Printf("%v: serving raft on %s, clients on %s\n", me.ID, me.RaftAddress, me.DataAddress)
	return m, nil
}

// LocalStoreID is the id this member's storage was created with, it
// becomes the cluster store id when this member leads first.
func (m *Member) LocalStoreID() replication.StoreID {
	return m.storage.StoreID()
}

// addressOf resolves members through the latest member set, falling back
// to the initial cluster.
func (m *Member) addressOf(cluster common.ClusterConfig) rpc.AddressBook {
	return func(id uuid.UUID) (common.ServerAddress, bool) {
		if m.Instance != nil {
			for _, member := range m.Instance.Members() {
				if member.ID == id {
					return member.RaftAddress, true
				}
			}
		}
		member, ok := cluster.Member(id)
		return member.RaftAddress, ok
	}
}

// Stop shuts the member down, the data directory can be reused by
// another StartMember.
func (m *Member) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Combine(
		m.httpServer.Shutdown(ctx),
		m.Instance.Stop(),
		m.Manager.Close(),
		m.storage.Close(),
	)
}
