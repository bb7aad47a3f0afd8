package rpc

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const serviceName = "RaftService"

var (
	// ErrDisconnected is returned while the manager simulates a partition.
	ErrDisconnected = errors.New("member is disconnected")
	// ErrUnknownMember is returned for messages to members without a known address.
	ErrUnknownMember = errors.New("no address known for member")
)

// AddressBook resolves the raft address of a member.
type AddressBook func(id uuid.UUID) (common.ServerAddress, bool)

// Service is the net/rpc receiver of raft messages.
type Service struct {
	manager *Manager
	inbound common.Inbound
}

// Deliver hands msg to the local member unless it is disconnected.
func (s *Service) Deliver(msg *common.Message, ack *bool) error {
	if s.manager.disconnected.Load() {
		return ErrDisconnected
	}
	s.inbound.Deliver(*msg)
	*ack = true
	return nil
}

// Manager is the implementation of common.Transport using the golang's
// net/rpc package. Every peer gets its own ordered send queue.
type Manager struct {
	me           uuid.UUID
	addresses    AddressBook
	disconnected atomic.Bool

	mu       sync.Mutex
	peers    map[uuid.UUID]*Peer
	listener net.Listener
	closed   bool
}

var _ common.Transport = &Manager{}

func NewManager(me uuid.UUID, addresses AddressBook) *Manager {
	return &Manager{me: me, addresses: addresses, peers: make(map[uuid.UUID]*Peer)}
}

// Start listens on address and serves inbound messages until Close.
func (manager *Manager) Start(address common.ServerAddress, inbound common.Inbound) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName(serviceName, &Service{manager: manager, inbound: inbound}); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return err
	}
	manager.mu.Lock()
	manager.listener = listener
	manager.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				manager.mu.Lock()
				closed := manager.closed
				manager.mu.Unlock()
				if closed {
					return
				}
				log.Printf("%v: accept: %+v\n", manager.me, err)
				continue
			}
			go rpcServ.ServeConn(conn)
		}
	}()
	return nil
}

// Addr returns the address the manager listens on.
func (manager *Manager) Addr() net.Addr {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Addr()
}

func (manager *Manager) peer(id uuid.UUID) (*Peer, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return nil, fmt.Errorf("transport of %v is closed", manager.me)
	}
	if peer, ok := manager.peers[id]; ok {
		return peer, nil
	}
	address, ok := manager.addresses(id)
	if !ok {
		return nil, fmt.Errorf("%v: %w", id, ErrUnknownMember)
	}
	peer := NewPeer(address, id)
	manager.peers[id] = peer
	return peer, nil
}

// Send queues msg for delivery to the member with the given id. Messages
// are dropped when the queue of the peer is full.
func (manager *Manager) Send(to uuid.UUID, msg common.Message) error {
	if manager.disconnected.Load() {
		return ErrDisconnected
	}
	peer, err := manager.peer(to)
	if err != nil {
		return err
	}
	return peer.Send(msg)
}

// Disconnect drops every message sent or received until Reconnect.
func (manager *Manager) Disconnect() {
	manager.disconnected.Store(true)
}

func (manager *Manager) Reconnect() {
	manager.disconnected.Store(false)
}

func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return nil
	}
	manager.closed = true
	var err error
	if manager.listener != nil {
		err = multierr.Append(err, manager.listener.Close())
	}
	for _, peer := range manager.peers {
		err = multierr.Append(err, peer.Close())
	}
	return err
}
