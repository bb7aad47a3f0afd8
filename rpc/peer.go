package rpc

import (
	"errors"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

const (
	queueSize  = 256
	retryDelay = 100 * time.Millisecond
)

// ErrQueueFull is returned when a message is dropped because the peer
// does not keep up.
var ErrQueueFull = errors.New("send queue is full")

// Peer sends messages to one member over net/rpc, in the order they
// were queued.
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress
	client  *rpc.Client
	queue   chan common.Message
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until the first message
// is sent.
func NewPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	peer := &Peer{
		id:      id,
		address: address,
		queue:   make(chan common.Message, queueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go peer.run()
	return peer
}

func (peer *Peer) GetID() uuid.UUID {
	return peer.id
}

func (peer *Peer) Send(msg common.Message) error {
	select {
	case peer.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (peer *Peer) run() {
	defer close(peer.doneCh)
	for {
		select {
		case <-peer.stopCh:
			if peer.client != nil {
				peer.client.Close()
				peer.client = nil
			}
			return
		case msg := <-peer.queue:
			var ack bool
			// raft resends lost messages, failures are not reported
			_ = peer.call(serviceName+".Deliver", &msg, &ack)
		}
	}
}

// call takes care of automatically re-trying on transient failures
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		if peer.client == nil {
			if peer.client, err = rpc.Dial("tcp", string(peer.address)); err != nil {
				peer.client = nil
				select {
				case <-time.After(retryDelay):
				case <-peer.stopCh:
					return err
				}
				continue
			}
		}
		if err = peer.client.Call(method, args, result); err == io.EOF || err == rpc.ErrShutdown {
			// likely that connection timed out, retry immediately
			peer.client.Close()
			peer.client = nil
			continue
		}
		break
	}
	return
}

// Close stops the sender. A call in flight is abandoned, not awaited.
func (peer *Peer) Close() error {
	peer.once.Do(func() {
		close(peer.stopCh)
	})
	return nil
}

// Done is closed once the sender has stopped.
func (peer *Peer) Done() <-chan struct{} {
	return peer.doneCh
}
