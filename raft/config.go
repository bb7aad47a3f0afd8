package raft

import (
	"time"

	"github.com/sushantsondhi/raft-core/common"
)

const (
	DefaultMaxBatch        = 64
	DefaultApplyRetryDelay = 100 * time.Millisecond
)

// Options tunes an Instance beyond what ClusterConfig specifies.
// Zero values select the defaults.
type Options struct {
	Clock Clock
	// ShipperRetryTimeout is how long a log shipper waits for a response
	// before resending, twice the heartbeat timeout by default.
	ShipperRetryTimeout time.Duration
	// MaxBatch bounds the entries in one AppendEntriesRequest.
	MaxBatch        int
	ApplyRetryDelay time.Duration
}

func (o Options) withDefaults(cluster common.ClusterConfig) Options {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.ShipperRetryTimeout <= 0 {
		o.ShipperRetryTimeout = 2 * cluster.HeartBeatTimeout
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.ApplyRetryDelay <= 0 {
		o.ApplyRetryDelay = DefaultApplyRetryDelay
	}
	return o
}
