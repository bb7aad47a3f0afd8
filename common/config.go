package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerAddress represents a network address of a core member (hostname:port)
type ServerAddress string

// CoreMember identifies one core server. RaftAddress carries raft traffic,
// DataAddress serves clients.
type CoreMember struct {
	ID          uuid.UUID     `yaml:"id" json:"id"`
	RaftAddress ServerAddress `yaml:"raftAddress" json:"raftAddress"`
	DataAddress ServerAddress `yaml:"dataAddress" json:"dataAddress"`
}

func (m CoreMember) String() string {
	return fmt.Sprintf("%v(%s)", m.ID, m.RaftAddress)
}

// ClusterConfig specifies the initial member set and the tunable
// timeouts of the raft protocol.
type ClusterConfig struct {
	Cluster          []CoreMember
	HeartBeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// Member returns the member with the given id.
func (c ClusterConfig) Member(id uuid.UUID) (CoreMember, bool) {
	for _, member := range c.Cluster {
		if member.ID == id {
			return member, true
		}
	}
	return CoreMember{}, false
}

func (c ClusterConfig) Validate() error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("cluster must contain at least one member")
	}
	seen := make(map[uuid.UUID]bool)
	for _, member := range c.Cluster {
		if member.ID == uuid.Nil {
			return fmt.Errorf("member %s has no id", member.RaftAddress)
		}
		if seen[member.ID] {
			return fmt.Errorf("duplicate member id: %v", member.ID)
		}
		seen[member.ID] = true
	}
	if c.HeartBeatTimeout <= 0 || c.ElectionTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.HeartBeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("heartbeat timeout (%v) must be shorter than election timeout (%v)", c.HeartBeatTimeout, c.ElectionTimeout)
	}
	return nil
}
