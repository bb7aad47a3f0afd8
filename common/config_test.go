package common

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestClusterConfig_Validate(t *testing.T) {
	a := CoreMember{ID: uuid.New(), RaftAddress: "127.0.0.1:1"}
	b := CoreMember{ID: uuid.New(), RaftAddress: "127.0.0.1:2"}

	cfg := ClusterConfig{
		Cluster:          []CoreMember{a, b},
		HeartBeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  200 * time.Millisecond,
	}
	assert.NoError(t, cfg.Validate())

	member, ok := cfg.Member(b.ID)
	assert.True(t, ok)
	assert.Equal(t, b, member)
	_, ok = cfg.Member(uuid.New())
	assert.False(t, ok)

	dup := cfg
	dup.Cluster = []CoreMember{a, a}
	assert.Error(t, dup.Validate())

	slow := cfg
	slow.HeartBeatTimeout = time.Second
	assert.Error(t, slow.Validate())

	empty := cfg
	empty.Cluster = nil
	assert.Error(t, empty.Validate())
}

func TestFileConfig_WriteAndLoad(t *testing.T) {
	cfg := FileConfig{
		Cluster: []CoreMember{
			{ID: uuid.New(), RaftAddress: "localhost:12345", DataAddress: "localhost:8080"},
			{ID: uuid.New(), RaftAddress: "localhost:12346", DataAddress: "localhost:8081"},
		},
		HeartbeatTimeout: 50,
		ElectionTimeout:  200,
		DataDir:          "data",
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, cfg.Write(path))

	loaded, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	cluster := loaded.ClusterConfig()
	assert.Equal(t, 50*time.Millisecond, cluster.HeartBeatTimeout)
	assert.Equal(t, 200*time.Millisecond, cluster.ElectionTimeout)
	assert.NoError(t, cluster.Validate())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
