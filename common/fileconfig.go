package common

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// FileConfig is the YAML file shared by every member of a cluster and
// its clients.
type FileConfig struct {
	Cluster          []CoreMember `yaml:"cluster"`
	HeartbeatTimeout int          `yaml:"heartbeatTimeout"` // In milliseconds
	ElectionTimeout  int          `yaml:"electionTimeout"`  // In milliseconds
	// DataDir holds one sub-directory per member.
	DataDir string `yaml:"dataDir"`
}

func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	bytes, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func (cfg FileConfig) Write(path string) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, bytes, 0644)
}

func (cfg FileConfig) ClusterConfig() ClusterConfig {
	return ClusterConfig{
		Cluster:          cfg.Cluster,
		HeartBeatTimeout: time.Millisecond * time.Duration(cfg.HeartbeatTimeout),
		ElectionTimeout:  time.Millisecond * time.Duration(cfg.ElectionTimeout),
	}
}
