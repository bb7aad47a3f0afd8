package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/benchmarks"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore/client"
	"github.com/sushantsondhi/raft-core/server"
)

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if *index < 0 || *index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	me := cfg.Cluster[*index]
	member, err := server.StartMember(cfg.ClusterConfig(), me, filepath.Join(cfg.DataDir, me.ID.String()), server.Options{})
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	fmt.Println("Stopping server ...")
	if err := member.Stop(); err != nil {
		fmt.Println(err)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var path, raftServers, dataServers, dataDir string
	var electionTimeout, heartbeatTimeout int
	flagset.StringVar(&path, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&raftServers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-seperated list of raft addresses of core servers")
	flagset.StringVar(&dataServers, "dataServers", "localhost:8080,localhost:8081,localhost:8082", "comma-seperated list of client-facing addresses, one per server")
	flagset.StringVar(&dataDir, "dataDir", "data", "directory holding the state of every server")
	flagset.IntVar(&electionTimeout, "electionTimeout", 200, "value of election timeout (in milliseconds)")
	flagset.IntVar(&heartbeatTimeout, "heartbeatTimeout", 50, "value of heartbeat timeout (in milliseconds)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	raftAddrs := strings.Split(raftServers, ",")
	dataAddrs := strings.Split(dataServers, ",")
	if len(raftAddrs) != len(dataAddrs) {
		fmt.Printf("%d raft addresses but %d data addresses\n", len(raftAddrs), len(dataAddrs))
		os.Exit(2)
	}
	cfg := common.FileConfig{
		HeartbeatTimeout: heartbeatTimeout,
		ElectionTimeout:  electionTimeout,
		DataDir:          dataDir,
	}
	for i, addr := range raftAddrs {
		cfg.Cluster = append(cfg.Cluster, common.CoreMember{
			ID:          uuid.New(),
			RaftAddress: common.ServerAddress(addr),
			DataAddress: common.ServerAddress(dataAddrs[i]),
		})
	}
	if err := cfg.Write(path); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	err = client.RunCliClient(cfg.Cluster)
	fmt.Println(err)
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | client | bench1 | bench2 | bench3 ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		runServer(args[1:])
	case "client":
		runClient(args[1:])
	case "bench1":
		benchmarks.BenchmarkClientReadWriteThroughput(args[1:])
	case "bench2":
		benchmarks.BenchmarkServerCatchUpTime(args[1:])
	case "bench3":
		benchmarks.BenchmarkParallelClientThroughput(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
