package benchmarks

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
	"github.com/sushantsondhi/raft-core/server"
)

const requestTimeout = 5 * time.Second

func loadConfig(configFile string) common.FileConfig {
	cfg, err := common.LoadConfig(configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg
}

func newStore(cfg common.FileConfig) *kvstore.KVStore {
	store, err := kvstore.NewKeyValStore(cfg.Cluster, requestTimeout)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return store
}

func runServer(cfg common.FileConfig, index int) *server.Member {
	if index < 0 || index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", index, len(cfg.Cluster))
		os.Exit(2)
	}
	me := cfg.Cluster[index]
	member, err := server.StartMember(cfg.ClusterConfig(), me, filepath.Join(cfg.DataDir, me.ID.String()), server.Options{})
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return member
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	store := newStore(cfg)

	fmt.Println("Running Performance Check: Client Read Write Throughput")
	var failed int
	start := time.Now()
	for i := 0; i < numRequests; i++ {
		if _, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i)); err != nil {
			failed++
		}
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests (%d failed) took %s on %d servers.\n", numRequests, failed, writeTime, len(cfg.Cluster))

	failed = 0
	start = time.Now()
	for i := 0; i < numRequests; i++ {
		if _, err := store.Get(fmt.Sprintf("key%d", i)); err != nil {
			failed++
		}
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests (%d failed) took %s on %d servers.\n", numRequests, failed, readTime, len(cfg.Cluster))
}

// BenchmarkServerCatchUpTime writes to the running members while the
// lagging one is down, then starts it in this process and waits until it
// has applied everything the leader has.
func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	store := newStore(cfg)

	fmt.Println("Running Performance Check: Server catch up time")
	for i := 0; i < numRequests; i++ {
		if _, err := store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i)); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}
	leader := cfg.Cluster[store.LastKnownResponder.Load()]
	status, err := store.StatusOf(leader)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	lagging := runServer(cfg, laggingServerIndex)
	defer lagging.Stop()
	start := time.Now()
	for lagging.Instance.LastApplied() < status.CommitIndex {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, status.CommitIndex+1, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests, numClients int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&numClients, "numClients", 10, "Number of concurrent clients")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)

	fmt.Println("Running Performance Check: Parallel Client Write Throughput")
	reqsPerThread := numRequests / numClients
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < numClients; i++ {
		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			store := newStore(cfg)
			for i := index * reqsPerThread; i < (index+1)*reqsPerThread; i++ {
				store.Set(fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i))
			}
		}()
	}
	wg.Wait()
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests from %d clients took %s on %d servers.\n", reqsPerThread*numClients, numClients, writeTime, len(cfg.Cluster))
}
