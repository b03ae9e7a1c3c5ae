// Command raftd runs a single Raft node: bbolt persistence, the
// replicated key-value state machine, a gRPC peer transport, and a
// small HTTP client API. Adapted from the teacher's cmd/server/main.go
// (same wiring order: storage -> state machine -> transport -> node ->
// API) with flags reworked onto cobra, matching the cuemby-warren
// example's single-binary-with-subcommands shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/raftcore/raftkit/pkg/cluster"
	"github.com/raftcore/raftkit/pkg/httpapi"
	"github.com/raftcore/raftkit/pkg/metrics"
	"github.com/raftcore/raftkit/pkg/raft"
	"github.com/raftcore/raftkit/pkg/raftlog"
	"github.com/raftcore/raftkit/pkg/statemachine"
	"github.com/raftcore/raftkit/pkg/storage"
	"github.com/raftcore/raftkit/pkg/transport"
)

var (
	nodeID      string
	grpcAddr    string
	httpAddr    string
	peersFlag   string
	dataDir     string
	jsonLogs    bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftd",
	Short: "raftd runs one node of a raftkit cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&nodeID, "id", "", "node id (required)")
	rootCmd.Flags().StringVar(&grpcAddr, "addr", "", "gRPC listen address, e.g. localhost:5000 (required)")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP client API listen address, e.g. localhost:8000 (required)")
	rootCmd.Flags().StringVar(&peersFlag, "peers", "", "comma-separated id=addr pairs for every node, including self")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "bbolt data directory (default /tmp/raftd-<id>)")
	rootCmd.Flags().BoolVar(&jsonLogs, "log-json", false, "emit structured JSON logs instead of console output")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	_ = rootCmd.MarkFlagRequired("id")
	_ = rootCmd.MarkFlagRequired("addr")
	_ = rootCmd.MarkFlagRequired("http")
}

func run(cmd *cobra.Command, args []string) error {
	peerAddrs, peerIDs, err := parsePeers(peersFlag, nodeID)
	if err != nil {
		return err
	}
	peerAddrs[nodeID] = grpcAddr

	dir := dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/raftd-%s", nodeID)
	}

	var logger *raftlog.Logger
	if jsonLogs {
		logger = raftlog.NewJSON(nodeID, os.Stderr)
	} else {
		logger = raftlog.New(nodeID, os.Stderr)
	}
	logger.Infof("starting raftd node=%s grpc=%s http=%s peers=%v data-dir=%s", nodeID, grpcAddr, httpAddr, peerIDs, dir)

	persistence, err := storage.NewBoltStore(dir)
	if err != nil {
		return fmt.Errorf("raftd: opening storage: %w", err)
	}

	store := statemachine.New()

	members := cluster.NewManager()
	for id, addr := range peerAddrs {
		if id == nodeID {
			continue
		}
		if err := members.AddMember(id, addr, true); err != nil {
			return fmt.Errorf("raftd: registering peer %s: %w", id, err)
		}
		if err := members.ActivateMember(id); err != nil {
			return fmt.Errorf("raftd: activating peer %s: %w", id, err)
		}
	}

	grpcClient := transport.NewGRPCClient(members)
	grpcServer := transport.NewGRPCServer(grpcAddr)

	sink := metrics.New()

	cfg := raft.DefaultConfig(nodeID, peerIDs)
	node, err := raft.NewNode(cfg, persistence, store, grpcClient, logger, sink)
	if err != nil {
		return fmt.Errorf("raftd: constructing node: %w", err)
	}

	grpcServer.RegisterRequestVoteHandler(node.HandleRequestVote)
	grpcServer.RegisterAppendEntriesHandler(node.HandleAppendEntries)
	grpcServer.RegisterInstallSnapshotHandler(node.HandleInstallSnapshot)

	if err := grpcServer.Start(); err != nil {
		return fmt.Errorf("raftd: starting gRPC server: %w", err)
	}

	node.Start()

	apiServer := &http.Server{
		Addr:    httpAddr,
		Handler: httpapi.New(node, store),
	}
	go func() {
		logger.Infof("HTTP API listening on %s", httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Infof("metrics listening on %s", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(ctx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	node.Stop()
	_ = grpcServer.Stop()
	_ = grpcClient.Close()
	_ = persistence.Close()

	logger.Infof("shutdown complete")
	return nil
}

// parsePeers parses "id1=addr1,id2=addr2,..." into an address map and the
// list of peer ids excluding self.
func parsePeers(raw, self string) (map[string]string, []string, error) {
	addrs := make(map[string]string)
	var ids []string
	if raw == "" {
		return addrs, ids, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, nil, fmt.Errorf("raftd: invalid --peers entry %q, want id=addr", pair)
		}
		addrs[parts[0]] = parts[1]
		if parts[0] != self {
			ids = append(ids, parts[0])
		}
	}
	return addrs, ids, nil
}
