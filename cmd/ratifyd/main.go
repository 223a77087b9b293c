// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// ratifyd runs one member of the ratification cluster: it loads the
// node's credentials and cluster registry, connects the mesh and the
// coordination store, and serves until interrupted. The REST surface,
// the signing orchestrator, and the durable audit backend are external
// collaborators wired in by the deployment.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/ratify/audit"
	"github.com/luxfi/ratify/config"
	"github.com/luxfi/ratify/identity"
	"github.com/luxfi/ratify/node"
	"github.com/luxfi/ratify/store"
	"github.com/luxfi/ratify/types"
)

type flags struct {
	nodeID       uint32
	listenAddr   string
	peers        []string
	registryPath string
	voteKeyPath  string
	caCert       string
	nodeCert     string
	nodeKey      string
	totalNodes   uint32
	threshold    uint32
	etcd         []string
	metricsAddr  string

	roundTimeout      time.Duration
	heartbeatInterval time.Duration
	deadInterval      time.Duration
	maxBackoff        time.Duration
	banDuration       time.Duration
}

func main() {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:   "ratifyd",
		Short: "Threshold-vote ratification node",
		Long: `ratifyd is one member of a t-of-n ratification cluster. It maintains
the authenticated mesh to its peers, counts signed votes through the
coordination store, and punishes Byzantine behavior.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
		SilenceUsage: true,
	}

	fs := rootCmd.Flags()
	fs.Uint32Var(&f.nodeID, "node-id", 0, "this node's id, in [1, total-nodes]")
	fs.StringVar(&f.listenAddr, "listen", ":9651", "mesh listen address")
	fs.StringSliceVar(&f.peers, "peer", nil, "peer as <id>=<addr>, repeated for every other member")
	fs.StringVar(&f.registryPath, "registry", "", "cluster registry file (<id> <common-name> <ed25519-pubkey-hex> per line)")
	fs.StringVar(&f.voteKeyPath, "vote-key", "", "file holding this node's ed25519 vote seed, hex")
	fs.StringVar(&f.caCert, "ca-cert", "", "cluster CA certificate (PEM)")
	fs.StringVar(&f.nodeCert, "node-cert", "", "node certificate (PEM)")
	fs.StringVar(&f.nodeKey, "node-key", "", "node private key (PEM)")
	fs.Uint32Var(&f.totalNodes, "total-nodes", 0, "cluster size n")
	fs.Uint32Var(&f.threshold, "threshold", 0, "approval threshold t, n/2 < t <= n")
	fs.StringSliceVar(&f.etcd, "etcd", []string{"127.0.0.1:2379"}, "coordination store endpoints")
	fs.StringVar(&f.metricsAddr, "metrics", "", "prometheus listen address (empty disables)")
	fs.DurationVar(&f.roundTimeout, "round-timeout", 30*time.Second, "voting round deadline")
	fs.DurationVar(&f.heartbeatInterval, "heartbeat-interval", 2*time.Second, "mesh heartbeat period")
	fs.DurationVar(&f.deadInterval, "dead-interval", 6*time.Second, "silence before a channel is considered dead")
	fs.DurationVar(&f.maxBackoff, "max-backoff", 30*time.Second, "reconnect/retry backoff cap")
	fs.DurationVar(&f.banDuration, "ban-duration", 10*time.Minute, "ban window for punished peers")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	logger := log.New("component", "ratifyd")

	cfg, err := buildConfig(f)
	if err != nil {
		return err
	}

	members, err := loadRegistry(f.registryPath)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	registry, err := identity.NewRegistry(members)
	if err != nil {
		return err
	}

	ident, err := identity.Load(cfg.NodeID, cfg.CACertPath, cfg.NodeCertPath, cfg.NodeKeyPath, registry)
	if err != nil {
		return err
	}

	voteKey, err := loadVoteKey(f.voteKeyPath)
	if err != nil {
		return fmt.Errorf("loading vote key: %w", err)
	}

	st, err := store.NewEtcd(store.EtcdConfig{Endpoints: f.etcd})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(f.metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	n, err := node.New(node.Options{
		Config:     cfg,
		Log:        logger,
		Identity:   ident,
		Store:      st,
		AuditSink:  audit.NewMemorySink(), // replaced by the durable sink in deployment wiring
		VoteKey:    voteKey,
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	logger.Info("ratifyd starting",
		zap.Uint32("nodeID", f.nodeID),
		zap.Uint32("totalNodes", f.totalNodes),
		zap.Uint32("threshold", f.threshold),
	)
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func buildConfig(f *flags) (*config.Config, error) {
	peers := make(map[types.NodeID]string, len(f.peers))
	for _, spec := range f.peers {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --peer %q, want <id>=<addr>", spec)
		}
		parsed, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed --peer id %q: %w", id, err)
		}
		peers[types.NodeID(parsed)] = addr
	}

	cfg := &config.Config{
		NodeID:            types.NodeID(f.nodeID),
		ListenAddr:        f.listenAddr,
		BootstrapPeers:    peers,
		CACertPath:        f.caCert,
		NodeCertPath:      f.nodeCert,
		NodeKeyPath:       f.nodeKey,
		TotalNodes:        f.totalNodes,
		Threshold:         f.threshold,
		RoundTimeout:      f.roundTimeout,
		HeartbeatInterval: f.heartbeatInterval,
		DeadInterval:      f.deadInterval,
		MaxBackoff:        f.maxBackoff,
		BanDuration:       f.banDuration,
		ReputationWeights: config.DefaultReputationWeights(),
		BanThreshold:      -100,
		RetryBudget:       5,
		OutboundBuffer:    256,
		ShutdownGrace:     5 * time.Second,
	}
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRegistry parses "<id> <common-name> <ed25519-pubkey-hex>" lines.
func loadRegistry(path string) ([]identity.Member, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var members []identity.Member
	for lineNo, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want <id> <common-name> <pubkey-hex>", lineNo+1)
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		key, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		members = append(members, identity.Member{
			NodeID:     types.NodeID(id),
			CommonName: fields[1],
			VoteKey:    key,
		})
	}
	return members, nil
}

// loadVoteKey reads a hex ed25519 seed.
func loadVoteKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("vote key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
