// Copyright 2025 Certen Protocol
//
// corenode is the node process: it wires the relational store, the
// embedded KV store, the DAG validation/graph/cache stack, the writer and
// AA composer, and the gossip network into one running node, then serves
// the read-only query API over HTTP.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	cmtcfg "github.com/cometbft/cometbft/config"
	"github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/p2p/conn"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dagchain/corenode/pkg/cache"
	"github.com/dagchain/corenode/pkg/composer"
	"github.com/dagchain/corenode/pkg/config"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/graph"
	"github.com/dagchain/corenode/pkg/keymutex"
	"github.com/dagchain/corenode/pkg/kvstore"
	"github.com/dagchain/corenode/pkg/network"
	"github.com/dagchain/corenode/pkg/server"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/validator"
	"github.com/dagchain/corenode/pkg/witness"
	"github.com/dagchain/corenode/pkg/writer"

	dbm "github.com/cometbft/cometbft-db"
)

// recentK bounds how far below the stability watermark pkg/cache keeps a
// stable unit's props around for, independent of dag.MaxParentsPerUnit.
const recentK = 1000

func main() {
	var (
		nodeID   = flag.String("node-id", "", "Node ID (overrides NODE_ID env var)")
		showHelp = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "corenode: load config: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "corenode: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info("starting corenode", "node_id", cfg.NodeID, "chain_id", cfg.ChainID)

	health := newHealthStatus()

	dbClient, err := storage.NewClient(cfg, storage.WithLogger(logger.With("module", "storage")))
	if err != nil {
		logger.Error("connect to relational store", "err", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	health.SetDatabase("connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dbClient.MigrateUp(ctx); err != nil {
		logger.Error("run migrations", "err", err)
		os.Exit(1)
	}
	repos := storage.NewRepositories(dbClient)

	kvAdapter, err := kvstore.NewAdapter(dbm.BackendType(cfg.KVBackend), "state", cfg.KVDir)
	if err != nil {
		logger.Error("open kv store", "err", err)
		os.Exit(1)
	}
	defer kvAdapter.Close()
	state := kvstore.NewStateStore(kvAdapter)

	replayed, err := kvstore.NewReplayer(repos.Journal, state, logger.With("module", "kvstore")).Run(ctx)
	if err != nil {
		logger.Error("replay journal", "err", err)
		os.Exit(1)
	}
	if replayed > 0 {
		logger.Info("replayed unapplied journal entries", "count", replayed)
	}

	unitCache := cache.New(repos.Units, recentK)
	if mci, ok, err := state.MinRetrievableMCI(); err != nil {
		logger.Error("read min retrievable mci", "err", err)
	} else if ok {
		unitCache.AdvanceWatermark(mci)
	}
	dagGraph := graph.New(unitCache)

	locks := keymutex.NewLocks()
	authorLk := keymutex.NewKeyedMutex()

	signingKey, err := loadOrGenerateSigningKey(cfg)
	if err != nil {
		logger.Error("load signing key", "err", err)
		os.Exit(1)
	}
	_ = signingKey // retained for future unit-posting support; this node only validates and relays for now

	defCtx := &definitionContextAdapter{repos: repos}
	witnesses := &witnessResolverAdapter{repos: repos}
	store := &validatorStoreAdapter{repos: repos}

	v := validator.New(store, dagGraph, defCtx, witnesses)

	theWriter := writer.New(dbClient, repos, locks, dagGraph, unitCache, nil, nil, logger.With("module", "writer"))
	theComposer := composer.New(dbClient, repos, state, theWriter, logger.With("module", "composer"))
	theWriter.SetComposer(theComposer)

	reactor := network.NewReactor(nil, nil)
	reactor.SetLogger(logger.With("module", "network"))
	pending := network.NewPendingRequests(reactor.Resend, reactor.Choose)
	reactor.SetPending(pending)
	ingress := network.NewIngress(repos, v, theWriter, authorLk, nil, logger.With("module", "network"))
	catchup := network.NewCatchup(repos)
	dispatcher := network.NewDispatcher(repos, ingress, pending, catchup, logger.With("module", "network"))
	ingress.SetRequestParents(dispatcher.RequestParents)
	reactor.SetOnFrame(dispatcher.OnFrame)

	sw, err := startP2P(cfg, reactor, logger.With("module", "p2p"))
	if err != nil {
		logger.Error("start p2p switch", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := sw.Stop(); err != nil {
			logger.Error("stop p2p switch", "err", err)
		}
	}()
	health.SetNetwork("listening")

	mux := http.NewServeMux()
	registerRoutes(mux, repos, cfg, health)
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "err", err)
			}
		}()
		defer metricsServer.Close()
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info("api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server", "err", err)
		}
	}()
	health.SetAPI("listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown api server", "err", err)
	}
	logger.Info("stopped")
}

func printHelp() {
	fmt.Println("corenode - DAG ledger node")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Configuration is otherwise read from environment variables; see pkg/config.")
}

func newLogger(cfg *config.Config) log.Logger {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if cfg.LogFormat == "json" {
		logger = log.NewTMJSONLogger(log.NewSyncWriter(os.Stdout))
	}
	if lvl, err := log.AllowLevel(cfg.LogLevel); err == nil {
		logger = log.NewFilter(logger, lvl)
	}
	return logger
}

// registerRoutes wires the read-only query surface plus a liveness probe.
func registerRoutes(mux *http.ServeMux, repos *storage.Repositories, cfg *config.Config, health *healthStatus) {
	qh := server.NewQueryHandlers(repos, cfg.ChainID)
	mux.HandleFunc("/api/unit", qh.HandleUnit)
	mux.HandleFunc("/api/ball", qh.HandleBall)
	mux.HandleFunc("/api/aa/balance", qh.HandleAABalance)
	mux.HandleFunc("/api/status", qh.HandleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(health.ToJSON())
	})
}

// startP2P brings up a cometbft p2p.Switch carrying only the DAG gossip
// reactor — no BFT consensus reactor is ever registered, since this node
// runs a custom non-BFT DAG protocol over cometbft's transport.
func startP2P(cfg *config.Config, reactor *network.Reactor, logger log.Logger) (*p2p.Switch, error) {
	nodeKeyPath := filepath.Join(cfg.DataDir, "node_key.json")
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	nodeKey, err := p2p.LoadOrGenNodeKey(nodeKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load or generate node key: %w", err)
	}

	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.ProtocolVersion{P2P: 8, Block: 11, App: 1},
		DefaultNodeID:   nodeKey.ID(),
		ListenAddr:      cfg.P2PListenAddr,
		Network:         cfg.ChainID,
		Version:         "1.0.0",
		Channels:        []byte{network.ChannelJustsaying, network.ChannelRequestResponse},
		Moniker:         cfg.NodeID,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: "",
		},
	}

	transport := p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(nodeKey.ID(), cfg.P2PListenAddr))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	if err := transport.Listen(*addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.P2PListenAddr, err)
	}

	p2pCfg := cmtcfg.DefaultP2PConfig()
	p2pCfg.MaxNumInboundPeers = cfg.P2PMaxPeers
	p2pCfg.MaxNumOutboundPeers = cfg.P2PMaxPeers

	sw := p2p.NewSwitch(p2pCfg, transport)
	sw.SetLogger(logger)
	sw.AddReactor("DAG", reactor)
	sw.SetNodeKey(nodeKey)
	sw.SetNodeInfo(nodeInfo)

	if len(cfg.P2PSeeds) > 0 {
		if err := sw.AddPersistentPeers(cfg.P2PSeeds); err != nil {
			return nil, fmt.Errorf("add persistent peers: %w", err)
		}
	}

	if err := sw.Start(); err != nil {
		return nil, fmt.Errorf("start switch: %w", err)
	}
	return sw, nil
}

// loadOrGenerateSigningKey loads this node's own ed25519 key, generating
// and persisting one on first run, following the same
// generate-once-then-load-from-disk shape as cometbft's own node key.
func loadOrGenerateSigningKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	keyPath := cfg.SigningKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "signing_key.hex")
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
			return nil, fmt.Errorf("save signing key: %w", err)
		}
		return priv, nil
	}

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key at %s has wrong size: expected %d, got %d", keyPath, ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// validatorStoreAdapter satisfies validator.Store by forwarding directly
// to the matching storage repository method; nearly every method here is
// a 1:1 rename, since pkg/validator's Store interface was shaped around
// what pkg/storage already exposes.
type validatorStoreAdapter struct {
	repos *storage.Repositories
}

func (a *validatorStoreAdapter) GetUnit(ctx context.Context, unitHash string) (*dag.Unit, error) {
	return a.repos.Units.GetByHash(ctx, unitHash)
}

func (a *validatorStoreAdapter) IsFinalBad(ctx context.Context, unitHash string) (bool, error) {
	return a.repos.Units.IsFinalBad(ctx, unitHash)
}

func (a *validatorStoreAdapter) IsStableOnMainChain(ctx context.Context, unitHash string) (bool, error) {
	return a.repos.Units.IsStableOnMainChain(ctx, unitHash)
}

func (a *validatorStoreAdapter) BallForUnit(ctx context.Context, unitHash string) (string, error) {
	return a.repos.Balls.ByUnit(ctx, unitHash)
}

func (a *validatorStoreAdapter) OutputIsSpent(ctx context.Context, unit string, messageIndex, outputIndex int) (bool, error) {
	return a.repos.Outputs.IsSpent(ctx, unit, messageIndex, outputIndex)
}

func (a *validatorStoreAdapter) OutputOwner(ctx context.Context, unit string, messageIndex, outputIndex int) (string, string, uint64, error) {
	return a.repos.Outputs.OutputOwner(ctx, unit, messageIndex, outputIndex)
}

func (a *validatorStoreAdapter) DefinitionFor(ctx context.Context, address string) (interface{}, error) {
	return a.repos.Definitions.DefinitionFor(ctx, address)
}

func (a *validatorStoreAdapter) LastStableMCI(ctx context.Context) (uint64, error) {
	return a.repos.Units.LastStableMCI(ctx)
}

func (a *validatorStoreAdapter) IsAA(ctx context.Context, address string) (bool, error) {
	return a.repos.AA.IsAA(ctx, address)
}

func (a *validatorStoreAdapter) BounceFees(ctx context.Context, aaAddress string) (map[string]uint64, error) {
	return a.repos.Definitions.BounceFees(ctx, aaAddress)
}

// definitionContextAdapter satisfies definition.Context over the
// relational store. VerifySignature's interface carries no separate
// "message" parameter — address and pubkeyB64 are the only strings an
// author-level "sig" leaf has to work with — so the address string
// itself is what gets verified as the signed message, matching how a
// unit's own authentifier is produced by signing its own unit hash under
// an address derived from the signing key.
type definitionContextAdapter struct {
	repos *storage.Repositories
}

func (a *definitionContextAdapter) VerifySignature(address string, pubkeyB64 string, authentifier string) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return false, nil
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(authentifier)
	if err != nil {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(address), sig), nil
}

func (a *definitionContextAdapter) IsSeenAddress(ctx context.Context, address string) (bool, error) {
	return a.repos.Units.HasAuthored(ctx, address)
}

func (a *definitionContextAdapter) DataFeedValue(ctx context.Context, oracle, feedName string) (string, bool, error) {
	candidates, err := a.repos.DataFeed.Candidates(ctx, oracle, feedName)
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].MCI != candidates[j].MCI {
			return candidates[i].MCI > candidates[j].MCI
		}
		if candidates[i].Level != candidates[j].Level {
			return candidates[i].Level > candidates[j].Level
		}
		return candidates[i].UnitHash < candidates[j].UnitHash
	})
	return candidates[0].Value, true, nil
}

func (a *definitionContextAdapter) IsAttested(ctx context.Context, attestor, address, field, value string) (bool, error) {
	got, ok, err := a.repos.DataFeed.AttestationValue(ctx, attestor, address, field)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return got == value, nil
}

// witnessResolverAdapter satisfies witness.DefinitionResolver. No
// dedicated message app carries a witness list on the wire, so its
// payload is read from the witness_list_unit's "data" message, which is
// expected to carry a top-level "witnesses" array.
type witnessResolverAdapter struct {
	repos *storage.Repositories
}

func (a *witnessResolverAdapter) IsStable(ctx context.Context, unitHash string) (bool, error) {
	return a.repos.Units.IsStable(ctx, unitHash)
}

func (a *witnessResolverAdapter) WitnessListPayload(ctx context.Context, unitHash string) ([]string, error) {
	u, err := a.repos.Units.GetByHash(ctx, unitHash)
	if err != nil {
		return nil, err
	}
	for _, m := range u.Messages {
		if m.App != dag.AppData {
			continue
		}
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			continue
		}
		var body struct {
			Witnesses []string `json:"witnesses"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			continue
		}
		if len(body.Witnesses) > 0 {
			return body.Witnesses, nil
		}
	}
	return nil, fmt.Errorf("witness list unit %s carries no witnesses payload", unitHash)
}

// healthStatus tracks component readiness for the /health endpoint.
type healthStatus struct {
	mu        sync.RWMutex
	startedAt time.Time
	Database  string `json:"database"`
	Network   string `json:"network"`
	API       string `json:"api"`
}

func newHealthStatus() *healthStatus {
	return &healthStatus{startedAt: time.Now(), Database: "unknown", Network: "unknown", API: "unknown"}
}

func (h *healthStatus) SetDatabase(s string) { h.mu.Lock(); defer h.mu.Unlock(); h.Database = s }
func (h *healthStatus) SetNetwork(s string)  { h.mu.Lock(); defer h.mu.Unlock(); h.Network = s }
func (h *healthStatus) SetAPI(s string)      { h.mu.Lock(); defer h.mu.Unlock(); h.API = s }

func (h *healthStatus) ToJSON() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, _ := json.Marshal(struct {
		Database      string `json:"database"`
		Network       string `json:"network"`
		API           string `json:"api"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}{
		Database:      h.Database,
		Network:       h.Network,
		API:           h.API,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
	return data
}
