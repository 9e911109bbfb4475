// Copyright 2025 Certen Protocol
//
// Package config loads node configuration from environment variables, with
// an optional YAML overlay for values that are awkward to express as a
// single env var (the witness list, peer seeds).

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a node process.
type Config struct {
	// Identity
	NodeID      string
	ChainID     string // identifies the DAG network this node joins, analogous to CometBFT's ChainID
	DataDir     string
	SigningKeyPath string // path to the node's own ed25519 signing key, if it posts units

	// Relational store (units/outputs/balls/aa schema)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Embedded KV store (AA state variables, journal replay watermark)
	KVBackend string // "goleveldb", "badgerdb", "boltdb" — passed to cometbft-db's db.NewDB
	KVDir     string

	// P2P transport
	P2PListenAddr string
	P2PSeeds      []string
	P2PMaxPeers   int

	// HTTP query surface
	ListenAddr  string
	MetricsAddr string

	// Witness list this node treats as authoritative for stability
	// calculations until a witness-list-change unit supersedes it.
	Witnesses []string

	// Values read from MAJORITY_OF_WITNESSES and COUNT_WITNESSES (zero when
	// unset). No other package reads these fields: pkg/graph and
	// pkg/witness use the compiled-in constants from pkg/dag/constants.go.
	MajorityOfWitnesses int
	CountWitnesses      int

	LogLevel  string
	LogFormat string // "plain" or "json", passed to cometbft/libs/log

	MetricsEnabled bool
}

// fileOverlay is the subset of Config that may additionally be supplied via
// an optional YAML file (witnesses and seeds are unwieldy as a single env
// var line). Anything set in the file overrides the env-derived default,
// and anything set by env var after Load() overrides the file — env vars
// win, matching the teacher's "env vars are the source of truth" posture.
type fileOverlay struct {
	Witnesses []string `yaml:"witnesses"`
	P2PSeeds  []string `yaml:"p2p_seeds"`
}

// Load reads configuration from environment variables. If CONFIG_FILE is
// set, its witnesses/p2p_seeds are read as defaults before env vars are
// applied on top.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:         getEnv("NODE_ID", ""),
		ChainID:        getEnv("CHAIN_ID", "dagchain-devnet"),
		DataDir:        getEnv("DATA_DIR", "./data"),
		SigningKeyPath: getEnv("SIGNING_KEY_PATH", ""),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		KVBackend: getEnv("KV_BACKEND", "goleveldb"),
		KVDir:     getEnv("KV_DIR", ""),

		P2PListenAddr: getEnv("P2P_LISTEN_ADDR", "tcp://0.0.0.0:26656"),
		P2PMaxPeers:   getEnvInt("P2P_MAX_PEERS", 50),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		MajorityOfWitnesses: getEnvInt("MAJORITY_OF_WITNESSES", 0),
		CountWitnesses:      getEnvInt("COUNT_WITNESSES", 0),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "plain"),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		overlay, err := loadFileOverlay(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if len(overlay.Witnesses) > 0 {
			cfg.Witnesses = overlay.Witnesses
		}
		if len(overlay.P2PSeeds) > 0 {
			cfg.P2PSeeds = overlay.P2PSeeds
		}
	}

	if v := getEnv("WITNESSES", ""); v != "" {
		cfg.Witnesses = splitCSV(v)
	}
	if v := getEnv("P2P_SEEDS", ""); v != "" {
		cfg.P2PSeeds = splitCSV(v)
	}

	if cfg.KVDir == "" {
		cfg.KVDir = cfg.DataDir
	}

	return cfg, nil
}

func loadFileOverlay(path string) (*fileOverlay, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o fileOverlay
	if err := yaml.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &o, nil
}

// Validate checks that configuration required to run a node is present.
// Witnesses is deliberately left unchecked against exact count here —
// pkg/witness.Validate enforces the compiled-in COUNT_WITNESSES at the
// point a witness list is actually adopted.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.ChainID == "" {
		errs = append(errs, "CHAIN_ID is required but not set")
	}
	if len(c.Witnesses) == 0 {
		errs = append(errs, "WITNESSES (or CONFIG_FILE witnesses:) is required but not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads a duration-valued env var, falling back to
// defaultValue when it is unset or unparsable. Load does not call it.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
