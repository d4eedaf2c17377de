// Package config provides environment-based configuration for the synergy node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Config holds all configuration for the synergy node.
type Config struct {
	// Node identity
	NodeID       string
	NodeEndpoint string
	GenesisFile  string

	// Database configuration. Empty means in-memory ledger and queue.
	DatabaseDSN string

	// Authentication
	JWTSecret          string
	JWTExpiry          time.Duration
	APIKeyHeader       string
	OperatorAPIKeyHash string

	// Server configuration
	APIPort  int
	GRPCPort int
	APIHost  string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Per-request budget for /health component checks
	HealthCheckTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	Consensus ConsensusConfig
	Cluster   ClusterConfig
	Points    PointsConfig
	Snapshot  SnapshotConfig
}

// ConsensusConfig holds per-cluster agreement protocol configuration.
type ConsensusConfig struct {
	RequestTimeout      time.Duration
	ViewChangeTimeout   time.Duration
	MaxFailedViews      int
	MaintenanceInterval time.Duration
}

// ClusterConfig holds cluster lifecycle configuration.
type ClusterConfig struct {
	MinValidators     int
	MaxValidators     int
	ReshuffleInterval time.Duration
}

// PointsConfig holds synergy points scoring configuration.
type PointsConfig struct {
	BasePerTask    uint64
	MaxEfficiency  float64
	MaxConsistency float64
	DecayRate      float64
	EpochDuration  time.Duration
	HistoryLimit   int
}

// SnapshotConfig holds crash-recovery snapshot configuration.
type SnapshotConfig struct {
	// Dir is where file snapshots are written when no database is configured.
	Dir string
	// AgeRecipient is the age public key used to encrypt file snapshots.
	// Format: age1... (Bech32 encoded)
	AgeRecipient string
	// AgeIdentity is the age private key used to decrypt file snapshots.
	// Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgeIdentity string
	Interval    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = getEnv("JWT_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and consistent.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}
	if c.NodeEndpoint != "" {
		if _, err := multiaddr.NewMultiaddr(c.NodeEndpoint); err != nil {
			return fmt.Errorf("NODE_ENDPOINT is not a valid multiaddr: %w", err)
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Cluster.MinValidators < 1 {
		return fmt.Errorf("CLUSTER_MIN_VALIDATORS must be positive")
	}
	if c.Cluster.MaxValidators < c.Cluster.MinValidators {
		return fmt.Errorf("CLUSTER_MAX_VALIDATORS must be >= CLUSTER_MIN_VALIDATORS")
	}
	if c.Points.DecayRate < 0 || c.Points.DecayRate >= 1 {
		return fmt.Errorf("POINTS_DECAY_RATE must be in [0, 1)")
	}
	if c.Points.EpochDuration <= 0 {
		return fmt.Errorf("POINTS_EPOCH_DURATION must be positive")
	}
	if c.Consensus.MaintenanceInterval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}
	if c.Snapshot.AgeRecipient != "" && c.Snapshot.AgeIdentity == "" {
		return fmt.Errorf("SNAPSHOT_AGE_IDENTITY is required when SNAPSHOT_AGE_RECIPIENT is set")
	}
	if c.Snapshot.AgeIdentity != "" && c.Snapshot.AgeRecipient == "" {
		return fmt.Errorf("SNAPSHOT_AGE_RECIPIENT is required when SNAPSHOT_AGE_IDENTITY is set")
	}
	return nil
}

// JSONLogs reports whether logs should be emitted as JSON.
func (c *Config) JSONLogs() bool {
	return !strings.EqualFold(c.LogFormat, "text")
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		NodeID:             getEnv("NODE_ID", ""),
		NodeEndpoint:       getEnv("NODE_ENDPOINT", ""),
		GenesisFile:        getEnv("GENESIS_FILE", ""),
		DatabaseDSN:        getEnv("DATABASE_URL", ""),
		JWTSecret:          getEnv("JWT_SECRET", "development-secret-key-min-32-chars"),
		JWTExpiry:          getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIKeyHeader:       getEnv("API_KEY_HEADER", "X-API-Key"),
		OperatorAPIKeyHash: getEnv("OPERATOR_API_KEY_HASH", ""),
		APIPort:            getIntEnv("API_PORT", 8080),
		GRPCPort:           getIntEnv("GRPC_PORT", 9090),
		APIHost:            getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthCheckTimeout: getDurationEnv("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		Consensus: ConsensusConfig{
			RequestTimeout:      getDurationEnv("CONSENSUS_REQUEST_TIMEOUT", 30*time.Second),
			ViewChangeTimeout:   getDurationEnv("CONSENSUS_VIEW_CHANGE_TIMEOUT", 30*time.Second),
			MaxFailedViews:      getIntEnv("CONSENSUS_MAX_FAILED_VIEWS", 5),
			MaintenanceInterval: getDurationEnv("MAINTENANCE_INTERVAL", 60*time.Second),
		},
		Cluster: ClusterConfig{
			MinValidators:     getIntEnv("CLUSTER_MIN_VALIDATORS", 7),
			MaxValidators:     getIntEnv("CLUSTER_MAX_VALIDATORS", 15),
			ReshuffleInterval: getDurationEnv("CLUSTER_RESHUFFLE_INTERVAL", 8*time.Hour),
		},
		Points: PointsConfig{
			BasePerTask:    uint64(getIntEnv("POINTS_BASE_PER_TASK", 10)),
			MaxEfficiency:  getFloatEnv("POINTS_MAX_EFFICIENCY", 2.0),
			MaxConsistency: getFloatEnv("POINTS_MAX_CONSISTENCY", 1.5),
			DecayRate:      getFloatEnv("POINTS_DECAY_RATE", 0.05),
			EpochDuration:  getDurationEnv("POINTS_EPOCH_DURATION", 24*time.Hour),
			HistoryLimit:   getIntEnv("POINTS_HISTORY_LIMIT", 100),
		},
		Snapshot: SnapshotConfig{
			Dir:          getEnv("SNAPSHOT_DIR", "/var/lib/synergyd/snapshots"),
			AgeRecipient: getEnv("SNAPSHOT_AGE_RECIPIENT", ""),
			AgeIdentity:  getEnv("SNAPSHOT_AGE_IDENTITY", ""),
			Interval:     getDurationEnv("SNAPSHOT_INTERVAL", 5*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
