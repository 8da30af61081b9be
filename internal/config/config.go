// Package config holds runtime configuration for the memory engine.
// Values come from environment variables so the composition root can be
// driven by a .env file or the process environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config aggregates per-subsystem configuration.
type Config struct {
	Postgres    PostgresConfig
	Redis       RedisConfig
	Pool        PoolConfig
	Working     WorkingConfig
	Episodic    EpisodicConfig
	Vector      VectorConfig
	Sync        SyncConfig
	Coordinator CoordinatorConfig
}

// PostgresConfig describes the durable store connection.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ConnString builds a pgx connection string.
func (p PostgresConfig) ConnString() string {
	return "postgres://" + p.User + ":" + p.Password + "@" + p.Host + ":" + p.Port +
		"/" + p.Name + "?sslmode=" + p.SSLMode
}

// RedisConfig describes the cache backend connection.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port address of the cache backend.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// PoolConfig tunes the connection pool manager.
type PoolConfig struct {
	MaxConns            int32
	MinConns            int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	ReconnectInterval   time.Duration
	FailureWindow       int // rolling outcome window per backend
	ShutdownGrace       time.Duration
}

// WorkingConfig tunes the working-memory store.
type WorkingConfig struct {
	MaxThoughts int
	ThoughtTTL  time.Duration
	ContextTTL  time.Duration
	KeyPrefix   string
}

// EpisodicConfig tunes the episodic store.
type EpisodicConfig struct {
	ImportanceThreshold float64
	DecayRate           float64
	ImportanceFloor     float64
	MaxMemories         int
	PruneMinImportance  float64
}

// VectorConfig tunes the semantic index.
type VectorConfig struct {
	Dimension int
	Backend   string // flat, ivf or hnsw
	NList     int    // IVF cluster count
	NProbe    int    // IVF clusters probed per search
	IndexPath string
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	BatchSize           int
	MaxConcurrent       int64
	Strategy            string // latest_wins, merge or manual
	OutboxPath          string
	DrainInterval       time.Duration
	ConsistencyInterval time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	LockShards          int
}

// CoordinatorConfig tunes the coordinator facade.
type CoordinatorConfig struct {
	ConsolidationScore float64
	AssociationTopK    int
	RecentWindow       int
}

// Load builds a Config from the environment with defaults suitable for
// local development.
func Load() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:     getEnv("ENGRAM_DB_HOST", "localhost"),
			Port:     getEnv("ENGRAM_DB_PORT", "5432"),
			User:     getEnv("ENGRAM_DB_USER", "engram"),
			Password: getEnv("ENGRAM_DB_PASSWORD", "engram"),
			Name:     getEnv("ENGRAM_DB_NAME", "engram"),
			SSLMode:  getEnv("ENGRAM_DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("ENGRAM_REDIS_HOST", "localhost"),
			Port:     getEnv("ENGRAM_REDIS_PORT", "6379"),
			Password: getEnv("ENGRAM_REDIS_PASSWORD", ""),
			DB:       getEnvInt("ENGRAM_REDIS_DB", 0),
		},
		Pool: PoolConfig{
			MaxConns:            int32(getEnvInt("ENGRAM_POOL_MAX_CONNS", 10)),
			MinConns:            int32(getEnvInt("ENGRAM_POOL_MIN_CONNS", 2)),
			MaxConnLifetime:     getEnvDuration("ENGRAM_POOL_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime:     getEnvDuration("ENGRAM_POOL_CONN_IDLE", 30*time.Minute),
			ConnectTimeout:      getEnvDuration("ENGRAM_POOL_CONNECT_TIMEOUT", 5*time.Second),
			HealthCheckInterval: getEnvDuration("ENGRAM_POOL_HEALTH_INTERVAL", 30*time.Second),
			ReconnectInterval:   getEnvDuration("ENGRAM_POOL_RECONNECT_INTERVAL", 15*time.Second),
			FailureWindow:       getEnvInt("ENGRAM_POOL_FAILURE_WINDOW", 20),
			ShutdownGrace:       getEnvDuration("ENGRAM_POOL_SHUTDOWN_GRACE", 10*time.Second),
		},
		Working: WorkingConfig{
			MaxThoughts: getEnvInt("ENGRAM_WORKING_MAX_THOUGHTS", 100),
			ThoughtTTL:  getEnvDuration("ENGRAM_WORKING_THOUGHT_TTL", time.Hour),
			ContextTTL:  getEnvDuration("ENGRAM_WORKING_CONTEXT_TTL", 30*time.Minute),
			KeyPrefix:   getEnv("ENGRAM_WORKING_KEY_PREFIX", "working_memory"),
		},
		Episodic: EpisodicConfig{
			ImportanceThreshold: getEnvFloat("ENGRAM_EPISODIC_THRESHOLD", 0.7),
			DecayRate:           getEnvFloat("ENGRAM_EPISODIC_DECAY_RATE", 0.01),
			ImportanceFloor:     getEnvFloat("ENGRAM_EPISODIC_FLOOR", 0.1),
			MaxMemories:         getEnvInt("ENGRAM_EPISODIC_MAX_MEMORIES", 10000),
			PruneMinImportance:  getEnvFloat("ENGRAM_EPISODIC_PRUNE_MIN", 0.2),
		},
		Vector: VectorConfig{
			Dimension: getEnvInt("ENGRAM_VECTOR_DIM", 384),
			Backend:   getEnv("ENGRAM_VECTOR_BACKEND", "hnsw"),
			NList:     getEnvInt("ENGRAM_VECTOR_NLIST", 64),
			NProbe:    getEnvInt("ENGRAM_VECTOR_NPROBE", 8),
			IndexPath: getEnv("ENGRAM_VECTOR_INDEX_PATH", "data/semantic_index.json"),
		},
		Sync: SyncConfig{
			BatchSize:           getEnvInt("ENGRAM_SYNC_BATCH_SIZE", 16),
			MaxConcurrent:       int64(getEnvInt("ENGRAM_SYNC_MAX_CONCURRENT", 8)),
			Strategy:            getEnv("ENGRAM_SYNC_STRATEGY", "latest_wins"),
			OutboxPath:          getEnv("ENGRAM_SYNC_OUTBOX_PATH", "data/sync_outbox.db"),
			DrainInterval:       getEnvDuration("ENGRAM_SYNC_DRAIN_INTERVAL", 5*time.Second),
			ConsistencyInterval: getEnvDuration("ENGRAM_SYNC_CONSISTENCY_INTERVAL", 5*time.Minute),
			MaxRetries:          getEnvInt("ENGRAM_SYNC_MAX_RETRIES", 5),
			RetryBackoff:        getEnvDuration("ENGRAM_SYNC_RETRY_BACKOFF", 2*time.Second),
			LockShards:          getEnvInt("ENGRAM_SYNC_LOCK_SHARDS", 64),
		},
		Coordinator: CoordinatorConfig{
			ConsolidationScore: getEnvFloat("ENGRAM_CONSOLIDATION_SCORE", 0.6),
			AssociationTopK:    getEnvInt("ENGRAM_ASSOCIATION_TOPK", 3),
			RecentWindow:       getEnvInt("ENGRAM_RECENT_WINDOW", 20),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
