// Package pool owns raw connections to the durable store and the cache
// backend, classifies each backend's health from a rolling failure window
// and rebuilds pools that have gone unhealthy.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/events"
)

// Manager builds and supervises the durable-store pool and the cache
// client. Stores acquire connections through it and report operation
// outcomes back into its failure windows.
type Manager struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *logrus.Logger

	mu          sync.RWMutex
	durablePool *pgxpool.Pool
	cacheClient *redis.Client
	health      map[string]Health
	windows     map[string]*failureWindow

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	stats ManagerStats
}

// ManagerStats holds pool manager counters.
type ManagerStats struct {
	mu             sync.Mutex
	ProbesRun      int64
	ProbeFailures  int64
	Reconnects     int64
	ReconnectFails int64
}

// NewManager creates a pool manager. Initialize must be called before
// connections can be acquired.
func NewManager(cfg *config.Config, bus *events.Bus, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		health: map[string]Health{
			BackendDurable: HealthDisconnected,
			BackendCache:   HealthDisconnected,
		},
		windows: map[string]*failureWindow{
			BackendDurable: newFailureWindow(cfg.Pool.FailureWindow),
			BackendCache:   newFailureWindow(cfg.Pool.FailureWindow),
		},
	}
}

// Initialize builds both pools, probes each backend and starts the
// health-check and reconnect loops. A backend that fails its probe is
// left disconnected; the reconnect loop keeps trying.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.buildDurablePool(ctx)
	m.buildCacheClient(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.healthLoop(loopCtx)
	go m.reconnectLoop(loopCtx)

	return nil
}

func (m *Manager) buildDurablePool(ctx context.Context) {
	poolCfg, err := pgxpool.ParseConfig(m.cfg.Postgres.ConnString())
	if err != nil {
		m.logger.WithError(err).Error("Failed to parse durable store config")
		m.setHealth(BackendDurable, HealthDisconnected)
		return
	}
	poolCfg.MaxConns = m.cfg.Pool.MaxConns
	poolCfg.MinConns = m.cfg.Pool.MinConns
	poolCfg.MaxConnLifetime = m.cfg.Pool.MaxConnLifetime
	poolCfg.MaxConnIdleTime = m.cfg.Pool.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = m.cfg.Pool.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		m.logger.WithError(err).Warn("Durable store pool creation failed")
		m.setHealth(BackendDurable, HealthDisconnected)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Pool.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(probeCtx); err != nil {
		m.logger.WithError(err).Warn("Durable store probe failed")
		pool.Close()
		m.setHealth(BackendDurable, HealthDisconnected)
		return
	}

	m.mu.Lock()
	m.durablePool = pool
	m.mu.Unlock()
	m.windows[BackendDurable].Reset()
	m.setHealth(BackendDurable, HealthHealthy)
	m.logger.WithField("backend", BackendDurable).Info("Durable store connected")
}

func (m *Manager) buildCacheClient(ctx context.Context) {
	client := redis.NewClient(&redis.Options{
		Addr:        m.cfg.Redis.Addr(),
		Password:    m.cfg.Redis.Password,
		DB:          m.cfg.Redis.DB,
		DialTimeout: m.cfg.Pool.ConnectTimeout,
	})

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Pool.ConnectTimeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		m.logger.WithError(err).Warn("Cache backend probe failed")
		_ = client.Close()
		m.setHealth(BackendCache, HealthDisconnected)
		return
	}

	m.mu.Lock()
	m.cacheClient = client
	m.mu.Unlock()
	m.windows[BackendCache].Reset()
	m.setHealth(BackendCache, HealthHealthy)
	m.logger.WithField("backend", BackendCache).Info("Cache backend connected")
}

// AcquireDurable returns a scoped durable-store connection. The caller
// must Release it.
func (m *Manager) AcquireDurable(ctx context.Context) (*pgxpool.Conn, error) {
	m.mu.RLock()
	pool := m.durablePool
	health := m.health[BackendDurable]
	m.mu.RUnlock()

	if pool == nil {
		return nil, &ConnectionError{Backend: BackendDurable, Reason: "pool not initialized"}
	}
	if health == HealthUnhealthy || health == HealthDisconnected {
		return nil, &ConnectionError{Backend: BackendDurable, Reason: "backend " + string(health)}
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		m.RecordFailure(BackendDurable)
		return nil, &ConnectionError{Backend: BackendDurable, Reason: err.Error()}
	}
	return conn, nil
}

// CacheClient returns the cache client when the backend is usable.
func (m *Manager) CacheClient() (*redis.Client, error) {
	m.mu.RLock()
	client := m.cacheClient
	health := m.health[BackendCache]
	m.mu.RUnlock()

	if client == nil {
		return nil, &ConnectionError{Backend: BackendCache, Reason: "client not initialized"}
	}
	if health == HealthUnhealthy || health == HealthDisconnected {
		return nil, &ConnectionError{Backend: BackendCache, Reason: "backend " + string(health)}
	}
	return client, nil
}

// DurablePool exposes the raw pool for schema bootstrap. May be nil.
func (m *Manager) DurablePool() *pgxpool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.durablePool
}

// RecordFailure feeds a failed backend operation into the rolling window.
func (m *Manager) RecordFailure(backend string) {
	if w, ok := m.windows[backend]; ok {
		w.Record(true)
		m.reclassify(backend)
	}
}

// RecordSuccess feeds a successful backend operation into the rolling window.
func (m *Manager) RecordSuccess(backend string) {
	if w, ok := m.windows[backend]; ok {
		w.Record(false)
		m.reclassify(backend)
	}
}

// reclassify re-derives health from the failure window. Disconnected
// backends stay disconnected until the reconnect loop restores them.
func (m *Manager) reclassify(backend string) {
	m.mu.RLock()
	current := m.health[backend]
	m.mu.RUnlock()
	if current == HealthDisconnected {
		return
	}
	m.setHealth(backend, classify(m.windows[backend].FailureRate()))
}

func (m *Manager) setHealth(backend string, health Health) {
	m.mu.Lock()
	prev := m.health[backend]
	m.health[backend] = health
	m.mu.Unlock()

	if prev == health {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"backend": backend,
		"from":    prev,
		"to":      health,
	}).Info("Backend health changed")

	if m.bus == nil {
		return
	}
	switch {
	case health == HealthHealthy && (prev == HealthDisconnected || prev == HealthUnhealthy):
		m.bus.Publish(events.NewEvent(events.EventBackendConnected, "pool", backend))
	case health == HealthDisconnected:
		m.bus.Publish(events.NewEvent(events.EventBackendDisconnected, "pool", backend))
	default:
		m.bus.Publish(events.NewEvent(events.EventBackendHealthChanged, "pool", map[string]string{
			"backend": backend,
			"health":  string(health),
		}))
	}
}

// Health returns the current classification of a backend.
func (m *Manager) Health(backend string) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health[backend]
}

// healthLoop periodically probes both backends and feeds the outcomes
// into the failure windows.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Pool.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, BackendDurable)
			m.probe(ctx, BackendCache)
		}
	}
}

func (m *Manager) probe(ctx context.Context, backend string) {
	m.stats.mu.Lock()
	m.stats.ProbesRun++
	m.stats.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Pool.ConnectTimeout)
	defer cancel()

	var err error
	switch backend {
	case BackendDurable:
		m.mu.RLock()
		pool := m.durablePool
		m.mu.RUnlock()
		if pool == nil {
			return
		}
		err = pool.Ping(probeCtx)
	case BackendCache:
		m.mu.RLock()
		client := m.cacheClient
		m.mu.RUnlock()
		if client == nil {
			return
		}
		err = client.Ping(probeCtx).Err()
	}

	if err != nil {
		m.stats.mu.Lock()
		m.stats.ProbeFailures++
		m.stats.mu.Unlock()
		m.logger.WithError(err).WithField("backend", backend).Debug("Health probe failed")
		m.RecordFailure(backend)
		return
	}
	m.RecordSuccess(backend)
}

// reconnectLoop tears down and rebuilds any backend classified unhealthy
// or disconnected.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Pool.ReconnectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h := m.Health(BackendDurable); h == HealthUnhealthy || h == HealthDisconnected {
				m.reconnectDurable(ctx)
			}
			if h := m.Health(BackendCache); h == HealthUnhealthy || h == HealthDisconnected {
				m.reconnectCache(ctx)
			}
		}
	}
}

func (m *Manager) reconnectDurable(ctx context.Context) {
	m.stats.mu.Lock()
	m.stats.Reconnects++
	m.stats.mu.Unlock()

	m.mu.Lock()
	if m.durablePool != nil {
		m.durablePool.Close()
		m.durablePool = nil
	}
	m.mu.Unlock()

	m.buildDurablePool(ctx)
	if m.Health(BackendDurable) != HealthHealthy {
		m.stats.mu.Lock()
		m.stats.ReconnectFails++
		m.stats.mu.Unlock()
	}
}

func (m *Manager) reconnectCache(ctx context.Context) {
	m.stats.mu.Lock()
	m.stats.Reconnects++
	m.stats.mu.Unlock()

	m.mu.Lock()
	if m.cacheClient != nil {
		_ = m.cacheClient.Close()
		m.cacheClient = nil
	}
	m.mu.Unlock()

	m.buildCacheClient(ctx)
	if m.Health(BackendCache) != HealthHealthy {
		m.stats.mu.Lock()
		m.stats.ReconnectFails++
		m.stats.mu.Unlock()
	}
}

// Shutdown cancels the background loops, waits out a bounded grace period
// for in-flight work and closes both pools.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := m.cfg.Pool.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("Pool shutdown grace period elapsed before loops finished")
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.durablePool != nil {
		m.durablePool.Close()
		m.durablePool = nil
	}
	if m.cacheClient != nil {
		_ = m.cacheClient.Close()
		m.cacheClient = nil
	}
	m.health[BackendDurable] = HealthDisconnected
	m.health[BackendCache] = HealthDisconnected
	return nil
}

// Stats returns per-backend health and probe counters.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	health := map[string]string{
		BackendDurable: string(m.health[BackendDurable]),
		BackendCache:   string(m.health[BackendCache]),
	}
	m.mu.RUnlock()

	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return map[string]interface{}{
		"health":               health,
		"durable_failure_rate": m.windows[BackendDurable].FailureRate(),
		"cache_failure_rate":   m.windows[BackendCache].FailureRate(),
		"probes_run":           m.stats.ProbesRun,
		"probe_failures":       m.stats.ProbeFailures,
		"reconnects":           m.stats.Reconnects,
		"reconnect_failures":   m.stats.ReconnectFails,
	}
}
