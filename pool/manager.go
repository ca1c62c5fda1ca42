// Package pool owns every database connection pool in the process, one per
// node. Pools are created lazily on first use and live until the node's
// pool is removed or the manager shuts down.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
)

const (
	namespace     = "shardpilot"
	poolSubsystem = "pool"
)

var globalPoolMetrics = newPoolMetrics()

// PrometheusCollectors returns all prometheus metrics for the pool package.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		globalPoolMetrics.opened,
		globalPoolMetrics.connErrors,
	}
}

type poolMetrics struct {
	opened     *prometheus.CounterVec
	connErrors *prometheus.CounterVec
}

func newPoolMetrics() *poolMetrics {
	nodeLabels := []string{"node"}
	return &poolMetrics{
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: poolSubsystem,
			Name:      "opened_total",
			Help:      "Number of connection pools opened",
		}, nodeLabels),
		connErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: poolSubsystem,
			Name:      "conn_errors_total",
			Help:      "Number of connectivity failures observed on the query path",
		}, nodeLabels),
	}
}

// Stats is a point-in-time snapshot of one node's pool.
type Stats struct {
	AcquireCount    int64         `json:"acquire_count"`
	AcquireDuration time.Duration `json:"acquire_duration"`
	AcquiredConns   int32         `json:"acquired_conns"`
	IdleConns       int32         `json:"idle_conns"`
	TotalConns      int32         `json:"total_conns"`
	MaxConns        int32         `json:"max_conns"`
}

// Manager creates and owns one pgx pool per node.
type Manager struct {
	config  Config
	metrics *poolMetrics

	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool

	logger *zap.Logger
}

// NewManager returns a new instance of Manager.
func NewManager(c Config) *Manager {
	return &Manager{
		config:  c,
		metrics: globalPoolMetrics,
		pools:   make(map[string]*pgxpool.Pool),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the manager.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "pool"))
}

// Pool returns the pool for node, creating it on first use. The pool's
// size derives from the node's connection budget: the budget caps the pool
// and a quarter of it is kept warm.
func (m *Manager) Pool(ctx context.Context, node *cluster.Node) (*pgxpool.Pool, error) {
	m.mu.RLock()
	p, ok := m.pools[node.ID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[node.ID]; ok {
		return p, nil
	}

	cfg, err := pgxpool.ParseConfig(connString(node))
	if err != nil {
		return nil, fmt.Errorf("parse pool config for node %q: %s", node.ID, err)
	}
	cfg.MaxConns = node.MaxConns
	cfg.MinConns = node.MaxConns / 4
	if cfg.MinConns < 1 {
		cfg.MinConns = 1
	}
	cfg.MaxConnLifetime = time.Duration(m.config.MaxConnLifetime)
	cfg.MaxConnIdleTime = time.Duration(m.config.MaxConnIdleTime)
	cfg.HealthCheckPeriod = time.Duration(m.config.HealthCheckPeriod)
	cfg.ConnConfig.ConnectTimeout = time.Duration(m.config.ConnectTimeout)

	p, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for node %q: %s", node.ID, err)
	}
	m.pools[node.ID] = p

	m.metrics.opened.With(prometheus.Labels{"node": node.ID}).Inc()
	m.logger.Info("Opened connection pool",
		zap.String("node", node.ID),
		zap.String("addr", node.Addr()),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns))
	return p, nil
}

// Stats returns the pool statistics for a node. ok is false when no pool
// has been created for the node yet.
func (m *Manager) Stats(nodeID string) (Stats, bool) {
	m.mu.RLock()
	p, ok := m.pools[nodeID]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}

	st := p.Stat()
	return Stats{
		AcquireCount:    st.AcquireCount(),
		AcquireDuration: st.AcquireDuration(),
		AcquiredConns:   st.AcquiredConns(),
		IdleConns:       st.IdleConns(),
		TotalConns:      st.TotalConns(),
		MaxConns:        st.MaxConns(),
	}, true
}

// Remove closes and forgets the pool for a node. Draining happens off the
// caller's goroutine so a node with wedged connections cannot stall a
// failover.
func (m *Manager) Remove(nodeID string) {
	m.mu.Lock()
	p, ok := m.pools[nodeID]
	delete(m.pools, nodeID)
	m.mu.Unlock()
	if !ok {
		return
	}

	go p.Close()
	m.logger.Info("Removed connection pool", zap.String("node", nodeID))
}

// Close drains every pool. Used at shutdown only.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*pgxpool.Pool)
	m.mu.Unlock()

	for id, p := range pools {
		p.Close()
		m.logger.Info("Closed connection pool", zap.String("node", id))
	}
}

// NoteConnError records an execution failure against the node that served
// it. Connectivity failures flip the node unhealthy immediately so routing
// reacts before the next health tick; statement-level failures are left to
// the health checker. Reports whether the node was flagged.
func (m *Manager) NoteConnError(node *cluster.Node, err error) bool {
	if !IsConnError(err) {
		return false
	}

	node.MarkUnhealthy(time.Now())
	m.metrics.connErrors.With(prometheus.Labels{"node": node.ID}).Inc()
	m.logger.Warn("Marking node unhealthy after connection error",
		zap.String("node", node.ID),
		zap.Error(err))
	return true
}

// IsConnError reports whether err indicates a broken or unreachable node
// rather than a statement-level failure.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}

func connString(node *cluster.Node) string {
	sslmode := "disable"
	if node.UseTLS {
		sslmode = "require"
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(node.User, node.Password),
		Host:   node.Addr(),
		Path:   "/" + node.Database,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}
