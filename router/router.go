// Package router places statements on cluster nodes: it resolves the shard
// for a key, picks a node the request is allowed to run on, retries
// transient failures with backoff, and keeps per-node query statistics.
// Results are opaque to the router; it never parses SQL or rows.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/pool"
)

const (
	namespace       = "shardpilot"
	routerSubsystem = "router"
)

var globalRouterMetrics = newRouterMetrics()

// PrometheusCollectors returns all prometheus metrics for the router package.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		globalRouterMetrics.queries,
		globalRouterMetrics.retries,
		globalRouterMetrics.fallbacks,
		globalRouterMetrics.duration,
		globalRouterMetrics.cacheHits,
		globalRouterMetrics.cacheMisses,
	}
}

type routerMetrics struct {
	queries     *prometheus.CounterVec
	retries     prometheus.Counter
	fallbacks   prometheus.Counter
	duration    *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

func newRouterMetrics() *routerMetrics {
	return &routerMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "queries_total",
			Help:      "Number of routed statements by shard and outcome",
		}, []string{"shard", "status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "retries_total",
			Help:      "Number of statement retries",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "read_fallbacks_total",
			Help:      "Number of reads served off their preferred target",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "duration_seconds",
			Help:      "Statement latency by shard",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"shard"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "cache_hits_total",
			Help:      "Number of reads served from the query cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: routerSubsystem,
			Name:      "cache_misses_total",
			Help:      "Number of cacheable reads that missed the cache",
		}),
	}
}

// Router places statements on cluster nodes.
type Router struct {
	config Config

	// Clock drives retry backoff and cache expiry. Replaceable for
	// testing.
	Clock clock.Clock

	TopologyStore interface {
		ShardForKey(key string) (*cluster.Shard, error)
		Shards() []*cluster.Shard
	}

	PoolStore interface {
		Stats(nodeID string) (pool.Stats, bool)
		NoteConnError(node *cluster.Node, err error) bool
	}

	Executor interface {
		Query(ctx context.Context, node *cluster.Node, stmt string, params []interface{}) (*Result, error)
		Begin(ctx context.Context, node *cluster.Node) (Tx, error)
	}

	Logger *zap.Logger

	metrics *routerMetrics
	cache   *queryCache
	sf      singleflight.Group

	mu       sync.Mutex
	stats    map[string]*nodeStats
	rrByShrd map[string]*uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter returns an instance of Router.
func NewRouter(c Config) *Router {
	r := &Router{
		config:   c,
		Clock:    clock.New(),
		Logger:   zap.NewNop(),
		metrics:  globalRouterMetrics,
		stats:    make(map[string]*nodeStats),
		rrByShrd: make(map[string]*uint64),
	}
	if c.CacheEnabled {
		r.cache = newQueryCache(time.Duration(c.CacheTTL), uint64(c.CacheMaxSize), r.Clock)
	}
	return r
}

// WithLogger sets the logger on the router.
func (r *Router) WithLogger(log *zap.Logger) {
	r.Logger = log.With(zap.String("service", "router"))
}

// Open starts the cache janitor.
func (r *Router) Open(ctx context.Context) error {
	if r.cancel != nil {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	if r.cache != nil {
		r.wg.Add(1)
		go r.runJanitor(ctx)
	}
	return nil
}

// Close stops the cache janitor.
func (r *Router) Close() error {
	if r.cancel == nil {
		return nil
	}

	r.cancel()
	r.wg.Wait()
	r.cancel = nil

	return nil
}

func (r *Router) runJanitor(ctx context.Context) {
	defer r.wg.Done()

	t := r.Clock.Ticker(r.cache.ttl)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.cache.purge()
		case <-ctx.Done():
			return
		}
	}
}

// Execute resolves, places and runs one statement. Reads follow the
// configured read preference; writes always run on the shard's primary and
// fail when it is unhealthy. Transient failures are retried with
// exponential backoff up to the configured cap.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.ShardKey == "" {
		return nil, ErrShardKeyRequired
	}

	sh, err := r.TopologyStore.ShardForKey(req.ShardKey)
	if err != nil {
		return nil, err
	}

	if req.UseCache && req.ReadOnly && r.cache != nil {
		return r.executeCached(ctx, sh, req)
	}
	return r.execute(ctx, sh, req)
}

// executeCached serves a read through the query cache. Concurrent misses
// for the same key collapse into one execution.
func (r *Router) executeCached(ctx context.Context, sh *cluster.Shard, req Request) (*Result, error) {
	key := cacheKey(sh.ID, req)
	if res, ok := r.cache.get(key); ok {
		r.metrics.cacheHits.Inc()
		return res, nil
	}
	r.metrics.cacheMisses.Inc()

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		res, err := r.execute(ctx, sh, req)
		if err != nil {
			return nil, err
		}
		r.cache.put(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Router) execute(ctx context.Context, sh *cluster.Shard, req Request) (*Result, error) {
	backoff := time.Duration(r.config.RetryBackoff)
	maxBackoff := time.Duration(r.config.MaxRetryBackoff)

	var lastErr error
	var lastNode *cluster.Node
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.metrics.retries.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-r.Clock.After(backoff):
			}
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		node, err := r.selectNode(sh, req.ReadOnly)
		if err != nil {
			r.metrics.queries.With(prometheus.Labels{"shard": sh.ID, "status": "unroutable"}).Inc()
			return nil, err
		}

		start := r.Clock.Now()
		res, err := r.executeAttempt(ctx, node, req)
		latency := r.Clock.Now().Sub(start)
		r.recordAttempt(sh.ID, node, latency, err)

		if err == nil {
			r.metrics.queries.With(prometheus.Labels{"shard": sh.ID, "status": "ok"}).Inc()
			return res, nil
		}
		lastErr = err
		lastNode = node

		r.PoolStore.NoteConnError(node, err)
		r.Logger.Warn("Statement attempt failed",
			zap.String("shard", sh.ID),
			zap.String("node", node.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if IsPermanent(err) {
			break
		}
	}

	r.metrics.queries.With(prometheus.Labels{"shard": sh.ID, "status": "error"}).Inc()
	return nil, fmt.Errorf("statement on shard %q node %q failed: %w", sh.ID, lastNode.ID, lastErr)
}

func (r *Router) executeAttempt(ctx context.Context, node *cluster.Node, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.config.QueryTimeout))
	defer cancel()
	return r.Executor.Query(ctx, node, req.Statement, req.Params)
}

// selectNode picks the node allowed to serve a request. Writes require a
// healthy primary; reads follow the read preference and may fall back to
// any healthy shard member when the fallback policy allows it.
func (r *Router) selectNode(sh *cluster.Shard, readOnly bool) (*cluster.Node, error) {
	primary := sh.Primary()

	if !readOnly {
		if primary == nil || !primary.Healthy() {
			return nil, fmt.Errorf("%w for write on shard %q: primary unavailable", ErrNoHealthyNode, sh.ID)
		}
		return primary, nil
	}

	switch r.config.ReadPreference {
	case ReadPreferencePrimary:
		if primary != nil && primary.Healthy() {
			return primary, nil
		}
		if r.config.Fallback == FallbackReads {
			if n := r.nextHealthyReplica(sh); n != nil {
				r.metrics.fallbacks.Inc()
				return n, nil
			}
		}
	default:
		if n := r.nextHealthyReplica(sh); n != nil {
			return n, nil
		}
		if r.config.Fallback == FallbackReads && primary != nil && primary.Healthy() {
			r.metrics.fallbacks.Inc()
			return primary, nil
		}
	}
	return nil, fmt.Errorf("%w for read on shard %q", ErrNoHealthyNode, sh.ID)
}

// nextHealthyReplica rotates round-robin over the shard's healthy replicas.
func (r *Router) nextHealthyReplica(sh *cluster.Shard) *cluster.Node {
	replicas := sh.HealthyReplicas()
	if len(replicas) == 0 {
		return nil
	}
	i := atomic.AddUint64(r.rrCounter(sh.ID), 1)
	return replicas[int((i-1)%uint64(len(replicas)))]
}

func (r *Router) rrCounter(shardID string) *uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rrByShrd[shardID]
	if !ok {
		c = new(uint64)
		r.rrByShrd[shardID] = c
	}
	return c
}

// recordAttempt updates the per-node rolling statistics. Every attempt
// counts, including the failed ones a retry follows.
func (r *Router) recordAttempt(shardID string, node *cluster.Node, latency time.Duration, err error) {
	r.nodeStats(node.ID).record(latency, err)
	r.metrics.duration.With(prometheus.Labels{"shard": shardID}).Observe(latency.Seconds())
}

func (r *Router) nodeStats(nodeID string) *nodeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[nodeID]
	if !ok {
		s = &nodeStats{}
		r.stats[nodeID] = s
	}
	return s
}

// nodeStats accumulates one node's query statistics.
type nodeStats struct {
	mu         sync.Mutex
	queries    int64
	failures   int64
	avgLatency time.Duration
}

func (s *nodeStats) record(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if err != nil {
		s.failures++
	}
	s.avgLatency += (latency - s.avgLatency) / time.Duration(s.queries)
}

func (s *nodeStats) snapshot() (queries, failures int64, avgLatency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.failures, s.avgLatency
}

// NodeStatistics reports one node's routing statistics.
type NodeStatistics struct {
	NodeID         string        `json:"node_id"`
	Role           string        `json:"role"`
	Healthy        bool          `json:"healthy"`
	QueryCount     int64         `json:"query_count"`
	FailureCount   int64         `json:"failure_count"`
	AvgLatency     time.Duration `json:"avg_latency"`
	ReplicationLag time.Duration `json:"replication_lag,omitempty"`
	Pool           *pool.Stats   `json:"pool,omitempty"`
}

// ShardStatistics reports one shard's routing view.
type ShardStatistics struct {
	ShardID  string           `json:"shard_id"`
	Primary  *NodeStatistics  `json:"primary,omitempty"`
	Replicas []NodeStatistics `json:"replicas"`
}

// Statistics returns per-shard routing statistics including node health,
// query counters and pool state.
func (r *Router) Statistics() []ShardStatistics {
	shards := r.TopologyStore.Shards()
	out := make([]ShardStatistics, 0, len(shards))
	for _, sh := range shards {
		st := ShardStatistics{ShardID: sh.ID}
		if primary := sh.Primary(); primary != nil {
			ns := r.nodeStatistics(primary)
			st.Primary = &ns
		}
		for _, rep := range sh.Replicas() {
			st.Replicas = append(st.Replicas, r.nodeStatistics(rep))
		}
		out = append(out, st)
	}
	return out
}

func (r *Router) nodeStatistics(node *cluster.Node) NodeStatistics {
	queries, failures, avgLatency := r.nodeStats(node.ID).snapshot()
	ns := NodeStatistics{
		NodeID:         node.ID,
		Role:           node.Role().String(),
		Healthy:        node.Healthy(),
		QueryCount:     queries,
		FailureCount:   failures,
		AvgLatency:     avgLatency,
		ReplicationLag: node.ReplicationLag(),
	}
	if ps, ok := r.PoolStore.Stats(node.ID); ok {
		ns.Pool = &ps
	}
	return ns
}

// CacheStats returns the query cache snapshot. The zero value is returned
// when caching is disabled.
func (r *Router) CacheStats() CacheStatistics {
	if r.cache == nil {
		return CacheStatistics{}
	}
	return r.cache.stats()
}
