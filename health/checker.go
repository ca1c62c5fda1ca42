// Package health runs the periodic probing of every node in the topology.
// Each pass pings all nodes in parallel, measures replica lag, and reports
// shards whose primary stopped responding on the issue channel consumed by
// the failover coordinator.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/logger"
)

const (
	namespace       = "shardpilot"
	healthSubsystem = "health"
)

var globalHealthMetrics = newHealthMetrics()

// PrometheusCollectors returns all prometheus metrics for the health package.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		globalHealthMetrics.checks,
		globalHealthMetrics.droppedIssues,
	}
}

type healthMetrics struct {
	checks        *prometheus.CounterVec
	droppedIssues prometheus.Counter
}

func newHealthMetrics() *healthMetrics {
	return &healthMetrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: healthSubsystem,
			Name:      "checks_total",
			Help:      "Number of node probes by outcome",
		}, []string{"node", "status"}),
		droppedIssues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: healthSubsystem,
			Name:      "dropped_issues_total",
			Help:      "Number of issues dropped because the channel was full",
		}),
	}
}

// Reason classifies what a health pass found wrong with a shard.
type Reason string

const (
	// ReasonPrimaryUnhealthy means the shard's primary failed its probe.
	ReasonPrimaryUnhealthy Reason = "primary-unhealthy"

	// ReasonReplicaLagging means a healthy replica trails its primary
	// beyond the configured threshold.
	ReasonReplicaLagging Reason = "replica-lagging"
)

// Issue reports a problem a health pass found with a shard.
type Issue struct {
	ShardID    string        `json:"shard_id"`
	NodeID     string        `json:"node_id"`
	Reason     Reason        `json:"reason"`
	Lag        time.Duration `json:"lag,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Checker manages the periodic health passes over the topology.
type Checker struct {
	checkInterval time.Duration
	checkTimeout  time.Duration
	lagThreshold  time.Duration

	// Clock drives the tick loop and all timestamps. Replaceable for
	// testing.
	Clock clock.Clock

	TopologyStore interface {
		Shards() []*cluster.Shard
	}

	Prober interface {
		Ping(ctx context.Context, node *cluster.Node) (time.Duration, error)
		ReplicationLag(ctx context.Context, node *cluster.Node) (time.Duration, error)
	}

	Logger *zap.Logger

	metrics  *healthMetrics
	issues   chan Issue
	inFlight atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChecker returns an instance of the health checker.
func NewChecker(c Config) *Checker {
	buffer := c.IssueBuffer
	if buffer <= 0 {
		buffer = DefaultIssueBuffer
	}
	return &Checker{
		checkInterval: time.Duration(c.CheckInterval),
		checkTimeout:  time.Duration(c.CheckTimeout),
		lagThreshold:  time.Duration(c.LagIssueThreshold),
		Clock:         clock.New(),
		Logger:        zap.NewNop(),
		metrics:       globalHealthMetrics,
		issues:        make(chan Issue, buffer),
	}
}

// WithLogger sets the logger for the checker.
func (c *Checker) WithLogger(log *zap.Logger) {
	c.Logger = log.With(zap.String("service", "health"))
}

// Issues returns the channel health passes report on. The channel is never
// closed and sends never block; a full channel drops the signal.
func (c *Checker) Issues() <-chan Issue {
	return c.issues
}

// Open starts the periodic health passes.
func (c *Checker) Open(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}

	c.Logger.Info("Starting health checker",
		logger.DurationLiteral("check_interval", c.checkInterval),
		logger.DurationLiteral("check_timeout", c.checkTimeout))

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Close stops the periodic health passes.
func (c *Checker) Close() error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	c.cancel = nil

	return nil
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()

	t := c.Clock.Ticker(c.checkInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.CheckNow(ctx)
		case <-ctx.Done():
			c.Logger.Info("Terminating health checker")
			return
		}
	}
}

// CheckNow runs one full health pass: every node probed in parallel, node
// state updated, then per-shard issues reported. Passes never overlap; a
// pass requested while another is still running returns immediately.
func (c *Checker) CheckNow(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.Logger.Warn("Health pass still running, skipping")
		return
	}
	defer c.inFlight.Store(false)

	shards := c.TopologyStore.Shards()

	var wg sync.WaitGroup
	for _, sh := range shards {
		for _, node := range sh.Nodes() {
			wg.Add(1)
			go func(node *cluster.Node) {
				defer wg.Done()
				c.probe(ctx, node)
			}(node)
		}
	}
	wg.Wait()

	for _, sh := range shards {
		c.report(sh)
	}
}

// probe checks a single node and updates its state. A failed probe keeps
// the last observed latency and lag in place.
func (c *Checker) probe(ctx context.Context, node *cluster.Node) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	latency, err := c.Prober.Ping(ctx, node)
	if err != nil {
		node.MarkUnhealthy(c.Clock.Now())
		c.metrics.checks.With(prometheus.Labels{"node": node.ID, "status": "unhealthy"}).Inc()
		c.Logger.Warn("Node failed health check",
			zap.String("node", node.ID),
			zap.String("addr", node.Addr()),
			zap.Error(err))
		return
	}

	node.MarkHealthy(latency, c.Clock.Now())
	c.metrics.checks.With(prometheus.Labels{"node": node.ID, "status": "healthy"}).Inc()

	if node.Role() == cluster.RoleReplica {
		lag, err := c.Prober.ReplicationLag(ctx, node)
		if err != nil {
			c.Logger.Warn("Failed to measure replication lag",
				zap.String("node", node.ID),
				zap.Error(err))
			return
		}
		node.SetReplicationLag(lag)
	}
}

func (c *Checker) report(sh *cluster.Shard) {
	if primary := sh.Primary(); primary != nil && !primary.Healthy() {
		c.send(Issue{
			ShardID:    sh.ID,
			NodeID:     primary.ID,
			Reason:     ReasonPrimaryUnhealthy,
			DetectedAt: c.Clock.Now(),
		})
	}

	if c.lagThreshold <= 0 {
		return
	}
	for _, r := range sh.Replicas() {
		if r.Healthy() && r.ReplicationLag() > c.lagThreshold {
			c.send(Issue{
				ShardID:    sh.ID,
				NodeID:     r.ID,
				Reason:     ReasonReplicaLagging,
				Lag:        r.ReplicationLag(),
				DetectedAt: c.Clock.Now(),
			})
		}
	}
}

func (c *Checker) send(issue Issue) {
	select {
	case c.issues <- issue:
	default:
		c.metrics.droppedIssues.Inc()
		c.Logger.Warn("Issue channel full, dropping signal",
			zap.String("shard", issue.ShardID),
			zap.String("node", issue.NodeID),
			zap.String("reason", string(issue.Reason)))
	}
}
