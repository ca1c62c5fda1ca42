// Package failover moves a shard's primary role to a replica when the
// primary fails. The coordinator consumes health issues, validates a
// promotion candidate, promotes it, switches routing and verifies the
// result; a failed attempt is rolled back to the previous topology. Every
// attempt is recorded step by step.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/health"
)

const (
	namespace         = "shardpilot"
	failoverSubsystem = "failover"
)

var (
	// ErrDisabled is returned for triggers while the coordinator is
	// disabled.
	ErrDisabled = errors.New("failover coordinator is disabled")

	// ErrShardLocked is returned when a failover is already in flight for
	// the shard.
	ErrShardLocked = errors.New("failover already in progress")

	// ErrCooldownActive is returned for automatic triggers that arrive
	// before the shard's cooldown elapsed.
	ErrCooldownActive = errors.New("failover cooldown active")

	// ErrNoCandidate is returned when no replica qualifies for promotion.
	ErrNoCandidate = errors.New("no promotion candidate available")

	// ErrReplicationSyncTimeout is returned when the candidate does not
	// catch up with replication before the sync timeout.
	ErrReplicationSyncTimeout = errors.New("replication sync timed out")
)

var globalFailoverMetrics = newFailoverMetrics()

// PrometheusCollectors returns all prometheus metrics for the failover package.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		globalFailoverMetrics.operations,
		globalFailoverMetrics.duration,
		globalFailoverMetrics.droppedTriggers,
		globalFailoverMetrics.droppedEvents,
	}
}

type failoverMetrics struct {
	operations      *prometheus.CounterVec
	duration        prometheus.Histogram
	droppedTriggers *prometheus.CounterVec
	droppedEvents   prometheus.Counter
}

func newFailoverMetrics() *failoverMetrics {
	return &failoverMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: failoverSubsystem,
			Name:      "operations_total",
			Help:      "Number of finished failover operations by shard and outcome",
		}, []string{"shard", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: failoverSubsystem,
			Name:      "duration_seconds",
			Help:      "Failover operation duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		droppedTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: failoverSubsystem,
			Name:      "dropped_triggers_total",
			Help:      "Number of failover triggers dropped before running",
		}, []string{"shard", "reason"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: failoverSubsystem,
			Name:      "dropped_events_total",
			Help:      "Number of operation events dropped on a full channel",
		}),
	}
}

// Risk grades how disruptive a failover is expected to be.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Decision is the verdict on a single failover trigger: whether to fail
// over, why, and onto which replica. A negative decision stops the
// pipeline with a log line and nothing else.
type Decision struct {
	Failover          bool
	Reason            string
	ShardID           string
	Candidate         *cluster.Node
	EstimatedDowntime time.Duration
	Risk              Risk
}

// Decider evaluates a health issue against its shard. Automatic triggers
// run through it; manual triggers construct their decision directly.
type Decider func(issue health.Issue, sh *cluster.Shard) Decision

// DefaultDecider fails over on an unhealthy primary, promoting the
// lowest-lag healthy replica. Everything else is declined.
func DefaultDecider(issue health.Issue, sh *cluster.Shard) Decision {
	d := Decision{ShardID: sh.ID, Risk: RiskLow}

	if issue.Reason != health.ReasonPrimaryUnhealthy {
		d.Reason = fmt.Sprintf("no action for issue %q on node %q", issue.Reason, issue.NodeID)
		return d
	}

	candidate, err := LowestLagReplica(sh)
	if err != nil {
		d.Reason = err.Error()
		return d
	}

	d.Failover = true
	d.Candidate = candidate
	d.Reason = fmt.Sprintf("primary %q unhealthy, promoting %q", issue.NodeID, candidate.ID)
	switch {
	case len(sh.HealthyReplicas()) == 1:
		// Promoting the last healthy replica leaves the shard without
		// read capacity behind the new primary.
		d.Risk = RiskHigh
	case candidate.ReplicationLag() > time.Second:
		d.Risk = RiskMedium
	}
	return d
}

// LowestLagReplica returns the healthy replica with the lowest observed
// replication lag.
func LowestLagReplica(sh *cluster.Shard) (*cluster.Node, error) {
	var best *cluster.Node
	for _, rep := range sh.HealthyReplicas() {
		if best == nil || rep.ReplicationLag() < best.ReplicationLag() {
			best = rep
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w in shard %q", ErrNoCandidate, sh.ID)
	}
	return best, nil
}

// Coordinator runs failovers. One operation per shard at a time; triggers
// that lose the race for a shard's lock are dropped, never queued.
type Coordinator struct {
	config Config

	// Clock drives timestamps, the sync wait and the cooldown.
	// Replaceable for testing.
	Clock clock.Clock

	// Issues is the health intake the run loop consumes.
	Issues <-chan health.Issue

	TopologyStore interface {
		Shard(id string) (*cluster.Shard, bool)
	}

	Admin interface {
		Ping(ctx context.Context, node *cluster.Node) (time.Duration, error)
		ReplicationLag(ctx context.Context, node *cluster.Node) (time.Duration, error)
		DiskFree(ctx context.Context, node *cluster.Node) (float64, error)
		Promote(ctx context.Context, node *cluster.Node) error
		InRecovery(ctx context.Context, node *cluster.Node) (bool, error)
		VerifyWrite(ctx context.Context, node *cluster.Node) error
		SetReadOnly(ctx context.Context, node *cluster.Node, readOnly bool) error
		TerminateBackends(ctx context.Context, node *cluster.Node) error
		Reconfigure(ctx context.Context, node, newPrimary *cluster.Node) error
	}

	PoolStore interface {
		Remove(nodeID string)
	}

	// Decider evaluates automatic triggers. Defaults to DefaultDecider.
	Decider Decider

	// OnSwitchover, when set, runs after routing switched to the new
	// primary.
	OnSwitchover func(shardID string, oldPrimary, newPrimary *cluster.Node)

	// Store persists finished operations. Set from Config.HistoryPath;
	// nil keeps history in memory only.
	Store *HistoryStore

	Logger  *zap.Logger
	metrics *failoverMetrics

	locks *shardLocks

	mu           sync.Mutex
	enabled      bool
	limiters     map[string]*rate.Limiter
	history      []*Operation
	statTotal    int64
	statComplete int64
	statFailed   int64
	statDropped  int64
	statDeclined int64
	statDuration time.Duration
	lastFailover time.Time
	lastOpID     string

	events chan *Operation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator returns an instance of Coordinator with the given config.
func NewCoordinator(c Config) *Coordinator {
	coord := &Coordinator{
		config:   c,
		Clock:    clock.New(),
		Logger:   zap.NewNop(),
		metrics:  globalFailoverMetrics,
		locks:    newShardLocks(),
		enabled:  c.Enabled,
		limiters: make(map[string]*rate.Limiter),
		events:   make(chan *Operation, c.EventBuffer),
	}
	if c.HistoryPath != "" {
		coord.Store = NewHistoryStore(c.HistoryPath)
	}
	return coord
}

// WithLogger sets the logger on the coordinator.
func (c *Coordinator) WithLogger(log *zap.Logger) {
	c.Logger = log.With(zap.String("service", "failover"))
	if c.Store != nil {
		c.Store.WithLogger(log)
	}
}

// Open starts the intake loop. When a history store is configured it is
// opened and its most recent operations seed the in-memory history.
func (c *Coordinator) Open(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}

	if c.Store != nil {
		if err := c.Store.Open(ctx); err != nil {
			return err
		}
		ops, err := c.Store.Operations(c.config.HistorySize)
		if err != nil {
			return err
		}
		// Operations arrive newest first; the ring is kept oldest first.
		c.mu.Lock()
		for i := len(ops) - 1; i >= 0; i-- {
			c.history = append(c.history, ops[i])
		}
		if len(ops) > 0 {
			c.lastOpID = ops[0].ID
			c.lastFailover = ops[0].FinishedAt
		}
		c.mu.Unlock()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)

	c.Logger.Info("Starting failover coordinator", zap.Bool("enabled", c.Enabled()))
	return nil
}

// Close stops the intake loop, waits for in-flight operations and closes
// the history store.
func (c *Coordinator) Close() error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	c.cancel = nil

	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}

// Events returns the channel finished operations are published on. Sends
// never block: when the channel is full the event is dropped and counted.
// The channel is never closed.
func (c *Coordinator) Events() <-chan *Operation {
	return c.events
}

// Enabled reports whether triggers are accepted.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles whether triggers are accepted. In-flight operations
// finish either way.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	c.mu.Unlock()
	if changed {
		c.Logger.Info("Failover coordinator toggled", zap.Bool("enabled", enabled))
	}
}

// TriggerManual runs a failover for a shard outside the health intake
// path, constructing the decision directly instead of consulting the
// decider. An empty targetNodeID promotes the lowest-lag healthy replica.
// The finished operation is returned along with the pipeline error, if
// any. Manual triggers respect the shard lock but bypass the cooldown.
func (c *Coordinator) TriggerManual(ctx context.Context, shardID, targetNodeID string) (*Operation, error) {
	if !c.Enabled() {
		c.dropTrigger(shardID, "disabled")
		return nil, ErrDisabled
	}

	sh, ok := c.TopologyStore.Shard(shardID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", cluster.ErrShardNotFound, shardID)
	}

	if !c.locks.TryAcquire(shardID) {
		c.dropTrigger(shardID, "locked")
		return nil, fmt.Errorf("%w for shard %q", ErrShardLocked, shardID)
	}
	defer c.locks.Release(shardID)

	candidate, err := c.pickTarget(sh, targetNodeID)
	if err != nil {
		op := c.newOperation(sh, "manual", true)
		c.finish(op, StateFailed, err)
		return op, err
	}

	decision := Decision{
		Failover:          true,
		Reason:            fmt.Sprintf("manual trigger, promoting %q", candidate.ID),
		ShardID:           shardID,
		Candidate:         candidate,
		EstimatedDowntime: c.estimatedDowntime(),
		Risk:              RiskMedium,
	}
	return c.execute(ctx, sh, decision, "manual", true)
}

// History returns finished operations, newest first. Finished operations
// are never mutated.
func (c *Coordinator) History() []*Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Operation, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		out = append(out, c.history[i])
	}
	return out
}

// Statistics is a point-in-time snapshot of the coordinator.
type Statistics struct {
	Enabled         bool          `json:"enabled"`
	Active          int           `json:"active"`
	Total           int64         `json:"total"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	Dropped         int64         `json:"dropped"`
	Declined        int64         `json:"declined"`
	AvgDuration     time.Duration `json:"avg_duration,omitempty"`
	LastOperationID string        `json:"last_operation_id,omitempty"`
	LastFailoverAt  time.Time     `json:"last_failover_at,omitempty"`
}

// Statistics returns the coordinator's counters. AvgDuration covers
// completed operations only.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Statistics{
		Enabled:         c.enabled,
		Active:          c.locks.Held(),
		Total:           c.statTotal,
		Completed:       c.statComplete,
		Failed:          c.statFailed,
		Dropped:         c.statDropped,
		Declined:        c.statDeclined,
		LastOperationID: c.lastOpID,
		LastFailoverAt:  c.lastFailover,
	}
	if c.statComplete > 0 {
		st.AvgDuration = c.statDuration / time.Duration(c.statComplete)
	}
	return st
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case issue, ok := <-c.Issues:
			if !ok {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleIssue(ctx, issue)
			}()
		}
	}
}

// handleIssue reacts to one health finding. The decider rules on every
// issue that clears the entry checks; declined issues cost nothing, not
// even a cooldown token.
func (c *Coordinator) handleIssue(ctx context.Context, issue health.Issue) {
	log := c.Logger.With(zap.String("shard", issue.ShardID), zap.String("node", issue.NodeID))

	if !c.Enabled() {
		c.dropTrigger(issue.ShardID, "disabled")
		log.Debug("Failover trigger dropped", zap.Error(ErrDisabled))
		return
	}

	sh, ok := c.TopologyStore.Shard(issue.ShardID)
	if !ok {
		log.Warn("Health issue for unknown shard")
		return
	}

	if !c.locks.TryAcquire(issue.ShardID) {
		c.dropTrigger(issue.ShardID, "locked")
		log.Debug("Failover trigger dropped", zap.Error(ErrShardLocked))
		return
	}
	defer c.locks.Release(issue.ShardID)

	decide := c.Decider
	if decide == nil {
		decide = DefaultDecider
	}
	decision := decide(issue, sh)
	if !decision.Failover {
		c.mu.Lock()
		c.statDeclined++
		c.mu.Unlock()
		log.Info("Failover declined",
			zap.String("reason", decision.Reason),
			zap.Duration("lag", issue.Lag))
		return
	}
	if decision.EstimatedDowntime == 0 {
		decision.EstimatedDowntime = c.estimatedDowntime()
	}

	if !c.allowTrigger(issue.ShardID) {
		c.dropTrigger(issue.ShardID, "cooldown")
		log.Debug("Failover trigger dropped", zap.Error(ErrCooldownActive))
		return
	}

	log.Info("Failover decision",
		zap.String("reason", decision.Reason),
		zap.String("candidate", decision.Candidate.ID),
		zap.Duration("estimated_downtime", decision.EstimatedDowntime),
		zap.String("risk", string(decision.Risk)))

	c.execute(ctx, sh, decision, string(issue.Reason), false)
}

// execute runs one failover attempt under the held shard lock and records
// it. reason is the trigger that started the operation; the decision
// carries the candidate and the human-readable judgment.
func (c *Coordinator) execute(ctx context.Context, sh *cluster.Shard, decision Decision, reason string, manual bool) (*Operation, error) {
	op := c.newOperation(sh, reason, manual)
	op.NewPrimary = decision.Candidate.ID
	oldPrimary := sh.Primary()

	c.Logger.Info("Failover started",
		zap.String("op", op.ID),
		zap.String("shard", op.ShardID),
		zap.String("old_primary", op.OldPrimary),
		zap.String("candidate", op.NewPrimary),
		zap.String("reason", reason),
		zap.Bool("manual", manual))

	if err := c.runPipeline(ctx, op, sh, oldPrimary, decision.Candidate); err != nil {
		c.finish(op, StateFailed, err)
		return op, err
	}
	c.finish(op, StateCompleted, nil)
	return op, nil
}

func (c *Coordinator) newOperation(sh *cluster.Shard, reason string, manual bool) *Operation {
	op := &Operation{
		ID:        uuid.NewString(),
		ShardID:   sh.ID,
		Reason:    reason,
		Manual:    manual,
		State:     StateDetecting,
		StartedAt: c.Clock.Now(),
	}
	if p := sh.Primary(); p != nil {
		op.OldPrimary = p.ID
	}
	return op
}

// pickTarget resolves a manual trigger's candidate: a named target must be
// a shard member other than the current primary, no target promotes the
// lowest-lag healthy replica.
func (c *Coordinator) pickTarget(sh *cluster.Shard, targetID string) (*cluster.Node, error) {
	if targetID == "" {
		return LowestLagReplica(sh)
	}

	n := sh.Node(targetID)
	if n == nil {
		return nil, fmt.Errorf("node %q is not a member of shard %q", targetID, sh.ID)
	}
	if p := sh.Primary(); p != nil && p.ID == n.ID {
		return nil, fmt.Errorf("node %q is already the primary of shard %q", targetID, sh.ID)
	}
	return n, nil
}

// estimatedDowntime is the write-unavailability bound for one failover,
// dominated by the replication sync wait.
func (c *Coordinator) estimatedDowntime() time.Duration {
	return time.Duration(c.config.SyncTimeout)
}

// allowTrigger consumes the shard's cooldown token. The limiter refills
// one token per cooldown period.
func (c *Coordinator) allowTrigger(shardID string) bool {
	cooldown := time.Duration(c.config.Cooldown)
	if cooldown <= 0 {
		return true
	}

	c.mu.Lock()
	lim, ok := c.limiters[shardID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(cooldown), 1)
		c.limiters[shardID] = lim
	}
	c.mu.Unlock()

	return lim.AllowN(c.Clock.Now(), 1)
}

func (c *Coordinator) dropTrigger(shardID, reason string) {
	c.metrics.droppedTriggers.With(prometheus.Labels{"shard": shardID, "reason": reason}).Inc()
	c.mu.Lock()
	c.statDropped++
	c.mu.Unlock()
}

// finish closes out an operation: state, counters, history, persistence
// and the event channel.
func (c *Coordinator) finish(op *Operation, state State, err error) {
	op.State = state
	op.FinishedAt = c.Clock.Now()
	if err != nil {
		op.Error = err.Error()
	}

	status := "completed"
	if state != StateCompleted {
		status = "failed"
	}
	c.metrics.operations.With(prometheus.Labels{"shard": op.ShardID, "status": status}).Inc()
	c.metrics.duration.Observe(op.Duration().Seconds())

	c.mu.Lock()
	c.statTotal++
	if state == StateCompleted {
		c.statComplete++
		c.statDuration += op.Duration()
	} else {
		c.statFailed++
	}
	c.lastFailover = op.FinishedAt
	c.lastOpID = op.ID
	c.history = append(c.history, op)
	if n := len(c.history) - c.config.HistorySize; n > 0 && c.config.HistorySize > 0 {
		c.history = c.history[n:]
	}
	store := c.Store
	c.mu.Unlock()

	if store != nil {
		if serr := store.Put(op); serr != nil {
			c.Logger.Warn("Unable to persist failover operation",
				zap.String("op", op.ID), zap.Error(serr))
		}
	}
	c.sendEvent(op)

	if err != nil {
		c.Logger.Error("Failover failed",
			zap.String("op", op.ID),
			zap.String("shard", op.ShardID),
			zap.Error(err))
		return
	}
	c.Logger.Info("Failover completed",
		zap.String("op", op.ID),
		zap.String("shard", op.ShardID),
		zap.String("new_primary", op.NewPrimary),
		zap.Duration("took", op.Duration()))
}

func (c *Coordinator) sendEvent(op *Operation) {
	select {
	case c.events <- op:
	default:
		c.metrics.droppedEvents.Inc()
		c.Logger.Warn("Operation event dropped, channel full", zap.String("op", op.ID))
	}
}
