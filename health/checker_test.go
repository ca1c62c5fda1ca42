package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/health"
)

// fakeProber implements the checker's prober with injectable functions.
type fakeProber struct {
	PingFn func(node *cluster.Node) (time.Duration, error)
	LagFn  func(node *cluster.Node) (time.Duration, error)
}

func (p *fakeProber) Ping(_ context.Context, node *cluster.Node) (time.Duration, error) {
	return p.PingFn(node)
}

func (p *fakeProber) ReplicationLag(_ context.Context, node *cluster.Node) (time.Duration, error) {
	if p.LagFn == nil {
		return 0, nil
	}
	return p.LagFn(node)
}

func newTestTopology(t *testing.T) *cluster.Topology {
	t.Helper()
	topo, err := cluster.Load(cluster.Config{
		Resolution: "hash",
		Shards: []cluster.ShardConfig{{
			ID: "shard-01",
			Nodes: []cluster.NodeConfig{
				{ID: "pg-a", Host: "10.0.0.1", Role: "primary"},
				{ID: "pg-b", Host: "10.0.0.2", Role: "replica"},
				{ID: "pg-c", Host: "10.0.0.3", Role: "replica"},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func TestChecker_CheckNow_MarksHealth(t *testing.T) {
	topo := newTestTopology(t)
	c := health.NewChecker(health.NewConfig())
	c.TopologyStore = topo
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			return 5 * time.Millisecond, nil
		},
		LagFn: func(node *cluster.Node) (time.Duration, error) {
			return 2 * time.Second, nil
		},
	}

	c.CheckNow(context.Background())

	sh, _ := topo.Shard("shard-01")
	for _, node := range sh.Nodes() {
		if !node.Healthy() {
			t.Fatalf("node %s should be healthy", node.ID)
		}
		if got, exp := node.Latency(), 5*time.Millisecond; got != exp {
			t.Fatalf("node %s latency: got %s, exp %s", node.ID, got, exp)
		}
		if node.LastHealthCheck().IsZero() {
			t.Fatalf("node %s has no health check timestamp", node.ID)
		}
	}
	for _, r := range sh.Replicas() {
		if got, exp := r.ReplicationLag(), 2*time.Second; got != exp {
			t.Fatalf("replica %s lag: got %s, exp %s", r.ID, got, exp)
		}
	}

	select {
	case issue := <-c.Issues():
		t.Fatalf("unexpected issue: %+v", issue)
	default:
	}
}

func TestChecker_CheckNow_PrimaryDown(t *testing.T) {
	topo := newTestTopology(t)
	c := health.NewChecker(health.NewConfig())
	c.TopologyStore = topo
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			if node.ID == "pg-a" {
				return 0, errors.New("connection refused")
			}
			return time.Millisecond, nil
		},
	}

	c.CheckNow(context.Background())

	sh, _ := topo.Shard("shard-01")
	if sh.Primary().Healthy() {
		t.Fatal("primary should be unhealthy")
	}
	for _, r := range sh.Replicas() {
		if !r.Healthy() {
			t.Fatalf("replica %s should be healthy", r.ID)
		}
	}

	select {
	case issue := <-c.Issues():
		if got, exp := issue.ShardID, "shard-01"; got != exp {
			t.Fatalf("issue shard: got %s, exp %s", got, exp)
		}
		if got, exp := issue.NodeID, "pg-a"; got != exp {
			t.Fatalf("issue node: got %s, exp %s", got, exp)
		}
		if got, exp := issue.Reason, health.ReasonPrimaryUnhealthy; got != exp {
			t.Fatalf("issue reason: got %s, exp %s", got, exp)
		}
	default:
		t.Fatal("expected an issue for the down primary")
	}
}

func TestChecker_CheckNow_ReplicaLagging(t *testing.T) {
	topo := newTestTopology(t)
	c := health.NewChecker(health.NewConfig())
	c.TopologyStore = topo
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			return time.Millisecond, nil
		},
		LagFn: func(node *cluster.Node) (time.Duration, error) {
			if node.ID == "pg-b" {
				return 2 * time.Minute, nil
			}
			return 0, nil
		},
	}

	c.CheckNow(context.Background())

	select {
	case issue := <-c.Issues():
		if got, exp := issue.Reason, health.ReasonReplicaLagging; got != exp {
			t.Fatalf("issue reason: got %s, exp %s", got, exp)
		}
		if got, exp := issue.NodeID, "pg-b"; got != exp {
			t.Fatalf("issue node: got %s, exp %s", got, exp)
		}
		if got, exp := issue.Lag, 2*time.Minute; got != exp {
			t.Fatalf("issue lag: got %s, exp %s", got, exp)
		}
	default:
		t.Fatal("expected an issue for the lagging replica")
	}
}

func TestChecker_IssueChannelFull_Drops(t *testing.T) {
	topo := newTestTopology(t)
	config := health.NewConfig()
	config.IssueBuffer = 1
	c := health.NewChecker(config)
	c.TopologyStore = topo
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			if node.ID == "pg-a" {
				return 0, errors.New("connection refused")
			}
			return time.Millisecond, nil
		},
	}

	// Two passes against a full channel must not block.
	c.CheckNow(context.Background())
	c.CheckNow(context.Background())

	if got, exp := len(c.Issues()), 1; got != exp {
		t.Fatalf("buffered issues: got %d, exp %d", got, exp)
	}
}

func TestChecker_CheckNow_NoOverlap(t *testing.T) {
	topo := newTestTopology(t)
	c := health.NewChecker(health.NewConfig())
	c.TopologyStore = topo

	gate := make(chan struct{})
	var pings int64
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			atomic.AddInt64(&pings, 1)
			<-gate
			return time.Millisecond, nil
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.CheckNow(context.Background())
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&pings) == 3
	}, time.Second, time.Millisecond, "first pass should probe all nodes")

	// A second pass while the first is still in flight is skipped.
	c.CheckNow(context.Background())
	if got, exp := atomic.LoadInt64(&pings), int64(3); got != exp {
		t.Fatalf("probes after overlapping pass: got %d, exp %d", got, exp)
	}

	close(gate)
	<-done
}

func TestChecker_OpenClose(t *testing.T) {
	topo := newTestTopology(t)
	c := health.NewChecker(health.NewConfig())
	c.TopologyStore = topo

	mock := clock.NewMock()
	c.Clock = mock

	var pings int64
	c.Prober = &fakeProber{
		PingFn: func(node *cluster.Node) (time.Duration, error) {
			atomic.AddInt64(&pings, 1)
			return time.Millisecond, nil
		},
	}

	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Give the tick loop a moment to install its ticker before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(health.DefaultCheckInterval)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&pings) >= 3
	}, time.Second, time.Millisecond, "tick should trigger a pass")

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
