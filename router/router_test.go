package router_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/pool"
	"github.com/shardpilot/shardpilot/router"
	"github.com/shardpilot/shardpilot/toml"
)

// fakeExecutor routes statement execution to injectable functions.
type fakeExecutor struct {
	calls   int64
	QueryFn func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error)
	BeginFn func(node *cluster.Node) (router.Tx, error)
}

func (e *fakeExecutor) Query(_ context.Context, node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
	atomic.AddInt64(&e.calls, 1)
	return e.QueryFn(node, stmt, params)
}

func (e *fakeExecutor) Begin(_ context.Context, node *cluster.Node) (router.Tx, error) {
	return e.BeginFn(node)
}

func (e *fakeExecutor) callCount() int64 { return atomic.LoadInt64(&e.calls) }

// fakePoolStore mirrors the pool manager's routing-facing behavior: note
// connectivity failures and flip the node.
type fakePoolStore struct {
	mu    sync.Mutex
	noted []error
}

func (p *fakePoolStore) Stats(nodeID string) (pool.Stats, bool) {
	return pool.Stats{}, false
}

func (p *fakePoolStore) NoteConnError(node *cluster.Node, err error) bool {
	p.mu.Lock()
	p.noted = append(p.noted, err)
	p.mu.Unlock()
	if pool.IsConnError(err) {
		node.MarkUnhealthy(time.Now())
		return true
	}
	return false
}

type fakeTx struct {
	mu         sync.Mutex
	nodeID     string
	statements []string
	committed  bool
	rolledBack bool
	ExecFn     func(stmt string, params []interface{}) (*router.Result, error)
}

func (t *fakeTx) Exec(_ context.Context, stmt string, params []interface{}) (*router.Result, error) {
	t.mu.Lock()
	t.statements = append(t.statements, stmt)
	t.mu.Unlock()
	if t.ExecFn != nil {
		return t.ExecFn(stmt, params)
	}
	return &router.Result{NodeID: t.nodeID, RowsAffected: 1}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}

// Two shards under range resolution: keys below "n" land on shard-01,
// everything else on shard-02.
func newTestTopology(t *testing.T) *cluster.Topology {
	t.Helper()
	topo, err := cluster.Load(cluster.Config{
		Resolution: cluster.ResolutionRange,
		Shards: []cluster.ShardConfig{
			{
				ID: "shard-01", KeyFrom: "a", KeyTo: "n",
				Nodes: []cluster.NodeConfig{
					{ID: "pg-01a", Host: "10.0.0.1", Role: "primary"},
					{ID: "pg-01b", Host: "10.0.0.2", Role: "replica"},
					{ID: "pg-01c", Host: "10.0.0.3", Role: "replica"},
				},
			},
			{
				ID: "shard-02", KeyFrom: "n", KeyTo: "",
				Nodes: []cluster.NodeConfig{
					{ID: "pg-02a", Host: "10.0.1.1", Role: "primary"},
					{ID: "pg-02b", Host: "10.0.1.2", Role: "replica"},
				},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func newTestRouter(t *testing.T, config router.Config, topo *cluster.Topology, exec *fakeExecutor) (*router.Router, *fakePoolStore) {
	t.Helper()
	config.RetryBackoff = toml.Duration(time.Millisecond)
	r := router.NewRouter(config)
	ps := &fakePoolStore{}
	r.TopologyStore = topo
	r.PoolStore = ps
	r.Executor = exec
	return r, ps
}

func okExecutor() *fakeExecutor {
	return &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			return &router.Result{
				Columns: []string{"value"},
				Rows:    [][]interface{}{{int64(1)}},
				NodeID:  node.ID,
			}, nil
		},
	}
}

func TestRouter_Execute_WriteGoesToPrimary(t *testing.T) {
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), okExecutor())

	res, err := r.Execute(context.Background(), router.Request{
		ShardKey:  "alpha",
		Statement: "UPDATE users SET name = $1",
		Params:    []interface{}{"ada"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := res.NodeID, "pg-01a"; got != exp {
		t.Fatalf("write served by %s, exp %s", got, exp)
	}
}

func TestRouter_Execute_WriteFailsWhenPrimaryUnhealthy(t *testing.T) {
	topo := newTestTopology(t)
	exec := okExecutor()
	r, _ := newTestRouter(t, router.NewConfig(), topo, exec)

	sh, _ := topo.Shard("shard-01")
	sh.Primary().MarkUnhealthy(time.Now())

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey:  "alpha",
		Statement: "UPDATE users SET name = $1",
	})
	if !errors.Is(err, router.ErrNoHealthyNode) {
		t.Fatalf("unexpected error: got %v, exp ErrNoHealthyNode", err)
	}
	// A write must never silently land on a replica.
	if got, exp := exec.callCount(), int64(0); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_ReadsRoundRobinReplicas(t *testing.T) {
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), okExecutor())

	var served []string
	for i := 0; i < 4; i++ {
		res, err := r.Execute(context.Background(), router.Request{
			ShardKey:  "alpha",
			Statement: "SELECT 1",
			ReadOnly:  true,
		})
		if err != nil {
			t.Fatal(err)
		}
		served = append(served, res.NodeID)
	}

	exp := []string{"pg-01b", "pg-01c", "pg-01b", "pg-01c"}
	for i := range exp {
		if served[i] != exp[i] {
			t.Fatalf("read %d served by %s, exp %s (all: %v)", i, served[i], exp[i], served)
		}
	}
}

func TestRouter_Execute_ReadSkipsUnhealthyReplica(t *testing.T) {
	topo := newTestTopology(t)
	r, _ := newTestRouter(t, router.NewConfig(), topo, okExecutor())

	sh, _ := topo.Shard("shard-01")
	sh.Replicas()[0].MarkUnhealthy(time.Now()) // pg-01b

	for i := 0; i < 3; i++ {
		res, err := r.Execute(context.Background(), router.Request{
			ShardKey: "alpha", Statement: "SELECT 1", ReadOnly: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got, exp := res.NodeID, "pg-01c"; got != exp {
			t.Fatalf("read served by %s, exp %s", got, exp)
		}
	}
}

func TestRouter_Execute_ReadFallsBackToPrimary(t *testing.T) {
	topo := newTestTopology(t)
	r, _ := newTestRouter(t, router.NewConfig(), topo, okExecutor())

	sh, _ := topo.Shard("shard-01")
	for _, rep := range sh.Replicas() {
		rep.MarkUnhealthy(time.Now())
	}

	res, err := r.Execute(context.Background(), router.Request{
		ShardKey: "alpha", Statement: "SELECT 1", ReadOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := res.NodeID, "pg-01a"; got != exp {
		t.Fatalf("read served by %s, exp %s", got, exp)
	}
}

func TestRouter_Execute_ReadFallbackDisabled(t *testing.T) {
	topo := newTestTopology(t)
	config := router.NewConfig()
	config.Fallback = router.FallbackNone
	r, _ := newTestRouter(t, config, topo, okExecutor())

	sh, _ := topo.Shard("shard-01")
	for _, rep := range sh.Replicas() {
		rep.MarkUnhealthy(time.Now())
	}

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey: "alpha", Statement: "SELECT 1", ReadOnly: true,
	})
	if !errors.Is(err, router.ErrNoHealthyNode) {
		t.Fatalf("unexpected error: got %v, exp ErrNoHealthyNode", err)
	}
}

// A transient failure is retried with backoff and every attempt lands in
// the node statistics.
func TestRouter_Execute_RetriesTransientFailures(t *testing.T) {
	topo := newTestTopology(t)
	var attempts int64
	exec := &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			if atomic.AddInt64(&attempts, 1) <= 2 {
				return nil, errors.New("canceling statement due to conflict with recovery")
			}
			return &router.Result{NodeID: node.ID}, nil
		},
	}
	config := router.NewConfig()
	config.MaxRetries = 2
	r, _ := newTestRouter(t, config, topo, exec)

	res, err := r.Execute(context.Background(), router.Request{
		ShardKey:  "alpha",
		Statement: "UPDATE users SET name = $1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := res.NodeID, "pg-01a"; got != exp {
		t.Fatalf("served by %s, exp %s", got, exp)
	}

	stats := r.Statistics()
	var primary *router.NodeStatistics
	for _, st := range stats {
		if st.ShardID == "shard-01" {
			primary = st.Primary
		}
	}
	if primary == nil {
		t.Fatal("missing primary statistics")
	}
	if got, exp := primary.QueryCount, int64(3); got != exp {
		t.Fatalf("attempts recorded: got %d, exp %d", got, exp)
	}
	if got, exp := primary.FailureCount, int64(2); got != exp {
		t.Fatalf("failures recorded: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_RetriesExhausted(t *testing.T) {
	config := router.NewConfig()
	config.MaxRetries = 2
	exec := &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			return nil, errors.New("still broken")
		},
	}
	r, _ := newTestRouter(t, config, newTestTopology(t), exec)

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey: "alpha", Statement: "UPDATE t SET v = 1",
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got, exp := exec.callCount(), int64(3); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_PermanentErrorNotRetried(t *testing.T) {
	exec := &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			return nil, &router.PermanentError{Err: errors.New(`syntax error at or near "SELEC"`)}
		},
	}
	config := router.NewConfig()
	config.MaxRetries = 5
	r, _ := newTestRouter(t, config, newTestTopology(t), exec)

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey: "alpha", Statement: "SELEC 1", ReadOnly: true,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got, exp := exec.callCount(), int64(1); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_ConnErrorMarksNodeUnhealthy(t *testing.T) {
	topo := newTestTopology(t)
	exec := &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			return nil, &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}
		},
	}
	config := router.NewConfig()
	config.MaxRetries = 3
	r, _ := newTestRouter(t, config, topo, exec)

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey: "alpha", Statement: "UPDATE t SET v = 1",
	})
	if !errors.Is(err, router.ErrNoHealthyNode) {
		t.Fatalf("unexpected error: got %v, exp ErrNoHealthyNode after health flip", err)
	}

	sh, _ := topo.Shard("shard-01")
	if sh.Primary().Healthy() {
		t.Fatal("primary should be unhealthy after connection error")
	}
	// One attempt ran; the retry found no node to run on.
	if got, exp := exec.callCount(), int64(1); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_UnknownKey(t *testing.T) {
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), okExecutor())

	_, err := r.Execute(context.Background(), router.Request{
		ShardKey: "0000", Statement: "SELECT 1", ReadOnly: true,
	})
	if !errors.Is(err, cluster.ErrShardNotFound) {
		t.Fatalf("unexpected error: got %v, exp ErrShardNotFound", err)
	}
}

func TestRouter_Execute_EmptyShardKey(t *testing.T) {
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), okExecutor())

	_, err := r.Execute(context.Background(), router.Request{Statement: "SELECT 1"})
	if !errors.Is(err, router.ErrShardKeyRequired) {
		t.Fatalf("unexpected error: got %v, exp ErrShardKeyRequired", err)
	}
}

func TestRouter_Execute_CacheServesRepeatedReads(t *testing.T) {
	exec := okExecutor()
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), exec)

	req := router.Request{
		ShardKey:  "alpha",
		Statement: "SELECT name FROM users WHERE id = $1",
		Params:    []interface{}{42},
		ReadOnly:  true,
		UseCache:  true,
	}

	first, err := r.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Fatal("first read should not come from cache")
	}

	second, err := r.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("second read should come from cache")
	}
	if got, exp := exec.callCount(), int64(1); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
	if got, exp := r.CacheStats().Entries, 1; got != exp {
		t.Fatalf("cache entries: got %d, exp %d", got, exp)
	}
}

func TestRouter_Execute_CacheBypassedWithoutFlag(t *testing.T) {
	exec := okExecutor()
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), exec)

	req := router.Request{
		ShardKey: "alpha", Statement: "SELECT 1", ReadOnly: true,
	}
	for i := 0; i < 2; i++ {
		if _, err := r.Execute(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if got, exp := exec.callCount(), int64(2); got != exp {
		t.Fatalf("executor calls: got %d, exp %d", got, exp)
	}
}

func TestRouter_ExecuteParallel_QueriesFailIndependently(t *testing.T) {
	exec := &fakeExecutor{
		QueryFn: func(node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
			if node.ID == "pg-02a" {
				return nil, &router.PermanentError{Err: errors.New("permission denied for table billing")}
			}
			return &router.Result{NodeID: node.ID}, nil
		},
	}
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), exec)

	got := r.ExecuteParallel(context.Background(), map[string]router.Request{
		"users":   {ShardKey: "alpha", Statement: "UPDATE users SET v = 1"},
		"billing": {ShardKey: "zulu", Statement: "UPDATE billing SET v = 1"},
	})

	if len(got) != 2 {
		t.Fatalf("responses: got %d, exp 2", len(got))
	}
	if got["users"].Err != nil {
		t.Fatalf("users query should succeed, got %v", got["users"].Err)
	}
	if got["users"].Result.NodeID != "pg-01a" {
		t.Fatalf("users served by %s, exp pg-01a", got["users"].Result.NodeID)
	}
	if got["billing"].Err == nil {
		t.Fatal("billing query should fail")
	}
}

func TestRouter_ExecuteTransaction_CommitsAfterAllSucceed(t *testing.T) {
	var mu sync.Mutex
	txs := map[string]*fakeTx{}
	exec := &fakeExecutor{
		BeginFn: func(node *cluster.Node) (router.Tx, error) {
			tx := &fakeTx{nodeID: node.ID}
			mu.Lock()
			txs[node.ID] = tx
			mu.Unlock()
			return tx, nil
		},
	}
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), exec)

	results, err := r.ExecuteTransaction(context.Background(), []router.Operation{
		{ShardKey: "alpha", Statement: "INSERT INTO users VALUES ($1)"},
		{ShardKey: "zulu", Statement: "INSERT INTO billing VALUES ($1)"},
		{ShardKey: "alpha", Statement: "UPDATE users SET active = true"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := len(results), 3; got != exp {
		t.Fatalf("results: got %d, exp %d", got, exp)
	}
	if got, exp := len(txs), 2; got != exp {
		t.Fatalf("transactions opened: got %d, exp %d", got, exp)
	}

	shard1 := txs["pg-01a"]
	if got, exp := len(shard1.statements), 2; got != exp {
		t.Fatalf("shard-01 statements: got %d, exp %d", got, exp)
	}
	for id, tx := range txs {
		if !tx.committed {
			t.Fatalf("transaction on %s not committed", id)
		}
		if tx.rolledBack {
			t.Fatalf("transaction on %s rolled back", id)
		}
	}
}

func TestRouter_ExecuteTransaction_RollsBackAllOnFailure(t *testing.T) {
	var mu sync.Mutex
	txs := map[string]*fakeTx{}
	exec := &fakeExecutor{
		BeginFn: func(node *cluster.Node) (router.Tx, error) {
			tx := &fakeTx{nodeID: node.ID}
			if node.ID == "pg-02a" {
				tx.ExecFn = func(stmt string, params []interface{}) (*router.Result, error) {
					return nil, errors.New("deadlock detected")
				}
			}
			mu.Lock()
			txs[node.ID] = tx
			mu.Unlock()
			return tx, nil
		},
	}
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), exec)

	_, err := r.ExecuteTransaction(context.Background(), []router.Operation{
		{ShardKey: "alpha", Statement: "INSERT INTO users VALUES (1)"},
		{ShardKey: "zulu", Statement: "INSERT INTO billing VALUES (1)"},
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}

	for id, tx := range txs {
		if tx.committed {
			t.Fatalf("transaction on %s should not be committed", id)
		}
		if !tx.rolledBack {
			t.Fatalf("transaction on %s should be rolled back", id)
		}
	}
}

func TestRouter_ExecuteTransaction_UnhealthyPrimaryFailsUpfront(t *testing.T) {
	topo := newTestTopology(t)
	begun := int64(0)
	exec := &fakeExecutor{
		BeginFn: func(node *cluster.Node) (router.Tx, error) {
			atomic.AddInt64(&begun, 1)
			return &fakeTx{nodeID: node.ID}, nil
		},
	}
	r, _ := newTestRouter(t, router.NewConfig(), topo, exec)

	sh, _ := topo.Shard("shard-02")
	sh.Primary().MarkUnhealthy(time.Now())

	_, err := r.ExecuteTransaction(context.Background(), []router.Operation{
		{ShardKey: "alpha", Statement: "INSERT INTO users VALUES (1)"},
		{ShardKey: "zulu", Statement: "INSERT INTO billing VALUES (1)"},
	})
	if !errors.Is(err, router.ErrNoHealthyNode) {
		t.Fatalf("unexpected error: got %v, exp ErrNoHealthyNode", err)
	}
	if got, exp := atomic.LoadInt64(&begun), int64(0); got != exp {
		t.Fatalf("transactions begun: got %d, exp %d", got, exp)
	}
}

func TestRouter_Statistics(t *testing.T) {
	r, _ := newTestRouter(t, router.NewConfig(), newTestTopology(t), okExecutor())

	for _, key := range []string{"alpha", "zulu"} {
		if _, err := r.Execute(context.Background(), router.Request{
			ShardKey: key, Statement: "UPDATE t SET v = 1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats := r.Statistics()
	if got, exp := len(stats), 2; got != exp {
		t.Fatalf("shard statistics: got %d, exp %d", got, exp)
	}
	for _, st := range stats {
		if st.Primary == nil {
			t.Fatalf("shard %s missing primary statistics", st.ShardID)
		}
		if got, exp := st.Primary.QueryCount, int64(1); got != exp {
			t.Fatalf("shard %s primary query count: got %d, exp %d", st.ShardID, got, exp)
		}
		if st.Primary.FailureCount != 0 {
			t.Fatalf("shard %s primary failures: got %d, exp 0", st.ShardID, st.Primary.FailureCount)
		}
	}
}
