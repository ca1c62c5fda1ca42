package httpd_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/failover"
	"github.com/shardpilot/shardpilot/router"
	"github.com/shardpilot/shardpilot/services/httpd"
)

type fakeRouter struct {
	stats []router.ShardStatistics
	cache router.CacheStatistics
}

func (f *fakeRouter) Statistics() []router.ShardStatistics { return f.stats }
func (f *fakeRouter) CacheStats() router.CacheStatistics   { return f.cache }

type fakeTopology struct {
	status []cluster.ShardStatus
}

func (f *fakeTopology) Status() []cluster.ShardStatus { return f.status }

type fakeCoordinator struct {
	enabled   bool
	history   []*failover.Operation
	stats     failover.Statistics
	TriggerFn func(shardID, targetNodeID string) (*failover.Operation, error)
}

func (f *fakeCoordinator) TriggerManual(_ context.Context, shardID, targetNodeID string) (*failover.Operation, error) {
	return f.TriggerFn(shardID, targetNodeID)
}

func (f *fakeCoordinator) History() []*failover.Operation { return f.history }
func (f *fakeCoordinator) Statistics() failover.Statistics {
	return f.stats
}
func (f *fakeCoordinator) Enabled() bool           { return f.enabled }
func (f *fakeCoordinator) SetEnabled(enabled bool) { f.enabled = enabled }

func newTestHandler(coord *fakeCoordinator) *httpd.Handler {
	h := httpd.NewHandler(httpd.NewConfig())
	h.Router = &fakeRouter{
		stats: []router.ShardStatistics{{ShardID: "shard-01"}},
		cache: router.CacheStatistics{Entries: 2, Size: 512, MaxSize: 1024},
	}
	h.TopologyStore = &fakeTopology{
		status: []cluster.ShardStatus{{
			ID:      "shard-01",
			Primary: &cluster.NodeStatus{ID: "pg-01a", Role: "primary", Healthy: true},
			Replicas: []cluster.NodeStatus{
				{ID: "pg-01b", Role: "replica", Healthy: true, ReplicationLag: 20 * time.Millisecond},
			},
		}},
	}
	h.Coordinator = coord
	return h
}

func TestHandler_Ping(t *testing.T) {
	h := newTestHandler(&fakeCoordinator{enabled: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if got, exp := w.Code, http.StatusNoContent; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}
}

func TestHandler_Status(t *testing.T) {
	h := newTestHandler(&fakeCoordinator{enabled: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}

	var body struct {
		Shards []cluster.ShardStatus `json:"shards"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Shards) != 1 || body.Shards[0].ID != "shard-01" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if body.Shards[0].Primary == nil || !body.Shards[0].Primary.Healthy {
		t.Fatalf("unexpected primary status: %s", w.Body.String())
	}
}

func TestHandler_Statistics(t *testing.T) {
	coord := &fakeCoordinator{enabled: true, stats: failover.Statistics{Enabled: true, Completed: 3}}
	h := newTestHandler(coord)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/statistics", nil))
	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}

	var body struct {
		Shards   []router.ShardStatistics `json:"shards"`
		Cache    router.CacheStatistics   `json:"cache"`
		Failover failover.Statistics      `json:"failover"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Shards) != 1 || body.Cache.Entries != 2 || body.Failover.Completed != 3 {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestHandler_TriggerFailover(t *testing.T) {
	var gotShard, gotTarget string
	coord := &fakeCoordinator{
		enabled: true,
		TriggerFn: func(shardID, targetNodeID string) (*failover.Operation, error) {
			gotShard, gotTarget = shardID, targetNodeID
			return &failover.Operation{ID: "op-1", ShardID: shardID, State: failover.StateCompleted}, nil
		},
	}
	h := newTestHandler(coord)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/failover",
		strings.NewReader(`{"shard_id":"shard-01","target_node_id":"pg-01b"}`))
	h.ServeHTTP(w, req)

	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status: got %d, exp %d, body %s", got, exp, w.Body.String())
	}
	if gotShard != "shard-01" || gotTarget != "pg-01b" {
		t.Fatalf("trigger args: got %q/%q", gotShard, gotTarget)
	}

	var op failover.Operation
	if err := json.Unmarshal(w.Body.Bytes(), &op); err != nil {
		t.Fatal(err)
	}
	if op.ID != "op-1" || op.State != failover.StateCompleted {
		t.Fatalf("unexpected operation: %s", w.Body.String())
	}
}

func TestHandler_TriggerFailover_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "unknown shard", body: `{"shard_id":"nope"}`, err: cluster.ErrShardNotFound, code: http.StatusNotFound},
		{name: "locked", body: `{"shard_id":"shard-01"}`, err: failover.ErrShardLocked, code: http.StatusConflict},
		{name: "cooldown", body: `{"shard_id":"shard-01"}`, err: failover.ErrCooldownActive, code: http.StatusConflict},
		{name: "disabled", body: `{"shard_id":"shard-01"}`, err: failover.ErrDisabled, code: http.StatusServiceUnavailable},
		{name: "pipeline failure", body: `{"shard_id":"shard-01"}`, err: errors.New("step promote-primary: boom"), code: http.StatusInternalServerError},
		{name: "missing shard id", body: `{}`, code: http.StatusBadRequest},
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &fakeCoordinator{
				enabled: true,
				TriggerFn: func(shardID, targetNodeID string) (*failover.Operation, error) {
					return nil, tt.err
				},
			}
			h := newTestHandler(coord)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/failover", strings.NewReader(tt.body)))
			if got, exp := w.Code, tt.code; got != exp {
				t.Fatalf("status: got %d, exp %d, body %s", got, exp, w.Body.String())
			}
		})
	}
}

func TestHandler_SetEnabled(t *testing.T) {
	coord := &fakeCoordinator{enabled: true}
	h := newTestHandler(coord)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/failover/enabled", strings.NewReader(`{"enabled":false}`))
	h.ServeHTTP(w, req)

	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}
	if coord.enabled {
		t.Fatal("coordinator should be disabled")
	}
	if got, exp := strings.TrimSpace(w.Body.String()), `{"enabled":false}`; got != exp {
		t.Fatalf("body: got %s, exp %s", got, exp)
	}
}

func TestHandler_Operations(t *testing.T) {
	coord := &fakeCoordinator{
		enabled: true,
		history: []*failover.Operation{
			{ID: "op-3", State: failover.StateCompleted},
			{ID: "op-2", State: failover.StateFailed},
			{ID: "op-1", State: failover.StateCompleted},
		},
	}
	h := newTestHandler(coord)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/failover/operations?limit=2", nil))
	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}

	var body struct {
		Operations []*failover.Operation `json:"operations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Operations) != 2 || body.Operations[0].ID != "op-3" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/failover/operations?limit=x", nil))
	if got, exp := w.Code, http.StatusBadRequest; got != exp {
		t.Fatalf("status: got %d, exp %d", got, exp)
	}
}

func TestHandler_Metrics(t *testing.T) {
	h := newTestHandler(&fakeCoordinator{enabled: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got, exp := w.Code, http.StatusNotFound; got != exp {
		t.Fatalf("status without metrics handler: got %d, exp %d", got, exp)
	}

	h.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got, exp := w.Code, http.StatusOK; got != exp {
		t.Fatalf("status with metrics handler: got %d, exp %d", got, exp)
	}
}
