package run

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/failover"
	"github.com/shardpilot/shardpilot/health"
	"github.com/shardpilot/shardpilot/pool"
	"github.com/shardpilot/shardpilot/postgres"
	"github.com/shardpilot/shardpilot/router"
	"github.com/shardpilot/shardpilot/services/httpd"
)

// Server wires the daemon's services together: topology, pools, health
// checking, routing, failover and the admin API.
type Server struct {
	config *Config

	Logger *zap.Logger

	Topology    *cluster.Topology
	Pools       *pool.Manager
	DB          *postgres.Client
	Checker     *health.Checker
	Router      *router.Router
	Coordinator *failover.Coordinator
	HTTPD       *httpd.Service

	registry *prometheus.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a new instance of Server built from config.
func NewServer(c *Config) (*Server, error) {
	topo, err := cluster.Load(c.Cluster)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	pools := pool.NewManager(c.Pool)
	db := postgres.NewClient(pools)

	checker := health.NewChecker(c.Health)
	checker.TopologyStore = topo
	checker.Prober = db

	rtr := router.NewRouter(c.Router)
	rtr.TopologyStore = topo
	rtr.PoolStore = pools
	rtr.Executor = db

	coord := failover.NewCoordinator(c.Failover)
	coord.TopologyStore = topo
	coord.Admin = db
	coord.PoolStore = pools
	coord.Issues = checker.Issues()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(pool.PrometheusCollectors()...)
	reg.MustRegister(health.PrometheusCollectors()...)
	reg.MustRegister(router.PrometheusCollectors()...)
	reg.MustRegister(failover.PrometheusCollectors()...)

	s := &Server{
		config:      c,
		Logger:      zap.NewNop(),
		Topology:    topo,
		Pools:       pools,
		DB:          db,
		Checker:     checker,
		Router:      rtr,
		Coordinator: coord,
		registry:    reg,
	}

	if c.HTTP.Enabled {
		s.HTTPD = httpd.NewService(c.HTTP)
		s.HTTPD.Handler.Router = rtr
		s.HTTPD.Handler.TopologyStore = topo
		s.HTTPD.Handler.Coordinator = coord
		s.HTTPD.Handler.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return s, nil
}

// WithLogger sets the logger on the server and all its services.
func (s *Server) WithLogger(log *zap.Logger) {
	s.Logger = log
	s.Pools.WithLogger(log)
	s.DB.WithLogger(log)
	s.Checker.WithLogger(log)
	s.Router.WithLogger(log)
	s.Coordinator.WithLogger(log)
	if s.HTTPD != nil {
		s.HTTPD.WithLogger(log)
	}
}

// Open starts the services. The health checker starts last so issues flow
// into a running coordinator.
func (s *Server) Open(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Router.Open(ctx); err != nil {
		return err
	}
	if err := s.Coordinator.Open(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.logFailoverEvents(ctx)

	if s.HTTPD != nil {
		if err := s.HTTPD.Open(); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.monitorListener(ctx)
	}

	if err := s.Checker.Open(ctx); err != nil {
		return err
	}

	s.Logger.Info("Server open",
		zap.Int("shards", len(s.Topology.Shards())),
		zap.Int("nodes", len(s.Topology.Nodes())))
	return nil
}

// Close shuts the services down in dependency order: the listener stops
// accepting triggers, probing stops, in-flight failovers finish, the
// router stops, and finally the pools drain.
func (s *Server) Close() error {
	var result *multierror.Error

	if s.HTTPD != nil {
		if err := s.HTTPD.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.Checker.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Coordinator.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Router.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()

	s.Pools.Close()

	s.Logger.Info("Server closed")
	return result.ErrorOrNil()
}

// logFailoverEvents drains the coordinator's event channel into the log.
func (s *Server) logFailoverEvents(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.Coordinator.Events():
			s.Logger.Info("Failover event",
				zap.String("op", op.ID),
				zap.String("shard", op.ShardID),
				zap.String("state", op.State.String()),
				zap.String("old_primary", op.OldPrimary),
				zap.String("new_primary", op.NewPrimary),
				zap.Duration("took", op.Duration()))
		}
	}
}

// monitorListener watches for a fatal listener error.
func (s *Server) monitorListener(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
	case err := <-s.HTTPD.Err():
		s.Logger.Error("HTTP listener failed", zap.Error(err))
	}
}
