// Package cluster maintains the topology of a sharded database cluster:
// which shards exist, which nodes belong to them, and which node currently
// holds the primary role for each shard.
package cluster

import (
	"fmt"
	"sync"
	"time"
)

// NodeRole represents the replication role of a node within its shard.
type NodeRole int

const (
	// RoleReplica is a read-only follower of the shard primary.
	RoleReplica NodeRole = iota

	// RolePrimary is the single writable node of a shard.
	RolePrimary
)

// String returns a human-readable representation of the role.
func (r NodeRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r NodeRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseNodeRole converts a configuration string into a NodeRole.
func ParseNodeRole(s string) (NodeRole, error) {
	switch s {
	case "primary":
		return RolePrimary, nil
	case "replica", "":
		return RoleReplica, nil
	default:
		return RoleReplica, fmt.Errorf("unknown node role: %q", s)
	}
}

// Node represents a single database server participating in a shard.
// Connection settings are fixed when the node is created; nodes are never
// removed from the topology while the process runs. Role and health state
// change at runtime and are guarded by the node's mutex.
type Node struct {
	ID       string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	UseTLS   bool
	MaxConns int32

	mu              sync.RWMutex
	role            NodeRole
	healthy         bool
	latency         time.Duration
	replicationLag  time.Duration
	lastHealthCheck time.Time
}

// NewNode returns a node built from its configuration. Nodes start out
// healthy; the first failed probe flips them.
func NewNode(c NodeConfig) (*Node, error) {
	role, err := ParseNodeRole(c.Role)
	if err != nil {
		return nil, err
	}

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	maxConns := c.MaxConns
	if maxConns == 0 {
		maxConns = DefaultMaxConns
	}

	return &Node{
		ID:       c.ID,
		Host:     c.Host,
		Port:     port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		UseTLS:   c.UseTLS,
		MaxConns: int32(maxConns),
		role:     role,
		healthy:  true,
	}, nil
}

// Addr returns the host:port address of the node.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Role returns the node's current replication role.
func (n *Node) Role() NodeRole {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// SetRole updates the node's replication role.
func (n *Node) SetRole(r NodeRole) {
	n.mu.Lock()
	n.role = r
	n.mu.Unlock()
}

// Healthy reports whether the node passed its most recent probe.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}

// MarkHealthy records a successful probe with its observed round-trip
// latency.
func (n *Node) MarkHealthy(latency time.Duration, at time.Time) {
	n.mu.Lock()
	n.healthy = true
	n.latency = latency
	n.lastHealthCheck = at
	n.mu.Unlock()
}

// MarkUnhealthy records a failed probe. Latency and replication lag keep
// their last observed values.
func (n *Node) MarkUnhealthy(at time.Time) {
	n.mu.Lock()
	n.healthy = false
	n.lastHealthCheck = at
	n.mu.Unlock()
}

// Latency returns the round-trip time of the last successful probe.
func (n *Node) Latency() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latency
}

// ReplicationLag returns the last observed replication lag. It is only
// meaningful for replicas.
func (n *Node) ReplicationLag() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.replicationLag
}

// SetReplicationLag records the replication lag observed by a probe.
func (n *Node) SetReplicationLag(lag time.Duration) {
	n.mu.Lock()
	n.replicationLag = lag
	n.mu.Unlock()
}

// LastHealthCheck returns the time of the most recent probe, successful or
// not.
func (n *Node) LastHealthCheck() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastHealthCheck
}

// Status returns a point-in-time snapshot of the node.
func (n *Node) Status() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NodeStatus{
		ID:              n.ID,
		Addr:            n.Addr(),
		Role:            n.role.String(),
		Healthy:         n.healthy,
		Latency:         n.latency,
		ReplicationLag:  n.replicationLag,
		LastHealthCheck: n.lastHealthCheck,
	}
}

// NodeStatus is a point-in-time snapshot of a node's state.
type NodeStatus struct {
	ID              string        `json:"id"`
	Addr            string        `json:"addr"`
	Role            string        `json:"role"`
	Healthy         bool          `json:"healthy"`
	Latency         time.Duration `json:"latency"`
	ReplicationLag  time.Duration `json:"replication_lag"`
	LastHealthCheck time.Time     `json:"last_health_check"`
}
