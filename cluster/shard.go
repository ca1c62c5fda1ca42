package cluster

import (
	"fmt"
	"sync"
)

// Shard represents one horizontal partition of the keyspace: a single
// writable primary plus an ordered list of replicas. Membership mutations
// happen only during failover, serialized by the coordinator's per-shard
// lock; readers may snapshot at any time.
type Shard struct {
	ID     string
	Region string

	mu       sync.RWMutex
	primary  *Node
	replicas []*Node
}

// NewShard returns a shard with the given primary and replicas.
func NewShard(id, region string, primary *Node, replicas []*Node) *Shard {
	s := &Shard{
		ID:      id,
		Region:  region,
		primary: primary,
	}
	s.replicas = append(s.replicas, replicas...)
	return s
}

// Primary returns the node currently routed as the shard's primary.
func (s *Shard) Primary() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// Replicas returns a copy of the current replica list.
func (s *Shard) Replicas() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	other := make([]*Node, len(s.replicas))
	copy(other, s.replicas)
	return other
}

// Nodes returns the primary followed by the replicas.
func (s *Shard) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*Node, 0, len(s.replicas)+1)
	if s.primary != nil {
		nodes = append(nodes, s.primary)
	}
	nodes = append(nodes, s.replicas...)
	return nodes
}

// Node returns the member with the given ID, or nil.
func (s *Shard) Node(id string) *Node {
	for _, n := range s.Nodes() {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// HealthyReplicas returns the replicas that currently pass health checks,
// preserving replica order.
func (s *Shard) HealthyReplicas() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var healthy []*Node
	for _, r := range s.replicas {
		if r.Healthy() {
			healthy = append(healthy, r)
		}
	}
	return healthy
}

// Promote routes the shard's traffic to candidate and removes it from the
// replica list. The old primary rejoins as a replica when it is still
// healthy; an unhealthy old primary is detached from the shard until an
// operator reattaches it. The old primary is returned for rollback.
// Callers hold the shard's failover lock and set node roles themselves.
func (s *Shard) Promote(candidate *Node) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := replicaIndex(s.replicas, candidate.ID)
	if i < 0 {
		return nil, fmt.Errorf("node %q is not a replica of shard %q", candidate.ID, s.ID)
	}
	s.replicas = append(s.replicas[:i], s.replicas[i+1:]...)

	old := s.primary
	s.primary = candidate
	if old != nil && old.Healthy() {
		s.replicas = append(s.replicas, old)
	}
	return old, nil
}

// Restore reinstates old as the shard's primary after a failed promotion
// and returns candidate to the replica list.
func (s *Shard) Restore(old, candidate *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := replicaIndex(s.replicas, old.ID); i >= 0 {
		s.replicas = append(s.replicas[:i], s.replicas[i+1:]...)
	}
	s.primary = old
	if candidate != nil && replicaIndex(s.replicas, candidate.ID) < 0 {
		s.replicas = append(s.replicas, candidate)
	}
}

// Validate checks the shard's structural invariants: a primary is routed
// and no node outside it carries the primary role.
func (s *Shard) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.primary == nil {
		return fmt.Errorf("shard %q has no primary", s.ID)
	}
	for _, r := range s.replicas {
		if r.Role() == RolePrimary {
			return fmt.Errorf("shard %q routes %q as a replica but its role is primary", s.ID, r.ID)
		}
	}
	return nil
}

// Status returns a point-in-time snapshot of the shard and its members.
func (s *Shard) Status() ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := ShardStatus{
		ID:       s.ID,
		Region:   s.Region,
		Replicas: make([]NodeStatus, 0, len(s.replicas)),
	}
	if s.primary != nil {
		ps := s.primary.Status()
		st.Primary = &ps
	}
	for _, r := range s.replicas {
		st.Replicas = append(st.Replicas, r.Status())
	}
	return st
}

// ShardStatus is a point-in-time snapshot of a shard's membership.
type ShardStatus struct {
	ID       string       `json:"id"`
	Region   string       `json:"region,omitempty"`
	Primary  *NodeStatus  `json:"primary,omitempty"`
	Replicas []NodeStatus `json:"replicas"`
}

func replicaIndex(replicas []*Node, id string) int {
	for i, r := range replicas {
		if r.ID == id {
			return i
		}
	}
	return -1
}
