package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrShardNotFound is returned when a shard key resolves to no known shard.
var ErrShardNotFound = errors.New("shard not found")

// Topology is the authoritative view of the cluster: every shard, every
// node, and the resolver that assigns keys to shards. A single Topology is
// built at startup and shared by reference; the failover coordinator is its
// only writer.
type Topology struct {
	mu       sync.RWMutex
	shards   map[string]*Shard
	resolver Resolver
}

// NewTopology returns an empty topology using the given resolver.
func NewTopology(resolver Resolver) *Topology {
	return &Topology{
		shards:   make(map[string]*Shard),
		resolver: resolver,
	}
}

// Load builds a topology from a validated configuration.
func Load(c Config) (*Topology, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var resolver Resolver
	switch c.Resolution {
	case ResolutionHash, "":
		ids := make([]string, 0, len(c.Shards))
		for _, sc := range c.Shards {
			ids = append(ids, sc.ID)
		}
		resolver = NewHashResolver(ids)
	case ResolutionRange:
		ranges := make([]KeyRange, 0, len(c.Shards))
		for _, sc := range c.Shards {
			ranges = append(ranges, KeyRange{From: sc.KeyFrom, To: sc.KeyTo, ShardID: sc.ID})
		}
		r, err := NewRangeResolver(ranges)
		if err != nil {
			return nil, err
		}
		resolver = r
	}

	t := NewTopology(resolver)
	for _, sc := range c.Shards {
		var primary *Node
		var replicas []*Node
		for _, nc := range sc.Nodes {
			n, err := NewNode(nc)
			if err != nil {
				return nil, fmt.Errorf("shard %q: %s", sc.ID, err)
			}
			if n.Role() == RolePrimary {
				primary = n
			} else {
				replicas = append(replicas, n)
			}
		}
		if err := t.AddShard(NewShard(sc.ID, sc.Region, primary, replicas)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AddShard registers a shard with the topology.
func (t *Topology) AddShard(s *Shard) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shards[s.ID]; ok {
		return fmt.Errorf("shard %q already exists", s.ID)
	}
	t.shards[s.ID] = s
	return nil
}

// Shard returns the shard with the given ID.
func (t *Topology) Shard(id string) (*Shard, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.shards[id]
	return s, ok
}

// ShardForKey resolves a shard key to its owning shard.
func (t *Topology) ShardForKey(key string) (*Shard, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.resolver.Resolve(key)
	if !ok {
		return nil, fmt.Errorf("%w for key %q", ErrShardNotFound, key)
	}
	s, ok := t.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: resolver returned unknown shard %q for key %q", ErrShardNotFound, id, key)
	}
	return s, nil
}

// Shards returns every shard ordered by ID.
func (t *Topology) Shards() []*Shard {
	t.mu.RLock()
	defer t.mu.RUnlock()

	shards := make([]*Shard, 0, len(t.shards))
	for _, s := range t.shards {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })
	return shards
}

// Nodes returns every node across all shards, ordered by shard then
// position.
func (t *Topology) Nodes() []*Node {
	var nodes []*Node
	for _, s := range t.Shards() {
		nodes = append(nodes, s.Nodes()...)
	}
	return nodes
}

// Status returns a point-in-time snapshot of every shard.
func (t *Topology) Status() []ShardStatus {
	shards := t.Shards()
	statuses := make([]ShardStatus, 0, len(shards))
	for _, s := range shards {
		statuses = append(statuses, s.Status())
	}
	return statuses
}
