package cluster

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// Resolver maps a shard key to the ID of the shard that owns it.
// Resolution must be deterministic: equal keys always resolve to the same
// shard for as long as the shard list is unchanged.
type Resolver interface {
	Resolve(key string) (shardID string, ok bool)
}

// HashResolver distributes keys over a fixed shard list by hashing.
type HashResolver struct {
	ids []string
}

// NewHashResolver returns a resolver over the given shard IDs. The IDs are
// sorted internally so resolution does not depend on configuration order.
func NewHashResolver(shardIDs []string) *HashResolver {
	ids := make([]string, len(shardIDs))
	copy(ids, shardIDs)
	sort.Strings(ids)
	return &HashResolver{ids: ids}
}

// Resolve returns the shard owning key.
func (r *HashResolver) Resolve(key string) (string, bool) {
	if len(r.ids) == 0 {
		return "", false
	}
	return r.ids[xxhash.Sum64String(key)%uint64(len(r.ids))], true
}

// KeyRange assigns the half-open key interval [From, To) to a shard. An
// empty To extends the range to the end of the keyspace.
type KeyRange struct {
	From    string
	To      string
	ShardID string
}

// RangeResolver maps keys to shards by lexicographic key range.
type RangeResolver struct {
	tree *btree.BTreeG[KeyRange]
}

// NewRangeResolver returns a resolver over the given ranges. Ranges must
// not overlap.
func NewRangeResolver(ranges []KeyRange) (*RangeResolver, error) {
	sorted := make([]KeyRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	for i, kr := range sorted {
		if kr.To != "" && kr.To <= kr.From {
			return nil, fmt.Errorf("shard %q: key range [%q, %q) is empty", kr.ShardID, kr.From, kr.To)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.To == "" || kr.From < prev.To {
			return nil, fmt.Errorf("key ranges for shards %q and %q overlap", prev.ShardID, kr.ShardID)
		}
	}

	tree := btree.NewG(8, func(a, b KeyRange) bool { return a.From < b.From })
	for _, kr := range sorted {
		tree.ReplaceOrInsert(kr)
	}
	return &RangeResolver{tree: tree}, nil
}

// Resolve returns the shard whose range contains key.
func (r *RangeResolver) Resolve(key string) (string, bool) {
	var shardID string
	r.tree.DescendLessOrEqual(KeyRange{From: key}, func(kr KeyRange) bool {
		if kr.To == "" || key < kr.To {
			shardID = kr.ShardID
		}
		return false
	})
	return shardID, shardID != ""
}
