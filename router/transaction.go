package router

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
)

// ExecuteTransaction groups operations by shard, runs each group inside a
// transaction on its shard's primary, and commits only after every
// operation succeeded. Any failure rolls back every open transaction.
//
// Atomicity across shards is best effort: there is no two-phase commit, so
// a crash between the per-shard commits can leave shards inconsistent with
// each other.
func (r *Router) ExecuteTransaction(ctx context.Context, ops []Operation) ([]*Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	// Resolve every operation before touching any node.
	shards := make([]*cluster.Shard, len(ops))
	for i, op := range ops {
		if op.ShardKey == "" {
			return nil, ErrShardKeyRequired
		}
		sh, err := r.TopologyStore.ShardForKey(op.ShardKey)
		if err != nil {
			return nil, fmt.Errorf("transaction operation %d: %w", i, err)
		}
		shards[i] = sh
	}

	// Transactions write, so every involved primary must be healthy before
	// the first statement runs.
	primaries := make(map[string]*cluster.Node)
	var order []string
	for _, sh := range shards {
		if _, ok := primaries[sh.ID]; ok {
			continue
		}
		primary := sh.Primary()
		if primary == nil || !primary.Healthy() {
			return nil, fmt.Errorf("%w for write on shard %q: primary unavailable", ErrNoHealthyNode, sh.ID)
		}
		primaries[sh.ID] = primary
		order = append(order, sh.ID)
	}

	txs := make(map[string]Tx, len(order))
	rollbackAll := func() {
		var errs *multierror.Error
		for shardID, tx := range txs {
			if err := tx.Rollback(ctx); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("shard %s: %w", shardID, err))
			}
		}
		if err := errs.ErrorOrNil(); err != nil {
			r.Logger.Warn("Transaction rollback incomplete", zap.Error(err))
		}
	}

	// Operations run in input order, each on its shard's transaction.
	results := make([]*Result, len(ops))
	for i, op := range ops {
		sh := shards[i]
		node := primaries[sh.ID]

		tx, ok := txs[sh.ID]
		if !ok {
			var err error
			tx, err = r.Executor.Begin(ctx, node)
			if err != nil {
				rollbackAll()
				r.PoolStore.NoteConnError(node, err)
				return nil, fmt.Errorf("begin on shard %q: %w", sh.ID, err)
			}
			txs[sh.ID] = tx
		}

		start := r.Clock.Now()
		res, err := tx.Exec(ctx, op.Statement, op.Params)
		r.recordAttempt(sh.ID, node, r.Clock.Now().Sub(start), err)
		if err != nil {
			rollbackAll()
			r.PoolStore.NoteConnError(node, err)
			return nil, fmt.Errorf("transaction operation %d on shard %q: %w", i, sh.ID, err)
		}
		results[i] = res
	}

	// Commit in shard order. A failed commit rolls back the shards not yet
	// committed; shards already committed stay committed.
	for idx, shardID := range order {
		if err := txs[shardID].Commit(ctx); err != nil {
			var errs *multierror.Error
			for _, remaining := range order[idx+1:] {
				if rbErr := txs[remaining].Rollback(ctx); rbErr != nil {
					errs = multierror.Append(errs, fmt.Errorf("shard %s: %w", remaining, rbErr))
				}
			}
			if rbErr := errs.ErrorOrNil(); rbErr != nil {
				r.Logger.Warn("Rollback after failed commit incomplete", zap.Error(rbErr))
			}
			r.PoolStore.NoteConnError(primaries[shardID], err)
			return nil, fmt.Errorf("commit on shard %q failed, %d of %d shards already committed: %w",
				shardID, idx, len(order), err)
		}
	}

	return results, nil
}
