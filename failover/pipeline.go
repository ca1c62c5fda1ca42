package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
)

const (
	stepValidateCandidate = "validate-candidate"
	stepStopWrites        = "stop-writes"
	stepSyncReplication   = "sync-replication"
	stepPromotePrimary    = "promote-primary"
	stepUpdateRouting     = "update-routing"
	stepVerifyPrimary     = "verify-primary"
	stepRedirectTraffic   = "redirect-traffic"
	stepDemoteOldPrimary  = "demote-old-primary"
)

// runPipeline executes the failover steps in order. The first failing step
// aborts the run and triggers a rollback; the error is returned to the
// trigger path.
func (c *Coordinator) runPipeline(ctx context.Context, op *Operation, sh *cluster.Shard, oldPrimary, candidate *cluster.Node) error {
	routingSwitched := false

	plan := []struct {
		name  string
		state State
		run   func(ctx context.Context) error
	}{
		{stepValidateCandidate, StateValidating, func(ctx context.Context) error {
			return c.validateCandidate(ctx, candidate)
		}},
		{stepStopWrites, StateInitiating, func(ctx context.Context) error {
			c.stopWrites(ctx, oldPrimary)
			return nil
		}},
		{stepSyncReplication, StateInitiating, func(ctx context.Context) error {
			return c.waitForSync(ctx, candidate)
		}},
		{stepPromotePrimary, StatePromoting, func(ctx context.Context) error {
			if err := c.Admin.Promote(ctx, candidate); err != nil {
				return errors.Wrapf(err, "promote %q", candidate.ID)
			}
			candidate.SetRole(cluster.RolePrimary)
			return nil
		}},
		{stepUpdateRouting, StateSwitching, func(ctx context.Context) error {
			if _, err := sh.Promote(candidate); err != nil {
				return err
			}
			routingSwitched = true
			if oldPrimary != nil {
				oldPrimary.SetRole(cluster.RoleReplica)
			}
			return nil
		}},
		{stepVerifyPrimary, StateVerifying, func(ctx context.Context) error {
			return c.verifyPrimary(ctx, candidate)
		}},
		{stepRedirectTraffic, StateVerifying, func(ctx context.Context) error {
			c.redirectTraffic(sh.ID, oldPrimary, candidate)
			return nil
		}},
		{stepDemoteOldPrimary, StateVerifying, func(ctx context.Context) error {
			c.demoteOldPrimary(ctx, oldPrimary, candidate)
			return nil
		}},
	}

	for _, st := range plan {
		op.step(st.name)
	}

	for _, st := range plan {
		rec := op.step(st.name)
		op.State = st.state
		rec.Status = StepInProgress
		rec.StartedAt = c.Clock.Now()

		c.Logger.Debug("Failover step started",
			zap.String("op", op.ID),
			zap.String("shard", sh.ID),
			zap.String("step", st.name))

		if err := st.run(ctx); err != nil {
			rec.Status = StepFailed
			rec.FinishedAt = c.Clock.Now()
			rec.Error = err.Error()
			c.rollback(ctx, op, sh, oldPrimary, candidate, routingSwitched)
			return errors.Wrapf(err, "step %s", st.name)
		}

		rec.Status = StepCompleted
		rec.FinishedAt = c.Clock.Now()
	}
	return nil
}

// validateCandidate checks that the candidate is fit for promotion: it
// answers, its replication lag is below the configured ceiling and it has
// enough free disk.
func (c *Coordinator) validateCandidate(ctx context.Context, candidate *cluster.Node) error {
	if _, err := c.Admin.Ping(ctx, candidate); err != nil {
		return errors.Wrapf(err, "candidate %q unreachable", candidate.ID)
	}

	lag, err := c.Admin.ReplicationLag(ctx, candidate)
	if err != nil {
		return errors.Wrapf(err, "replication lag probe on %q", candidate.ID)
	}
	candidate.SetReplicationLag(lag)
	if maxLag := time.Duration(c.config.MaxLag); lag > maxLag {
		return fmt.Errorf("candidate %q lag %s exceeds %s", candidate.ID, lag, maxLag)
	}

	free, err := c.Admin.DiskFree(ctx, candidate)
	if err != nil {
		return errors.Wrapf(err, "disk probe on %q", candidate.ID)
	}
	if free < c.config.MinDiskFree {
		return fmt.Errorf("candidate %q disk free %.1f%% below %.1f%%",
			candidate.ID, free*100, c.config.MinDiskFree*100)
	}
	return nil
}

// stopWrites puts the old primary in read-only mode and kicks active
// client backends off it. Best effort: the old primary is usually the
// node that just failed, so errors are logged and the pipeline moves on.
func (c *Coordinator) stopWrites(ctx context.Context, oldPrimary *cluster.Node) {
	if oldPrimary == nil {
		return
	}
	log := c.Logger.With(zap.String("node", oldPrimary.ID))

	if err := c.Admin.SetReadOnly(ctx, oldPrimary, true); err != nil {
		log.Warn("Unable to stop writes on old primary", zap.Error(err))
		return
	}
	if err := c.Admin.TerminateBackends(ctx, oldPrimary); err != nil {
		log.Warn("Unable to terminate backends on old primary", zap.Error(err))
		return
	}
	log.Info("Writes stopped on old primary")
}

// waitForSync polls the candidate's replication lag until it drops under
// the sync threshold or the sync timeout elapses.
func (c *Coordinator) waitForSync(ctx context.Context, candidate *cluster.Node) error {
	threshold := time.Duration(c.config.SyncLagThreshold)
	deadline := c.Clock.Now().Add(time.Duration(c.config.SyncTimeout))

	t := c.Clock.Ticker(time.Duration(c.config.SyncPollInterval))
	defer t.Stop()

	var lag time.Duration
	for {
		probed, err := c.Admin.ReplicationLag(ctx, candidate)
		if err != nil {
			c.Logger.Warn("Replication lag probe failed during sync",
				zap.String("node", candidate.ID), zap.Error(err))
		} else {
			lag = probed
			candidate.SetReplicationLag(lag)
			if lag <= threshold {
				return nil
			}
		}

		if !c.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w on %q, lag still %s after %s",
				ErrReplicationSyncTimeout, candidate.ID, lag, time.Duration(c.config.SyncTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// verifyPrimary confirms the promoted node left recovery and accepts
// writes.
func (c *Coordinator) verifyPrimary(ctx context.Context, candidate *cluster.Node) error {
	inRecovery, err := c.Admin.InRecovery(ctx, candidate)
	if err != nil {
		return errors.Wrapf(err, "recovery probe on %q", candidate.ID)
	}
	if inRecovery {
		return fmt.Errorf("node %q still in recovery after promotion", candidate.ID)
	}
	if err := c.Admin.VerifyWrite(ctx, candidate); err != nil {
		return errors.Wrapf(err, "write verification on %q", candidate.ID)
	}
	return nil
}

// redirectTraffic drops the pools of both nodes so new connections see the
// new roles, then runs the switchover hook.
func (c *Coordinator) redirectTraffic(shardID string, oldPrimary, candidate *cluster.Node) {
	if oldPrimary != nil {
		c.PoolStore.Remove(oldPrimary.ID)
	}
	c.PoolStore.Remove(candidate.ID)

	if c.OnSwitchover != nil {
		c.OnSwitchover(shardID, oldPrimary, candidate)
	}
}

// demoteOldPrimary points a still-healthy old primary at the new one so it
// rejoins as a replica. Best effort: an unreachable old primary stays
// detached until an operator recovers it.
func (c *Coordinator) demoteOldPrimary(ctx context.Context, oldPrimary, newPrimary *cluster.Node) {
	if oldPrimary == nil || !oldPrimary.Healthy() {
		return
	}
	if err := c.Admin.Reconfigure(ctx, oldPrimary, newPrimary); err != nil {
		c.Logger.Warn("Unable to reconfigure old primary as replica",
			zap.String("node", oldPrimary.ID), zap.Error(err))
	}
}

// rollback restores the previous topology after a failed step. Every
// recovery action runs; failures are aggregated and logged, never
// returned to the trigger path.
func (c *Coordinator) rollback(ctx context.Context, op *Operation, sh *cluster.Shard, oldPrimary, candidate *cluster.Node, routingSwitched bool) {
	op.State = StateRollingBack
	c.Logger.Warn("Rolling back failover",
		zap.String("op", op.ID), zap.String("shard", sh.ID))

	var result *multierror.Error

	if routingSwitched && oldPrimary != nil {
		sh.Restore(oldPrimary, candidate)
	}
	if candidate.Role() == cluster.RolePrimary {
		candidate.SetRole(cluster.RoleReplica)
	}
	if oldPrimary != nil {
		oldPrimary.SetRole(cluster.RolePrimary)
		if err := c.Admin.SetReadOnly(ctx, oldPrimary, false); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "re-enable writes on %q", oldPrimary.ID))
		}
	}

	// A candidate already promoted at the database level cannot be
	// demoted from here; it needs pg_rewind or a rebuild before it can
	// replicate again.
	if rec := op.step(stepPromotePrimary); rec.Status == StepCompleted {
		c.Logger.Warn("Candidate was promoted at the database level, operator attention required",
			zap.String("op", op.ID), zap.String("node", candidate.ID))
	}

	if err := result.ErrorOrNil(); err != nil {
		c.Logger.Error("Rollback finished with errors",
			zap.String("op", op.ID), zap.String("shard", sh.ID), zap.Error(err))
	}
}
