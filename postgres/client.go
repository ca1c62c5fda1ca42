// Package postgres implements the primitives the router, health checker and
// failover coordinator run against cluster nodes: statement execution,
// liveness and lag probes, and the administrative commands a promotion
// needs. All database access flows through the shared pool manager.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/shardpilot/shardpilot/cluster"
	"github.com/shardpilot/shardpilot/pool"
	"github.com/shardpilot/shardpilot/router"
)

// replicationLagQuery measures how far WAL replay trails on a standby.
// A node that is not in recovery, or that has replayed everything it
// received, reports zero.
const replicationLagQuery = `
SELECT CASE
	WHEN NOT pg_is_in_recovery() THEN 0
	WHEN pg_last_wal_receive_lsn() = pg_last_wal_replay_lsn() THEN 0
	ELSE COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)
END`

// Client executes statements and administrative commands against nodes.
type Client struct {
	// DiskFreeQuery optionally supplies an operator-provided probe that
	// returns the fraction of free disk space on the node. Postgres has no
	// builtin for this; without a probe every node reports fully free.
	DiskFreeQuery string

	pools  *pool.Manager
	logger *zap.Logger
}

// NewClient returns a client backed by the given pool manager.
func NewClient(pools *pool.Manager) *Client {
	return &Client{
		pools:  pools,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the client.
func (c *Client) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "postgres"))
}

// Query runs a single statement on a node and collects the full result.
// Statements that return no rows, such as plain INSERT or UPDATE, yield an
// empty row set with the affected row count.
func (c *Client) Query(ctx context.Context, node *cluster.Node, stmt string, params []interface{}) (*router.Result, error) {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return nil, err
	}

	rows, err := p.Query(ctx, stmt, params...)
	if err != nil {
		return nil, classify(err)
	}
	return collectResult(rows, node.ID)
}

// Begin opens a transaction on a node.
func (c *Client) Begin(ctx context.Context, node *cluster.Node) (router.Tx, error) {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return nil, err
	}
	tx, err := p.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &clientTx{tx: tx, nodeID: node.ID}, nil
}

type clientTx struct {
	tx     pgx.Tx
	nodeID string
}

func (t *clientTx) Exec(ctx context.Context, stmt string, params []interface{}) (*router.Result, error) {
	rows, err := t.tx.Query(ctx, stmt, params...)
	if err != nil {
		return nil, classify(err)
	}
	return collectResult(rows, t.nodeID)
}

func (t *clientTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *clientTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// collectResult drains rows into the router's opaque result contract.
func collectResult(rows pgx.Rows, nodeID string) (*router.Result, error) {
	flds := rows.FieldDescriptions()
	columns := make([]string, len(flds))
	for i, fd := range flds {
		columns[i] = fd.Name
	}

	var values [][]interface{}
	for rows.Next() {
		row, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, classify(err)
		}
		values = append(values, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return &router.Result{
		Columns:      columns,
		Rows:         values,
		RowsAffected: rows.CommandTag().RowsAffected(),
		NodeID:       nodeID,
	}, nil
}

// classify wraps statement-level failures the router must not retry.
// Connectivity failures pass through untouched so retry and health marking
// still see them.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "42", // syntax error or access rule violation
			"23", // integrity constraint violation
			"22", // data exception
			"0A", // feature not supported
			"3D", // invalid catalog name
			"3F": // invalid schema name
			return &router.PermanentError{Err: err}
		}
	}
	return err
}

// Ping checks node liveness and returns the round-trip time.
func (c *Client) Ping(ctx context.Context, node *cluster.Node) (time.Duration, error) {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var one int
	if err := p.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ReplicationLag returns how far the node's WAL replay trails its upstream.
func (c *Client) ReplicationLag(ctx context.Context, node *cluster.Node) (time.Duration, error) {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return 0, err
	}

	var seconds float64
	if err := p.QueryRow(ctx, replicationLagQuery).Scan(&seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// DiskFree returns the fraction of disk space still free on the node.
func (c *Client) DiskFree(ctx context.Context, node *cluster.Node) (float64, error) {
	if c.DiskFreeQuery == "" {
		c.logger.Debug("No disk-free-query configured, assuming free space",
			zap.String("node", node.ID))
		return 1.0, nil
	}

	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return 0, err
	}

	var frac float64
	if err := p.QueryRow(ctx, c.DiskFreeQuery).Scan(&frac); err != nil {
		return 0, err
	}
	return frac, nil
}

// InRecovery reports whether the node is running as a standby.
func (c *Client) InRecovery(ctx context.Context, node *cluster.Node) (bool, error) {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return false, err
	}

	var recovery bool
	if err := p.QueryRow(ctx, `SELECT pg_is_in_recovery()`).Scan(&recovery); err != nil {
		return false, err
	}
	return recovery, nil
}

// Promote promotes a standby out of recovery and waits for it to finish.
func (c *Client) Promote(ctx context.Context, node *cluster.Node) error {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return err
	}

	var promoted bool
	if err := p.QueryRow(ctx, `SELECT pg_promote(wait => true, wait_seconds => 30)`).Scan(&promoted); err != nil {
		return err
	}
	if !promoted {
		return fmt.Errorf("node %q did not finish promotion within 30s", node.ID)
	}
	return nil
}

// SetReadOnly toggles default_transaction_read_only on the node.
func (c *Client) SetReadOnly(ctx context.Context, node *cluster.Node, readOnly bool) error {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return err
	}

	setting := "off"
	if readOnly {
		setting = "on"
	}
	if _, err := p.Exec(ctx, fmt.Sprintf(`ALTER SYSTEM SET default_transaction_read_only = '%s'`, setting)); err != nil {
		return err
	}
	_, err = p.Exec(ctx, `SELECT pg_reload_conf()`)
	return err
}

// TerminateBackends kills active client backends on the node, cutting off
// in-flight writes ahead of a promotion.
func (c *Client) TerminateBackends(ctx context.Context, node *cluster.Node) error {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return err
	}

	_, err = p.Exec(ctx, `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE pid <> pg_backend_pid()
  AND backend_type = 'client backend'
  AND state <> 'idle'`)
	return err
}

// VerifyWrite proves the node accepts writes by creating and dropping a
// throwaway table.
func (c *Client) VerifyWrite(ctx context.Context, node *cluster.Node) error {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return err
	}

	table := verifyTableName()
	if _, err := p.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s (id int)`, table)); err != nil {
		return err
	}
	_, err = p.Exec(ctx, fmt.Sprintf(`DROP TABLE %s`, table))
	return err
}

// Reconfigure points a demoted node at the shard's new primary. The setting
// only takes effect once the node runs as a standby again.
func (c *Client) Reconfigure(ctx context.Context, node, newPrimary *cluster.Node) error {
	p, err := c.pools.Pool(ctx, node)
	if err != nil {
		return err
	}

	conninfo := fmt.Sprintf("host=%s port=%d user=%s password=%s",
		newPrimary.Host, newPrimary.Port, newPrimary.User, newPrimary.Password)
	if _, err := p.Exec(ctx, fmt.Sprintf(`ALTER SYSTEM SET primary_conninfo = %s`, quoteLiteral(conninfo))); err != nil {
		return err
	}
	_, err = p.Exec(ctx, `SELECT pg_reload_conf()`)
	return err
}

func verifyTableName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "_failover_verify_" + id[:12]
}

// quoteLiteral wraps s as a single-quoted SQL literal. ALTER SYSTEM does
// not accept bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
