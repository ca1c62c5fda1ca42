package router

import (
	"context"
	"errors"
)

// Request describes one statement to execute against the cluster.
type Request struct {
	// ShardKey selects the shard. Required.
	ShardKey string

	// Statement is the parameterized SQL to run.
	Statement string

	// Params are the statement's bind parameters.
	Params []interface{}

	// ReadOnly requests can be served by replicas. Writes always go to the
	// shard primary.
	ReadOnly bool

	// UseCache serves repeated read-only requests from the query cache.
	// Only meaningful with ReadOnly.
	UseCache bool
}

// Result is the payload-agnostic outcome of a statement. Callers receive
// column names and opaque row values; the router never interprets them.
type Result struct {
	Columns      []string        `json:"columns"`
	Rows         [][]interface{} `json:"rows"`
	RowsAffected int64           `json:"rows_affected"`
	NodeID       string          `json:"node_id"`
	FromCache    bool            `json:"from_cache,omitempty"`
}

// Operation is one statement inside a cross-shard transaction.
type Operation struct {
	ShardKey  string
	Statement string
	Params    []interface{}
}

// Response pairs one parallel query's result with its error. Queries in a
// parallel group fail independently.
type Response struct {
	Result *Result
	Err    error
}

// Tx is a transaction held open on a single node.
type Tx interface {
	Exec(ctx context.Context, stmt string, params []interface{}) (*Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ErrShardKeyRequired is returned for requests without a shard key.
var ErrShardKeyRequired = errors.New("shard key required")

// ErrNoHealthyNode is wrapped by failures to place a request on any node
// allowed to serve it.
var ErrNoHealthyNode = errors.New("no healthy node available")

// PermanentError marks an execution failure no retry can fix, such as a
// malformed statement or a constraint violation. The executor wraps these
// so the router fails fast instead of retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a PermanentError marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
