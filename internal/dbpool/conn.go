package dbpool

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Conn is the subset of pgx.Conn/pgxpool.Pool the oracle and registry need:
// read-only queries against realtime.* tables and functions. Both *pgx.Conn
// and *pgxpool.Pool satisfy it.
type Conn interface {
	// Query executes a SQL query in the context of the given context 'ctx'.
	// It returns a Rows object that can be used to iterate over the results
	// of the query, or an error if there was an issue during execution.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query that is expected to return at most one row.
	// It returns a Row object that can be used to retrieve the single row;
	// any error from executing the query is reported by the Row's Scan.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
