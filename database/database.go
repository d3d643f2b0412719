// Package database is the adapter capability set the differencing core
// depends on. It never builds diff logic itself — only connection
// lifecycle, schema introspection, and dialect-specific SQL fragments.
package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Column describes one column as introspected from the live schema.
type Column struct {
	Name      string
	DataType  string // dialect-native type name, e.g. "numeric", "timestamp"
	Precision int    // meaning depends on DataType (timestamp fractional digits, decimal precision)
	Scale     int    // decimal scale; zero for non-decimal types
	Nullable  bool
}

// Config holds the structured connection parameters for one side of a
// comparison. Either DSN or the structured fields may be set; adapters
// prefer DSN when non-empty.
type Config struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string // PostgreSQL search_path / SQL Server schema
	Params   map[string]string
}

// Rows is the minimal cursor surface the core consumes. It matches
// *sql.Rows so the real adapters can return it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// Dialect is the capability set required from every database adapter.
// One value is created per comparison side.
type Dialect interface {
	// Name identifies the dialect for the Algorithm Selector, e.g. "mysql".
	Name() string

	// DB returns the underlying connection pool.
	DB() *sql.DB

	Close() error
	IsClosed() bool
	Healthcheck(ctx context.Context) error

	// Query runs query with args and returns a streaming cursor.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// Exec runs a statement that returns no rows (materialization, DDL).
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// ListColumns introspects the live schema for path (schema-qualified
	// table name already resolved by the caller).
	ListColumns(ctx context.Context, path []string) ([]Column, error)

	// QuoteIdentifier renders name as a dialect-safe quoted identifier.
	QuoteIdentifier(name string) string

	// Literal renders value as a dialect string literal.
	Literal(value string) string

	// CastVarchar wraps expr in a CAST(... AS VARCHAR(n))-equivalent.
	CastVarchar(expr string, width int) string

	// HashExpr wraps expr (already concatenated normalized columns) in the
	// dialect's fixed-width hash function, e.g. MD5.
	HashExpr(expr string) string

	// HashFold converts a hex hash expression (as produced by HashExpr)
	// into a per-row bigint the Checksum Executor can SUM() into an
	// associative segment checksum.
	HashFold(hexExpr string) string

	// ConcatExpr joins parts with the dialect's concatenation operator,
	// inserting sep as a literal between each.
	ConcatExpr(parts []string, sep string) string

	// SupportsFullOuterJoin reports whether JoinDiff may be used against
	// this dialect without emulation.
	SupportsFullOuterJoin() bool

	// IsDistinctFrom renders a NULL-safe inequality between two
	// expressions (true when exactly one side is NULL or both are non-NULL
	// and unequal).
	IsDistinctFrom(a, b string) string

	// SampleExpr renders a random-sampling predicate/expression for the
	// given fraction in [0, 1].
	SampleExpr(fraction float64) string

	// TimeTravelClause renders a time-travel/AS OF clause for path at the
	// given opaque watermark token, or "" if unsupported.
	TimeTravelClause(token string) string

	// TimestampTrunc renders expr truncated/padded to precision fractional
	// digits, the dialect-specific half of the Value Normalizer's
	// coarser-precision widening rule.
	TimestampTrunc(expr string, precision int) string

	// MaterializeStatement renders a CREATE-TABLE-AS-SELECT (or dialect
	// equivalent) statement materializing selectSQL into targetPath.
	MaterializeStatement(targetPath []string, selectSQL string) string

	// QualifyPath renders a schema-qualified, quoted table reference.
	QualifyPath(path []string) string
}

// Open dispatches to the concrete adapter for driverName.
func Open(ctx context.Context, driverName string, cfg Config) (Dialect, error) {
	opener, ok := registry[driverName]
	if !ok {
		return nil, fmt.Errorf("database: unknown driver %q", driverName)
	}
	return opener(ctx, cfg)
}

type OpenFunc func(ctx context.Context, cfg Config) (Dialect, error)

var registry = map[string]OpenFunc{}

// Register is called from each dialect subpackage's init() to advertise
// itself to Open without this package importing every driver.
func Register(driverName string, fn OpenFunc) {
	registry[driverName] = fn
}
