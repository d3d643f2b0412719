// Package postgres adapts PostgreSQL to the database.Dialect capability
// set. It never builds diff logic — only connection lifecycle, schema
// introspection, and dialect-specific SQL fragments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rowdiff/rowdiff/database"
)

func init() {
	database.Register("postgres", Open)
}

type Dialect struct {
	db     *sql.DB
	cfg    database.Config
	schema string
}

func Open(ctx context.Context, cfg database.Config) (database.Dialect, error) {
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, err
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Dialect{db: db, cfg: cfg, schema: schema}, nil
}

func buildDSN(cfg database.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	sslmode := cfg.Params["sslmode"]
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslmode)
}

func (d *Dialect) Name() string   { return "postgres" }
func (d *Dialect) DB() *sql.DB    { return d.db }
func (d *Dialect) Close() error   { return d.db.Close() }
func (d *Dialect) IsClosed() bool { return d.db.Stats().OpenConnections == 0 && d.db.Stats().InUse == 0 }

func (d *Dialect) Healthcheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Dialect) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *Dialect) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

func (d *Dialect) ListColumns(ctx context.Context, path []string) ([]database.Column, error) {
	schema, table := d.resolvePath(path)
	rows, err := d.db.QueryContext(ctx, `
		SELECT column_name, data_type,
		       COALESCE(numeric_precision, datetime_precision, 0),
		       COALESCE(numeric_scale, 0),
		       is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var c database.Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Precision, &c.Scale, &c.Nullable); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (d *Dialect) resolvePath(path []string) (schema, table string) {
	if len(path) >= 2 {
		return path[len(path)-2], path[len(path)-1]
	}
	return d.schema, path[len(path)-1]
}

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) Literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (d *Dialect) CastVarchar(expr string, width int) string {
	return fmt.Sprintf("CAST(%s AS VARCHAR(%d))", expr, width)
}

func (d *Dialect) HashExpr(expr string) string {
	return fmt.Sprintf("MD5(%s)", expr)
}

func (d *Dialect) HashFold(hexExpr string) string {
	return fmt.Sprintf("(('x' || substring(%s, 1, 16))::bit(64)::bigint)", hexExpr)
}

func (d *Dialect) ConcatExpr(parts []string, sep string) string {
	return strings.Join(parts, " || "+d.Literal(sep)+" || ")
}

func (d *Dialect) SupportsFullOuterJoin() bool { return true }

func (d *Dialect) IsDistinctFrom(a, b string) string {
	return fmt.Sprintf("%s IS DISTINCT FROM %s", a, b)
}

func (d *Dialect) SampleExpr(fraction float64) string {
	return fmt.Sprintf("random() < %f", fraction)
}

func (d *Dialect) TimeTravelClause(token string) string { return "" }

func (d *Dialect) TimestampTrunc(expr string, precision int) string {
	return fmt.Sprintf("date_trunc('%s', %s)", postgresTruncUnit(precision), expr)
}

func postgresTruncUnit(precision int) string {
	switch {
	case precision <= 0:
		return "second"
	case precision <= 3:
		return "milliseconds"
	default:
		return "microseconds"
	}
}

func (d *Dialect) MaterializeStatement(targetPath []string, selectSQL string) string {
	return fmt.Sprintf("CREATE TABLE %s AS %s", d.QualifyPath(targetPath), selectSQL)
}

func (d *Dialect) QualifyPath(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
