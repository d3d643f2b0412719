// Package sqlite3 adapts SQLite (via modernc.org/sqlite, a cgo-free
// driver) to the database.Dialect capability set, for comparisons that
// involve a SQLite database file.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rowdiff/rowdiff/database"
)

func init() {
	database.Register("sqlite3", Open)
}

type Dialect struct {
	db  *sql.DB
	cfg database.Config
}

func Open(ctx context.Context, cfg database.Config) (database.Dialect, error) {
	path := cfg.DSN
	if path == "" {
		path = cfg.Database
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Dialect{db: db, cfg: cfg}, nil
}

func (d *Dialect) Name() string   { return "sqlite3" }
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
	table := path[len(path)-1]
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var cid int
		var name, dtype string
		var notNull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, database.Column{
			Name:     name,
			DataType: strings.ToLower(dtype),
			Nullable: notNull == 0,
		})
	}
	return cols, rows.Err()
}

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) Literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (d *Dialect) CastVarchar(expr string, width int) string {
	return fmt.Sprintf("CAST(%s AS TEXT)", expr)
}

func (d *Dialect) HashExpr(expr string) string {
	// SQLite has no built-in MD5, so this only works on a connection where
	// an md5() SQL function has been made available; no fallback hash is
	// rendered.
	return fmt.Sprintf("md5(%s)", expr)
}

func (d *Dialect) HashFold(hexExpr string) string {
	return fmt.Sprintf("CAST(('0x' || substr(%s, 1, 16)) AS INTEGER)", hexExpr)
}

func (d *Dialect) ConcatExpr(parts []string, sep string) string {
	return strings.Join(parts, " || "+d.Literal(sep)+" || ")
}

func (d *Dialect) SupportsFullOuterJoin() bool { return false }

func (d *Dialect) IsDistinctFrom(a, b string) string {
	return fmt.Sprintf("%s IS NOT %s", a, b)
}

func (d *Dialect) SampleExpr(fraction float64) string {
	return fmt.Sprintf("abs(random()) %% 1000 < %d", int(fraction*1000))
}

func (d *Dialect) TimeTravelClause(token string) string { return "" }

func (d *Dialect) TimestampTrunc(expr string, precision int) string {
	frac := "%f"
	if precision <= 0 {
		frac = ""
	}
	return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:%%M:%s', %s)", frac, expr)
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
