// Package mssql adapts SQL Server to the database.Dialect capability set.
// It never builds diff logic — only connection lifecycle, schema
// introspection, and dialect-specific SQL fragments.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/rowdiff/rowdiff/database"
)

func init() {
	database.Register("mssql", Open)
}

type Dialect struct {
	db     *sql.DB
	cfg    database.Config
	schema string
}

func Open(ctx context.Context, cfg database.Config) (database.Dialect, error) {
	db, err := sql.Open("sqlserver", buildDSN(cfg))
	if err != nil {
		return nil, err
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	return &Dialect{db: db, cfg: cfg, schema: schema}, nil
}

func buildDSN(cfg database.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

func (d *Dialect) Name() string   { return "mssql" }
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
		SELECT COLUMN_NAME, DATA_TYPE,
		       COALESCE(NUMERIC_PRECISION, DATETIME_PRECISION, 0),
		       COALESCE(NUMERIC_SCALE, 0),
		       CASE WHEN IS_NULLABLE = 'YES' THEN 1 ELSE 0 END
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION
	`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []database.Column
	for rows.Next() {
		var c database.Column
		var nullable int
		if err := rows.Scan(&c.Name, &c.DataType, &c.Precision, &c.Scale, &nullable); err != nil {
			return nil, err
		}
		c.Nullable = nullable == 1
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
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) Literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (d *Dialect) CastVarchar(expr string, width int) string {
	return fmt.Sprintf("CAST(%s AS VARCHAR(%d))", expr, width)
}

func (d *Dialect) HashExpr(expr string) string {
	return fmt.Sprintf("CONVERT(VARCHAR(32), HASHBYTES('MD5', %s), 2)", expr)
}

func (d *Dialect) HashFold(hexExpr string) string {
	return fmt.Sprintf("CONVERT(BIGINT, CONVERT(VARBINARY(8), LEFT(%s, 16), 2))", hexExpr)
}

func (d *Dialect) ConcatExpr(parts []string, sep string) string {
	return strings.Join(parts, " + "+d.Literal(sep)+" + ")
}

func (d *Dialect) SupportsFullOuterJoin() bool { return true }

// IsDistinctFrom avoids the 2022-only IS DISTINCT FROM syntax so the
// join filter also runs on older SQL Server releases.
func (d *Dialect) IsDistinctFrom(a, b string) string {
	return fmt.Sprintf(
		"(CASE WHEN (%s = %s) OR (%s IS NULL AND %s IS NULL) THEN 0 ELSE 1 END) = 1",
		a, b, a, b)
}

func (d *Dialect) SampleExpr(fraction float64) string {
	return fmt.Sprintf("CAST(CRYPT_GEN_RANDOM(4) AS INT) %% 1000 < %d", int(fraction*1000))
}

func (d *Dialect) TimeTravelClause(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("FOR SYSTEM_TIME AS OF '%s'", token)
}

func (d *Dialect) TimestampTrunc(expr string, precision int) string {
	return fmt.Sprintf("CONVERT(DATETIME2(%d), %s)", precision, expr)
}

func (d *Dialect) MaterializeStatement(targetPath []string, selectSQL string) string {
	return fmt.Sprintf("SELECT * INTO %s FROM (%s) rowdiff_materialize", d.QualifyPath(targetPath), selectSQL)
}

func (d *Dialect) QualifyPath(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
