// Package mysql adapts MySQL/MariaDB to the database.Dialect capability
// set. It never builds diff logic — only connection lifecycle, schema
// introspection, and dialect-specific SQL fragments.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	driver "github.com/go-sql-driver/mysql"
	"github.com/rowdiff/rowdiff/database"
)

func init() {
	database.Register("mysql", Open)
}

type Dialect struct {
	db                  *sql.DB
	cfg                 database.Config
	lowerCaseTableNames int
}

// Open connects to MySQL and records the server's lower_case_table_names
// setting, exposed through LowerCaseTableNames.
func Open(ctx context.Context, cfg database.Config) (database.Dialect, error) {
	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, err
	}
	d := &Dialect{db: db, cfg: cfg}
	d.lowerCaseTableNames = queryLowerCaseTableNames(ctx, db)
	return d, nil
}

func buildDSN(cfg database.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	c := driver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Database
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.ParseTime = true
	return c.FormatDSN()
}

func queryLowerCaseTableNames(ctx context.Context, db *sql.DB) int {
	var varName, value string
	if err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'lower_case_table_names'").Scan(&varName, &value); err != nil {
		slog.Debug("mysql: failed to read lower_case_table_names", "error", err)
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func (d *Dialect) Name() string       { return "mysql" }
func (d *Dialect) DB() *sql.DB        { return d.db }
func (d *Dialect) Close() error       { return d.db.Close() }
func (d *Dialect) IsClosed() bool     { return d.db.Stats().OpenConnections == 0 && d.db.Stats().InUse == 0 }

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
	rows, err := d.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, COALESCE(NUMERIC_PRECISION, DATETIME_PRECISION, 0), COALESCE(NUMERIC_SCALE, 0), IS_NULLABLE = 'YES'
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`, table)
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

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) Literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (d *Dialect) CastVarchar(expr string, width int) string {
	return fmt.Sprintf("CAST(%s AS CHAR(%d))", expr, width)
}

func (d *Dialect) HashExpr(expr string) string {
	return fmt.Sprintf("MD5(%s)", expr)
}

func (d *Dialect) HashFold(hexExpr string) string {
	return fmt.Sprintf("CAST(CONV(SUBSTRING(%s, 1, 16), 16, 10) AS UNSIGNED)", hexExpr)
}

func (d *Dialect) ConcatExpr(parts []string, sep string) string {
	quoted := d.Literal(sep)
	args := make([]string, 0, len(parts)*2-1)
	for i, p := range parts {
		if i > 0 {
			args = append(args, quoted)
		}
		args = append(args, p)
	}
	return fmt.Sprintf("CONCAT(%s)", strings.Join(args, ", "))
}

func (d *Dialect) SupportsFullOuterJoin() bool { return false }

func (d *Dialect) IsDistinctFrom(a, b string) string {
	return fmt.Sprintf("NOT (%s <=> %s)", a, b)
}

func (d *Dialect) SampleExpr(fraction float64) string {
	return fmt.Sprintf("RAND() < %f", fraction)
}

func (d *Dialect) TimeTravelClause(token string) string { return "" }

func (d *Dialect) TimestampTrunc(expr string, precision int) string {
	return fmt.Sprintf("CAST(%s AS DATETIME(%d))", expr, precision)
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

// LowerCaseTableNames exposes the server's case-sensitivity setting. The
// Schema Binder does not read it; it folds names by
// TableSegment.CaseSensitive.
func (d *Dialect) LowerCaseTableNames() int { return d.lowerCaseTableNames }
