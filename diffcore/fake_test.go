package diffcore

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rowdiff/rowdiff/database"
)

// fakeDialect is an in-memory database.Dialect good enough to run the
// orchestrators against without a live server. It understands only the
// query shapes the engine emits (checksum, count, min/max, checkpoint
// select, existence probe, ordered fetch, uniqueness preamble, full
// outer join) and keys every table on an integer "id" column.
type fakeDialect struct {
	name        string
	tables      map[string]*fakeTable
	supportsFOJ bool

	mu       sync.Mutex
	queries  []string
	failures map[string]int // query substring -> remaining injected failures
	execs    []string
}

type fakeTable struct {
	columns []database.Column
	rows    []map[string]any
}

func newFakeDialect(name string) *fakeDialect {
	return &fakeDialect{
		name:     name,
		tables:   map[string]*fakeTable{},
		failures: map[string]int{},
	}
}

// addTable registers rows under tableName. Each row maps column name to
// value; every row must carry an int64 "id".
func (d *fakeDialect) addTable(tableName string, columns []database.Column, rows []map[string]any) {
	d.tables[tableName] = &fakeTable{columns: columns, rows: rows}
}

func (d *fakeDialect) failNext(substring string, times int) {
	d.mu.Lock()
	d.failures[substring] = times
	d.mu.Unlock()
}

func (d *fakeDialect) queryLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.queries...)
}

func (d *fakeDialect) Name() string                              { return d.name }
func (d *fakeDialect) DB() *sql.DB                               { return nil }
func (d *fakeDialect) Close() error                              { return nil }
func (d *fakeDialect) IsClosed() bool                            { return false }
func (d *fakeDialect) Healthcheck(ctx context.Context) error     { return nil }
func (d *fakeDialect) QuoteIdentifier(name string) string        { return `"` + name + `"` }
func (d *fakeDialect) Literal(value string) string               { return "'" + strings.ReplaceAll(value, "'", "''") + "'" }
func (d *fakeDialect) CastVarchar(expr string, width int) string { return expr }
func (d *fakeDialect) HashExpr(expr string) string               { return "HASH(" + expr + ")" }
func (d *fakeDialect) HashFold(hexExpr string) string            { return hexExpr }
func (d *fakeDialect) SupportsFullOuterJoin() bool               { return d.supportsFOJ }
func (d *fakeDialect) SampleExpr(fraction float64) string        { return "1=1" }
func (d *fakeDialect) TimeTravelClause(token string) string      { return "" }
func (d *fakeDialect) TimestampTrunc(expr string, precision int) string { return expr }

func (d *fakeDialect) IsDistinctFrom(a, b string) string {
	return fmt.Sprintf("%s IS DISTINCT FROM %s", a, b)
}

func (d *fakeDialect) ConcatExpr(parts []string, sep string) string {
	return strings.Join(parts, " || "+d.Literal(sep)+" || ")
}

func (d *fakeDialect) MaterializeStatement(targetPath []string, selectSQL string) string {
	return fmt.Sprintf("CREATE TABLE %s AS %s", d.QualifyPath(targetPath), selectSQL)
}

func (d *fakeDialect) QualifyPath(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func (d *fakeDialect) ListColumns(ctx context.Context, path []string) ([]database.Column, error) {
	t, ok := d.tables[path[len(path)-1]]
	if !ok {
		return nil, fmt.Errorf("fake: no table %q", path[len(path)-1])
	}
	return t.columns, nil
}

func (d *fakeDialect) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	d.execs = append(d.execs, query)
	d.mu.Unlock()
	return nil, nil
}

var (
	tableRe  = regexp.MustCompile(`FROM "([^"]+)"`)
	minRe    = regexp.MustCompile(`"id" >= (\S+)`)
	maxRe    = regexp.MustCompile(`"id" < (\S+)`)
	offsetRe = regexp.MustCompile(`OFFSET (\d+)`)
	equalRe  = regexp.MustCompile(`"id" = (\S+)`)
	identRe  = regexp.MustCompile(`"([A-Za-z0-9_]+)"`)
)

func (d *fakeDialect) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.queries = append(d.queries, query)
	for sub, n := range d.failures {
		if n > 0 && strings.Contains(query, sub) {
			d.failures[sub] = n - 1
			d.mu.Unlock()
			return nil, fmt.Errorf("fake: injected failure for %q", sub)
		}
	}
	d.mu.Unlock()

	if strings.Contains(query, "FULL OUTER JOIN") {
		return d.joinQuery(query)
	}

	m := tableRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("fake: cannot find table in %q", query)
	}
	t, ok := d.tables[m[1]]
	if !ok {
		return nil, fmt.Errorf("fake: no table %q", m[1])
	}
	rows := filterRows(t.rows, query)

	switch {
	case strings.HasPrefix(query, "SELECT COUNT(*), COUNT(DISTINCT"):
		seen := map[int64]bool{}
		for _, r := range rows {
			seen[r["id"].(int64)] = true
		}
		return &fakeRows{rows: [][]any{{int64(len(rows)), int64(len(seen))}}}, nil

	case strings.HasPrefix(query, "SELECT COUNT(*), "):
		cols := d.hashedColumns(query)
		var sum int64
		for _, r := range rows {
			sum += rowHashValue(r, cols)
		}
		if len(rows) == 0 {
			return &fakeRows{rows: [][]any{{int64(0), nil}}}, nil
		}
		return &fakeRows{rows: [][]any{{int64(len(rows)), sum}}}, nil

	case strings.HasPrefix(query, "SELECT MIN("):
		if len(rows) == 0 {
			return &fakeRows{rows: [][]any{{nil, nil}}}, nil
		}
		sortByID(rows)
		return &fakeRows{rows: [][]any{{rows[0]["id"], rows[len(rows)-1]["id"]}}}, nil

	case strings.HasPrefix(query, "SELECT COUNT(*)"):
		return &fakeRows{rows: [][]any{{int64(len(rows))}}}, nil

	case strings.HasPrefix(query, "SELECT 1 FROM"):
		if m := equalRe.FindStringSubmatch(query); m != nil {
			want, _ := strconv.ParseInt(m[1], 10, 64)
			for _, r := range rows {
				if r["id"].(int64) == want {
					return &fakeRows{rows: [][]any{{int64(1)}}}, nil
				}
			}
		}
		return &fakeRows{}, nil

	case strings.Contains(query, "LIMIT 1 OFFSET"):
		off, _ := strconv.Atoi(offsetRe.FindStringSubmatch(query)[1])
		sortByID(rows)
		if off >= len(rows) {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{rows[off]["id"]}}}, nil

	case strings.Contains(query, "ORDER BY"):
		cols := selectedColumns(query)
		sortByID(rows)
		out := make([][]any, 0, len(rows))
		for _, r := range rows {
			vals := make([]any, len(cols))
			for i, c := range cols {
				vals[i] = r[c]
			}
			out = append(out, vals)
		}
		return &fakeRows{rows: out}, nil
	}
	return nil, fmt.Errorf("fake: unhandled query %q", query)
}

// joinQuery simulates the full outer join over the two tables named in
// the query, producing the L_/R_/LN_/RN_ projection the orchestrator
// scans. Only rows where a normalized column differs (or one side is
// missing) survive, matching the real WHERE clause.
func (d *fakeDialect) joinQuery(query string) (database.Rows, error) {
	names := tableRe.FindStringSubmatch(query)
	all := regexp.MustCompile(`(?:FROM|JOIN) "([^"]+)"`).FindAllStringSubmatch(query, -1)
	if names == nil || len(all) < 2 {
		return nil, fmt.Errorf("fake: cannot parse join %q", query)
	}
	left, right := d.tables[all[0][1]], d.tables[all[1][1]]
	if left == nil || right == nil {
		return nil, fmt.Errorf("fake: join table missing in %q", query)
	}

	// Aliased output columns appear as "L_<col>"; recover the compared
	// column list from them, in order.
	var compared []string
	seen := map[string]bool{}
	for _, m := range identRe.FindAllStringSubmatch(query, -1) {
		if strings.HasPrefix(m[1], "L_") && !seen[m[1]] {
			seen[m[1]] = true
			compared = append(compared, strings.TrimPrefix(m[1], "L_"))
		}
	}

	byID := func(rows []map[string]any) map[int64]map[string]any {
		out := map[int64]map[string]any{}
		for _, r := range rows {
			out[r["id"].(int64)] = r
		}
		return out
	}
	leftByID, rightByID := byID(left.rows), byID(right.rows)
	ids := map[int64]bool{}
	for id := range leftByID {
		ids[id] = true
	}
	for id := range rightByID {
		ids[id] = true
	}
	ordered := make([]int64, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var out [][]any
	for _, id := range ordered {
		l, r := leftByID[id], rightByID[id]
		differs := l == nil || r == nil
		vals := make([]any, 0, len(compared)*4)
		for _, c := range compared {
			var lv, rv any
			if l != nil {
				lv = l[c]
			}
			if r != nil {
				rv = r[c]
			}
			if l != nil && r != nil && fmt.Sprint(lv) != fmt.Sprint(rv) {
				differs = true
			}
			vals = append(vals, lv, rv, lv, rv)
		}
		if differs {
			out = append(out, vals)
		}
	}
	return &fakeRows{rows: out}, nil
}

// hashedColumns recovers, in order, the distinct quoted identifiers
// inside the checksum projection.
func (d *fakeDialect) hashedColumns(query string) []string {
	start := strings.Index(query, "HASH(")
	end := strings.Index(query, " FROM ")
	if start < 0 || end < 0 {
		return nil
	}
	var cols []string
	seen := map[string]bool{}
	for _, m := range identRe.FindAllStringSubmatch(query[start:end], -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			cols = append(cols, m[1])
		}
	}
	return cols
}

// selectedColumns recovers every quoted identifier before FROM, in order
// and with repeats kept, so both halves of the doubled fetch projection
// are returned.
func selectedColumns(query string) []string {
	end := strings.Index(query, " FROM ")
	var cols []string
	for _, m := range identRe.FindAllStringSubmatch(query[:end], -1) {
		cols = append(cols, m[1])
	}
	// The fetch selects every column twice (raw then canonical); with the
	// identity CastVarchar both halves are plain identifiers.
	return cols
}

func rowHashValue(row map[string]any, cols []string) int64 {
	h := fnv.New64a()
	for i, c := range cols {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		fmt.Fprint(h, row[c])
	}
	return int64(h.Sum64() & 0x7fffffffffff)
}

func filterRows(rows []map[string]any, query string) []map[string]any {
	var minID, maxID *int64
	if m := minRe.FindStringSubmatch(query); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			minID = &n
		}
	}
	if m := maxRe.FindStringSubmatch(query); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			maxID = &n
		}
	}
	var out []map[string]any
	for _, r := range rows {
		id := r["id"].(int64)
		if minID != nil && id < *minID {
			continue
		}
		if maxID != nil && id >= *maxID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortByID(rows []map[string]any) {
	sort.Slice(rows, func(i, j int) bool { return rows[i]["id"].(int64) < rows[j]["id"].(int64) })
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return fmt.Errorf("fake: scan arity mismatch: %d dest, %d values", len(dest), len(current))
	}
	for i, d := range dest {
		if err := assignValue(d, current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Columns() ([]string, error) { return nil, nil }
func (r *fakeRows) Close() error               { return nil }
func (r *fakeRows) Err() error                 { return r.err }

func assignValue(dest, val any) error {
	switch d := dest.(type) {
	case *any:
		*d = val
	case *int64:
		switch v := val.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		case nil:
			*d = 0
		default:
			return fmt.Errorf("fake: cannot scan %T into *int64", val)
		}
	case **int64:
		if val == nil {
			*d = nil
		} else {
			n, ok := asInt64(val)
			if !ok {
				return fmt.Errorf("fake: cannot scan %T into **int64", val)
			}
			*d = &n
		}
	case *string:
		*d = fmt.Sprint(val)
	default:
		return fmt.Errorf("fake: unsupported scan destination %T", dest)
	}
	return nil
}

// intColumns is the fixture schema most orchestration tests use: an
// integer key plus one textual value column.
func intColumns() []database.Column {
	return []database.Column{
		{Name: "id", DataType: "bigint"},
		{Name: "status", DataType: "varchar"},
	}
}

func intRow(id int64, status string) map[string]any {
	return map[string]any{"id": id, "status": status}
}

func intRows(from, to int64) []map[string]any {
	var rows []map[string]any
	for id := from; id <= to; id++ {
		rows = append(rows, intRow(id, "completed"))
	}
	return rows
}

func newFakeSegment(d *fakeDialect, table string) *TableSegment {
	return &TableSegment{
		Path:         []string{table},
		KeyColumns:   []string{"id"},
		ExtraColumns: []string{"status"},
		Dialect:      d,
	}
}

func collectEvents(stream *Stream) []DiffEvent {
	var out []DiffEvent
	for ev := range stream.Events() {
		out = append(out, ev)
	}
	return out
}
