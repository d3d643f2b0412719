package diffcore

import (
	"context"
	"fmt"
	"strings"
)

// JoinDiffConfig tunes the full outer join strategy.
type JoinDiffConfig struct {
	AssumeUniqueKey     bool
	SampleExclusiveRows bool
	SampleCap           int64
	MaterializeName     string // "" disables materialization
	MaterializeAllRows  bool
	TableWriteLimit     int64 // default 1000
}

func DefaultJoinDiffConfig() JoinDiffConfig {
	return JoinDiffConfig{TableWriteLimit: 1000, SampleCap: 1000}
}

// JoinDiffOrchestrator emits a single FULL OUTER JOIN
// query, available only when both TableSegments resolve to the same
// database connection (same dialect and credentials — enforced by the
// caller via SelectAlgorithm before construction).
type JoinDiffOrchestrator struct {
	cfg JoinDiffConfig
}

func NewJoinDiffOrchestrator(cfg JoinDiffConfig) *JoinDiffOrchestrator {
	return &JoinDiffOrchestrator{cfg: cfg}
}

// Run verifies key uniqueness (unless AssumeUniqueKey), issues the join
// query, and streams the resulting diffs.
func (o *JoinDiffOrchestrator) Run(ctx context.Context, left, right *TableSegment, stream *Stream) error {
	if !o.cfg.AssumeUniqueKey {
		if err := o.checkUnique(ctx, left); err != nil {
			return err
		}
		if err := o.checkUnique(ctx, right); err != nil {
			return err
		}
	}

	query, columns, err := buildJoinQuery(left, right)
	if err != nil {
		return err
	}

	if o.cfg.MaterializeName != "" {
		if err := o.materialize(ctx, left, query); err != nil {
			return err
		}
	}

	rows, err := left.Dialect.Query(ctx, query)
	if err != nil {
		return &BackendError{Segment: pathString(left.Path), Transient: true, Err: err}
	}
	defer rows.Close()

	var compared int64
	var exclusiveSeen int64
	label := fmt.Sprintf("%s⋈%s", pathString(left.Path), pathString(right.Path))
	for rows.Next() {
		if stream.isCancelled() {
			break
		}
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		compared++

		leftRow, rightRow := splitJoinRow(columns, vals, left.KeyColumns)
		leftKey := keyValues(columns, vals, left.KeyColumns, "L_")
		rightKey := keyValues(columns, vals, left.KeyColumns, "R_")
		leftMissing := allNil(leftKey)
		rightMissing := allNil(rightKey)
		key := leftKey
		if leftMissing {
			key = rightKey
		}

		if leftMissing {
			if o.cfg.SampleExclusiveRows && exclusiveSeen >= o.cfg.SampleCap {
				continue
			}
			exclusiveSeen++
			stream.Emit(DiffEvent{Sign: SignPlus, Segment: label, Key: key, Row: rightRow})
			continue
		}
		if rightMissing {
			if o.cfg.SampleExclusiveRows && exclusiveSeen >= o.cfg.SampleCap {
				continue
			}
			exclusiveSeen++
			stream.Emit(DiffEvent{Sign: SignMinus, Segment: label, Key: key, Row: leftRow})
			continue
		}
		stream.Emit(DiffEvent{Sign: SignMinus, Segment: label, Key: key, Row: leftRow})
		stream.Emit(DiffEvent{Sign: SignPlus, Segment: label, Key: key, Row: rightRow})
	}
	stream.addRowsCompared(compared)
	return rows.Err()
}

func (o *JoinDiffOrchestrator) checkUnique(ctx context.Context, seg *TableSegment) error {
	keyExpr := keyTuple(seg)
	where := buildWhereClause(seg)
	query := fmt.Sprintf("SELECT COUNT(*), COUNT(DISTINCT %s) FROM %s%s",
		keyExpr, seg.Dialect.QualifyPath(seg.Path), where)
	rows, err := seg.Dialect.Query(ctx, query)
	if err != nil {
		return &BackendError{Segment: pathString(seg.Path), Transient: true, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return rows.Err()
	}
	var total, distinct int64
	if err := rows.Scan(&total, &distinct); err != nil {
		return err
	}
	if total != distinct {
		return &DuplicateKeyError{Side: pathString(seg.Path), Count: total - distinct}
	}
	return rows.Err()
}

func (o *JoinDiffOrchestrator) materialize(ctx context.Context, seg *TableSegment, selectSQL string) error {
	limit := o.cfg.TableWriteLimit
	if o.cfg.MaterializeAllRows {
		limit = 0
	}
	materialized := selectSQL
	if limit > 0 {
		materialized = fmt.Sprintf("SELECT * FROM (%s) rowdiff_limited LIMIT %d", selectSQL, limit)
	}
	stmt := seg.Dialect.MaterializeStatement([]string{o.cfg.MaterializeName}, materialized)
	_, err := seg.Dialect.Exec(ctx, stmt)
	if err != nil {
		return &BackendError{Segment: o.cfg.MaterializeName, Transient: false, Err: err}
	}
	return nil
}

// buildJoinQuery renders the FULL OUTER JOIN projection: each side's
// compared columns (key columns included) aliased L_/R_ for display, plus a
// second LN_/RN_ projection through the Value Normalizer used
// only in the WHERE clause, so a precision-only difference
// between two tables on the same connection still doesn't surface as a
// diff. Restricted to rows where at least one normalized column differs
// or one side is NULL.
func buildJoinQuery(left, right *TableSegment) (string, []string, error) {
	keyCols := left.KeyColumns
	compared := left.comparedColumns()

	var selected []string
	var columns []string
	for _, c := range compared {
		own := left.Schema[foldName(left, c)]
		other := own
		if o, ok := right.Schema[foldName(right, c)]; ok {
			other = o
		}
		lNorm, err := normalizeColumn(left.Dialect, c, own, other)
		if err != nil {
			return "", nil, err
		}
		rNorm, err := normalizeColumn(right.Dialect, c, other, own)
		if err != nil {
			return "", nil, err
		}

		selected = append(selected,
			fmt.Sprintf("L.%s AS %s", left.Dialect.QuoteIdentifier(c), left.Dialect.QuoteIdentifier("L_"+c)),
			fmt.Sprintf("R.%s AS %s", right.Dialect.QuoteIdentifier(c), right.Dialect.QuoteIdentifier("R_"+c)),
			fmt.Sprintf("%s AS %s", lNorm, left.Dialect.QuoteIdentifier("LN_"+c)),
			fmt.Sprintf("%s AS %s", rNorm, right.Dialect.QuoteIdentifier("RN_"+c)),
		)
		columns = append(columns, "L_"+c, "R_"+c, "LN_"+c, "RN_"+c)
	}

	joinCond := make([]string, len(keyCols))
	for i, k := range keyCols {
		joinCond[i] = fmt.Sprintf("L.%s = R.%s", left.Dialect.QuoteIdentifier(k), right.Dialect.QuoteIdentifier(k))
	}

	// The per-column equality check can't reference the outer SELECT's
	// aliases directly (not every dialect allows it in WHERE), so the
	// join is wrapped in a derived table and filtered from there.
	var diffCond []string
	for _, c := range compared {
		lq := left.Dialect.QuoteIdentifier("LN_" + c)
		rq := right.Dialect.QuoteIdentifier("RN_" + c)
		diffCond = append(diffCond, left.Dialect.IsDistinctFrom(lq, rq))
	}
	firstLeftKey := left.Dialect.QuoteIdentifier("L_" + keyCols[0])
	firstRightKey := left.Dialect.QuoteIdentifier("R_" + keyCols[0])
	diffCond = append(diffCond, fmt.Sprintf("%s IS NULL", firstLeftKey), fmt.Sprintf("%s IS NULL", firstRightKey))

	// Each side's bounds, age filter and where predicate apply before the
	// join, through a filtered derived table.
	source := func(seg *TableSegment) string {
		if where := buildWhereClause(seg); where != "" {
			return fmt.Sprintf("(SELECT * FROM %s%s)", seg.Dialect.QualifyPath(seg.Path), where)
		}
		return seg.Dialect.QualifyPath(seg.Path)
	}
	inner := fmt.Sprintf(
		"SELECT %s FROM %s L FULL OUTER JOIN %s R ON %s",
		strings.Join(selected, ", "),
		source(left),
		source(right),
		strings.Join(joinCond, " AND "),
	)
	query := fmt.Sprintf("SELECT * FROM (%s) rowdiff_join WHERE %s", inner, strings.Join(diffCond, " OR "))
	return query, columns, nil
}

// splitJoinRow separates the aliased projection back into per-side row
// maps, dropping key columns since they already surface in the key tuple.
func splitJoinRow(columns []string, vals []any, keyCols []string) (leftRow, rightRow map[string]any) {
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	leftRow = make(map[string]any)
	rightRow = make(map[string]any)
	for i, c := range columns {
		switch {
		case strings.HasPrefix(c, "L_"):
			if name := strings.TrimPrefix(c, "L_"); !isKey[name] {
				leftRow[name] = vals[i]
			}
		case strings.HasPrefix(c, "R_"):
			if name := strings.TrimPrefix(c, "R_"); !isKey[name] {
				rightRow[name] = vals[i]
			}
		}
	}
	return
}

// keyValues reads the prefixed (side-specific) projection of keyCols,
// used to recover the real key of a row that exists on only one side
// of the join.
func keyValues(columns []string, vals []any, keyCols []string, prefix string) []any {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	key := make([]any, len(keyCols))
	for i, k := range keyCols {
		key[i] = vals[idx[prefix+k]]
	}
	return key
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}
