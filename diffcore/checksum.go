package diffcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rowdiff/rowdiff/database"
)

// ChecksumResult is one segment's checksum: a non-negative row count
// and a fixed-width folded hash, associative over the set of per-row
// hashes so concatenation equals per-child combination.
type ChecksumResult struct {
	RowCount int64
	Checksum uint64
}

// ChecksumExecutor issues the single aggregate query
// SELECT COUNT(*), fold(hash(concat(normalize(c1), sep, normalize(c2), ...)))
// FROM path WHERE bounds AND age_filter AND where_predicate.
type ChecksumExecutor struct {
	Retry time.Duration // base retry delay
}

func NewChecksumExecutor() *ChecksumExecutor {
	return &ChecksumExecutor{Retry: 100 * time.Millisecond}
}

// Checksum runs the checksum query for seg, comparing its own schema
// against otherSchema to pick the widened common representation per
// column. A single failure is retried once after a delay; a second
// failure surfaces as a fatal BackendError.
func (e *ChecksumExecutor) Checksum(ctx context.Context, seg *TableSegment, otherSchema map[string]Type) (ChecksumResult, error) {
	sql, err := buildChecksumQuery(seg, otherSchema)
	if err != nil {
		return ChecksumResult{}, err
	}

	result, err := e.runOnce(ctx, seg, sql)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return ChecksumResult{}, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ChecksumResult{}, ctx.Err()
	case <-time.After(e.Retry):
	}
	result, err = e.runOnce(ctx, seg, sql)
	if err == nil {
		return result, nil
	}
	return ChecksumResult{}, &BackendError{Segment: segmentLabel(seg), Transient: false, Err: err}
}

func (e *ChecksumExecutor) runOnce(ctx context.Context, seg *TableSegment, query string) (ChecksumResult, error) {
	rows, err := seg.Dialect.Query(ctx, query)
	if err != nil {
		return ChecksumResult{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ChecksumResult{}, err
		}
		return ChecksumResult{RowCount: 0, Checksum: 0}, nil
	}

	var count int64
	var checksum *int64
	if err := rows.Scan(&count, &checksum); err != nil {
		return ChecksumResult{}, err
	}

	var sum uint64
	if checksum != nil {
		sum = uint64(*checksum)
	}
	return ChecksumResult{RowCount: count, Checksum: sum}, rows.Err()
}

func buildChecksumQuery(seg *TableSegment, otherSchema map[string]Type) (string, error) {
	columns := seg.comparedColumns()
	hashExpr, err := rowHashExpr(seg.Dialect, columns, seg.Schema, otherSchema, seg.CaseSensitive)
	if err != nil {
		return "", err
	}

	where := buildWhereClause(seg)
	return fmt.Sprintf(
		"SELECT COUNT(*), %s FROM %s%s",
		wrapAssociativeFold(seg.Dialect, hashExpr),
		seg.Dialect.QualifyPath(seg.Path),
		where,
	), nil
}

// wrapAssociativeFold folds each row's hex hash down to a bigint via the
// dialect's HashFold and sums across the segment. The sum is
// associative, so a parent segment's checksum equals the combination of
// its children's.
func wrapAssociativeFold(dialect database.Dialect, expr string) string {
	return fmt.Sprintf("SUM(%s)", dialect.HashFold(expr))
}

func buildWhereClause(seg *TableSegment) string {
	var conds []string
	if seg.KeyBounds.MinKey != nil {
		conds = append(conds, fmt.Sprintf("%s >= %s", keyTuple(seg), formatKeyLiteral(seg.Dialect, seg.KeyBounds.MinKey)))
	}
	if seg.KeyBounds.MaxKey != nil {
		conds = append(conds, fmt.Sprintf("%s < %s", keyTuple(seg), formatKeyLiteral(seg.Dialect, seg.KeyBounds.MaxKey)))
	}
	if seg.UpdateColumn != "" {
		col := seg.Dialect.QuoteIdentifier(seg.UpdateColumn)
		if seg.MinUpdate != nil {
			conds = append(conds, fmt.Sprintf("%s >= %s", col, seg.Dialect.Literal(seg.MinUpdate.UTC().Format(time.RFC3339Nano))))
		}
		if seg.MaxUpdate != nil {
			conds = append(conds, fmt.Sprintf("%s < %s", col, seg.Dialect.Literal(seg.MaxUpdate.UTC().Format(time.RFC3339Nano))))
		}
	}
	if seg.WherePredicate != "" {
		conds = append(conds, "("+seg.WherePredicate+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func keyTuple(seg *TableSegment) string {
	if len(seg.KeyColumns) == 1 {
		return seg.Dialect.QuoteIdentifier(seg.KeyColumns[0])
	}
	parts := make([]string, len(seg.KeyColumns))
	for i, k := range seg.KeyColumns {
		parts[i] = seg.Dialect.QuoteIdentifier(k)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func segmentLabel(seg *TableSegment) string {
	return fmt.Sprintf("%s[%v,%v)", pathString(seg.Path), seg.KeyBounds.MinKey, seg.KeyBounds.MaxKey)
}
