package diffcore

import (
	"context"
	"fmt"
	"strings"
)

// RowFetcher handles a segment once it falls below the bisection
// threshold: it pulls the full rowset from both sides ordered by key
// and performs a merge walk, emitting additions, deletions, and
// modifications in strict key-ascending order.
type RowFetcher struct{}

func NewRowFetcher() *RowFetcher {
	return &RowFetcher{}
}

// fetchedRow carries both the raw driver values (for key ordering and
// human-readable display) and the canonical-text projection of the same
// columns (for equality comparison across engines). Keeping the two
// separate means a multi-digit integer key still sorts and
// merges numerically even though its canonical form is a plain CAST AS
// VARCHAR with no zero-padding.
type fetchedRow struct {
	key   []any
	row   map[string]any
	canon []string
}

// Diff fetches left and right's rows for the segment pair and emits
// every difference to stream. It returns the number of rows compared
// (each distinct key seen on either side counts once) and the first
// error encountered, if any.
func (f *RowFetcher) Diff(ctx context.Context, pair SegmentPair, stream *Stream) (int64, error) {
	leftRows, err := fetchOrdered(ctx, pair.Left, pair.Right.Schema)
	if err != nil {
		return 0, &BackendError{Segment: segmentLabel(pair.Left), Transient: true, Err: err}
	}
	rightRows, err := fetchOrdered(ctx, pair.Right, pair.Left.Schema)
	if err != nil {
		return 0, &BackendError{Segment: segmentLabel(pair.Right), Transient: true, Err: err}
	}

	label := segmentLabel(pair.Left)
	var compared int64
	i, j := 0, 0
	for i < len(leftRows) && j < len(rightRows) {
		if stream.isCancelled() {
			return compared, nil
		}
		cmp := compareKeys(leftRows[i].key, rightRows[j].key)
		switch {
		case cmp < 0:
			stream.Emit(DiffEvent{Sign: SignMinus, Segment: label, Key: leftRows[i].key, Row: leftRows[i].row})
			compared++
			i++
		case cmp > 0:
			stream.Emit(DiffEvent{Sign: SignPlus, Segment: label, Key: rightRows[j].key, Row: rightRows[j].row})
			compared++
			j++
		default:
			compared++
			if !canonEqual(leftRows[i].canon, rightRows[j].canon) {
				stream.Emit(DiffEvent{Sign: SignMinus, Segment: label, Key: leftRows[i].key, Row: leftRows[i].row})
				stream.Emit(DiffEvent{Sign: SignPlus, Segment: label, Key: rightRows[j].key, Row: rightRows[j].row})
			}
			i++
			j++
		}
	}
	for ; i < len(leftRows); i++ {
		stream.Emit(DiffEvent{Sign: SignMinus, Segment: label, Key: leftRows[i].key, Row: leftRows[i].row})
		compared++
	}
	for ; j < len(rightRows); j++ {
		stream.Emit(DiffEvent{Sign: SignPlus, Segment: label, Key: rightRows[j].key, Row: rightRows[j].row})
		compared++
	}
	return compared, nil
}

// fetchOrdered selects every compared column twice: once in its raw
// driver form (for the key tuple, display row, and ORDER BY — so
// multi-digit integer keys still sort numerically) and once through the
// same canonical-text fragment the Checksum Executor hashes, so the
// merge walk's equality test never flags a precision-only difference
// (decimal scale, timestamp fractional digits) as a diff.
func fetchOrdered(ctx context.Context, seg *TableSegment, otherSchema map[string]Type) ([]fetchedRow, error) {
	columns := seg.comparedColumns()
	rawSelected := make([]string, len(columns))
	canonSelected := make([]string, len(columns))
	for i, c := range columns {
		rawSelected[i] = seg.Dialect.QuoteIdentifier(c)

		own, ok := seg.Schema[foldName(seg, c)]
		if !ok {
			return nil, &SchemaError{Kind: "UnknownColumn", Msg: fmt.Sprintf("column %q missing from resolved schema", c)}
		}
		other := own
		if o, ok := otherSchema[foldName(seg, c)]; ok {
			other = o
		}
		frag, err := normalizeColumn(seg.Dialect, c, own, other)
		if err != nil {
			return nil, err
		}
		canonSelected[i] = frag
	}

	where := buildWhereClause(seg)
	selected := append(append([]string{}, rawSelected...), canonSelected...)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s ASC",
		strings.Join(selected, ", "), seg.Dialect.QualifyPath(seg.Path), where, keyTuple(seg))

	rows, err := seg.Dialect.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keyIdx := make(map[string]int, len(seg.KeyColumns))
	for i, c := range columns {
		for _, k := range seg.KeyColumns {
			if c == k {
				keyIdx[k] = i
			}
		}
	}

	n := len(columns)
	var out []fetchedRow
	for rows.Next() {
		vals := make([]any, 2*n)
		ptrs := make([]any, 2*n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw, canonVals := vals[:n], vals[n:]

		// Key columns already surface in the key tuple; the row map only
		// carries the remaining compared columns.
		row := make(map[string]any, n)
		for i, c := range columns {
			if _, isKey := keyIdx[c]; !isKey {
				row[c] = raw[i]
			}
		}
		key := make([]any, len(seg.KeyColumns))
		for i, k := range seg.KeyColumns {
			key[i] = raw[keyIdx[k]]
		}
		canon := make([]string, n)
		for i := range canonVals {
			canon[i] = fmt.Sprint(canonVals[i])
		}
		out = append(out, fetchedRow{key: key, row: row, canon: canon})
	}
	return out, rows.Err()
}

// compareKeys orders by the raw typed form when both sides parse as
// integers (so "9" sorts before "10"), falling back to lexicographic
// comparison of the raw value's string form otherwise — this matches the
// ORDER BY clause, which sorts by the raw key tuple.
func compareKeys(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ai, aok := asInt64(a[i])
		bi, bok := asInt64(b[i])
		if aok && bok {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		as, bs := fmt.Sprint(a[i]), fmt.Sprint(b[i])
		if as != bs {
			if as < bs {
				return -1
			}
			return 1
		}
	}
	return 0
}

func canonEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
