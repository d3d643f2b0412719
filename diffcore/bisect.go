package diffcore

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rowdiff/rowdiff/database"
)

// Bisector is the bisection planner: it chooses N-1 key checkpoints
// that split a segment's key range into N child segments of similar
// population, intersects the checkpoint sets from the two sides, and
// produces the resulting aligned child segment pairs.
type Bisector struct {
	Factor int // N, the bisection factor; at least 2
}

func NewBisector(factor int) *Bisector {
	if factor < 2 {
		factor = 2
	}
	return &Bisector{Factor: factor}
}

// SegmentPair is one aligned pair of child segments produced by Plan, one
// per side, sharing identical KeyBounds.
type SegmentPair struct {
	Left  *TableSegment
	Right *TableSegment
}

// Plan splits left/right into m aligned child segment pairs (m >= 2).
// It retries once with a doubled factor when only one checkpoint
// survives intersection; if that still yields one checkpoint, it
// returns a single pair unchanged so the caller falls through to a
// local diff regardless of size threshold.
func (b *Bisector) Plan(ctx context.Context, left, right *TableSegment) ([]SegmentPair, error) {
	if left.KeyBounds.isSingleRow() || right.KeyBounds.isSingleRow() {
		return []SegmentPair{{Left: left, Right: right}}, nil
	}

	checkpoints, err := b.intersectCheckpoints(ctx, left, right, b.Factor)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 1 {
		wider, err := b.intersectCheckpoints(ctx, left, right, b.Factor*2)
		if err != nil {
			return nil, err
		}
		if len(wider) > 1 {
			checkpoints = wider
		} else {
			// Still at most one checkpoint after doubling: hand back a
			// single unchanged pair so the caller falls through to a
			// local diff.
			checkpoints = nil
		}
	}
	if len(checkpoints) == 0 {
		return []SegmentPair{{Left: left, Right: right}}, nil
	}

	bounds := boundsFromCheckpoints(left.KeyBounds, checkpoints)
	pairs := make([]SegmentPair, 0, len(bounds))
	for _, kb := range bounds {
		pairs = append(pairs, SegmentPair{
			Left:  left.withBounds(kb),
			Right: right.withBounds(kb),
		})
	}
	return pairs, nil
}

// intersectCheckpoints selects up to factor-1 checkpoints from left,
// then keeps only those that also exist on right. If fewer than
// factor-1 survive, adjacent ranges are already merged since
// boundsFromCheckpoints only ever uses what it is given. A lone
// survivor is handled by Plan, which retries with a doubled factor.
func (b *Bisector) intersectCheckpoints(ctx context.Context, left, right *TableSegment, factor int) ([]any, error) {
	candidates, err := selectCheckpoints(ctx, left, factor)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := existingKeys(ctx, right, candidates)
	if err != nil {
		return nil, err
	}

	survivors := make([]any, 0, len(candidates))
	for _, c := range candidates {
		if existing[formatKeyLiteral(right.Dialect, c)] {
			survivors = append(survivors, c)
		}
	}
	sortKeys(survivors)
	return survivors, nil
}

// selectCheckpoints picks N-1 key values at approximately equal rank
// via OFFSET/LIMIT over the ordered key tuple. A dialect's
// NTILE/percentile capability would do this in a single round trip, but
// every adapter wired here supports OFFSET/LIMIT uniformly.
func selectCheckpoints(ctx context.Context, seg *TableSegment, factor int) ([]any, error) {
	count, err := countRows(ctx, seg)
	if err != nil {
		return nil, err
	}
	if count < int64(factor) {
		return nil, nil
	}

	stride := count / int64(factor)
	if stride == 0 {
		return nil, nil
	}

	keyExpr := keyTuple(seg)
	where := buildWhereClause(seg)
	order := fmt.Sprintf("ORDER BY %s ASC", keyExpr)

	var checkpoints []any
	for i := int64(1); i < int64(factor); i++ {
		offset := i * stride
		query := fmt.Sprintf("SELECT %s FROM %s%s %s LIMIT 1 OFFSET %d",
			keyExpr, seg.Dialect.QualifyPath(seg.Path), where, order, offset)
		v, err := queryScalar(ctx, seg.Dialect, query)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		checkpoints = append(checkpoints, v)
	}
	return checkpoints, nil
}

func countRows(ctx context.Context, seg *TableSegment) (int64, error) {
	where := buildWhereClause(seg)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", seg.Dialect.QualifyPath(seg.Path), where)
	rows, err := seg.Dialect.Query(ctx, query)
	if err != nil {
		return 0, &BackendError{Segment: segmentLabel(seg), Transient: true, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var count int64
	if err := rows.Scan(&count); err != nil {
		return 0, err
	}
	return count, rows.Err()
}

func queryScalar(ctx context.Context, dialect database.Dialect, query string) (any, error) {
	rows, err := dialect.Query(ctx, query)
	if err != nil {
		return nil, &BackendError{Segment: query, Transient: true, Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return nil, err
	}
	return v, rows.Err()
}

// existingKeys checks which of candidates exist on seg's side, used to
// intersect left's checkpoints against right.
func existingKeys(ctx context.Context, seg *TableSegment, candidates []any) (map[string]bool, error) {
	out := make(map[string]bool, len(candidates))
	keyExpr := keyTuple(seg)
	for _, c := range candidates {
		lit := formatKeyLiteral(seg.Dialect, c)
		where := buildWhereClause(seg)
		joiner := " AND "
		if where == "" {
			where = " WHERE "
			joiner = ""
		}
		query := fmt.Sprintf("SELECT 1 FROM %s%s%s%s = %s LIMIT 1",
			seg.Dialect.QualifyPath(seg.Path), where, joiner, keyExpr, lit)
		v, err := queryScalar(ctx, seg.Dialect, query)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[lit] = true
		}
	}
	return out, nil
}

// sortKeys orders checkpoints ascending: numerically for integer keys,
// byte-wise for UUID keys (so mixed-case or brace-wrapped renderings of
// the same UUID order consistently on both sides), and by the
// lexicographically smaller string form for everything else.
func sortKeys(keys []any) {
	sort.Slice(keys, func(i, j int) bool {
		if ai, ok := asInt64(keys[i]); ok {
			if aj, ok := asInt64(keys[j]); ok {
				return ai < aj
			}
		}
		as, bs := fmt.Sprint(keys[i]), fmt.Sprint(keys[j])
		if au, err := uuid.Parse(as); err == nil {
			if bu, err := uuid.Parse(bs); err == nil {
				return bytes.Compare(au[:], bu[:]) < 0
			}
		}
		return as < bs
	})
}

// boundsFromCheckpoints turns a sorted checkpoint list into [ckpt_i,
// ckpt_{i+1}) ranges, preserving the outer min/max at the extremes.
func boundsFromCheckpoints(outer KeyBounds, checkpoints []any) []KeyBounds {
	bounds := make([]KeyBounds, 0, len(checkpoints)+1)
	prev := outer.MinKey
	for _, c := range checkpoints {
		bounds = append(bounds, KeyBounds{MinKey: prev, MaxKey: c})
		prev = c
	}
	bounds = append(bounds, KeyBounds{MinKey: prev, MaxKey: outer.MaxKey})
	return bounds
}
