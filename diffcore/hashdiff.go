package diffcore

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// HashDiffConfig tunes the recursive bisection.
type HashDiffConfig struct {
	BisectionFactor    int // N, default 32
	BisectionThreshold int64 // default ~16k
	ThreadsPerSide     int   // default 1
	StrictErrors       bool
	Limit              int64 // 0 means unbounded
}

func DefaultHashDiffConfig() HashDiffConfig {
	return HashDiffConfig{
		BisectionFactor:    32,
		BisectionThreshold: 16384,
		ThreadsPerSide:     1,
	}
}

// HashDiffOrchestrator drives the UNCHECKED → EQUAL/SMALL/SPLIT/CANCELLED
// state machine ofrecursing over aligned segment pairs via
// the Bisection Planner and handing below-threshold pairs to the Local
// Row Fetcher.
type HashDiffOrchestrator struct {
	cfg      HashDiffConfig
	bisector *Bisector
	checksum *ChecksumExecutor
	fetcher  *RowFetcher
}

func NewHashDiffOrchestrator(cfg HashDiffConfig) *HashDiffOrchestrator {
	return &HashDiffOrchestrator{
		cfg:      cfg,
		bisector: NewBisector(cfg.BisectionFactor),
		checksum: NewChecksumExecutor(),
		fetcher:  NewRowFetcher(),
	}
}

// Run compares left against right and streams diffs to stream until
// either the subtree is exhausted, stream.Cancel is called, or an error
// ends it. A segment's failure is returned only when cfg.StrictErrors is
// set; otherwise that subtree is dropped, the stream is marked incomplete
// and the run continues. A failure resolving the key bounds is always
// returned.
func (o *HashDiffOrchestrator) Run(ctx context.Context, left, right *TableSegment, stream *Stream) error {
	if err := resolveUnknownBounds(ctx, left, right); err != nil {
		return err
	}

	pool := NewPool(ctx, o.cfg.ThreadsPerSide)
	pool.Go(func(ctx context.Context) error {
		return o.process(ctx, SegmentPair{Left: left, Right: right}, stream, pool)
	})
	return pool.Wait()
}

// process is the per-pair state machine: it checksums both sides,
// then either terminates (equal), falls to a local diff (small enough,
// or the zero-row-count fast path), or recurses into child pairs
// produced by the planner (split).
func (o *HashDiffOrchestrator) process(ctx context.Context, pair SegmentPair, stream *Stream, pool *Pool) error {
	if stream.isCancelled() {
		return nil
	}
	if o.cfg.Limit > 0 && stream.Stats().RowsDifferent >= o.cfg.Limit {
		stream.Cancel()
		return nil
	}

	leftResult, rightResult, err := o.checksumBothSides(ctx, pair, pool)
	if err != nil {
		return o.handleFailure(pair, err, stream)
	}

	if leftResult.RowCount == 0 && rightResult.RowCount == 0 {
		// Both sides empty over these bounds — counted as equal, but
		// surfaced to the operator since it usually signals an
		// overly-narrow or stale key range.
		slog.Warn("hashdiff: both sides empty over segment", "segment", segmentLabel(pair.Left))
		return nil
	}
	if leftResult.RowCount == 0 || rightResult.RowCount == 0 {
		return o.fetchOnlyFastPath(ctx, pair, stream, pool)
	}
	if leftResult.RowCount == rightResult.RowCount && leftResult.Checksum == rightResult.Checksum {
		return nil
	}

	total := leftResult.RowCount
	if rightResult.RowCount > total {
		total = rightResult.RowCount
	}
	if total < o.cfg.BisectionThreshold {
		return o.localDiff(ctx, pair, stream, pool)
	}

	pairs, err := o.bisector.Plan(ctx, pair.Left, pair.Right)
	if err != nil {
		return o.handleFailure(pair, err, stream)
	}
	if len(pairs) == 1 {
		// The Planner could not produce more than one child pair (a
		// single surviving checkpoint even after doubling N) — fall
		// through to a local diff regardless of size.
		return o.localDiff(ctx, pair, stream, pool)
	}

	for _, child := range pairs {
		child := child
		pool.Go(func(ctx context.Context) error {
			return o.process(ctx, child, stream, pool)
		})
	}
	return nil
}

// checksumBothSides runs the left and right checksum queries concurrently,
// each holding only its own side's slot.
func (o *HashDiffOrchestrator) checksumBothSides(ctx context.Context, pair SegmentPair, pool *Pool) (ChecksumResult, ChecksumResult, error) {
	var leftResult, rightResult ChecksumResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		release, err := pool.AcquireChecksum(gctx, "left")
		if err != nil {
			return err
		}
		defer release()
		leftResult, err = o.checksum.Checksum(gctx, pair.Left, pair.Right.Schema)
		return err
	})
	g.Go(func() error {
		release, err := pool.AcquireChecksum(gctx, "right")
		if err != nil {
			return err
		}
		defer release()
		rightResult, err = o.checksum.Checksum(gctx, pair.Right, pair.Left.Schema)
		return err
	})
	if err := g.Wait(); err != nil {
		return ChecksumResult{}, ChecksumResult{}, err
	}
	return leftResult, rightResult, nil
}

func (o *HashDiffOrchestrator) fetchOnlyFastPath(ctx context.Context, pair SegmentPair, stream *Stream, pool *Pool) error {
	return o.localDiff(ctx, pair, stream, pool)
}

// localDiff acquires one slot on each side before running the merge-walk fetch.
func (o *HashDiffOrchestrator) localDiff(ctx context.Context, pair SegmentPair, stream *Stream, pool *Pool) error {
	release, err := pool.AcquireFetch(ctx)
	if err != nil {
		return o.handleFailure(pair, err, stream)
	}
	defer release()

	compared, err := o.fetcher.Diff(ctx, pair, stream)
	if err != nil {
		return o.handleFailure(pair, err, stream)
	}
	stream.addRowsCompared(compared)
	return nil
}

func (o *HashDiffOrchestrator) handleFailure(pair SegmentPair, err error, stream *Stream) error {
	slog.Error("hashdiff: segment failed", "segment", segmentLabel(pair.Left), "error", err)
	if o.cfg.StrictErrors {
		return err
	}
	stream.markIncomplete()
	return nil
}

// resolveUnknownBounds queries min/max(key) on each side when the
// caller left KeyBounds unset, taking the wider union as the initial
// segment bounds.
func resolveUnknownBounds(ctx context.Context, left, right *TableSegment) error {
	if left.KeyBounds.MinKey != nil && left.KeyBounds.MaxKey != nil {
		return nil
	}
	leftMin, leftMax, err := minMaxKey(ctx, left)
	if err != nil {
		return &BackendError{Segment: pathString(left.Path), Transient: true, Err: err}
	}
	rightMin, rightMax, err := minMaxKey(ctx, right)
	if err != nil {
		return &BackendError{Segment: pathString(right.Path), Transient: true, Err: err}
	}

	bounds := KeyBounds{
		MinKey: widerMin(leftMin, rightMin),
		MaxKey: widerMax(leftMax, rightMax),
	}
	// Bounds are max-exclusive, but MAX(key) is the largest existing key:
	// widen integer maxima by one, and leave other key kinds unbounded
	// above so the last row is not excluded.
	if maxI, ok := asInt64(bounds.MaxKey); ok {
		bounds.MaxKey = maxI + 1
	} else if bounds.MaxKey != nil {
		bounds.MaxKey = nil
	}
	left.KeyBounds = bounds
	right.KeyBounds = bounds
	return nil
}

func minMaxKey(ctx context.Context, seg *TableSegment) (min, max any, err error) {
	keyExpr := keyTuple(seg)
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", keyExpr, keyExpr, seg.Dialect.QualifyPath(seg.Path))
	rows, err := seg.Dialect.Query(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil, rows.Err()
	}
	if err := rows.Scan(&min, &max); err != nil {
		return nil, nil, err
	}
	return min, max, rows.Err()
}

func widerMin(a, b any) any {
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	if aok && bok {
		if ai < bi {
			return a
		}
		return b
	}
	if a == nil {
		return b
	}
	return a
}

func widerMax(a, b any) any {
	ai, aok := asInt64(a)
	bi, bok := asInt64(b)
	if aok && bok {
		if ai > bi {
			return a
		}
		return b
	}
	if a == nil {
		return b
	}
	return a
}
