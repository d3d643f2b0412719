package diffcore

import (
	"context"
	"fmt"
	"time"
)

// EngineConfig bundles every tunable surfaced on the command line that
// Run needs beyond the two TableSegments themselves.
type EngineConfig struct {
	Algorithm       Algorithm
	SameCredentials bool // true when left/right were opened from the same connection info
	Limit           int64 // terminate cleanly after this many diff events; 0 means unbounded
	HashDiff        HashDiffConfig
	JoinDiff        JoinDiffConfig
	StreamCapacity  int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Algorithm:      AlgorithmAuto,
		HashDiff:       DefaultHashDiffConfig(),
		JoinDiff:       DefaultJoinDiffConfig(),
		StreamCapacity: 256,
	}
}

// Run is the top-level entry point: it binds both
// segments' schemas, selects an algorithm, and returns a live Stream the
// caller ranges over while the orchestrator runs in the background. The
// returned error is only a setup failure (schema binding, bad config).
// An error that ends the run is reported by Stream.Err and sets
// Stats.Incomplete; under hashdiff a failed segment only sets
// Stats.Incomplete unless cfg.HashDiff.StrictErrors is set.
func Run(ctx context.Context, left, right *TableSegment, cfg EngineConfig) (*Stream, error) {
	if err := BindSchema(ctx, left); err != nil {
		return nil, err
	}
	if err := BindSchema(ctx, right); err != nil {
		return nil, err
	}
	if err := checkComparedTypesCompatible(left, right); err != nil {
		return nil, err
	}

	algorithm := SelectAlgorithm(cfg.Algorithm, left, right, cfg.SameCredentials)

	if cfg.Limit > 0 {
		cfg.HashDiff.Limit = cfg.Limit
	}
	stream := NewStream(cfg.StreamCapacity)
	stream.setLimit(cfg.Limit)
	runCtx, cancel := context.WithCancel(ctx)
	stream.SetCancelFunc(cancel)

	go func() {
		defer stream.Close()
		defer cancel()
		start := time.Now()
		var err error
		switch algorithm {
		case AlgorithmJoinDiff:
			err = NewJoinDiffOrchestrator(cfg.JoinDiff).Run(runCtx, left, right, stream)
		default:
			err = NewHashDiffOrchestrator(cfg.HashDiff).Run(runCtx, left, right, stream)
		}
		stream.setElapsed(time.Since(start))
		if err != nil {
			stream.setErr(err)
			stream.markIncomplete()
		}
	}()

	return stream, nil
}

// checkComparedTypesCompatible requires that compared column types on
// the two sides be structurally compatible after
// normalization, or the core fails before any checksum or join query is
// issued — rather than silently comparing incomparable canonical forms.
func checkComparedTypesCompatible(left, right *TableSegment) error {
	for _, col := range left.comparedColumns() {
		leftType, ok := left.Schema[foldName(left, col)]
		if !ok {
			continue
		}
		rightType, ok := right.Schema[foldName(right, col)]
		if !ok {
			continue
		}
		if !compatible(leftType, rightType) {
			return &SchemaError{
				Kind: "TypeMismatch",
				Msg: fmt.Sprintf("column %q is %s on the left and %s on the right",
					col, leftType.Kind, rightType.Kind),
			}
		}
	}
	return nil
}
