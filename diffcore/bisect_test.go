package diffcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsFromCheckpoints(t *testing.T) {
	outer := KeyBounds{MinKey: int64(1), MaxKey: int64(100)}
	bounds := boundsFromCheckpoints(outer, []any{int64(30), int64(60)})
	require.Len(t, bounds, 3)
	assert.Equal(t, KeyBounds{MinKey: int64(1), MaxKey: int64(30)}, bounds[0])
	assert.Equal(t, KeyBounds{MinKey: int64(30), MaxKey: int64(60)}, bounds[1])
	assert.Equal(t, KeyBounds{MinKey: int64(60), MaxKey: int64(100)}, bounds[2])
}

func TestBoundsFromCheckpointsPreservesUnboundedExtremes(t *testing.T) {
	bounds := boundsFromCheckpoints(KeyBounds{}, []any{int64(50)})
	require.Len(t, bounds, 2)
	assert.Nil(t, bounds[0].MinKey)
	assert.Equal(t, int64(50), bounds[0].MaxKey)
	assert.Equal(t, int64(50), bounds[1].MinKey)
	assert.Nil(t, bounds[1].MaxKey)
}

func TestSortKeysIntegers(t *testing.T) {
	keys := []any{int64(10), int64(2), int64(9)}
	sortKeys(keys)
	assert.Equal(t, []any{int64(2), int64(9), int64(10)}, keys)
}

func TestSortKeysUUIDs(t *testing.T) {
	keys := []any{
		"6BA7B811-9DAD-11D1-80B4-00C04FD430C8",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	}
	sortKeys(keys)
	// Byte order, not string order: the lowercase ...10 UUID sorts first
	// even though 'B' < 'b' lexicographically.
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", keys[0])
}

func TestPlanSplitsIntoAlignedPairs(t *testing.T) {
	left := newFakeDialect("fake")
	left.addTable("ratings", intColumns(), intRows(1, 100))
	right := newFakeDialect("fake")
	right.addTable("ratings", intColumns(), intRows(1, 100))

	leftSeg := boundSegment(t, left, "ratings")
	rightSeg := boundSegment(t, right, "ratings")
	bounds := KeyBounds{MinKey: int64(1), MaxKey: int64(101)}
	leftSeg.KeyBounds = bounds
	rightSeg.KeyBounds = bounds

	b := NewBisector(4)
	pairs, err := b.Plan(context.Background(), leftSeg, rightSeg)
	require.NoError(t, err)
	require.Len(t, pairs, 4)

	// Children are contiguous, aligned, and preserve the outer extremes.
	assert.Equal(t, int64(1), pairs[0].Left.KeyBounds.MinKey)
	assert.Equal(t, int64(101), pairs[len(pairs)-1].Left.KeyBounds.MaxKey)
	for i, p := range pairs {
		assert.Equal(t, p.Left.KeyBounds, p.Right.KeyBounds)
		if i > 0 {
			assert.Equal(t, pairs[i-1].Left.KeyBounds.MaxKey, p.Left.KeyBounds.MinKey)
		}
	}
}

func TestPlanDoesNotSplitSingleRowRange(t *testing.T) {
	d := newFakeDialect("fake")
	d.addTable("ratings", intColumns(), intRows(1, 100))
	leftSeg := boundSegment(t, d, "ratings")
	rightSeg := boundSegment(t, d, "ratings")
	leftSeg.KeyBounds = KeyBounds{MinKey: int64(5), MaxKey: int64(6)}
	rightSeg.KeyBounds = leftSeg.KeyBounds

	pairs, err := NewBisector(4).Plan(context.Background(), leftSeg, rightSeg)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestPlanCheckpointsMustExistOnRight(t *testing.T) {
	left := newFakeDialect("fake")
	left.addTable("ratings", intColumns(), intRows(1, 100))
	right := newFakeDialect("fake")
	// The right side stops at 60, so the checkpoint at 76 does not
	// survive intersection and its adjacent ranges merge.
	right.addTable("ratings", intColumns(), intRows(1, 60))

	leftSeg := boundSegment(t, left, "ratings")
	rightSeg := boundSegment(t, right, "ratings")
	bounds := KeyBounds{MinKey: int64(1), MaxKey: int64(101)}
	leftSeg.KeyBounds = bounds
	rightSeg.KeyBounds = bounds

	pairs, err := NewBisector(4).Plan(context.Background(), leftSeg, rightSeg)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, int64(26), pairs[0].Left.KeyBounds.MaxKey)
	assert.Equal(t, int64(51), pairs[1].Left.KeyBounds.MaxKey)
	assert.Equal(t, int64(101), pairs[2].Left.KeyBounds.MaxKey)
}

func TestPlanSingleSurvivorAfterDoublingFallsThrough(t *testing.T) {
	left := newFakeDialect("fake")
	left.addTable("ratings", intColumns(), intRows(1, 100))
	right := newFakeDialect("fake")
	// Only one of the factor-4 checkpoints (26) exists on the right, and
	// none of the factor-8 ones do, so the doubling attempt cannot
	// produce a second checkpoint either.
	right.addTable("ratings", intColumns(), []map[string]any{intRow(26, "completed")})

	leftSeg := boundSegment(t, left, "ratings")
	rightSeg := boundSegment(t, right, "ratings")
	bounds := KeyBounds{MinKey: int64(1), MaxKey: int64(101)}
	leftSeg.KeyBounds = bounds
	rightSeg.KeyBounds = bounds

	pairs, err := NewBisector(4).Plan(context.Background(), leftSeg, rightSeg)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, bounds, pairs[0].Left.KeyBounds)
	assert.Equal(t, bounds, pairs[0].Right.KeyBounds)
}

func TestNewBisectorClampsFactor(t *testing.T) {
	assert.Equal(t, 2, NewBisector(0).Factor)
	assert.Equal(t, 32, NewBisector(32).Factor)
}
