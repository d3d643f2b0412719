package diffcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectAlgorithmExplicitRequestWins(t *testing.T) {
	d := newFakeDialect("fake")
	left, right := newFakeSegment(d, "a"), newFakeSegment(d, "b")
	assert.Equal(t, AlgorithmHashDiff, SelectAlgorithm(AlgorithmHashDiff, left, right, true))
	assert.Equal(t, AlgorithmJoinDiff, SelectAlgorithm(AlgorithmJoinDiff, left, right, false))
}

func TestSelectAlgorithmAuto(t *testing.T) {
	same := newFakeDialect("fake")
	same.supportsFOJ = true
	left, right := newFakeSegment(same, "a"), newFakeSegment(same, "b")
	assert.Equal(t, AlgorithmJoinDiff, SelectAlgorithm(AlgorithmAuto, left, right, true))

	// Different credentials force hashdiff.
	assert.Equal(t, AlgorithmHashDiff, SelectAlgorithm(AlgorithmAuto, left, right, false))

	// Different dialects force hashdiff.
	other := newFakeDialect("other")
	other.supportsFOJ = true
	assert.Equal(t, AlgorithmHashDiff, SelectAlgorithm(AlgorithmAuto, left, newFakeSegment(other, "b"), true))

	// No FULL OUTER JOIN support forces hashdiff.
	plain := newFakeDialect("fake")
	assert.Equal(t, AlgorithmHashDiff, SelectAlgorithm(AlgorithmAuto, newFakeSegment(plain, "a"), newFakeSegment(plain, "b"), true))
}
