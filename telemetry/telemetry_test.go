package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRespectsDisabledFlag(t *testing.T) {
	assert.IsType(t, NoopReporter{}, New(true))
	assert.IsType(t, LogReporter{}, New(false))
}

func TestNoopReporterIsSafe(t *testing.T) {
	NoopReporter{}.Report(context.Background(), Event{Name: "diff"})
}
