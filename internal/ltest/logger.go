package ltest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a test logger whose output is
// associated with t, so log lines interleave correctly
// with the test's own output under go test.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}
