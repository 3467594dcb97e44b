package ltest

import (
	"testing"
	"time"
)

// ScaleMs is the base duration, in milliseconds, that the
// "soon" helpers wait before declaring a timeout.
const ScaleMs = 500

// SendSoon sends v on ch, or fails t if the send
// does not complete within the soon timeout.
func SendSoon[T any](t *testing.T, ch chan<- T, v T) {
	t.Helper()

	select {
	case ch <- v:
	case <-time.After(ScaleMs * time.Millisecond):
		t.Fatalf("timed out sending %v", v)
	}
}

// ReceiveSoon receives a value from ch and returns it,
// or fails t if no value arrives within the soon timeout.
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(ScaleMs * time.Millisecond):
		t.Fatal("timed out waiting to receive")
		panic("unreachable")
	}
}
