package dtest

import (
	"testing"
	"time"
)

// ScheduleDuration is how long the channel helpers wait
// before failing the test.
// It is generous enough for a loaded CI machine
// while still failing quickly on a real deadlock.
const ScheduleDuration = 2 * time.Second

// ReceiveSoon returns the next value from ch,
// failing the test if nothing arrives within [ScheduleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScheduleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScheduleDuration)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScheduleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScheduleDuration)
	defer timer.Stop()

	select {
	case ch <- v:
		// Okay.
	case <-timer.C:
		t.Fatalf("value not sent within %s", ScheduleDuration)
	}
}

// NotSending fails the test if ch is ready to be received from right now.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel should not have been ready")
	default:
		// Okay.
	}
}

// IsSending fails the test if ch is not ready to be received from right now.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		// Okay.
	default:
		t.Fatal("channel should have been ready")
	}
}
