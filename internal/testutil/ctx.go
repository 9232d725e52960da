// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	WaitShort  = 5 * time.Second
	WaitMedium = 10 * time.Second

	IntervalFast = 25 * time.Millisecond
)

// Context returns a context that is cancelled after dur or when the test
// ends, whichever comes first.
func Context(t testing.TB, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
