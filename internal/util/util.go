// Package util holds the small cross-cutting helpers shared by the
// extraction, control, and loop layers: polling, truncation, id
// generation, and lightweight invariant assertions.
package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = 100 * time.Millisecond

// WaitUntil polls pred at ~100ms until it returns true, ctx is done, or
// deadline elapses, whichever comes first.
func WaitUntil(ctx context.Context, deadline time.Duration, pred func() (bool, error)) error {
	start := time.Now()
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		ok, err := pred()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Since(start) >= deadline {
			return fmt.Errorf("waitUntil: timed out after %s", deadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sleep sleeps for d or returns early with ctx.Err() if ctx is cancelled
// first. d <= 0 is a no-op.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Truncate shortens s to maxLen runes, appending an ellipsis when it cuts
// content off.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "…"
}

// NewID returns a short, collision-resistant identifier suitable for task
// ids and the DOM marker attribute namespace.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Assert panics with msg if cond is false. Reserved for invariants that
// indicate a programming error in the calling code, never for user input or
// page-state validation — those return errors instead.
func Assert(cond bool, msg string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+msg, args...))
	}
}
