// Package lifecycle is the orderly start-up wait barrier, teardown of
// mappings, and exit-log component (spec.md component H).
//
// Grounded on the teacher's lib/atexit (observed contract in
// lib/atexit/atexit_test.go: signal-driven hooks run before process
// exit with a POSIX-derived exit code) generalised into an explicit
// hook registry passed around rather than a package-level global, per
// the design note against module-level globals.
package lifecycle

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Exit codes (spec.md §6): "Fatal unrecoverable errors exit with a
// defined incorrect code; successful completion exits with a success
// code."
const (
	ExitSuccess   = 0
	ExitIncorrect = 1
)

// Hooks is a small shutdown-hook registry, analogous to the teacher's
// atexit package but owned by the caller instead of global.
type Hooks struct {
	mu    sync.Mutex
	funcs []func()
}

// Register adds fn to the set run by RunAll.
func (h *Hooks) Register(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, fn)
}

// RunAll runs every registered hook in reverse registration order
// (innermost resource torn down first), matching typical defer
// ordering.
func (h *Hooks) RunAll() {
	h.mu.Lock()
	funcs := append([]func(){}, h.funcs...)
	h.mu.Unlock()
	for i := len(funcs) - 1; i >= 0; i-- {
		funcs[i]()
	}
}

// Fatal logs err at ERROR and exits with ExitIncorrect after running
// hooks, per spec.md §7: "Core entry points never return structured
// errors to the caller — they exit."
func Fatal(log *logrus.Logger, hooks *Hooks, err error, msg string) {
	if log != nil {
		log.WithError(err).Error(msg)
	}
	if hooks != nil {
		hooks.RunAll()
	}
	os.Exit(ExitIncorrect)
}

// Success runs hooks and exits 0.
func Success(hooks *Hooks) {
	if hooks != nil {
		hooks.RunAll()
	}
	os.Exit(ExitSuccess)
}

// WaitBarrier polls check every interval until it reports true or
// deadline elapses, returning whether it succeeded. Used for the 11s
// JID-structure wait (spec.md §4.2: "poll every 100ms until a status
// word's WRITING_JID_STRUCT bit clears, at most 11s").
func WaitBarrier(ctx context.Context, interval, deadline time.Duration, check func() bool) bool {
	if check() {
		return true
	}
	timeout := time.After(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timeout:
			return check()
		case <-ticker.C:
			if check() {
				return true
			}
		}
	}
}

// RetryWithBackoff calls fn up to attempts times, waiting interval
// between tries, stopping as soon as fn reports done=true. Used by
// the GC's size-verify retry loop (spec.md §4.2 phase 1: "give up
// after a bounded retry (20 attempts, 1s apart)").
func RetryWithBackoff(attempts int, interval time.Duration, fn func(attempt int) (done bool, err error)) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		done, err := fn(i)
		if done {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return lastErr
}
