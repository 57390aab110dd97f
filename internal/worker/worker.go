// Package worker is the worker controller (spec.md component D): it
// signals, reaps, and clears the tracking slot for a transfer child,
// the shared protocol used by both the command dispatcher (§4.1) and
// the catalogue GC (§4.2 phase 5).
package worker

import (
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distfd/fdcore/internal/iserrno"
	"github.com/distfd/fdcore/internal/logging"
)

// Controller implements the kill-then-wait-then-clear protocol of
// spec.md §4.1 ("Signal/reap protocol").
type Controller struct {
	log *logrus.Logger
}

// New returns a Controller logging through log.
func New(log *logrus.Logger) *Controller {
	return &Controller{log: log}
}

// Signal is the signal sent by the ordinary kill path (dispatcher
// deletes, GC phase 5). SignalStrong is the GC's "stronger variant"
// mentioned in spec.md §5 ("Cancellation / timeouts").
const (
	Signal       = syscall.SIGINT
	SignalStrong = syscall.SIGKILL
)

// Reap is invoked after a successful kill+wait, to let the caller
// clear whatever per-slot state (FSA job_status, connection slot)
// belongs to the reaped pid. It must not do I/O — spec.md §5.3 locks
// are "acquired only around the specific arithmetic they protect,
// never held across I/O".
type Reap func()

// KillAndReap sends sig to pid, blocking-waits for it, and on success
// invokes onReaped. Per spec.md §4.1: "if the signal fails with
// ESRCH, the child already exited — silently proceed to cleanup";
// other signal errors are warnings but cleanup still proceeds, since
// the slot must be made safe regardless.
//
// The caller is expected to re-check pid > 0 immediately before
// calling this, per the Open Question in spec.md §9: two call sites
// in the original re-check after related branches to guard a race
// where the child already exited between the branches — this is
// preserved deliberately, not optimised away.
func (c *Controller) KillAndReap(pid int32, sig syscall.Signal, onReaped Reap) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(int(pid), sig); err != nil {
		if iserrno.NoSuchProcess(err) {
			c.log.WithFields(logrus.Fields{"pid": logging.PID(pid)}).Debug("worker: already exited before signal")
		} else {
			c.log.WithFields(logrus.Fields{"pid": logging.PID(pid), "err": err}).Warn("worker: signal failed")
			// Non-ESRCH signal failures still fall through to the
			// wait below: if the process is gone, Wait4 will tell us.
		}
	}
	if err := c.wait(pid); err != nil {
		return err
	}
	if onReaped != nil {
		onReaped()
	}
	return nil
}

// Gauge is the coordinator-wide active-transfer count decremented as
// part of the signal/reap protocol (spec.md §4.1: "decrement the
// global active-transfer gauge (clamped at zero)").
type Gauge struct {
	v int64
}

// Dec decrements the gauge by one, clamped at zero.
func (g *Gauge) Dec() {
	if g.v > 0 {
		g.v--
	}
}

// Inc increments the gauge by one.
func (g *Gauge) Inc() { g.v++ }

// Value returns the current count.
func (g *Gauge) Value() int64 { return g.v }

// wait blocking-waits for pid, per spec.md §5 ("Waits on child
// termination are blocking to guarantee the slot is safe to clear").
func (c *Controller) wait(pid int32) error {
	var ws syscall.WaitStatus
	got, err := syscall.Wait4(int(pid), &ws, 0, nil)
	if err != nil {
		if iserrno.NoSuchProcess(err) || err == syscall.ECHILD {
			// already reaped by someone else (or never our child);
			// proceed as if the wait succeeded.
			return nil
		}
		return errors.Wrapf(err, "worker: wait4(%d)", pid)
	}
	if got != int(pid) {
		return errors.Errorf("worker: wait4(%d) returned unexpected pid %d", pid, got)
	}
	return nil
}
