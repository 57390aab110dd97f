// Package iserrno classifies the small set of POSIX errno values the
// core treats specially, per spec.md §7 ("Transient OS" errors).
package iserrno

import (
	"errors"

	"golang.org/x/sys/unix"
)

// NoSuchProcess reports whether err is ESRCH: the target of a kill(2)
// already exited. The caller should proceed straight to cleanup.
func NoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

// WouldBlockOrAgain reports whether err is EAGAIN/EACCES from a
// byte-range lock attempt, meaning the caller should back off and
// retry rather than treat this as fatal.
func WouldBlockOrAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// NotExist reports whether err is ENOENT, e.g. a control fifo that
// has not been created yet and should be silently opened/created.
func NotExist(err error) bool {
	return errors.Is(err, unix.ENOENT)
}
