package mce

import (
	"os"
	"syscall"
)

// acquireAdvisoryLock takes an exclusive, non-blocking advisory lock on the
// WAL file descriptor, serialising writers across processes (spec.md §4.4
// Isolation). No third-party advisory-locking library appears anywhere in
// the retrieval pack, so this uses the standard library's syscall.Flock
// directly — see DESIGN.md for the stdlib justification.
func acquireAdvisoryLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}
