//go:build !windows

package state

import "golang.org/x/sys/unix"

// flockLock acquires an exclusive file lock (Unix flock).
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

// flockUnlock releases the file lock.
func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
