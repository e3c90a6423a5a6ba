//go:build unix

package flock

import "syscall"

// Exclusive takes an exclusive non-blocking lock on fd.
// It fails immediately when another descriptor holds the lock.
func Exclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
}

// Unlock releases the lock held on fd.
func Unlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
