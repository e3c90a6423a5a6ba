// Package flock provides cross-platform exclusive file locks.
//
// Exclusive and Unlock are the non-blocking platform primitives. FileLock
// builds on them with retry, timeout and context cancellation, and is what
// the state store uses to keep a single writer per spec:
//
//	lock, err := flock.Acquire(ctx, path, 5*time.Second)
//	if err != nil {
//	    return err // errors.ErrLockTimeout or ctx.Err()
//	}
//	defer func() { _ = lock.Release() }()
package flock
