// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package reclock wraps POSIX advisory record locks (fcntl). These locks
// are the only synchronization primitive shared between the queue manager
// and its worker processes: every mutation of a shared counter is a
// lock-update-unlock triple on a well-known byte range of the mapped file.

package reclock

import (
	"io"
	"os"
	"syscall"
)

// Lock takes an exclusive lock on length bytes at offset, blocking until
// it is granted.
func Lock(f *os.File, offset, length int64) error {
	fl := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, &fl)
}

// Unlock releases a lock on length bytes at offset.
func Unlock(f *os.File, offset, length int64) error {
	fl := syscall.Flock_t{
		Type:   syscall.F_UNLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, &fl)
}

// RLock takes a shared lock on length bytes at offset, blocking until it
// is granted.
func RLock(f *os.File, offset, length int64) error {
	fl := syscall.Flock_t{
		Type:   syscall.F_RDLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, &fl)
}

// TryRLock attempts a shared lock without blocking. It returns false with
// a nil error when the region is already write-locked by someone else;
// that is an answer, not a failure.
func TryRLock(f *os.File, offset, length int64) (bool, error) {
	fl := syscall.Flock_t{
		Type:   syscall.F_RDLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}
	err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, &fl)
	if err == syscall.EAGAIN || err == syscall.EACCES {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LockFile takes an exclusive lock on the whole file (a zero length locks
// to EOF and beyond, per fcntl semantics).
func LockFile(f *os.File) error {
	return Lock(f, 0, 0)
}

// UnlockFile releases a whole-file lock taken with LockFile.
func UnlockFile(f *os.File) error {
	return Unlock(f, 0, 0)
}
