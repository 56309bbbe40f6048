// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package status

import (
	"os"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/reclock"
)

// The four record-range locks of an FSA row, as offsets from the row base.
// LockEC orders error_counter / error_history / slot NOT_WORKING
// transitions, LockTFC orders total_file_counter / total_file_size, LockHS
// orders host_status and the event handles, LockExec serializes the
// post-transfer exec hook per host.
const (
	lockECOff   = int64(fsaErrorCounter)
	lockTFCOff  = int64(fsaTotalFileCounter)
	lockHSOff   = int64(fsaHostStatus)
	lockExecOff = int64(fsaExecLockByte)
)

// rowLocker holds what a row view needs to take record locks: the backing
// file and the row's byte offset in it.
type rowLocker struct {
	f    *os.File
	base int64
}

// A failed fcntl on a status area means the mapping itself is broken;
// continuing would corrupt shared counters, so these exit the process with
// the lock error codes. Callers never see an error.

func (l rowLocker) lock(off int64, n int64) {
	if err := reclock.Lock(l.f, l.base+off, n); err != nil {
		log.Errorf("Failed to lock region at %d+%d: %v", l.base, off, err)
		os.Exit(core.ErrLockRegion.ExitCode())
	}
}

func (l rowLocker) unlock(off int64, n int64) {
	if err := reclock.Unlock(l.f, l.base+off, n); err != nil {
		log.Errorf("Failed to unlock region at %d+%d: %v", l.base, off, err)
		os.Exit(core.ErrUnlockRegion.ExitCode())
	}
}

// LockEC takes the error-counter lock.
func (r FSARow) LockEC() { r.l.lock(lockECOff, 4) }

// UnlockEC releases the error-counter lock.
func (r FSARow) UnlockEC() { r.l.unlock(lockECOff, 4) }

// LockTFC takes the total-file-counter lock.
func (r FSARow) LockTFC() { r.l.lock(lockTFCOff, 4) }

// UnlockTFC releases the total-file-counter lock.
func (r FSARow) UnlockTFC() { r.l.unlock(lockTFCOff, 4) }

// LockHS takes the host-status lock.
func (r FSARow) LockHS() { r.l.lock(lockHSOff, 4) }

// UnlockHS releases the host-status lock.
func (r FSARow) UnlockHS() { r.l.unlock(lockHSOff, 4) }

// LockExec serializes the post-transfer exec hook for this host.
func (r FSARow) LockExec() { r.l.lock(lockExecOff, 1) }

// UnlockExec releases the exec hook lock.
func (r FSARow) UnlockExec() { r.l.unlock(lockExecOff, 1) }

// TryRLockHS attempts a non-blocking read lock on the host-status region.
// False means someone holds the write lock right now; that is reported to
// the caller, not treated as an error.
func (r FSARow) TryRLockHS() bool {
	ok, err := reclock.TryRLock(r.l.f, r.l.base+lockHSOff, 4)
	if err != nil {
		log.Errorf("Failed to read-lock region at %d+%d: %v", r.l.base, lockHSOff, err)
		os.Exit(core.ErrLockRegion.ExitCode())
	}
	return ok
}

// RUnlockHS releases a read lock taken with TryRLockHS.
func (r FSARow) RUnlockHS() { r.l.unlock(lockHSOff, 4) }
