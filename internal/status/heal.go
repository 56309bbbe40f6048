// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package status

import (
	log "github.com/golang/glog"
)

// The total file counter and size of a row can drift when a worker dies
// between updates. Corruption here is never fatal: the invariants
// (counter >= 0, size >= 0, counter == 0 implies size == 0) are restored
// in place, with a debug log so drift is visible in the field.

// healTotals re-establishes the counter invariants. Call under LockTFC.
func (r FSARow) healTotals() {
	if tfc := r.TotalFileCounter(); tfc < 0 {
		log.V(1).Infof("Total file counter for host %s is %d, resetting to 0", r.HostAlias(), tfc)
		r.SetTotalFileCounter(0)
	}
	if tfs := r.TotalFileSize(); tfs < 0 {
		log.V(1).Infof("Total file size for host %s is %d, resetting to 0", r.HostAlias(), tfs)
		r.SetTotalFileSize(0)
	}
	if r.TotalFileCounter() == 0 && r.TotalFileSize() != 0 {
		log.V(1).Infof("Total file size for host %s is %d but counter is 0, resetting to 0",
			r.HostAlias(), r.TotalFileSize())
		r.SetTotalFileSize(0)
	}
}

// AddQueued credits files and bytes to the host totals under LockTFC.
func (r FSARow) AddQueued(files int32, bytes int64) {
	r.LockTFC()
	r.SetTotalFileCounter(r.TotalFileCounter() + files)
	r.SetTotalFileSize(r.TotalFileSize() + bytes)
	r.healTotals()
	r.UnlockTFC()
}

// SubtractQueued debits files and bytes from the host totals under
// LockTFC, clamping at zero.
func (r FSARow) SubtractQueued(files int32, bytes int64) {
	r.LockTFC()
	r.SetTotalFileCounter(r.TotalFileCounter() - files)
	r.SetTotalFileSize(r.TotalFileSize() - bytes)
	r.healTotals()
	r.UnlockTFC()
}

// ZeroQueued clears the host totals under LockTFC.
func (r FSARow) ZeroQueued() {
	r.LockTFC()
	r.SetTotalFileCounter(0)
	r.SetTotalFileSize(0)
	r.UnlockTFC()
}

// ClearErrors resets the error counter, the most recent error history
// entries, and revives any NOT_WORKING slots to DISCONNECT. The queue
// manager calls this when the last queued job for a host drains. All of
// it is ordered by LockEC.
func (r FSARow) ClearErrors() {
	r.LockEC()
	if r.ErrorCounter() > 0 {
		r.SetErrorCounter(0)
		for i := 0; i < 3; i++ {
			r.SetErrorHistory(i, 0)
		}
	}
	for i := int32(0); i < r.AllowedTransfers(); i++ {
		j := r.Job(int(i))
		if j.ConnectStatus() == NotWorking {
			j.SetConnectStatus(Disconnect)
		}
	}
	r.UnlockEC()
}
