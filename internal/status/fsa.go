// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package status gives typed access to the FSA (per-host file transfer
// status area) and FRA (per-directory retrieve status area). Both are
// memory-mapped row arrays shared by the queue manager and its workers;
// all cross-process synchronization happens through record-range locks on
// well-known offsets inside a row (see locks.go).

package status

import (
	"hash/crc32"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// Bits of the host_status field.
const (
	HostOffline          = uint32(1) << 0
	HostError            = uint32(1) << 1
	HostAutoPauseQueue   = uint32(1) << 2
	HostEventStatus      = uint32(1) << 3
	HostDisabled         = uint32(1) << 4
	HostErrorOffline     = uint32(1) << 5
	HostErrorOfflineStat = uint32(1) << 6
	HostSimulateSend     = uint32(1) << 7
	HostInErrorQueue     = uint32(1) << 8
	HostDebug            = uint32(1) << 9
)

// connect_status values of a job slot.
const (
	Disconnect          = uint32(0)
	Connecting          = uint32(1)
	TransferActive      = uint32(2)
	BurstTransferActive = uint32(3)
	NotWorking          = uint32(4)
)

// FSA row field offsets. The layout is read directly by operator tools,
// so these are part of the on-disk format for CurrentFSAVersion.
const (
	fsaHostAlias         = 0 // [MaxHostAliasLength+8]byte, NUL terminated
	fsaHostID            = 40
	fsaHostStatus        = 44
	fsaAllowedTransfers  = 48
	fsaActiveTransfers   = 52
	fsaMaxErrors         = 56
	fsaErrorCounter      = 60
	fsaErrorHistory      = 64 // [ErrorHistoryLength]byte
	fsaTotalFileCounter  = 72
	fsaTotalFileSize     = 80
	fsaFileCounterDone   = 88
	fsaBytesSend         = 96
	fsaLastConnection    = 104
	fsaTransferRateLimit = 112
	fsaTrlPerProcess     = 120
	fsaKeepConnected     = 128
	fsaJobsQueued        = 132
	fsaStartEventHandle  = 136
	fsaEndEventHandle    = 144
	fsaExecLockByte      = 152
	fsaJobStatus         = 160

	hostAliasField = core.MaxHostAliasLength + 8

	jobSlotSize = 376

	// FSARowSize is the byte size of one FSA row.
	FSARowSize = fsaJobStatus + core.MaxParallelJobs*jobSlotSize
)

// Job slot field offsets, relative to the slot.
const (
	jsConnectStatus     = 0
	jsProcID            = 4
	jsJobID             = 8
	jsNoOfFiles         = 12
	jsNoOfFilesDone     = 16
	jsFileSize          = 24
	jsFileSizeDone      = 32
	jsFileSizeInUse     = 40
	jsFileSizeInUseDone = 48
	jsUniqueName        = 56 // [64]byte
	jsFileNameInUse     = 120

	uniqueNameField = 64
)

// HostID is the checksum a host alias is keyed by everywhere a row index
// would be ambiguous (area rebuilds).
func HostID(alias string) uint32 {
	return crc32.ChecksumIEEE([]byte(alias))
}

// An FSARow is a typed view of one row. It may alias a full area mapping
// (queue manager) or a single-row mapping (worker); either way the lock
// base points at the row start in the backing file.
type FSARow struct {
	b []byte
	l rowLocker
}

// HostAlias returns the alias of the host this row describes.
func (r FSARow) HostAlias() string { return mmbuf.Str(r.b, fsaHostAlias, hostAliasField) }

// SetHostAlias stores the alias and its checksum.
func (r FSARow) SetHostAlias(alias string) {
	mmbuf.PutStr(r.b, fsaHostAlias, hostAliasField, alias)
	mmbuf.PutUint32(r.b, fsaHostID, HostID(alias))
}

// HostID returns the checksum of the host alias.
func (r FSARow) HostID() uint32 { return mmbuf.Uint32(r.b, fsaHostID) }

// HostStatus returns the status flag word. Mutate it only under LockHS.
func (r FSARow) HostStatus() uint32 { return mmbuf.Uint32(r.b, fsaHostStatus) }

// SetHostStatus stores the status flag word. Call under LockHS.
func (r FSARow) SetHostStatus(v uint32) { mmbuf.PutUint32(r.b, fsaHostStatus, v) }

// AllowedTransfers is the configured parallelism for the host, at most
// MaxParallelJobs.
func (r FSARow) AllowedTransfers() int32 { return mmbuf.Int32(r.b, fsaAllowedTransfers) }

// SetAllowedTransfers stores the configured parallelism.
func (r FSARow) SetAllowedTransfers(v int32) { mmbuf.PutInt32(r.b, fsaAllowedTransfers, v) }

// ActiveTransfers is how many workers currently hold a slot on this row.
func (r FSARow) ActiveTransfers() int32 { return mmbuf.Int32(r.b, fsaActiveTransfers) }

// SetActiveTransfers stores the active worker count.
func (r FSARow) SetActiveTransfers(v int32) { mmbuf.PutInt32(r.b, fsaActiveTransfers, v) }

// MaxErrors is the error threshold after which the host queue is paused.
func (r FSARow) MaxErrors() int32 { return mmbuf.Int32(r.b, fsaMaxErrors) }

// SetMaxErrors stores the error threshold.
func (r FSARow) SetMaxErrors(v int32) { mmbuf.PutInt32(r.b, fsaMaxErrors, v) }

// ErrorCounter counts consecutive failed jobs. Mutate under LockEC.
func (r FSARow) ErrorCounter() int32 { return mmbuf.Int32(r.b, fsaErrorCounter) }

// SetErrorCounter stores the error counter. Call under LockEC.
func (r FSARow) SetErrorCounter(v int32) { mmbuf.PutInt32(r.b, fsaErrorCounter, v) }

// ErrorHistory returns the i'th most recent error code.
func (r FSARow) ErrorHistory(i int) byte { return r.b[fsaErrorHistory+i] }

// SetErrorHistory stores an error code in history slot i. Call under LockEC.
func (r FSARow) SetErrorHistory(i int, code byte) { r.b[fsaErrorHistory+i] = code }

// PushErrorHistory shifts the history down and records a new most recent
// code. Call under LockEC.
func (r FSARow) PushErrorHistory(code byte) {
	copy(r.b[fsaErrorHistory+1:fsaErrorHistory+core.ErrorHistoryLength],
		r.b[fsaErrorHistory:fsaErrorHistory+core.ErrorHistoryLength-1])
	r.b[fsaErrorHistory] = code
}

// TotalFileCounter is the number of files queued for this host. Mutate
// under LockTFC.
func (r FSARow) TotalFileCounter() int32 { return mmbuf.Int32(r.b, fsaTotalFileCounter) }

// SetTotalFileCounter stores the queued file count. Call under LockTFC.
func (r FSARow) SetTotalFileCounter(v int32) { mmbuf.PutInt32(r.b, fsaTotalFileCounter, v) }

// TotalFileSize is the byte sum of files queued for this host. Mutate
// under LockTFC.
func (r FSARow) TotalFileSize() int64 { return mmbuf.Int64(r.b, fsaTotalFileSize) }

// SetTotalFileSize stores the queued byte sum. Call under LockTFC.
func (r FSARow) SetTotalFileSize(v int64) { mmbuf.PutInt64(r.b, fsaTotalFileSize, v) }

// FileCounterDone counts files ever sent to this host.
func (r FSARow) FileCounterDone() uint32 { return mmbuf.Uint32(r.b, fsaFileCounterDone) }

// AddFileCounterDone bumps the lifetime sent-file counter.
func (r FSARow) AddFileCounterDone(n uint32) {
	mmbuf.PutUint32(r.b, fsaFileCounterDone, mmbuf.Uint32(r.b, fsaFileCounterDone)+n)
}

// BytesSend counts bytes ever sent to this host.
func (r FSARow) BytesSend() uint64 { return mmbuf.Uint64(r.b, fsaBytesSend) }

// AddBytesSend bumps the lifetime byte counter.
func (r FSARow) AddBytesSend(n uint64) {
	mmbuf.PutUint64(r.b, fsaBytesSend, mmbuf.Uint64(r.b, fsaBytesSend)+n)
}

// LastConnection is the unix time of the last successful connection.
func (r FSARow) LastConnection() int64 { return mmbuf.Int64(r.b, fsaLastConnection) }

// SetLastConnection stores the last successful connection time.
func (r FSARow) SetLastConnection(t int64) { mmbuf.PutInt64(r.b, fsaLastConnection, t) }

// TransferRateLimit is the per-host rate limit in bytes per second, 0 for
// unlimited.
func (r FSARow) TransferRateLimit() int64 { return mmbuf.Int64(r.b, fsaTransferRateLimit) }

// SetTransferRateLimit stores the per-host rate limit.
func (r FSARow) SetTransferRateLimit(v int64) { mmbuf.PutInt64(r.b, fsaTransferRateLimit, v) }

// TrlPerProcess is the rate budget each active worker must honor, as last
// computed by the governor.
func (r FSARow) TrlPerProcess() int64 { return mmbuf.Int64(r.b, fsaTrlPerProcess) }

// SetTrlPerProcess stores the per-process rate budget.
func (r FSARow) SetTrlPerProcess(v int64) { mmbuf.PutInt64(r.b, fsaTrlPerProcess, v) }

// KeepConnected is how many seconds a worker may sit idle on an open
// connection waiting for a burst.
func (r FSARow) KeepConnected() uint32 { return mmbuf.Uint32(r.b, fsaKeepConnected) }

// SetKeepConnected stores the keep-connected time.
func (r FSARow) SetKeepConnected(v uint32) { mmbuf.PutUint32(r.b, fsaKeepConnected, v) }

// JobsQueued is the number of queue buffer entries for this host.
func (r FSARow) JobsQueued() int32 { return mmbuf.Int32(r.b, fsaJobsQueued) }

// SetJobsQueued stores the queued job count.
func (r FSARow) SetJobsQueued(v int32) { mmbuf.PutInt32(r.b, fsaJobsQueued, v) }

// StartEventHandle is the absolute time of the pending start event. Mutate
// under LockHS.
func (r FSARow) StartEventHandle() int64 { return mmbuf.Int64(r.b, fsaStartEventHandle) }

// SetStartEventHandle stores the start event time. Call under LockHS.
func (r FSARow) SetStartEventHandle(t int64) { mmbuf.PutInt64(r.b, fsaStartEventHandle, t) }

// EndEventHandle is the absolute time of the pending end event. Mutate
// under LockHS.
func (r FSARow) EndEventHandle() int64 { return mmbuf.Int64(r.b, fsaEndEventHandle) }

// SetEndEventHandle stores the end event time. Call under LockHS.
func (r FSARow) SetEndEventHandle(t int64) { mmbuf.PutInt64(r.b, fsaEndEventHandle, t) }

// Job returns the i'th job slot of this row.
func (r FSARow) Job(i int) JobSlot {
	off := fsaJobStatus + i*jobSlotSize
	return JobSlot{b: r.b[off : off+jobSlotSize : off+jobSlotSize]}
}

// A JobSlot is one worker's slice of an FSA row. The manager owns the
// slot; the worker holding it mutates it for the duration of its job.
type JobSlot struct {
	b []byte
}

// ConnectStatus reports what the worker in this slot is doing.
func (j JobSlot) ConnectStatus() uint32 { return mmbuf.Uint32(j.b, jsConnectStatus) }

// SetConnectStatus records what the worker in this slot is doing.
func (j JobSlot) SetConnectStatus(v uint32) { mmbuf.PutUint32(j.b, jsConnectStatus, v) }

// ProcID is the worker's process id, or -1 when the slot is free.
func (j JobSlot) ProcID() int32 { return mmbuf.Int32(j.b, jsProcID) }

// SetProcID records the worker's process id.
func (j JobSlot) SetProcID(v int32) { mmbuf.PutInt32(j.b, jsProcID, v) }

// JobID is the job the slot is currently working on.
func (j JobSlot) JobID() uint32 { return mmbuf.Uint32(j.b, jsJobID) }

// SetJobID records the job the slot is working on.
func (j JobSlot) SetJobID(v uint32) { mmbuf.PutUint32(j.b, jsJobID, v) }

// NoOfFiles is the file count of the current job.
func (j JobSlot) NoOfFiles() int32 { return mmbuf.Int32(j.b, jsNoOfFiles) }

// SetNoOfFiles stores the file count of the current job.
func (j JobSlot) SetNoOfFiles(v int32) { mmbuf.PutInt32(j.b, jsNoOfFiles, v) }

// NoOfFilesDone is how many of the job's files are fully sent.
func (j JobSlot) NoOfFilesDone() int32 { return mmbuf.Int32(j.b, jsNoOfFilesDone) }

// SetNoOfFilesDone stores the finished file count.
func (j JobSlot) SetNoOfFilesDone(v int32) { mmbuf.PutInt32(j.b, jsNoOfFilesDone, v) }

// FileSize is the byte sum of the current job.
func (j JobSlot) FileSize() int64 { return mmbuf.Int64(j.b, jsFileSize) }

// SetFileSize stores the byte sum of the current job.
func (j JobSlot) SetFileSize(v int64) { mmbuf.PutInt64(j.b, jsFileSize, v) }

// FileSizeDone is how many of the job's bytes are fully sent.
func (j JobSlot) FileSizeDone() int64 { return mmbuf.Int64(j.b, jsFileSizeDone) }

// SetFileSizeDone stores the finished byte count.
func (j JobSlot) SetFileSizeDone(v int64) { mmbuf.PutInt64(j.b, jsFileSizeDone, v) }

// FileSizeInUse is the size of the file currently being transferred.
func (j JobSlot) FileSizeInUse() int64 { return mmbuf.Int64(j.b, jsFileSizeInUse) }

// SetFileSizeInUse stores the size of the in-flight file.
func (j JobSlot) SetFileSizeInUse(v int64) { mmbuf.PutInt64(j.b, jsFileSizeInUse, v) }

// FileSizeInUseDone is how much of the in-flight file is already sent.
func (j JobSlot) FileSizeInUseDone() int64 { return mmbuf.Int64(j.b, jsFileSizeInUseDone) }

// SetFileSizeInUseDone stores the sent byte count of the in-flight file.
func (j JobSlot) SetFileSizeInUseDone(v int64) { mmbuf.PutInt64(j.b, jsFileSizeInUseDone, v) }

// UniqueName identifies the message being worked on. An empty value on a
// slot that still has a pid means the worker is idling between jobs on a
// kept-open connection; the governor does not count such slots as real
// active transfers.
func (j JobSlot) UniqueName() string { return mmbuf.Str(j.b, jsUniqueName, uniqueNameField) }

// SetUniqueName records the message being worked on.
func (j JobSlot) SetUniqueName(s string) { mmbuf.PutStr(j.b, jsUniqueName, uniqueNameField, s) }

// FileNameInUse is the name of the file currently being transferred.
func (j JobSlot) FileNameInUse() string {
	return mmbuf.Str(j.b, jsFileNameInUse, core.MaxFilenameLength)
}

// SetFileNameInUse records the name of the in-flight file.
func (j JobSlot) SetFileNameInUse(s string) {
	mmbuf.PutStr(j.b, jsFileNameInUse, core.MaxFilenameLength, s)
}

// ClearJob resets the slot to its idle state. ProcID is set to -1 and the
// connect status to Disconnect.
func (j JobSlot) ClearJob() {
	j.SetConnectStatus(Disconnect)
	j.SetProcID(-1)
	j.SetJobID(0)
	j.SetNoOfFiles(0)
	j.SetNoOfFilesDone(0)
	j.SetFileSize(0)
	j.SetFileSizeDone(0)
	j.SetFileSizeInUse(0)
	j.SetFileSizeInUseDone(0)
	j.SetUniqueName("")
	j.SetFileNameInUse("")
}
