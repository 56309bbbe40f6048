// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Global constants that several components need to agree on are defined
// here. Most of them describe fixed on-disk or on-the-wire widths, so
// changing any of them is a format change and needs a version bump on the
// affected area.
const (
	// MaxHostAliasLength is the maximum length of a host alias in the FSA,
	// not counting the terminating NUL.
	MaxHostAliasLength = 32

	// MaxDirAliasLength is the maximum length of a directory alias in the FRA.
	MaxDirAliasLength = 32

	// MaxParallelJobs is the number of job_status slots per FSA row, and so
	// the hard upper bound on allowed_transfers.
	MaxParallelJobs = 5

	// ErrorHistoryLength is how many recent error codes an FSA row keeps.
	ErrorHistoryLength = 5

	// MaxMsgNameLength is the maximum length of a message name
	// ("<dir>/<job>/<time>_<unique>_<split>"), including the NUL.
	MaxMsgNameLength = 128

	// MaxFilenameLength is the maximum length of a plain file name.
	MaxFilenameLength = 256

	// MaxTimeEntries is the number of cron-like schedule slots per FRA row.
	MaxTimeEntries = 10

	// MsgQueBufSize is the allocation step of the queue buffer: the QB
	// grows and shrinks in whole multiples of this many entries.
	MsgQueBufSize = 256

	// RetrieveListStep is the allocation step of a retrieve list (ls_data).
	RetrieveListStep = 50

	// AreaHeaderSize is the byte offset at which row data begins in every
	// shared status area (the "word offset"). The 12 byte prefix header is
	// padded up to this.
	AreaHeaderSize = 64

	// PipeBuf is the largest write that POSIX guarantees to be atomic on a
	// fifo. Records bigger than this must be staged to a file instead.
	PipeBuf = 4096
)

// Current on-disk format versions. Operator tools read the files directly,
// so bumping one of these requires a migration that writes a new file and
// renames it into place.
const (
	CurrentFSAVersion          = 3
	CurrentFRAVersion          = 3
	CurrentMDBVersion          = 1
	CurrentQBVersion           = 1
	CurrentRetrieveListVersion = 2
)

// Sentinel values for the pid field of a queue buffer entry.
const (
	// QueuePending marks an entry for which no worker has been started yet.
	QueuePending = -1

	// QueueRemoved marks an entry that has been logically deleted and will
	// be compacted out of the buffer.
	QueueRemoved = -2
)

// Bits of the special_flag field of a queue buffer entry.
const (
	// FetchJob marks a retrieve job: the entry's pos indexes the FRA, not
	// the MDB.
	FetchJob = 1 << 0

	// ResendJob marks a job that was requeued from the error queue.
	ResendJob = 1 << 1

	// HelperJob marks a distribution helper started with -d.
	HelperJob = 1 << 2
)

// Well-known file and fifo names under the work directory.
const (
	FifoDir       = "fifodir"
	MsgDir        = "msg"
	FileDir       = "files"
	StoreDir      = "files/store"
	FSAIDFile     = "fsa.id"
	FSAStatFile   = "fsa_status_area"
	FRAIDFile     = "fra.id"
	FRAStatFile   = "fra_status_area"
	MsgCacheFile  = "fd_msg_cache"
	MsgQueueFile  = "fd_msg_queue"
	DeleteFifo    = "fd_delete.fifo"
	RetrieveFifo  = "retrieve_log.fifo"
	DeleteLogFifo = "delete_log.fifo"
	DemcdFifo     = "demcd.fifo"
	ConfirmDBFile = "files/confirm.db"
	TrlConfigFile = "group.transfer_rate_limit"
)
