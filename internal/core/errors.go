// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type, used both as an in-process result
// code and as the exit status of a worker process. The queue manager reads
// worker exit codes with waitpid and maps them straight back to these
// values, so the numbers are part of the on-the-wire contract and must not
// be renumbered.
type Error int

// Transfer result codes. Grouped by the layer that produces them.
const (
	// NoError means the transfer succeeded (TRANSFER_SUCCESS).
	NoError = Error(0)

	//------ Network / auth layer ------//

	// ErrConnect is returned when the control connection cannot be established.
	ErrConnect = Error(1)

	// ErrUser is returned when the remote side rejects the user name.
	ErrUser = Error(2)

	// ErrPassword is returned when the remote side rejects the password.
	ErrPassword = Error(3)

	// ErrType is returned when the transfer type cannot be set.
	ErrType = Error(4)

	// ErrList is returned when a remote directory listing fails.
	ErrList = Error(5)

	// ErrAuth is returned when protocol-level authentication fails.
	ErrAuth = Error(6)

	// ErrTimeout is returned when a remote operation timed out.
	ErrTimeout = Error(7)

	// ErrConnectionReset is returned when the peer reset the connection.
	ErrConnectionReset = Error(8)

	// ErrConnectionRefused is returned when the peer refused the connection.
	ErrConnectionRefused = Error(9)

	// ErrQuit is returned when closing the connection fails.
	ErrQuit = Error(10)

	//------ Remote filesystem ------//

	// ErrOpenRemote is returned when the remote file cannot be opened.
	ErrOpenRemote = Error(20)

	// ErrWriteRemote is returned when writing to the remote file fails.
	ErrWriteRemote = Error(21)

	// ErrCloseRemote is returned when closing the remote file fails.
	ErrCloseRemote = Error(22)

	// ErrMoveRemote is returned when renaming the remote file fails.
	ErrMoveRemote = Error(23)

	// ErrChdir is returned when changing the remote directory fails.
	ErrChdir = Error(24)

	// ErrWriteLock is returned when the remote lock file cannot be created.
	ErrWriteLock = Error(25)

	// ErrRemoveLockfile is returned when the remote lock file cannot be removed.
	ErrRemoveLockfile = Error(26)

	// ErrReadRemote is returned when reading from the remote file fails.
	ErrReadRemote = Error(27)

	// ErrSize is returned when the remote file size cannot be determined.
	ErrSize = Error(28)

	// ErrDate is returned when the remote file date cannot be determined.
	ErrDate = Error(29)

	// ErrMkdir is returned when creating a remote directory fails.
	ErrMkdir = Error(30)

	// ErrChown is returned when changing remote ownership fails.
	ErrChown = Error(31)

	// ErrDeleteRemote is returned when deleting the remote file fails.
	ErrDeleteRemote = Error(32)

	// ErrStatTarget is returned when the remote target cannot be stat'ed.
	ErrStatTarget = Error(33)

	// ErrFileSizeMatch is returned when local and remote sizes disagree
	// after a completed transfer.
	ErrFileSizeMatch = Error(34)

	// ErrStatRemote is returned when a remote stat operation fails.
	ErrStatRemote = Error(35)

	//------ Local filesystem ------//

	// ErrOpenLocal is returned when the local source file cannot be opened.
	ErrOpenLocal = Error(40)

	// ErrReadLocal is returned when reading the local source file fails.
	ErrReadLocal = Error(41)

	// ErrWriteLocal is returned when writing a local file fails.
	ErrWriteLocal = Error(42)

	// ErrStat is returned when a local stat operation fails.
	ErrStat = Error(43)

	// ErrMove is returned when moving a local file fails.
	ErrMove = Error(44)

	// ErrRename is returned when renaming a local file fails.
	ErrRename = Error(45)

	// ErrOpenFileDir is returned when the job's file directory cannot be opened.
	ErrOpenFileDir = Error(46)

	// ErrNoMessageFile is returned when the message file for a job is missing.
	ErrNoMessageFile = Error(47)

	//------ Internal ------//

	// ErrJIDNumber is returned when no job ID can be obtained.
	ErrJIDNumber = Error(50)

	// ErrAlloc is returned when a required allocation fails.
	ErrAlloc = Error(51)

	// ErrSelect is returned when waiting on descriptors fails.
	ErrSelect = Error(52)

	// ErrLockRegion is returned (and exited with) when a record-range lock
	// cannot be taken.
	ErrLockRegion = Error(53)

	// ErrUnlockRegion is returned (and exited with) when a record-range lock
	// cannot be released.
	ErrUnlockRegion = Error(54)

	// ErrSyntax is returned when a worker is started with bad arguments.
	ErrSyntax = Error(55)

	// ErrSigPipe is returned when the data connection was closed under us.
	ErrSigPipe = Error(56)

	// ErrExec is returned when a post-transfer exec hook fails.
	ErrExec = Error(57)

	// ErrDfax is returned when a fax conversion fails.
	ErrDfax = Error(58)

	// ErrMapFunction is returned when an external mapping hook fails.
	ErrMapFunction = Error(59)

	// ErrSetBlocksize is returned when the transfer block size cannot be set.
	ErrSetBlocksize = Error(60)

	// ErrNoop is returned when a keep-alive probe fails.
	ErrNoop = Error(61)

	// ErrData is returned when the data connection cannot be established.
	ErrData = Error(62)

	// ErrRemoteUser is returned when the remote user cannot be switched.
	ErrRemoteUser = Error(63)

	// ErrMail is returned when handing a file to the mailer fails.
	ErrMail = Error(64)

	//------ Flow control ------//

	// StillFilesToSend tells the queue manager that the worker stopped with
	// files remaining in the job.
	StillFilesToSend = Error(70)

	// NoFilesToSend tells the queue manager that the job had nothing left
	// to do by the time the worker looked.
	NoFilesToSend = Error(71)

	// GotKilled tells the queue manager the worker was terminated by signal.
	GotKilled = Error(72)
)

var description = map[Error]string{
	NoError: "transfer success",

	ErrConnect:           "failed to connect",
	ErrUser:              "remote site rejected user",
	ErrPassword:          "remote site rejected password",
	ErrType:              "failed to set transfer type",
	ErrList:              "failed to list remote directory",
	ErrAuth:              "authentication failed",
	ErrTimeout:           "operation timed out",
	ErrConnectionReset:   "connection reset by peer",
	ErrConnectionRefused: "connection refused",
	ErrQuit:              "failed to close connection",

	ErrOpenRemote:     "failed to open remote file",
	ErrWriteRemote:    "failed to write to remote file",
	ErrCloseRemote:    "failed to close remote file",
	ErrMoveRemote:     "failed to move remote file",
	ErrChdir:          "failed to change remote directory",
	ErrWriteLock:      "failed to create remote lock file",
	ErrRemoveLockfile: "failed to remove remote lock file",
	ErrReadRemote:     "failed to read from remote file",
	ErrSize:           "failed to determine remote file size",
	ErrDate:           "failed to determine remote file date",
	ErrMkdir:          "failed to create remote directory",
	ErrChown:          "failed to change remote owner",
	ErrDeleteRemote:   "failed to delete remote file",
	ErrStatTarget:     "failed to stat remote target",
	ErrFileSizeMatch:  "local and remote file size do not match",
	ErrStatRemote:     "failed to stat remote file",

	ErrOpenLocal:     "failed to open local file",
	ErrReadLocal:     "failed to read local file",
	ErrWriteLocal:    "failed to write local file",
	ErrStat:          "failed to stat local file",
	ErrMove:          "failed to move local file",
	ErrRename:        "failed to rename local file",
	ErrOpenFileDir:   "failed to open file directory",
	ErrNoMessageFile: "message file does not exist",

	ErrJIDNumber:    "failed to get job id",
	ErrAlloc:        "allocation failed",
	ErrSelect:       "select error",
	ErrLockRegion:   "failed to lock region",
	ErrUnlockRegion: "failed to unlock region",
	ErrSyntax:       "syntax error in arguments",
	ErrSigPipe:      "pipe closed",
	ErrExec:         "external command failed",
	ErrDfax:         "fax conversion failed",
	ErrMapFunction:  "mapping hook failed",
	ErrSetBlocksize: "failed to set block size",
	ErrNoop:         "keep-alive probe failed",
	ErrData:         "failed to open data connection",
	ErrRemoteUser:   "failed to change remote user",
	ErrMail:         "failed to mail file",

	StillFilesToSend: "still files to send",
	NoFilesToSend:    "no files to send",
	GotKilled:        "process was killed",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "unknown error code"
}

// Error returns a golang error object with an error message corresponding
// to this core.Error, or nil for NoError.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// ExitCode is the process exit status a worker uses for this error.
func (e Error) ExitCode() int {
	return int(e)
}

// FromExitCode maps a worker exit status back onto an Error.
func FromExitCode(code int) Error {
	return Error(code)
}

// Is checks whether the generic Go error 'g' is the receiver underneath.
func (e Error) Is(g error) bool {
	w, ok := g.(goError)
	return ok && Error(w) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return Error(g).String()
}

// IsRetriable reports whether the error is worth retrying the whole job
// for. Network-level trouble usually clears up; remote filesystem and
// internal errors usually do not until an operator intervenes.
func IsRetriable(err Error) bool {
	switch err {
	case ErrConnect,
		ErrTimeout,
		ErrConnectionReset,
		ErrConnectionRefused,
		ErrData,
		ErrNoop,
		ErrSigPipe:
		return true
	}
	return false
}
