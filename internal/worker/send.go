// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/openafd/afd/internal/appendlog"
	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dlog"
	"github.com/openafd/afd/internal/dupcheck"
	"github.com/openafd/afd/internal/status"
)

// A Transport is the protocol client a send worker moves bytes through.
// SendFile transfers the local file starting at offset, calling pace
// after every chunk with the chunk size, and returns the bytes written.
type Transport interface {
	Connect() core.Error
	SendFile(localPath, remoteName string, offset int64, pace func(int64)) (int64, core.Error)
	Close() core.Error
}

// Sender bundles what one send worker needs besides its job: the
// transport, the shared dedup store and the log FIFOs.
type Sender struct {
	Job       *Job
	Transport Transport
	Dup       *dupcheck.Store
	DelFifo   io.Writer
	DemcdFifo io.Writer
}

// Run sends every file of the job's message, in directory order. The
// returned code is the worker's exit code; partial progress has already
// been settled against the FSA row when it returns.
func (s *Sender) Run() core.Error {
	j := s.Job
	slot := j.Slot()
	slot.SetConnectStatus(status.Connecting)
	slot.SetJobID(j.Msg.JobID)
	slot.SetUniqueName(fmt.Sprintf("%x_%x", j.Msg.UniqueNumber, j.Msg.SplitJobCounter))

	files, err := ioutil.ReadDir(j.FileDir())
	if err != nil {
		j.TransLog(SignError, "Cannot open file directory %s: %v", j.FileDir(), err)
		return core.ErrOpenFileDir
	}
	if len(files) == 0 {
		return core.NoFilesToSend
	}

	if ce := s.Transport.Connect(); ce != core.NoError {
		ce = core.EvalTimeout(ce, j.TimeoutFlag)
		j.TransLog(SignError, "Failed to connect: %v", ce.String())
		slot.SetConnectStatus(status.NotWorking)
		return ce
	}
	defer s.Transport.Close()
	slot.SetConnectStatus(status.TransferActive)

	var sentFiles int32
	var sentBytes int64
	for _, fi := range files {
		if fi.IsDir() {
			continue
		}
		if ce := s.sendOne(fi); ce != core.NoError {
			slot.SetConnectStatus(status.NotWorking)
			return ce
		}
		sentFiles++
		sentBytes += fi.Size()
	}

	if err = os.Remove(j.FileDir()); err != nil && !os.IsNotExist(err) {
		j.TransLog(SignWarn, "Cannot remove %s: %v", j.FileDir(), err)
	}
	j.TransLog(SignInfo, "Send %d file(s), %d bytes", sentFiles, sentBytes)
	return core.NoError
}

// sendOne moves a single file, honoring the age limit, the dedup store
// and any restart record. Deleted files (age limit, duplicate) count as
// handled, not as failures.
func (s *Sender) sendOne(fi os.FileInfo) core.Error {
	j := s.Job
	name := fi.Name()
	path := filepath.Join(j.FileDir(), name)
	slot := j.Slot()

	if j.AgeLimit > 0 && time.Now().Unix()-fi.ModTime().Unix() > int64(j.AgeLimit) {
		if err := os.Remove(path); err != nil {
			j.TransLog(SignWarn, "Cannot delete overaged file %s: %v", name, err)
		} else {
			j.TransLog(SignInfo, "Deleted %s, older than the %d second age limit", name, j.AgeLimit)
			s.logDelete(name, fi.Size(), dlog.ReasonAgeLimit)
			j.uncharge(1, fi.Size())
		}
		return core.NoError
	}

	if j.DupFlags != 0 && s.Dup != nil {
		dup, err := s.Dup.IsDup(path, name, j.Msg.JobID, j.DupTimeout, j.DupFlags, false)
		if err != nil {
			j.TransLog(SignWarn, "Duplicate check for %s failed: %v", name, err)
		} else if dup {
			gone, err := dupcheck.HandleDuplicate(j.WorkDir, path, name, j.Msg.JobID, j.DupFlags)
			if err != nil {
				j.TransLog(SignWarn, "Duplicate handling for %s failed: %v", name, err)
			}
			j.TransLog(SignInfo, "File %s is a duplicate", name)
			if gone {
				s.logDelete(name, fi.Size(), dlog.ReasonDupcheck)
				j.uncharge(1, fi.Size())
				return core.NoError
			}
		}
	}

	// A restart record with a matching mtime lets the transport resume;
	// a stale one is dropped and the file goes out whole.
	offset := int64(0)
	if mtime, ok := appendlog.RestartMtime(j.WorkDir, j.Msg.JobID, name); ok {
		if mtime == fi.ModTime().Unix() {
			offset = -1 // transport decides from the remote size
		} else {
			appendlog.RemoveAppend(j.WorkDir, j.Msg.JobID, name)
		}
	}

	slot.SetFileNameInUse(name)
	slot.SetFileSizeInUse(fi.Size())

	sent, ce := s.Transport.SendFile(path, name, offset, func(n int64) {
		slot.SetFileSizeInUseDone(slot.FileSizeInUseDone() + n)
		j.Limiter.Limit(n)
	})
	if ce != core.NoError {
		ce = core.EvalTimeout(ce, j.TimeoutFlag)
		j.TransLog(SignError, "Failed to send %s after %d bytes: %v", name, sent, ce.String())
		appendlog.LogAppend(j.WorkDir, j.Msg.JobID, name, path)
		return ce
	}

	appendlog.RemoveAppend(j.WorkDir, j.Msg.JobID, name)
	if err := os.Remove(path); err != nil {
		j.TransLog(SignWarn, "Cannot delete sent file %s: %v", name, err)
	}
	j.uncharge(1, fi.Size())
	j.Row.AddFileCounterDone(1)
	j.Row.AddBytesSend(uint64(sent))
	slot.SetNoOfFilesDone(slot.NoOfFilesDone() + 1)
	slot.SetFileSizeDone(slot.FileSizeDone() + fi.Size())
	slot.SetFileSizeInUse(0)
	slot.SetFileSizeInUseDone(0)
	slot.SetFileNameInUse("")

	if s.DemcdFifo != nil {
		rec := &dlog.DemcdRecord{
			FileSize:    fi.Size(),
			JobID:       j.Msg.JobID,
			ConfirmType: dlog.ConfirmDispatch,
			HostName:    j.HostAlias,
			FileName:    name,
		}
		if err := dlog.WriteDemcd(s.DemcdFifo, j.WorkDir, rec); err != nil {
			j.TransLog(SignWarn, "Cannot confirm dispatch of %s: %v", name, err)
		}
	}
	return core.NoError
}

// uncharge removes files and bytes from the host totals under the TFC
// lock, once they are no longer waiting to be sent.
func (j *Job) uncharge(files int32, bytes int64) {
	j.Row.SubtractQueued(files, bytes)
}

// logDelete emits one delete-log record for a file this worker dropped.
func (s *Sender) logDelete(name string, size int64, reason byte) {
	if s.DelFifo == nil {
		return
	}
	j := s.Job
	rec := &dlog.DeleteRecord{
		FileSize:        size,
		InputTime:       j.Msg.CreationTime,
		JobID:           j.Msg.JobID,
		DirID:           j.Msg.DirID,
		SplitJobCounter: j.Msg.SplitJobCounter,
		UniqueNumber:    j.Msg.UniqueNumber,
		Reason:          reason,
		HostName:        j.HostAlias,
		FileName:        name,
	}
	if err := dlog.WriteDelete(s.DelFifo, j.WorkDir, rec); err != nil {
		j.TransLog(SignWarn, "Cannot write delete log record for %s: %v", name, err)
	}
}
