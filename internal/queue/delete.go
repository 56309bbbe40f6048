// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dlog"
	"github.com/openafd/afd/internal/status"
)

// Delete-FIFO command tags. On the wire a command is the tag byte
// followed by a NUL-terminated argument; commands may be concatenated.
const (
	TagDeleteAllJobsFromHost  = byte(1)
	TagDeleteMessage          = byte(2)
	TagDeleteSingleFile       = byte(3)
	TagDeleteRetrieve         = byte(4)
	TagDeleteRetrievesFromDir = byte(5)
)

// readDeleteFifo feeds raw FIFO bytes to the manager loop. Opening the
// FIFO read-write keeps it from seeing EOF when the last writer leaves.
func (m *Manager) readDeleteFifo(out chan<- []byte) {
	path := filepath.Join(m.cfg.WorkDir, core.FifoDir, core.DeleteFifo)
	if err := syscall.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		log.Errorf("Failed to create delete FIFO %s: %v", path, err)
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.Errorf("Failed to open delete FIFO %s: %v", path, err)
		return
	}
	defer f.Close()
	for {
		buf := make([]byte, core.PipeBuf)
		n, err := f.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-m.stop:
				return
			}
		}
		if err != nil {
			log.Infof("Delete FIFO reader stopping: %v", err)
			return
		}
	}
}

// handleDeleteCommands consumes complete commands from the accumulated
// stream, keeping any trailing partial command for the next read.
func (m *Manager) handleDeleteCommands(chunk []byte) {
	m.delBuf = append(m.delBuf, chunk...)
	for len(m.delBuf) >= 2 {
		nul := bytes.IndexByte(m.delBuf[1:], 0)
		if nul < 0 {
			return
		}
		tag := m.delBuf[0]
		arg := string(m.delBuf[1 : 1+nul])
		m.delBuf = m.delBuf[:copy(m.delBuf, m.delBuf[2+nul:])]
		m.dispatchDelete(tag, arg)
	}
}

func (m *Manager) dispatchDelete(tag byte, arg string) {
	metricDeleteCommands.WithLabelValues(strconv.Itoa(int(tag))).Inc()
	switch tag {
	case TagDeleteAllJobsFromHost:
		m.deleteAllJobsFromHost(arg)
	case TagDeleteMessage:
		m.deleteMessage(arg)
	case TagDeleteSingleFile:
		m.deleteSingleFile(arg)
	case TagDeleteRetrieve:
		m.deleteRetrieve(arg)
	case TagDeleteRetrievesFromDir:
		m.deleteRetrievesFromDir(arg)
	default:
		log.Errorf("Unknown delete FIFO command tag %d (arg %q)", tag, arg)
	}
}

// stopEntryWorker kills and reaps the worker of QB entry i, if one runs,
// and frees its connection slot.
func (m *Manager) stopEntryWorker(i, hostPos int) {
	e := m.qb.Entry(i)
	pid := e.Pid()
	if pid <= 0 {
		return
	}
	m.killWorker(pid)
	m.removeConnection(hostPos, int(e.ConnectPos()))
	e.SetConnectPos(-1)
	e.SetPid(core.QueueRemoved)
}

func (m *Manager) deleteAllJobsFromHost(alias string) {
	hostPos := m.fsa.PosByAlias(alias)
	if hostPos == -1 {
		log.Errorf("Delete for unknown host %s ignored", alias)
		return
	}
	row := m.fsa.Row(hostPos)
	for i := m.qb.Count() - 1; i >= 0; i-- {
		e := m.qb.Entry(i)
		if e.IsFetch() || m.hostPosFor(e) != hostPos {
			continue
		}
		m.stopEntryWorker(i, hostPos)
		m.qb.Remove(i)
	}
	row.ZeroQueued()
	row.SetJobsQueued(0)
	row.ClearErrors()
	row.LockHS()
	row.SetHostStatus(row.HostStatus() &^ (status.HostInErrorQueue | status.HostError | status.HostAutoPauseQueue))
	row.UnlockHS()
	log.Infof("Deleted all jobs for host %s", alias)
}

func (m *Manager) deleteMessage(msgName string) {
	i := m.qb.PosByMsgName(msgName)
	if i == -1 {
		log.V(1).Infof("Delete for unqueued message %s ignored", msgName)
		return
	}
	e := m.qb.Entry(i)
	hostPos := m.hostPosFor(e)
	m.stopEntryWorker(i, hostPos)
	// A worker that already ran has uncharged part of the totals; count
	// what is still staged before the files go.
	files, size := m.remainingWork(e)
	if hostPos >= 0 && !e.IsFetch() {
		m.fsa.Row(hostPos).SubtractQueued(files, size)
	}
	if err := os.RemoveAll(filepath.Join(m.cfg.WorkDir, core.FileDir, msgName)); err != nil {
		log.Errorf("Failed to remove files of %s: %v", msgName, err)
	}
	m.dropEntry(i, hostPos, false)
	log.Infof("Deleted message %s", msgName)
}

func (m *Manager) deleteSingleFile(arg string) {
	name, file, err := core.ParseMsgName(arg)
	if err != nil || file == "" {
		log.Errorf("Malformed single-file delete argument %q skipped: %v", arg, err)
		return
	}
	msgName := strings.TrimSuffix(arg, "/"+file)
	i := m.qb.PosByMsgName(msgName)
	if i == -1 {
		// The message may have completed between the operator's click
		// and the command's arrival. Nothing left to delete.
		log.V(1).Infof("Single-file delete for gone message %s", msgName)
		return
	}
	e := m.qb.Entry(i)
	if e.Pid() != core.QueuePending {
		log.Warningf("Message %s already taken by worker %d, not deleting %s", msgName, e.Pid(), file)
		return
	}
	path := filepath.Join(m.cfg.WorkDir, core.FileDir, msgName, file)
	fi, err := os.Stat(path)
	if err != nil {
		log.V(1).Infof("Single-file delete: %s already gone: %v", path, err)
		return
	}
	size := fi.Size()
	if err = os.Remove(path); err != nil {
		log.Errorf("Failed to unlink %s: %v", path, err)
		return
	}

	hostPos := m.hostPosFor(e)
	host := ""
	if hostPos >= 0 {
		row := m.fsa.Row(hostPos)
		row.SubtractQueued(1, size)
		host = row.HostAlias()
	}
	e.SetFilesToSend(e.FilesToSend() - 1)
	e.SetFileSizeToSend(e.FileSizeToSend() - size)

	m.emitDelete(&dlog.DeleteRecord{
		FileSize:        size,
		InputTime:       name.CreationTime,
		JobID:           name.JobID,
		DirID:           name.DirID,
		SplitJobCounter: name.SplitJobCounter,
		UniqueNumber:    name.UniqueNumber,
		Reason:          dlog.ReasonUserDel,
		HostName:        host,
		FileName:        file,
	})
	if e.FilesToSend() <= 0 {
		m.dropEntry(i, hostPos, false)
	}
}

func (m *Manager) deleteRetrieve(arg string) {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		log.Errorf("Malformed retrieve delete argument %q", arg)
		return
	}
	msgNumber, err1 := strconv.ParseFloat(fields[0], 64)
	fraPos, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || fraPos < 0 || fraPos >= m.fra.Count() {
		log.Errorf("Malformed retrieve delete argument %q", arg)
		return
	}
	for i := 0; i < m.qb.Count(); i++ {
		e := m.qb.Entry(i)
		if !e.IsFetch() || int(e.Pos()) != fraPos || e.MsgNumber() != msgNumber {
			continue
		}
		m.removeRetrieveEntry(i, fraPos)
		return
	}
	log.V(1).Infof("Retrieve delete: no entry %g for directory %d", msgNumber, fraPos)
}

func (m *Manager) deleteRetrievesFromDir(alias string) {
	fraPos := m.fra.PosByAlias(alias)
	if fraPos == -1 {
		log.Errorf("Retrieve delete for unknown directory %s ignored", alias)
		return
	}
	for i := m.qb.Count() - 1; i >= 0; i-- {
		e := m.qb.Entry(i)
		if e.IsFetch() && int(e.Pos()) == fraPos {
			m.removeRetrieveEntry(i, fraPos)
		}
	}
}

func (m *Manager) removeRetrieveEntry(i, fraPos int) {
	e := m.qb.Entry(i)
	hostPos := m.hostPosFor(e)
	m.stopEntryWorker(i, hostPos)
	m.dropEntry(i, hostPos, true)

	fra := m.fra.Row(fraPos)
	if ec := fra.ErrorCounter(); ec > 0 {
		fra.SetErrorCounter(0)
		if fra.DirFlag()&status.DirErrorSet != 0 {
			fra.SetDirFlag(fra.DirFlag() &^ status.DirErrorSet)
			m.publishEvent(ClassExt, ActionErrorEnd, fra.DirAlias())
		}
	}
}

// emitDelete sends one record down the delete-log FIFO, opening it lazily.
func (m *Manager) emitDelete(rec *dlog.DeleteRecord) {
	if m.delFifo == nil {
		path := filepath.Join(m.cfg.WorkDir, core.FifoDir, core.DeleteLogFifo)
		if err := syscall.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
			log.Errorf("Failed to create delete log FIFO %s: %v", path, err)
			return
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			log.Errorf("Failed to open delete log FIFO %s: %v", path, err)
			return
		}
		m.delFifo = f
	}
	if err := dlog.WriteDelete(m.delFifo, m.cfg.WorkDir, rec); err != nil {
		log.Errorf("Failed to write delete log record for %s: %v", rec.FileName, err)
	}
}
