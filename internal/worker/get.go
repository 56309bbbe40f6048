// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/retrlist"
	"github.com/openafd/afd/internal/status"
)

// A RemoteFile is one entry of a remote directory listing.
type RemoteFile struct {
	Name  string
	Size  int64
	Mtime int64
}

// A GetTransport is the protocol client a get worker pulls files
// through.
type GetTransport interface {
	Connect() core.Error
	List() ([]RemoteFile, core.Error)
	FetchFile(remoteName, localPath string, pace func(int64)) (int64, core.Error)
	Close() core.Error
}

// Getter is the retrieve side: list the remote directory, reconcile the
// retrieve list, fetch what is new.
type Getter struct {
	Job       *Job
	Transport GetTransport
}

// Run performs one full retrieve pass for the job's directory.
func (g *Getter) Run() core.Error {
	j := g.Job
	fra := j.fraHandle.Row
	slot := j.Slot()
	slot.SetConnectStatus(status.Connecting)
	slot.SetUniqueName(fmt.Sprintf("%x", fra.DirID()))

	alias := fra.LsDataAlias()
	if alias == "" {
		alias = fra.DirAlias()
	}
	inMemory := fra.DirFlag()&(status.DirStupidMode|status.DirRemoveMode) != 0
	list, err := retrlist.Attach(retrlist.Path(j.WorkDir, alias), true, inMemory)
	if err != nil {
		j.TransLog(SignError, "Cannot attach retrieve list for %s: %v", alias, err)
		return g.fail(core.ErrOpenLocal)
	}
	defer list.Detach(false)

	if ce := g.Transport.Connect(); ce != core.NoError {
		ce = core.EvalTimeout(ce, j.TimeoutFlag)
		j.TransLog(SignError, "Failed to connect: %v", ce.String())
		return g.fail(ce)
	}
	defer g.Transport.Close()
	slot.SetConnectStatus(status.TransferActive)
	fra.SetDirStatus(status.DirActive)
	defer fra.SetDirStatus(status.DirNormal)

	remote, ce := g.Transport.List()
	if ce != core.NoError {
		ce = core.EvalTimeout(core.ErrList, j.TimeoutFlag)
		j.TransLog(SignError, "Failed to list remote directory: %v", ce.String())
		return g.fail(ce)
	}

	list.BeginPass()
	for _, rf := range remote {
		i := list.Position(rf.Name)
		if i == -1 {
			e, err := list.Add(rf.Name)
			if err != nil {
				j.TransLog(SignError, "Cannot grow retrieve list: %v", err)
				return g.fail(core.ErrWriteLocal)
			}
			e.SetGotDate(nowUnix())
			e.SetSize(rf.Size)
			e.SetMtime(rf.Mtime)
			e.SetInList(true)
			continue
		}
		e := list.Entry(i)
		e.SetInList(true)
		if e.Mtime() != rf.Mtime || e.Size() != rf.Size {
			// Changed since we last saw it, fetch it again.
			e.SetRetrieved(false)
			e.SetSize(rf.Size)
			e.SetMtime(rf.Mtime)
		}
	}
	if n := list.AgeOut(); n > 0 {
		j.TransLog(SignDebug, "Aged out %d entries of %s", n, alias)
	}

	dest := filepath.Join(j.WorkDir, core.FileDir, "incoming", alias)
	if err = os.MkdirAll(dest, j.DirMode); err != nil && !os.IsExist(err) {
		j.TransLog(SignError, "Cannot create %s: %v", dest, err)
		return g.fail(core.ErrMkdir)
	}

	var gotFiles int32
	var gotBytes int64
	for i := 0; i < list.Count(); i++ {
		e := list.Entry(i)
		if e.Retrieved() || !e.InList() || e.Assigned() != -1 {
			continue
		}
		e.SetAssigned(j.JobNo)
		name := e.FileName()
		slot.SetFileNameInUse(name)
		slot.SetFileSizeInUse(e.Size())
		got, ce := g.Transport.FetchFile(name, filepath.Join(dest, name), func(n int64) {
			slot.SetFileSizeInUseDone(slot.FileSizeInUseDone() + n)
			j.Limiter.Limit(n)
		})
		e.SetAssigned(-1)
		if ce != core.NoError {
			ce = core.EvalTimeout(ce, j.TimeoutFlag)
			j.TransLog(SignError, "Failed to retrieve %s after %d bytes: %v", name, got, ce.String())
			return g.fail(ce)
		}
		e.SetRetrieved(true)
		gotFiles++
		gotBytes += got
		j.Row.AddFileCounterDone(1)
		j.Row.AddBytesSend(uint64(got))
		slot.SetNoOfFilesDone(slot.NoOfFilesDone() + 1)
		slot.SetFileSizeDone(slot.FileSizeDone() + got)
		slot.SetFileSizeInUse(0)
		slot.SetFileSizeInUseDone(0)
		slot.SetFileNameInUse("")
	}

	// A clean pass clears the directory's error state.
	if fra.ErrorCounter() > 0 {
		fra.SetErrorCounter(0)
		fra.SetDirFlag(fra.DirFlag() &^ status.DirErrorSet)
	}
	if gotFiles > 0 {
		j.TransLog(SignInfo, "Retrieved %d file(s), %d bytes", gotFiles, gotBytes)
	}
	if inMemory && fra.DirFlag()&status.DirRemoveMode != 0 {
		list.Reset()
	}
	return core.NoError
}

// fail records one more failed pass on the directory.
func (g *Getter) fail(ce core.Error) core.Error {
	fra := g.Job.fraHandle.Row
	fra.SetErrorCounter(fra.ErrorCounter() + 1)
	fra.SetDirFlag(fra.DirFlag() | status.DirErrorSet)
	fra.SetDirStatus(status.DirErrorState)
	g.Job.Slot().SetConnectStatus(status.NotWorking)
	return ce
}
