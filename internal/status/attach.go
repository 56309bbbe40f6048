// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package status

import (
	"path/filepath"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// An FSA is the fully mapped per-host status area. The queue manager holds
// one of these for its whole life; workers use AttachFSAPos instead and
// never see rows other than their own.
type FSA struct {
	area *mmbuf.Area

	// ID is the area id the mapping was attached under.
	ID int
}

func fsaPaths(workDir string) (idFile, prefix string) {
	dir := filepath.Join(workDir, core.FifoDir)
	return filepath.Join(dir, core.FSAIDFile), filepath.Join(dir, core.FSAStatFile)
}

// AttachFSA maps the current FSA read-write. The area id is read from the
// companion id file under its byte-0 lock, so an attach racing an area
// swap sees either the old or the new file, never a half-renamed one.
func AttachFSA(workDir string) (*FSA, error) {
	idFile, prefix := fsaPaths(workDir)
	id, err := mmbuf.ReadID(idFile)
	if err != nil {
		return nil, err
	}
	area, err := mmbuf.Open(mmbuf.AreaPath(prefix, id), core.CurrentFSAVersion, core.AreaHeaderSize, FSARowSize)
	if err != nil {
		return nil, err
	}
	return &FSA{area: area, ID: id}, nil
}

// CreateFSA creates a fresh FSA with one zeroed row per alias and points
// the id file at it. In production the system controller does this before
// the queue manager starts; tests use it directly.
func CreateFSA(workDir string, id int, aliases []string) (*FSA, error) {
	idFile, prefix := fsaPaths(workDir)
	area, err := mmbuf.Create(mmbuf.AreaPath(prefix, id), core.CurrentFSAVersion,
		core.AreaHeaderSize, FSARowSize, len(aliases))
	if err != nil {
		return nil, err
	}
	area.SetCount(int32(len(aliases)))
	f := &FSA{area: area, ID: id}
	for i, alias := range aliases {
		row := f.Row(i)
		row.SetHostAlias(alias)
		row.SetAllowedTransfers(1)
		row.SetMaxErrors(10)
		for j := 0; j < core.MaxParallelJobs; j++ {
			row.Job(j).ClearJob()
		}
	}
	if err = mmbuf.WriteID(idFile, id); err != nil {
		area.Close()
		return nil, err
	}
	return f, nil
}

// Count returns the number of hosts in the area.
func (f *FSA) Count() int {
	return int(f.area.Count())
}

// Row returns a typed view of row i.
func (f *FSA) Row(i int) FSARow {
	return FSARow{
		b: f.area.Row(i),
		l: rowLocker{f: f.area.File(), base: f.area.RowOffset(i)},
	}
}

// PosByAlias finds the row index of a host alias, -1 if absent.
func (f *FSA) PosByAlias(alias string) int {
	for i := 0; i < f.Count(); i++ {
		if f.Row(i).HostAlias() == alias {
			return i
		}
	}
	return -1
}

// PosByID finds the row index of a host id, -1 if absent.
func (f *FSA) PosByID(id uint32) int {
	for i := 0; i < f.Count(); i++ {
		if f.Row(i).HostID() == id {
			return i
		}
	}
	return -1
}

// Detach unmaps the area. The file stays.
func (f *FSA) Detach() error {
	return f.area.Close()
}

// An FSARowHandle is a single row mapped in isolation by a worker.
type FSARowHandle struct {
	view *mmbuf.RowView

	// Row is the typed view over the mapping.
	Row FSARow
}

// AttachFSAPos maps exactly one FSA row read-write. Workers are handed the
// area id and their row index on the command line; they must not scan.
func AttachFSAPos(workDir string, id, pos int) (*FSARowHandle, error) {
	_, prefix := fsaPaths(workDir)
	view, err := mmbuf.AttachPos(mmbuf.AreaPath(prefix, id), core.CurrentFSAVersion,
		core.AreaHeaderSize, FSARowSize, pos)
	if err != nil {
		return nil, err
	}
	return &FSARowHandle{
		view: view,
		Row: FSARow{
			b: view.Bytes(),
			l: rowLocker{f: view.File(), base: view.Base()},
		},
	}, nil
}

// Detach unmaps the row. The file stays.
func (h *FSARowHandle) Detach() error {
	return h.view.Detach()
}
