// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package retrlist keeps the per-directory catalog of remote files, the
// basis for deciding what a get worker still has to fetch. The catalog is
// a memory-mapped array of fixed entries so that it survives restarts; in
// stupid or remove mode the directory keeps no state between passes and
// the catalog lives in ordinary memory with the same layout.

package retrlist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// Entry field offsets, part of the on-disk format for
// core.CurrentRetrieveListVersion.
const (
	entFileName  = 0 // [core.MaxFilenameLength]byte
	entRetrieved = 256
	entInList    = 257
	entAssigned  = 258 // job_no + 1, 0 when unowned
	entSize      = 264
	entMtime     = 272
	entGotDate   = 280

	// EntrySize is the byte size of one catalog entry.
	EntrySize = 288
)

// Header bytes past the common mmbuf fields.
const hdrCreateTime = 16

// Previous format (version 1): 32-bit size and a YYYYMMDDHHMMSS date
// string instead of a 64-bit mtime.
const (
	v1Size      = 260
	v1Date      = 264
	v1DateLen   = 16
	v1EntrySize = 280
)

// An Entry is a typed view of one catalog slot.
type Entry struct {
	b []byte
}

// FileName returns the remote file name.
func (e Entry) FileName() string { return mmbuf.Str(e.b, entFileName, core.MaxFilenameLength) }

// SetFileName stores the remote file name.
func (e Entry) SetFileName(s string) { mmbuf.PutStr(e.b, entFileName, core.MaxFilenameLength, s) }

// Retrieved reports whether a worker has downloaded this file.
func (e Entry) Retrieved() bool { return e.b[entRetrieved] != 0 }

// SetRetrieved marks the file downloaded or not.
func (e Entry) SetRetrieved(v bool) { e.b[entRetrieved] = boolByte(v) }

// InList reports whether the file was seen in the latest listing pass.
func (e Entry) InList() bool { return e.b[entInList] != 0 }

// SetInList marks the file as (not) present in the latest listing.
func (e Entry) SetInList(v bool) { e.b[entInList] = boolByte(v) }

// Assigned returns the job number of the worker that owns the entry, -1
// when unowned.
func (e Entry) Assigned() int {
	return int(e.b[entAssigned]) - 1
}

// SetAssigned records the owning job number, -1 to release.
func (e Entry) SetAssigned(jobNo int) { e.b[entAssigned] = byte(jobNo + 1) }

// Size is the remote file size from the listing.
func (e Entry) Size() int64 { return mmbuf.Int64(e.b, entSize) }

// SetSize stores the remote file size.
func (e Entry) SetSize(v int64) { mmbuf.PutInt64(e.b, entSize, v) }

// Mtime is the remote file's modification time.
func (e Entry) Mtime() int64 { return mmbuf.Int64(e.b, entMtime) }

// SetMtime stores the remote modification time.
func (e Entry) SetMtime(v int64) { mmbuf.PutInt64(e.b, entMtime, v) }

// GotDate is when the entry was first listed.
func (e Entry) GotDate() int64 { return mmbuf.Int64(e.b, entGotDate) }

// SetGotDate stores the first-listed time.
func (e Entry) SetGotDate(v int64) { mmbuf.PutInt64(e.b, entGotDate, v) }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// A List is the catalog for one source directory. Not safe for concurrent
// use; only the get worker that holds the directory touches it.
type List struct {
	area *mmbuf.Area // nil in in-memory mode

	mem   []byte
	count int
}

// Path returns where the catalog for the given retrieve list alias lives.
func Path(workDir, alias string) string {
	return filepath.Join(workDir, core.FileDir, "ls_data", alias)
}

// Attach opens the catalog at path, creating it sized for one step when
// create is set and it does not exist. A version mismatch triggers a
// format migration before the open. With inMemory set the file is not
// touched at all and an empty in-memory catalog is returned.
func Attach(path string, create, inMemory bool) (*List, error) {
	if inMemory {
		return &List{mem: make([]byte, core.RetrieveListStep*EntrySize)}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil && !os.IsExist(err) {
		return nil, err
	}

	area, err := mmbuf.Open(path, core.CurrentRetrieveListVersion, core.AreaHeaderSize, EntrySize)
	if err == mmbuf.ErrWrongFile {
		if err = migrate(path); err != nil {
			return nil, err
		}
		area, err = mmbuf.Open(path, core.CurrentRetrieveListVersion, core.AreaHeaderSize, EntrySize)
	}
	if err != nil {
		if !os.IsNotExist(err) || !create {
			return nil, err
		}
		area, err = mmbuf.Create(path, core.CurrentRetrieveListVersion,
			core.AreaHeaderSize, EntrySize, core.RetrieveListStep)
		if err != nil {
			return nil, err
		}
		mmbuf.PutInt64(area.Header(), hdrCreateTime, time.Now().Unix())
	}
	return &List{area: area}, nil
}

// migrate rewrites an old-format catalog in the current format and renames
// it into place. Unknown versions are not worth guessing at; the catalog
// is a cache of the remote listing and is simply rebuilt from scratch.
func migrate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	hdr := make([]byte, core.AreaHeaderSize)
	if _, err = f.ReadAt(hdr, 0); err != nil {
		return err
	}
	version := hdr[11]
	count := int(mmbuf.Int32(hdr, 0))

	if version != 1 {
		log.Warningf("Retrieve list %s has unsupported version %d, starting over", path, version)
		return os.Remove(path)
	}
	log.Infof("Migrating retrieve list %s from version %d to %d (%d entries)",
		path, version, core.CurrentRetrieveListVersion, count)

	rows := count
	if r := ((count + core.RetrieveListStep - 1) / core.RetrieveListStep) * core.RetrieveListStep; r > rows {
		rows = r
	}
	if rows == 0 {
		rows = core.RetrieveListStep
	}
	tmp := path + ".new"
	area, err := mmbuf.Create(tmp, core.CurrentRetrieveListVersion, core.AreaHeaderSize, EntrySize, rows)
	if err != nil {
		return err
	}
	mmbuf.PutInt64(area.Header(), hdrCreateTime, mmbuf.Int64(hdr, hdrCreateTime))
	area.SetCount(int32(count))

	old := make([]byte, v1EntrySize)
	for i := 0; i < count; i++ {
		if _, err = f.ReadAt(old, int64(core.AreaHeaderSize+i*v1EntrySize)); err != nil {
			area.Close()
			os.Remove(tmp)
			return fmt.Errorf("retrlist: reading old entry %d of %s: %v", i, path, err)
		}
		e := Entry{b: area.Row(i)}
		e.SetFileName(mmbuf.Str(old, entFileName, core.MaxFilenameLength))
		e.SetRetrieved(old[entRetrieved] != 0)
		e.SetInList(old[entInList] != 0)
		e.b[entAssigned] = old[entAssigned]
		e.SetSize(int64(mmbuf.Int32(old, v1Size)))
		var mtime int64
		if s := mmbuf.Str(old, v1Date, v1DateLen); s != "" {
			t, perr := time.ParseInLocation("20060102150405", s, time.Local)
			if perr != nil {
				log.Warningf("Retrieve list %s entry %d has bad date %q, keeping mtime 0", path, i, s)
			} else {
				mtime = t.Unix()
			}
		}
		e.SetMtime(mtime)
		e.SetGotDate(mtime)
	}
	if err = area.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Count returns the number of entries in use.
func (l *List) Count() int {
	if l.area != nil {
		return int(l.area.Count())
	}
	return l.count
}

// Entry returns a typed view of entry i.
func (l *List) Entry(i int) Entry {
	if l.area != nil {
		return Entry{b: l.area.Row(i)}
	}
	off := i * EntrySize
	return Entry{b: l.mem[off : off+EntrySize : off+EntrySize]}
}

// CreateTime is when the backing file was first created, 0 in memory mode.
func (l *List) CreateTime() int64 {
	if l.area == nil {
		return 0
	}
	return mmbuf.Int64(l.area.Header(), hdrCreateTime)
}

// Position finds the entry index for a file name, -1 if absent.
func (l *List) Position(name string) int {
	for i := 0; i < l.Count(); i++ {
		if l.Entry(i).FileName() == name {
			return i
		}
	}
	return -1
}

// Add appends a fresh entry for name and returns it, growing the backing
// store by another step when the current one is full.
func (l *List) Add(name string) (Entry, error) {
	n := l.Count()
	if l.area != nil {
		if n == l.area.Rows() {
			if err := l.area.Resize(n + core.RetrieveListStep); err != nil {
				return Entry{}, err
			}
		}
		l.area.SetCount(int32(n + 1))
	} else {
		if (n+1)*EntrySize > len(l.mem) {
			l.mem = append(l.mem, make([]byte, core.RetrieveListStep*EntrySize)...)
		}
		l.count = n + 1
	}
	e := l.Entry(n)
	for i := range e.b {
		e.b[i] = 0
	}
	e.SetFileName(name)
	e.SetAssigned(-1)
	return e, nil
}

// BeginPass clears in_list on every entry. The lister then sets it back on
// each file still visible remotely.
func (l *List) BeginPass() {
	for i := 0; i < l.Count(); i++ {
		l.Entry(i).SetInList(false)
	}
}

// AgeOut drops entries the latest pass did not see, compacting the array,
// and returns how many were dropped. Entries still assigned to a worker
// are kept even when gone remotely; the worker will release them.
func (l *List) AgeOut() int {
	n := l.Count()
	w := 0
	for r := 0; r < n; r++ {
		e := l.Entry(r)
		if !e.InList() && e.Assigned() == -1 {
			continue
		}
		if w != r {
			copy(l.Entry(w).b, e.b)
		}
		w++
	}
	l.setCount(w)
	return n - w
}

// Reset shrinks the catalog to a single step and forgets all entries.
func (l *List) Reset() error {
	if l.area != nil {
		if err := l.area.Resize(core.RetrieveListStep); err != nil {
			return err
		}
		l.area.SetCount(0)
		return nil
	}
	l.mem = make([]byte, core.RetrieveListStep*EntrySize)
	l.count = 0
	return nil
}

func (l *List) setCount(n int) {
	if l.area != nil {
		l.area.SetCount(int32(n))
	} else {
		l.count = n
	}
}

// Detach unmaps the catalog, unlinking the backing file when remove is
// set. In memory mode both are no-ops.
func (l *List) Detach(remove bool) error {
	if l.area == nil {
		l.mem = nil
		l.count = 0
		return nil
	}
	path := l.area.Name()
	err := l.area.Close()
	l.area = nil
	if remove {
		if rmErr := os.Remove(path); err == nil {
			err = rmErr
		}
	}
	return err
}
