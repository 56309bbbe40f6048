// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package queue is the heart of the transmission engine: the message
// cache (MDB), the queue buffer (QB) and the manager process that admits
// jobs, forks workers, reaps them and serves the delete FIFO.

package queue

import (
	"os"
	"path/filepath"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/status"
	"github.com/openafd/afd/pkg/mmbuf"
)

// Protocol tags in an MDB entry.
const (
	TypeFTP  = byte(1)
	TypeSFTP = byte(2)
	TypeHTTP = byte(3)
	TypeSMTP = byte(4)
	TypeLoc  = byte(5)
	TypeExec = byte(6)
)

// MDB entry field offsets, part of the on-disk format for
// core.CurrentMDBVersion.
const (
	mdbHostName     = 0 // [hostAliasField]byte
	mdbFsaPos       = 40
	mdbJobID        = 44
	mdbAgeLimit     = 48
	mdbType         = 52
	mdbInCurrentFSA = 53
	mdbPort         = 56
	mdbMsgTime      = 64

	hostAliasField = core.MaxHostAliasLength + 8

	// MDBEntrySize is the byte size of one message cache entry.
	MDBEntrySize = 72
)

// An MDBEntry is a typed view of one message cache slot: everything the
// manager needs to know about a message on disk without re-reading it.
type MDBEntry struct {
	b []byte
}

// HostName is the alias of the destination host.
func (e MDBEntry) HostName() string { return mmbuf.Str(e.b, mdbHostName, hostAliasField) }

// SetHostName stores the destination host alias.
func (e MDBEntry) SetHostName(s string) { mmbuf.PutStr(e.b, mdbHostName, hostAliasField, s) }

// FsaPos is the FSA row the host had when the entry was cached, -1 when
// unresolved.
func (e MDBEntry) FsaPos() int32 { return mmbuf.Int32(e.b, mdbFsaPos) }

// SetFsaPos stores the cached FSA row index.
func (e MDBEntry) SetFsaPos(v int32) { mmbuf.PutInt32(e.b, mdbFsaPos, v) }

// JobID identifies the message file under <work>/msg.
func (e MDBEntry) JobID() uint32 { return mmbuf.Uint32(e.b, mdbJobID) }

// SetJobID stores the job id.
func (e MDBEntry) SetJobID(v uint32) { mmbuf.PutUint32(e.b, mdbJobID, v) }

// AgeLimit is the seconds a file may wait before it is dropped, 0 for
// none.
func (e MDBEntry) AgeLimit() uint32 { return mmbuf.Uint32(e.b, mdbAgeLimit) }

// SetAgeLimit stores the age limit.
func (e MDBEntry) SetAgeLimit(v uint32) { mmbuf.PutUint32(e.b, mdbAgeLimit, v) }

// Type is the protocol tag of the job.
func (e MDBEntry) Type() byte { return e.b[mdbType] }

// SetType stores the protocol tag.
func (e MDBEntry) SetType(v byte) { e.b[mdbType] = v }

// InCurrentFSA reports whether FsaPos still resolves to HostName.
func (e MDBEntry) InCurrentFSA() bool { return e.b[mdbInCurrentFSA] != 0 }

// SetInCurrentFSA marks the cached FSA position (in)valid.
func (e MDBEntry) SetInCurrentFSA(v bool) {
	if v {
		e.b[mdbInCurrentFSA] = 1
	} else {
		e.b[mdbInCurrentFSA] = 0
	}
}

// Port is the remote port, 0 for the protocol default.
func (e MDBEntry) Port() int32 { return mmbuf.Int32(e.b, mdbPort) }

// SetPort stores the remote port.
func (e MDBEntry) SetPort(v int32) { mmbuf.PutInt32(e.b, mdbPort, v) }

// MsgTime is the mtime of the message file when it was cached.
func (e MDBEntry) MsgTime() int64 { return mmbuf.Int64(e.b, mdbMsgTime) }

// SetMsgTime stores the cached message file mtime.
func (e MDBEntry) SetMsgTime(v int64) { mmbuf.PutInt64(e.b, mdbMsgTime, v) }

// An MDB is the mapped message cache.
type MDB struct {
	area *mmbuf.Area
}

func mdbPath(workDir string) string {
	return filepath.Join(workDir, core.FifoDir, core.MsgCacheFile)
}

// AttachMDB maps the message cache, creating an empty one when absent.
func AttachMDB(workDir string) (*MDB, error) {
	path := mdbPath(workDir)
	area, err := mmbuf.Open(path, core.CurrentMDBVersion, core.AreaHeaderSize, MDBEntrySize)
	if os.IsNotExist(err) {
		area, err = mmbuf.Create(path, core.CurrentMDBVersion, core.AreaHeaderSize,
			MDBEntrySize, core.MsgQueBufSize)
	}
	if err != nil {
		return nil, err
	}
	return &MDB{area: area}, nil
}

// Count returns the number of cached messages.
func (m *MDB) Count() int { return int(m.area.Count()) }

// Entry returns a typed view of entry i.
func (m *MDB) Entry(i int) MDBEntry { return MDBEntry{b: m.area.Row(i)} }

// LookupJob finds the cache position of a job id, -1 when absent.
func (m *MDB) LookupJob(jobID uint32) int {
	for i := 0; i < m.Count(); i++ {
		if m.Entry(i).JobID() == jobID {
			return i
		}
	}
	return -1
}

// Add appends an entry for a job and returns its position, growing the
// mapping by another block when full.
func (m *MDB) Add(jobID uint32, host string, typ byte, port int32, ageLimit uint32, msgTime int64) (int, error) {
	n := m.Count()
	if n == m.area.Rows() {
		if err := m.area.Resize(n + core.MsgQueBufSize); err != nil {
			return -1, err
		}
	}
	m.area.SetCount(int32(n + 1))
	e := m.Entry(n)
	for i := range e.b {
		e.b[i] = 0
	}
	e.SetJobID(jobID)
	e.SetHostName(host)
	e.SetType(typ)
	e.SetPort(port)
	e.SetAgeLimit(ageLimit)
	e.SetMsgTime(msgTime)
	e.SetFsaPos(-1)
	return n, nil
}

// Revalidate rebinds every entry's fsa_pos against the current FSA and
// refreshes in_current_fsa. Called after the FSA was rebuilt.
func (m *MDB) Revalidate(fsa *status.FSA) {
	for i := 0; i < m.Count(); i++ {
		e := m.Entry(i)
		pos := int32(fsa.PosByAlias(e.HostName()))
		e.SetFsaPos(pos)
		e.SetInCurrentFSA(pos >= 0)
	}
}

// Stale reports whether the message file of entry i changed on disk since
// it was cached.
func (m *MDB) Stale(workDir string, i int) bool {
	e := m.Entry(i)
	fi, err := os.Stat(filepath.Join(workDir, core.MsgDir, jobIDHex(e.JobID())))
	if err != nil {
		return true
	}
	return fi.ModTime().Unix() != e.MsgTime()
}

// Detach unmaps the cache. The file stays.
func (m *MDB) Detach() error { return m.area.Close() }
