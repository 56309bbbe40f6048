// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package status

import (
	"hash/crc32"
	"path/filepath"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// Bits of the dir_flag field of an FRA row.
const (
	DirErrorSet       = uint32(1) << 0
	DirDisabled       = uint32(1) << 1
	DirStupidMode     = uint32(1) << 2
	DirRemoveMode     = uint32(1) << 3
	DirDontParallel   = uint32(1) << 4 // DO_NOT_PARALLELIZE_ALL_FETCH
	DirTimeEntriesSet = uint32(1) << 5
)

// dir_status values.
const (
	DirNormal = byte(0)
	DirActive = byte(1)
	DirErrorState = byte(2)
)

// FRA row field offsets, part of the on-disk format for CurrentFRAVersion.
const (
	fraDirAlias        = 0 // [MaxDirAliasLength+8]byte
	fraLsDataAlias     = 40
	fraTimezone        = 80 // [32]byte
	fraDirID           = 112
	fraFsaPos          = 116
	fraErrorCounter    = 120
	fraDirFlag         = 124
	fraDirStatus       = 128
	fraQueued          = 132
	fraNextCheckTime   = 136
	fraStartEventHndl  = 144
	fraEndEventHndl    = 152
	fraNoOfTimeEntries = 160
	fraTimeEntries     = 168

	dirAliasField = core.MaxDirAliasLength + 8
	timezoneField = 32

	timeEntrySize = 24

	// FRARowSize is the byte size of one FRA row.
	FRARowSize = fraTimeEntries + core.MaxTimeEntries*timeEntrySize
)

// Time entry field offsets, relative to the entry. Each field is a bitmask
// of the calendar units the entry fires on, cron style.
const (
	teMinute     = 0 // uint64, bits 0..59
	teHour       = 8 // uint32, bits 0..23
	teDayOfMonth = 12 // uint32, bits 0..30 for days 1..31
	teMonth      = 16 // uint16, bits 0..11 for months 1..12
	teDayOfWeek  = 18 // byte, bits 0..6 for Sunday..Saturday
)

// DirID is the checksum a directory alias is keyed by.
func DirID(alias string) uint32 {
	return crc32.ChecksumIEEE([]byte(alias))
}

// An FRARow is a typed view of one per-directory retrieve status row.
type FRARow struct {
	b []byte
	l rowLocker
}

// DirAlias returns the alias of the source directory.
func (r FRARow) DirAlias() string { return mmbuf.Str(r.b, fraDirAlias, dirAliasField) }

// SetDirAlias stores the alias and its checksum.
func (r FRARow) SetDirAlias(alias string) {
	mmbuf.PutStr(r.b, fraDirAlias, dirAliasField, alias)
	mmbuf.PutUint32(r.b, fraDirID, DirID(alias))
}

// LsDataAlias names the retrieve list backing file for this directory,
// empty to use the dir alias itself.
func (r FRARow) LsDataAlias() string { return mmbuf.Str(r.b, fraLsDataAlias, dirAliasField) }

// SetLsDataAlias stores the retrieve list alias.
func (r FRARow) SetLsDataAlias(s string) { mmbuf.PutStr(r.b, fraLsDataAlias, dirAliasField, s) }

// Timezone is the zone the time entries are evaluated in, empty for local.
func (r FRARow) Timezone() string { return mmbuf.Str(r.b, fraTimezone, timezoneField) }

// SetTimezone stores the zone name.
func (r FRARow) SetTimezone(s string) { mmbuf.PutStr(r.b, fraTimezone, timezoneField, s) }

// DirID returns the checksum of the directory alias.
func (r FRARow) DirID() uint32 { return mmbuf.Uint32(r.b, fraDirID) }

// FsaPos is the FSA row index of the host files from this directory go to.
func (r FRARow) FsaPos() int32 { return mmbuf.Int32(r.b, fraFsaPos) }

// SetFsaPos stores the FSA row index.
func (r FRARow) SetFsaPos(v int32) { mmbuf.PutInt32(r.b, fraFsaPos, v) }

// ErrorCounter counts consecutive failed retrieves.
func (r FRARow) ErrorCounter() int32 { return mmbuf.Int32(r.b, fraErrorCounter) }

// SetErrorCounter stores the retrieve error counter.
func (r FRARow) SetErrorCounter(v int32) { mmbuf.PutInt32(r.b, fraErrorCounter, v) }

// DirFlag returns the directory flag word.
func (r FRARow) DirFlag() uint32 { return mmbuf.Uint32(r.b, fraDirFlag) }

// SetDirFlag stores the directory flag word.
func (r FRARow) SetDirFlag(v uint32) { mmbuf.PutUint32(r.b, fraDirFlag, v) }

// DirStatus returns the coarse directory state byte.
func (r FRARow) DirStatus() byte { return r.b[fraDirStatus] }

// SetDirStatus stores the coarse directory state byte.
func (r FRARow) SetDirStatus(v byte) { r.b[fraDirStatus] = v }

// Queued counts queue buffer entries fetching from this directory.
func (r FRARow) Queued() int32 { return mmbuf.Int32(r.b, fraQueued) }

// SetQueued stores the queued fetch count.
func (r FRARow) SetQueued(v int32) { mmbuf.PutInt32(r.b, fraQueued, v) }

// NextCheckTime is when the directory is due for its next listing.
func (r FRARow) NextCheckTime() int64 { return mmbuf.Int64(r.b, fraNextCheckTime) }

// SetNextCheckTime stores the next listing time.
func (r FRARow) SetNextCheckTime(t int64) { mmbuf.PutInt64(r.b, fraNextCheckTime, t) }

// StartEventHandle is the absolute time of the pending start event.
func (r FRARow) StartEventHandle() int64 { return mmbuf.Int64(r.b, fraStartEventHndl) }

// SetStartEventHandle stores the start event time.
func (r FRARow) SetStartEventHandle(t int64) { mmbuf.PutInt64(r.b, fraStartEventHndl, t) }

// EndEventHandle is the absolute time of the pending end event.
func (r FRARow) EndEventHandle() int64 { return mmbuf.Int64(r.b, fraEndEventHndl) }

// SetEndEventHandle stores the end event time.
func (r FRARow) SetEndEventHandle(t int64) { mmbuf.PutInt64(r.b, fraEndEventHndl, t) }

// NoOfTimeEntries is how many schedule slots are in use.
func (r FRARow) NoOfTimeEntries() int32 { return mmbuf.Int32(r.b, fraNoOfTimeEntries) }

// SetNoOfTimeEntries stores the used schedule slot count.
func (r FRARow) SetNoOfTimeEntries(v int32) { mmbuf.PutInt32(r.b, fraNoOfTimeEntries, v) }

// TimeEntry returns the i'th schedule slot.
func (r FRARow) TimeEntry(i int) TimeEntry {
	off := fraTimeEntries + i*timeEntrySize
	return TimeEntry{b: r.b[off : off+timeEntrySize : off+timeEntrySize]}
}

// A TimeEntry is one cron-like schedule slot: bitmasks per calendar unit.
type TimeEntry struct {
	b []byte
}

// Minute is the minute bitmask (bit n set: fires at minute n).
func (t TimeEntry) Minute() uint64 { return mmbuf.Uint64(t.b, teMinute) }

// SetMinute stores the minute bitmask.
func (t TimeEntry) SetMinute(v uint64) { mmbuf.PutUint64(t.b, teMinute, v) }

// Hour is the hour bitmask.
func (t TimeEntry) Hour() uint32 { return mmbuf.Uint32(t.b, teHour) }

// SetHour stores the hour bitmask.
func (t TimeEntry) SetHour(v uint32) { mmbuf.PutUint32(t.b, teHour, v) }

// DayOfMonth is the day-of-month bitmask (bit 0: the 1st).
func (t TimeEntry) DayOfMonth() uint32 { return mmbuf.Uint32(t.b, teDayOfMonth) }

// SetDayOfMonth stores the day-of-month bitmask.
func (t TimeEntry) SetDayOfMonth(v uint32) { mmbuf.PutUint32(t.b, teDayOfMonth, v) }

// Month is the month bitmask (bit 0: January).
func (t TimeEntry) Month() uint16 { return uint16(mmbuf.Uint32(t.b, teMonth) & 0xffff) }

// SetMonth stores the month bitmask.
func (t TimeEntry) SetMonth(v uint16) {
	t.b[teMonth] = byte(v)
	t.b[teMonth+1] = byte(v >> 8)
}

// DayOfWeek is the weekday bitmask (bit 0: Sunday).
func (t TimeEntry) DayOfWeek() byte { return t.b[teDayOfWeek] }

// SetDayOfWeek stores the weekday bitmask.
func (t TimeEntry) SetDayOfWeek(v byte) { t.b[teDayOfWeek] = v }

// An FRA is the fully mapped per-directory retrieve status area.
type FRA struct {
	area *mmbuf.Area

	// ID is the area id the mapping was attached under.
	ID int
}

func fraPaths(workDir string) (idFile, prefix string) {
	dir := filepath.Join(workDir, core.FifoDir)
	return filepath.Join(dir, core.FRAIDFile), filepath.Join(dir, core.FRAStatFile)
}

// AttachFRA maps the current FRA read-write.
func AttachFRA(workDir string) (*FRA, error) {
	idFile, prefix := fraPaths(workDir)
	id, err := mmbuf.ReadID(idFile)
	if err != nil {
		return nil, err
	}
	area, err := mmbuf.Open(mmbuf.AreaPath(prefix, id), core.CurrentFRAVersion, core.AreaHeaderSize, FRARowSize)
	if err != nil {
		return nil, err
	}
	return &FRA{area: area, ID: id}, nil
}

// CreateFRA creates a fresh FRA with one zeroed row per alias and points
// the id file at it.
func CreateFRA(workDir string, id int, aliases []string) (*FRA, error) {
	idFile, prefix := fraPaths(workDir)
	area, err := mmbuf.Create(mmbuf.AreaPath(prefix, id), core.CurrentFRAVersion,
		core.AreaHeaderSize, FRARowSize, len(aliases))
	if err != nil {
		return nil, err
	}
	area.SetCount(int32(len(aliases)))
	f := &FRA{area: area, ID: id}
	for i, alias := range aliases {
		row := f.Row(i)
		row.SetDirAlias(alias)
		row.SetFsaPos(-1)
	}
	if err = mmbuf.WriteID(idFile, id); err != nil {
		area.Close()
		return nil, err
	}
	return f, nil
}

// Count returns the number of directories in the area.
func (f *FRA) Count() int {
	return int(f.area.Count())
}

// Row returns a typed view of row i.
func (f *FRA) Row(i int) FRARow {
	return FRARow{
		b: f.area.Row(i),
		l: rowLocker{f: f.area.File(), base: f.area.RowOffset(i)},
	}
}

// PosByAlias finds the row index of a directory alias, -1 if absent.
func (f *FRA) PosByAlias(alias string) int {
	for i := 0; i < f.Count(); i++ {
		if f.Row(i).DirAlias() == alias {
			return i
		}
	}
	return -1
}

// Detach unmaps the area. The file stays.
func (f *FRA) Detach() error {
	return f.area.Close()
}

// An FRARowHandle is a single row mapped in isolation by a get worker.
type FRARowHandle struct {
	view *mmbuf.RowView

	// Row is the typed view over the mapping.
	Row FRARow
}

// AttachFRAPos maps exactly one FRA row read-write.
func AttachFRAPos(workDir string, id, pos int) (*FRARowHandle, error) {
	_, prefix := fraPaths(workDir)
	view, err := mmbuf.AttachPos(mmbuf.AreaPath(prefix, id), core.CurrentFRAVersion,
		core.AreaHeaderSize, FRARowSize, pos)
	if err != nil {
		return nil, err
	}
	return &FRARowHandle{
		view: view,
		Row: FRARow{
			b: view.Bytes(),
			l: rowLocker{f: view.File(), base: view.Base()},
		},
	}, nil
}

// Detach unmaps the row. The file stays.
func (h *FRARowHandle) Detach() error {
	return h.view.Detach()
}
