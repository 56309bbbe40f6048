// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// QB entry field offsets, part of the on-disk format for
// core.CurrentQBVersion.
const (
	qbMsgName        = 0 // [core.MaxMsgNameLength]byte
	qbMsgNumber      = 128 // float64 priority key
	qbCreationTime   = 136
	qbPos            = 144 // MDB position, FRA position for fetch jobs
	qbConnectPos     = 148 // FSA job slot while running, -1 otherwise
	qbPid            = 152 // worker pid, QueuePending or QueueRemoved
	qbRetries        = 156
	qbFilesToSend    = 160
	qbFileSizeToSend = 168
	qbSpecialFlag    = 176

	// QBEntrySize is the byte size of one queue buffer entry.
	QBEntrySize = 184
)

// A QBEntry is a typed view of one queued job.
type QBEntry struct {
	b []byte
}

// MsgName is the structured message name of the job.
func (e QBEntry) MsgName() string { return mmbuf.Str(e.b, qbMsgName, core.MaxMsgNameLength) }

// SetMsgName stores the message name.
func (e QBEntry) SetMsgName(s string) { mmbuf.PutStr(e.b, qbMsgName, core.MaxMsgNameLength, s) }

// MsgNumber is the floating-point priority key the queue is ordered by.
func (e QBEntry) MsgNumber() float64 { return mmbuf.Float64(e.b, qbMsgNumber) }

// SetMsgNumber stores the priority key.
func (e QBEntry) SetMsgNumber(v float64) { mmbuf.PutFloat64(e.b, qbMsgNumber, v) }

// CreationTime is when the job entered the queue.
func (e QBEntry) CreationTime() int64 { return mmbuf.Int64(e.b, qbCreationTime) }

// SetCreationTime stores the enqueue time.
func (e QBEntry) SetCreationTime(v int64) { mmbuf.PutInt64(e.b, qbCreationTime, v) }

// Pos indexes the MDB for send jobs and the FRA for fetch jobs.
func (e QBEntry) Pos() int32 { return mmbuf.Int32(e.b, qbPos) }

// SetPos stores the MDB or FRA position.
func (e QBEntry) SetPos(v int32) { mmbuf.PutInt32(e.b, qbPos, v) }

// ConnectPos is the FSA job slot of the running worker, -1 when not
// running.
func (e QBEntry) ConnectPos() int32 { return mmbuf.Int32(e.b, qbConnectPos) }

// SetConnectPos stores the FSA job slot.
func (e QBEntry) SetConnectPos(v int32) { mmbuf.PutInt32(e.b, qbConnectPos, v) }

// Pid is the worker process id, core.QueuePending before a worker was
// forked and core.QueueRemoved for a dead entry awaiting compaction.
func (e QBEntry) Pid() int32 { return mmbuf.Int32(e.b, qbPid) }

// SetPid stores the worker pid or sentinel.
func (e QBEntry) SetPid(v int32) { mmbuf.PutInt32(e.b, qbPid, v) }

// Retries counts failed attempts of this job.
func (e QBEntry) Retries() uint32 { return mmbuf.Uint32(e.b, qbRetries) }

// SetRetries stores the retry count.
func (e QBEntry) SetRetries(v uint32) { mmbuf.PutUint32(e.b, qbRetries, v) }

// FilesToSend is how many files the job still covers.
func (e QBEntry) FilesToSend() int32 { return mmbuf.Int32(e.b, qbFilesToSend) }

// SetFilesToSend stores the remaining file count.
func (e QBEntry) SetFilesToSend(v int32) { mmbuf.PutInt32(e.b, qbFilesToSend, v) }

// FileSizeToSend is the byte sum of the remaining files.
func (e QBEntry) FileSizeToSend() int64 { return mmbuf.Int64(e.b, qbFileSizeToSend) }

// SetFileSizeToSend stores the remaining byte sum.
func (e QBEntry) SetFileSizeToSend(v int64) { mmbuf.PutInt64(e.b, qbFileSizeToSend, v) }

// SpecialFlag is the job kind bit set (core.FetchJob and friends).
func (e QBEntry) SpecialFlag() uint32 { return mmbuf.Uint32(e.b, qbSpecialFlag) }

// SetSpecialFlag stores the job kind bits.
func (e QBEntry) SetSpecialFlag(v uint32) { mmbuf.PutUint32(e.b, qbSpecialFlag, v) }

// IsFetch reports whether this is a retrieve job (Pos indexes the FRA).
func (e QBEntry) IsFetch() bool { return e.SpecialFlag()&core.FetchJob != 0 }

// A QB is the mapped queue buffer.
type QB struct {
	area *mmbuf.Area
}

func qbPath(workDir string) string {
	return filepath.Join(workDir, core.FifoDir, core.MsgQueueFile)
}

// AttachQB maps the queue buffer, creating an empty one when absent.
func AttachQB(workDir string) (*QB, error) {
	path := qbPath(workDir)
	area, err := mmbuf.Open(path, core.CurrentQBVersion, core.AreaHeaderSize, QBEntrySize)
	if os.IsNotExist(err) {
		area, err = mmbuf.Create(path, core.CurrentQBVersion, core.AreaHeaderSize,
			QBEntrySize, core.MsgQueBufSize)
	}
	if err != nil {
		return nil, err
	}
	return &QB{area: area}, nil
}

// Count returns no_msg_queued.
func (q *QB) Count() int { return int(q.area.Count()) }

// Entry returns a typed view of entry i.
func (q *QB) Entry(i int) QBEntry { return QBEntry{b: q.area.Row(i)} }

// Add appends a zeroed entry and returns it, growing the mapping by
// another block of core.MsgQueBufSize entries when full. Existing entries
// are untouched by the growth.
func (q *QB) Add() (QBEntry, error) {
	n := q.Count()
	if n == q.area.Rows() {
		if err := q.area.Resize(n + core.MsgQueBufSize); err != nil {
			return QBEntry{}, err
		}
	}
	q.area.SetCount(int32(n + 1))
	e := q.Entry(n)
	for i := range e.b {
		e.b[i] = 0
	}
	e.SetPid(core.QueuePending)
	e.SetConnectPos(-1)
	return e, nil
}

// Remove drops entry i, moving the tail down by one.
func (q *QB) Remove(i int) {
	n := q.Count()
	for j := i; j < n-1; j++ {
		copy(q.Entry(j).b, q.Entry(j+1).b)
	}
	q.area.SetCount(int32(n - 1))
}

// PosByMsgName finds the entry index for a message name, -1 when absent.
func (q *QB) PosByMsgName(name string) int {
	for i := 0; i < q.Count(); i++ {
		if q.Entry(i).MsgName() == name {
			return i
		}
	}
	return -1
}

// The ageing table biases the priority key by how long a job has waited
// and how often it failed, so old and much-retried jobs do not starve.
// Index is min(retries, len-1); the factor is subtracted per elapsed
// minute in the queue.
var ageingTable = [...]float64{0.0, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4}

// effectivePriority is the sort key used when picking the next pending
// job. Lower runs first.
func effectivePriority(e QBEntry, now int64) float64 {
	bias := 0.0
	if waited := now - e.CreationTime(); waited > 0 {
		idx := int(e.Retries())
		if idx >= len(ageingTable) {
			idx = len(ageingTable) - 1
		}
		bias = ageingTable[idx] * float64(waited) / 60.0
	}
	return e.MsgNumber() - bias
}

// PendingOrder returns the indices of all pending entries, best first.
func (q *QB) PendingOrder(now int64) []int {
	var idx []int
	for i := 0; i < q.Count(); i++ {
		if q.Entry(i).Pid() == core.QueuePending {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return effectivePriority(q.Entry(idx[a]), now) < effectivePriority(q.Entry(idx[b]), now)
	})
	return idx
}

// Detach unmaps the queue buffer. The file stays.
func (q *QB) Detach() error { return q.area.Close() }

func jobIDHex(jobID uint32) string {
	return fmt.Sprintf("%x", jobID)
}
