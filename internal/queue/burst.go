// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// BurstRequestFifo is the shared FIFO workers announce themselves on.
const BurstRequestFifo = "fd_wake_up.fifo"

// BurstReplyFifo names the per-worker FIFO the ack goes back on.
func BurstReplyFifo(pid int) string {
	return fmt.Sprintf("burst_ack.%d", pid)
}

// burstRequestSize is the wire size of one burst request:
// fsa_pos (i32) | pid (i32).
const burstRequestSize = 8

// EncodeBurstRequest packs a worker's burst request.
func EncodeBurstRequest(fsaPos, pid int32) []byte {
	b := make([]byte, burstRequestSize)
	mmbuf.PutInt32(b, 0, fsaPos)
	mmbuf.PutInt32(b, 4, pid)
	return b
}

// Burst ack field offsets. The manager answers a worker's "more work for
// this host?" question with one write of exactly BurstAckMsgLength bytes
// in native layout.
const (
	ackCreationTime = 0 // int64
	ackJobID        = 8
	ackSplitJob     = 12
	ackUniqueNum    = 16
	ackDirNo        = 20 // uint16

	// BurstAckMsgLength is the wire size of one burst ack.
	BurstAckMsgLength = 24
)

// A BurstAck names the next job a connected worker should take over.
type BurstAck struct {
	CreationTime    int64
	JobID           uint32
	SplitJobCounter uint32
	UniqueNumber    uint32
	DirNo           uint16
}

// Encode packs the ack into its wire form.
func (a *BurstAck) Encode() []byte {
	b := make([]byte, BurstAckMsgLength)
	mmbuf.PutInt64(b, ackCreationTime, a.CreationTime)
	mmbuf.PutUint32(b, ackJobID, a.JobID)
	mmbuf.PutUint32(b, ackSplitJob, a.SplitJobCounter)
	mmbuf.PutUint32(b, ackUniqueNum, a.UniqueNumber)
	b[ackDirNo] = byte(a.DirNo)
	b[ackDirNo+1] = byte(a.DirNo >> 8)
	return b
}

// DecodeBurstAck unpacks a burst ack from its wire form.
func DecodeBurstAck(b []byte) (*BurstAck, error) {
	if len(b) != BurstAckMsgLength {
		return nil, fmt.Errorf("queue: burst ack is %d bytes, want %d", len(b), BurstAckMsgLength)
	}
	return &BurstAck{
		CreationTime:    mmbuf.Int64(b, ackCreationTime),
		JobID:           mmbuf.Uint32(b, ackJobID),
		SplitJobCounter: mmbuf.Uint32(b, ackSplitJob),
		UniqueNumber:    mmbuf.Uint32(b, ackUniqueNum),
		DirNo:           uint16(b[ackDirNo]) | uint16(b[ackDirNo+1])<<8,
	}, nil
}

// readBurstFifo feeds worker burst requests to the manager loop.
func (m *Manager) readBurstFifo(out chan<- [2]int32) {
	path := filepath.Join(m.cfg.WorkDir, core.FifoDir, BurstRequestFifo)
	if err := syscall.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		log.Errorf("Failed to create burst FIFO %s: %v", path, err)
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.Errorf("Failed to open burst FIFO %s: %v", path, err)
		return
	}
	defer f.Close()
	var residual []byte
	for {
		buf := make([]byte, core.PipeBuf)
		n, err := f.Read(buf)
		if n > 0 {
			residual = append(residual, buf[:n]...)
			for len(residual) >= burstRequestSize {
				req := [2]int32{mmbuf.Int32(residual, 0), mmbuf.Int32(residual, 4)}
				residual = residual[:copy(residual, residual[burstRequestSize:])]
				select {
				case out <- req:
				case <-m.stop:
					return
				}
			}
		}
		if err != nil {
			log.Infof("Burst FIFO reader stopping: %v", err)
			return
		}
	}
}

// handleBurstRequest answers one worker's request. A pending job for the
// worker's host is handed over; otherwise an empty ack tells it to
// disconnect.
func (m *Manager) handleBurstRequest(fsaPos, pid int32) {
	ack, ok := m.NextJobForHost(int(fsaPos), pid)
	if !ok {
		ack = &BurstAck{}
	}
	path := filepath.Join(m.cfg.WorkDir, core.FifoDir, BurstReplyFifo(int(pid)))
	// The worker opens its read side right after sending the request;
	// give it a moment before treating it as gone.
	var f *os.File
	var err error
	for try := 0; try < 20; try++ {
		f, err = os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		log.V(1).Infof("Worker %d went away before the burst reply: %v", pid, err)
		return
	}
	defer f.Close()
	if _, err = f.Write(ack.Encode()); err != nil {
		log.Warningf("Failed to write burst ack to worker %d: %v", pid, err)
	}
}

// NextJobForHost hands a finished but still connected worker its next
// pending job for the same host, if any. A worker only asks after a
// clean run, so the entry it held is settled here and the chosen entry
// inherits the pid and connection slot; the admission loop will not
// start a second worker for it. At most one QB entry is bound to a pid
// at any time.
func (m *Manager) NextJobForHost(fsaPos int, pid int32) (*BurstAck, bool) {
	now := m.now().Unix()
	for _, i := range m.qb.PendingOrder(now) {
		e := m.qb.Entry(i)
		if e.IsFetch() {
			continue
		}
		pos := int(e.Pos())
		if pos < 0 || pos >= m.mdb.Count() {
			continue
		}
		md := m.mdb.Entry(pos)
		if !md.InCurrentFSA() || int(md.FsaPos()) != fsaPos {
			continue
		}
		name, _, err := core.ParseMsgName(e.MsgName())
		if err != nil {
			continue
		}

		connectPos := int32(-1)
		for prev := 0; prev < m.qb.Count(); prev++ {
			pe := m.qb.Entry(prev)
			if pe.Pid() != pid {
				continue
			}
			connectPos = pe.ConnectPos()
			m.dropEntry(prev, m.hostPosFor(pe), false)
			if prev < i {
				i--
			}
			break
		}

		e = m.qb.Entry(i)
		e.SetPid(pid)
		e.SetConnectPos(connectPos)
		return &BurstAck{
			CreationTime:    name.CreationTime,
			JobID:           name.JobID,
			SplitJobCounter: name.SplitJobCounter,
			UniqueNumber:    name.UniqueNumber,
			DirNo:           0,
		}, true
	}
	return nil, false
}
