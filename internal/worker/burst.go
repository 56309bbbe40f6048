// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/queue"
)

// AskBurst asks the queue manager for another job on the same host
// before the connection is torn down. The worker announces itself on the
// shared burst FIFO and reads the reply from its own per-pid FIFO. No
// reply, or an empty one, means disconnect.
func AskBurst(j *Job) (*queue.BurstAck, bool) {
	pid := os.Getpid()
	replyPath := filepath.Join(j.WorkDir, core.FifoDir, queue.BurstReplyFifo(pid))
	if err := syscall.Mkfifo(replyPath, 0600); err != nil && !os.IsExist(err) {
		log.V(1).Infof("Cannot create burst reply FIFO: %v", err)
		return nil, false
	}
	defer os.Remove(replyPath)

	reqPath := filepath.Join(j.WorkDir, core.FifoDir, queue.BurstRequestFifo)
	req, err := os.OpenFile(reqPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		log.V(1).Infof("No burst FIFO at %s: %v", reqPath, err)
		return nil, false
	}
	_, err = req.Write(queue.EncodeBurstRequest(int32(j.FSAPos), int32(pid)))
	req.Close()
	if err != nil {
		log.V(1).Infof("Burst request failed: %v", err)
		return nil, false
	}

	reply, err := os.OpenFile(replyPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, false
	}
	defer reply.Close()
	buf := make([]byte, queue.BurstAckMsgLength)
	if _, err = io.ReadFull(reply, buf); err != nil {
		log.V(1).Infof("Burst reply read failed: %v", err)
		return nil, false
	}
	ack, err := queue.DecodeBurstAck(buf)
	if err != nil || ack.JobID == 0 {
		return nil, false
	}
	return ack, true
}
