// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/status"
)

// Log line signs.
const (
	SignInfo    = 'I'
	SignWarn    = 'W'
	SignError   = 'E'
	SignDebug   = 'D'
	SignOffline = 'O'
)

var (
	debugFifo      *os.File
	debugFifoTried bool
)

// TransLog writes the worker's human-facing transfer log line:
// DD HH:MM:SS <SIGN> <HOST> [<job_no>]: <msg>  @<id> (<file> <line>).
// Errors and warnings for a host the operator took offline are downgraded
// to the O sign so they do not page anyone. When the row's debug flag is
// set a copy goes to the debug FIFO.
func (j *Job) TransLog(sign byte, format string, args ...interface{}) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "???", 0
	}

	if sign == SignError || sign == SignWarn {
		if j.Row.HostStatus()&(status.HostErrorOffline|status.HostErrorOfflineStat|status.HostOffline) != 0 {
			sign = SignOffline
		}
	}

	id := j.Msg.JobID
	if j.Fetch {
		id = j.Msg.DirID
	}
	msg := fmt.Sprintf(format, args...)
	out := fmt.Sprintf("%s %c %s [%d]: %s  @%x (%s %d)",
		time.Now().Format("02 15:04:05"), sign, j.HostAlias, j.JobNo, msg,
		id, filepath.Base(file), line)

	switch sign {
	case SignError:
		log.Error(out)
	case SignWarn, SignOffline:
		log.Warning(out)
	case SignDebug:
		log.V(1).Info(out)
	default:
		log.Info(out)
	}

	if j.Row.HostStatus()&status.HostDebug != 0 {
		j.debugCopy(out)
	}
}

// debugCopy sends the line to the debug FIFO, opening it on first use.
// A missing FIFO disables copies for the rest of the process.
func (j *Job) debugCopy(line string) {
	if debugFifo == nil {
		if debugFifoTried {
			return
		}
		debugFifoTried = true
		path := filepath.Join(j.WorkDir, core.FifoDir, "trans_db.fifo")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			log.V(1).Infof("No debug FIFO at %s: %v", path, err)
			return
		}
		debugFifo = f
	}
	fmt.Fprintln(debugFifo, line)
}
