// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package worker is the per-transfer process: forked by the queue
// manager, bound to one FSA row position, alive for one job or a burst of
// jobs to the same host.

package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dupcheck"
	"github.com/openafd/afd/internal/queue"
	"github.com/openafd/afd/internal/status"
	"github.com/openafd/afd/internal/trl"
)

// A Job is everything one worker process knows: its identity within the
// queue, the FSA row it reports into and the options the manager passed
// on the command line.
type Job struct {
	WorkDir string
	JobNo   int
	FSAID   int
	FSAPos  int

	// Send workers have a message; get workers have an FRA binding.
	MsgName string
	Msg     core.MsgName
	FRAID   int
	FRAPos  int
	Fetch   bool

	// Letter-tagged options.
	HWCRC             bool
	Distributed       bool
	DisconnectTimeout int
	Proxy             string
	ProxyPort         int
	RetryInterval     int
	DirMode           os.FileMode
	Retries           int
	ToggleHost        bool

	// Options from the message file.
	HostAlias  string
	AgeLimit   uint32
	DupFlags   dupcheck.Flags
	DupTimeout time.Duration

	fsaHandle *status.FSARowHandle
	fsaFull   *status.FSA // only set after an alias-mismatch rebind
	fraHandle *status.FRARowHandle

	// Row is the worker's FSA row.
	Row status.FSARow

	// Limiter paces writes to the row's trl_per_process budget.
	Limiter *trl.Limiter

	// TimeoutFlag is set by protocol code and evaluated on error exit.
	TimeoutFlag core.TimeoutFlag
}

// InitSend parses the send-family argv shape:
// <work_dir> <job_no> <FSA_id> <FSA_pos> <message_name> [options].
func InitSend(args []string) (*Job, core.Error) {
	if len(args) < 5 {
		log.Errorf("Usage: sf <work_dir> <job_no> <FSA_id> <FSA_pos> <message_name> [options]")
		return nil, core.ErrSyntax
	}
	j, ce := parseCommon(args[:4])
	if ce != core.NoError {
		return nil, ce
	}
	j.MsgName = args[4]
	msg, _, err := core.ParseMsgName(j.MsgName)
	if err != nil {
		log.Errorf("Malformed message name %q: %v", j.MsgName, err)
		return nil, core.ErrSyntax
	}
	j.Msg = msg
	if ce = j.parseOptions(args[5:]); ce != core.NoError {
		return nil, ce
	}
	if ce = j.readMsgFile(); ce != core.NoError {
		return nil, ce
	}
	if ce = j.attach(); ce != core.NoError {
		return nil, ce
	}
	return j, core.NoError
}

// InitGet parses the get-family argv shape:
// <work_dir> <job_no> <FSA_id> <FSA_pos> <FRA_id_hex> <FRA_pos> [options].
func InitGet(args []string) (*Job, core.Error) {
	if len(args) < 6 {
		log.Errorf("Usage: gf <work_dir> <job_no> <FSA_id> <FSA_pos> <FRA_id> <FRA_pos> [options]")
		return nil, core.ErrSyntax
	}
	j, ce := parseCommon(args[:4])
	if ce != core.NoError {
		return nil, ce
	}
	fraID, err1 := strconv.ParseInt(args[4], 16, 32)
	fraPos, err2 := strconv.Atoi(args[5])
	if err1 != nil || err2 != nil || fraPos < 0 {
		log.Errorf("Bad FRA binding %q %q", args[4], args[5])
		return nil, core.ErrSyntax
	}
	j.FRAID = int(fraID)
	j.FRAPos = fraPos
	j.Fetch = true
	if ce = j.parseOptions(args[6:]); ce != core.NoError {
		return nil, ce
	}
	if ce = j.attach(); ce != core.NoError {
		return nil, ce
	}
	fra, err := status.AttachFRAPos(j.WorkDir, j.FRAID, j.FRAPos)
	if err != nil {
		log.Errorf("Failed to attach FRA %d position %d: %v", j.FRAID, j.FRAPos, err)
		j.Detach()
		return nil, core.ErrJIDNumber
	}
	j.fraHandle = fra
	return j, core.NoError
}

func parseCommon(args []string) (*Job, core.Error) {
	jobNo, err1 := strconv.Atoi(args[1])
	fsaID, err2 := strconv.Atoi(args[2])
	fsaPos, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil || jobNo < 0 || fsaPos < 0 {
		log.Errorf("Bad positional arguments %q", args[1:])
		return nil, core.ErrSyntax
	}
	return &Job{
		WorkDir: args[0],
		JobNo:   jobNo,
		FSAID:   fsaID,
		FSAPos:  fsaPos,
		DirMode: 0755,
	}, core.NoError
}

// parseOptions handles the letter-tagged tail of the argv. Unknown
// options are logged, not fatal; a missing value is a syntax error.
func (j *Job) parseOptions(opts []string) core.Error {
	need := func(i int) (string, bool) {
		if i+1 >= len(opts) {
			log.Errorf("Option %s is missing its value", opts[i])
			return "", false
		}
		return opts[i+1], true
	}
	for i := 0; i < len(opts); i++ {
		switch opts[i] {
		case "-c":
			j.HWCRC = true
		case "-d":
			j.Distributed = true
		case "-e":
			v, ok := need(i)
			if !ok {
				return core.ErrSyntax
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return core.ErrSyntax
			}
			j.DisconnectTimeout = n
			i++
		case "-h":
			v, ok := need(i)
			if !ok {
				return core.ErrSyntax
			}
			j.Proxy = v
			if c := strings.LastIndexByte(v, ':'); c > 0 {
				if port, err := strconv.Atoi(v[c+1:]); err == nil {
					j.Proxy, j.ProxyPort = v[:c], port
				}
			}
			i++
		case "-i":
			v, ok := need(i)
			if !ok {
				return core.ErrSyntax
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return core.ErrSyntax
			}
			j.RetryInterval = n
			i++
		case "-m":
			v, ok := need(i)
			if !ok {
				return core.ErrSyntax
			}
			n, err := strconv.ParseUint(v, 8, 32)
			if err != nil {
				return core.ErrSyntax
			}
			j.DirMode = os.FileMode(n)
			i++
		case "-o":
			v, ok := need(i)
			if !ok {
				return core.ErrSyntax
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return core.ErrSyntax
			}
			j.Retries = n
			i++
		case "-t":
			j.ToggleHost = true
		default:
			log.Errorf("Unknown option %q ignored", opts[i])
		}
	}
	return core.NoError
}

// attach maps the worker's FSA row by position. If the alias at the
// position no longer matches the message's host the area was rebuilt
// underneath us; a full attach resolves the new position and the worker
// rebinds. A host that is gone entirely orphans the message.
func (j *Job) attach() core.Error {
	h, err := status.AttachFSAPos(j.WorkDir, j.FSAID, j.FSAPos)
	if err != nil {
		log.Errorf("Failed to attach FSA %d position %d: %v", j.FSAID, j.FSAPos, err)
		return core.ErrJIDNumber
	}
	if j.HostAlias != "" && h.Row.HostAlias() != j.HostAlias {
		log.Warningf("FSA position %d now holds %s, expected %s; rebinding",
			j.FSAPos, h.Row.HostAlias(), j.HostAlias)
		h.Detach()
		fsa, err := status.AttachFSA(j.WorkDir)
		if err != nil {
			log.Errorf("Full FSA attach failed: %v", err)
			return core.ErrJIDNumber
		}
		pos := fsa.PosByAlias(j.HostAlias)
		if pos == -1 {
			fsa.Detach()
			log.Errorf("Host %s is gone, message %s is orphaned", j.HostAlias, j.MsgName)
			return core.ErrJIDNumber
		}
		j.FSAPos = pos
		j.fsaFull = fsa
		j.Row = fsa.Row(pos)
	} else {
		j.fsaHandle = h
		j.Row = h.Row
	}
	j.Limiter = trl.NewLimiter(j.Row.TrlPerProcess())
	return core.NoError
}

// Slot returns the worker's job status slot.
func (j *Job) Slot() status.JobSlot {
	return j.Row.Job(j.JobNo)
}

// FileDir returns where the job's outgoing files are staged.
func (j *Job) FileDir() string {
	return filepath.Join(j.WorkDir, core.FileDir, j.MsgName)
}

// Simulate reports whether the host is marked simulate-only.
func (j *Job) Simulate() bool {
	return j.Row.HostStatus()&status.HostSimulateSend != 0
}

// InitBurst2 swaps the next job of a burst into this worker: same host,
// same connection, new message. Everything message-scoped is replaced,
// everything host-scoped stays.
func (j *Job) InitBurst2(ack *queue.BurstAck) core.Error {
	msg := core.MsgName{
		DirID:           j.Msg.DirID,
		JobID:           ack.JobID,
		CreationTime:    ack.CreationTime,
		UniqueNumber:    ack.UniqueNumber,
		SplitJobCounter: ack.SplitJobCounter,
	}
	j.Msg = msg
	j.MsgName = msg.String()
	j.Retries = 0
	j.TimeoutFlag = core.TimeoutOff
	if ce := j.readMsgFile(); ce != core.NoError {
		return ce
	}
	slot := j.Slot()
	slot.SetConnectStatus(status.BurstTransferActive)
	slot.SetJobID(ack.JobID)
	slot.SetUniqueName(fmt.Sprintf("%x_%x", ack.UniqueNumber, ack.SplitJobCounter))
	j.Limiter.SetLimit(j.Row.TrlPerProcess())
	return core.NoError
}

// Detach releases the worker's mappings.
func (j *Job) Detach() {
	if j.fraHandle != nil {
		j.fraHandle.Detach()
		j.fraHandle = nil
	}
	if j.fsaHandle != nil {
		j.fsaHandle.Detach()
		j.fsaHandle = nil
	}
	if j.fsaFull != nil {
		j.fsaFull.Detach()
		j.fsaFull = nil
	}
}

// Teardown marks the slot idle and releases the mappings. Called on every
// exit path after accounting has settled.
func (j *Job) Teardown() {
	if j.fsaHandle != nil || j.fsaFull != nil {
		slot := j.Slot()
		slot.ClearJob()
		j.Row.SetLastConnection(nowUnix())
	}
	j.Detach()
}
