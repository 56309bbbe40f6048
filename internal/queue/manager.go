// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/status"
	"github.com/openafd/afd/internal/trl"
)

// Config collects everything the queue manager needs to run.
type Config struct {
	// WorkDir is the AFD work directory all state lives under.
	WorkDir string

	// SendWorker and GetWorker are the worker binaries to fork.
	SendWorker string
	GetWorker  string

	// MaxConnections caps the number of workers across all hosts.
	MaxConnections int

	// AdmissionInterval is how often the pending queue is scanned.
	AdmissionInterval time.Duration

	// SimulateSend marks every host simulate-only; workers then go
	// through all motions except remote I/O.
	SimulateSend bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:           workDir,
		SendWorker:        "sf",
		GetWorker:         "gf",
		MaxConnections:    50,
		AdmissionInterval: time.Second,
	}
}

type workerExit struct {
	pid  int32
	code int
}

// A runningWorker pairs a forked worker with the channel its reaper
// goroutine closes once cmd.Wait returned. Wait may only be called once,
// so everyone else synchronizes on done.
type runningWorker struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// A Manager is the queue manager process: it owns the QB and MDB, admits
// pending jobs, forks workers, reaps them and serves the delete FIFO.
type Manager struct {
	cfg Config

	fsa *status.FSA
	fra *status.FRA
	mdb *MDB
	qb  *QB
	gov *trl.Governor

	running   map[int32]*runningWorker
	exits     chan workerExit
	eventFifo *os.File
	delFifo   *os.File
	delBuf    []byte

	now  func() time.Time
	stop chan struct{}
}

// NewManager attaches all shared areas and builds a manager.
func NewManager(cfg Config) (*Manager, error) {
	fsa, err := status.AttachFSA(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("queue: attaching FSA: %v", err)
	}
	fra, err := status.AttachFRA(cfg.WorkDir)
	if err != nil {
		fsa.Detach()
		return nil, fmt.Errorf("queue: attaching FRA: %v", err)
	}
	mdb, err := AttachMDB(cfg.WorkDir)
	if err != nil {
		fra.Detach()
		fsa.Detach()
		return nil, err
	}
	qb, err := AttachQB(cfg.WorkDir)
	if err != nil {
		mdb.Detach()
		fra.Detach()
		fsa.Detach()
		return nil, err
	}
	gov, err := trl.NewGovernor(fsa, filepath.Join(cfg.WorkDir, core.FifoDir, core.TrlConfigFile))
	if err != nil {
		qb.Detach()
		mdb.Detach()
		fra.Detach()
		fsa.Detach()
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		fsa:     fsa,
		fra:     fra,
		mdb:     mdb,
		qb:      qb,
		gov:     gov,
		running: make(map[int32]*runningWorker),
		exits:   make(chan workerExit, 64),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	mdb.Revalidate(fsa)
	if cfg.SimulateSend {
		for i := 0; i < fsa.Count(); i++ {
			row := fsa.Row(i)
			row.SetHostStatus(row.HostStatus() | status.HostSimulateSend)
		}
	}

	// The receive-log FIFO carries events for the monitors. Optional.
	evPath := filepath.Join(cfg.WorkDir, core.FifoDir, core.RetrieveFifo)
	if f, err := os.OpenFile(evPath, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		m.eventFifo = f
	} else {
		log.V(1).Infof("No event FIFO at %s: %v", evPath, err)
	}
	return m, nil
}

// Run serves the queue until Stop is called: admission on a timer, worker
// exits as they happen and delete commands from the delete FIFO.
func (m *Manager) Run() error {
	deletes := make(chan []byte, 16)
	go m.readDeleteFifo(deletes)
	bursts := make(chan [2]int32, 16)
	go m.readBurstFifo(bursts)

	t := time.NewTicker(m.cfg.AdmissionInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.gov.MaybeReload()
			m.admissionPass()
			metricQueued.Set(float64(m.qb.Count()))
		case e := <-m.exits:
			m.handleWorkerExit(e.pid, e.code)
		case buf := <-deletes:
			m.handleDeleteCommands(buf)
		case req := <-bursts:
			m.handleBurstRequest(req[0], req[1])
		case <-m.stop:
			m.shutdown()
			return nil
		}
	}
}

// Stop asks Run to tear everything down.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) shutdown() {
	for pid := range m.running {
		m.killWorker(pid)
	}
	if m.eventFifo != nil {
		m.eventFifo.Close()
	}
	if m.delFifo != nil {
		m.delFifo.Close()
	}
	m.qb.Detach()
	m.mdb.Detach()
	m.fra.Detach()
	m.fsa.Detach()
}

// Enqueue adds a job to the queue buffer and charges its files and bytes
// to the host's totals.
func (m *Manager) Enqueue(msgName string, priority float64, files int32, size int64, special uint32) error {
	name, _, err := core.ParseMsgName(msgName)
	if err != nil {
		return err
	}
	e, err := m.qb.Add()
	if err != nil {
		return err
	}
	e.SetMsgName(msgName)
	e.SetMsgNumber(priority)
	e.SetCreationTime(m.now().Unix())
	e.SetFilesToSend(files)
	e.SetFileSizeToSend(size)
	e.SetSpecialFlag(special)

	if special&core.FetchJob != 0 {
		pos := -1
		for j := 0; j < m.fra.Count(); j++ {
			if m.fra.Row(j).DirID() == name.DirID {
				pos = j
				break
			}
		}
		if pos == -1 {
			m.qb.Remove(m.qb.Count() - 1)
			return fmt.Errorf("queue: no retrieve directory with id %x", name.DirID)
		}
		e.SetPos(int32(pos))
		fra := m.fra.Row(pos)
		fra.SetQueued(fra.Queued() + 1)
		return nil
	}

	pos := m.mdb.LookupJob(name.JobID)
	if pos == -1 {
		fi, statErr := os.Stat(filepath.Join(m.cfg.WorkDir, core.MsgDir, jobIDHex(name.JobID)))
		if statErr != nil {
			m.qb.Remove(m.qb.Count() - 1)
			return core.ErrNoMessageFile.Error()
		}
		// Host and protocol come from the job config; the caller is
		// expected to have cached them before enqueueing.
		pos, err = m.mdb.Add(name.JobID, "", TypeFTP, 0, 0, fi.ModTime().Unix())
		if err != nil {
			m.qb.Remove(m.qb.Count() - 1)
			return err
		}
	}
	e.SetPos(int32(pos))
	md := m.mdb.Entry(pos)
	if md.InCurrentFSA() {
		row := m.fsa.Row(int(md.FsaPos()))
		row.AddQueued(files, size)
		row.SetJobsQueued(row.JobsQueued() + 1)
	}
	return nil
}

// hostPosFor resolves the FSA row a QB entry belongs to, -1 when the
// entry no longer points at a live host.
func (m *Manager) hostPosFor(e QBEntry) int {
	if e.IsFetch() {
		pos := int(e.Pos())
		if pos < 0 || pos >= m.fra.Count() {
			return -1
		}
		return int(m.fra.Row(pos).FsaPos())
	}
	pos := int(e.Pos())
	if pos < 0 || pos >= m.mdb.Count() {
		return -1
	}
	md := m.mdb.Entry(pos)
	if !md.InCurrentFSA() {
		return -1
	}
	return int(md.FsaPos())
}

// admissionPass starts workers for pending jobs, best priority first,
// within the per-host and global connection limits.
func (m *Manager) admissionPass() {
	now := m.now().Unix()
	for _, i := range m.qb.PendingOrder(now) {
		if len(m.running) >= m.cfg.MaxConnections {
			return
		}
		e := m.qb.Entry(i)
		hostPos := m.hostPosFor(e)
		if hostPos < 0 || hostPos >= m.fsa.Count() {
			continue
		}
		row := m.fsa.Row(hostPos)
		if row.HostStatus()&(status.HostOffline|status.HostDisabled|status.HostErrorOffline) != 0 {
			continue
		}
		if row.ActiveTransfers() >= row.AllowedTransfers() {
			continue
		}
		if err := m.startWorker(i, hostPos); err != nil {
			log.Errorf("Failed to start worker for %s: %v", e.MsgName(), err)
			continue
		}
		m.gov.CalcPerProcess(hostPos)
	}
}

// freeSlot finds an idle job slot on the row, -1 when all are busy.
func freeSlot(row status.FSARow) int {
	for j := 0; j < int(row.AllowedTransfers()) && j < core.MaxParallelJobs; j++ {
		if row.Job(j).ProcID() <= 0 {
			return j
		}
	}
	return -1
}

// startWorker forks a send or get worker for QB entry i.
func (m *Manager) startWorker(i, hostPos int) error {
	e := m.qb.Entry(i)
	row := m.fsa.Row(hostPos)
	slot := freeSlot(row)
	if slot == -1 {
		return fmt.Errorf("no free job slot on %s", row.HostAlias())
	}

	var cmd *exec.Cmd
	jobNo := strconv.Itoa(slot)
	if e.IsFetch() {
		cmd = exec.Command(m.cfg.GetWorker, m.cfg.WorkDir, jobNo,
			strconv.Itoa(m.fsa.ID), strconv.Itoa(hostPos),
			fmt.Sprintf("%x", m.fra.ID), strconv.Itoa(int(e.Pos())))
	} else {
		cmd = exec.Command(m.cfg.SendWorker, m.cfg.WorkDir, jobNo,
			strconv.Itoa(m.fsa.ID), strconv.Itoa(hostPos), e.MsgName())
	}
	if r := e.Retries(); r > 0 {
		cmd.Args = append(cmd.Args, "-o", strconv.Itoa(int(r)))
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := int32(cmd.Process.Pid)
	m.watch(pid, cmd)
	metricWorkersStarted.Inc()

	e.SetPid(pid)
	e.SetConnectPos(int32(slot))
	js := row.Job(slot)
	js.SetProcID(pid)
	js.SetConnectStatus(status.Connecting)
	js.SetNoOfFiles(e.FilesToSend())
	js.SetFileSize(e.FileSizeToSend())
	row.SetActiveTransfers(row.ActiveTransfers() + 1)

	return nil
}

// watch registers a started worker and spawns its reaper goroutine, the
// only caller of cmd.Wait. The done channel closes before the exit is
// queued so killWorker never blocks behind a full exits channel.
func (m *Manager) watch(pid int32, cmd *exec.Cmd) {
	w := &runningWorker{cmd: cmd, done: make(chan struct{})}
	m.running[pid] = w
	go func() {
		code := 0
		if err := cmd.Wait(); err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.Sys().(syscall.WaitStatus).ExitStatus()
			} else {
				code = core.ErrExec.ExitCode()
			}
		}
		close(w.done)
		select {
		case m.exits <- workerExit{pid: pid, code: code}:
		case <-m.stop:
		}
	}()
}

// removeConnection frees the FSA job slot a worker held.
func (m *Manager) removeConnection(hostPos, slot int) {
	if hostPos < 0 || hostPos >= m.fsa.Count() || slot < 0 || slot >= core.MaxParallelJobs {
		return
	}
	row := m.fsa.Row(hostPos)
	row.Job(slot).ClearJob()
	if a := row.ActiveTransfers(); a > 0 {
		row.SetActiveTransfers(a - 1)
	}
	m.gov.CalcPerProcess(hostPos)
}

// handleWorkerExit settles the books for a reaped worker.
func (m *Manager) handleWorkerExit(pid int32, code int) {
	delete(m.running, pid)
	metricWorkerExits.WithLabelValues(core.FromExitCode(code).String()).Inc()

	i := -1
	for j := 0; j < m.qb.Count(); j++ {
		if m.qb.Entry(j).Pid() == pid {
			i = j
			break
		}
	}
	if i == -1 {
		log.Warningf("Reaped worker %d without a queue entry, exit code %d", pid, code)
		return
	}
	e := m.qb.Entry(i)
	hostPos := m.hostPosFor(e)
	m.removeConnection(hostPos, int(e.ConnectPos()))
	e.SetConnectPos(-1)

	errCode := core.FromExitCode(code)
	switch {
	case errCode == core.NoError || errCode == core.NoFilesToSend:
		m.dropEntry(i, hostPos, false)
	case errCode == core.StillFilesToSend:
		e.SetPid(core.QueuePending)
	case core.IsRetriable(errCode):
		e.SetPid(core.QueuePending)
		e.SetRetries(e.Retries() + 1)
		m.recordError(hostPos, errCode)
	default:
		log.Errorf("Worker %d for %s failed permanently: %v", pid, e.MsgName(), errCode)
		m.recordError(hostPos, errCode)
		m.dropEntry(i, hostPos, true)
	}
}

// recordError bumps the host's error counter under the EC lock; crossing
// max_errors pauses the queue and raises the error-start event.
func (m *Manager) recordError(hostPos int, errCode core.Error) {
	if hostPos < 0 || hostPos >= m.fsa.Count() {
		return
	}
	row := m.fsa.Row(hostPos)
	row.LockEC()
	row.SetErrorCounter(row.ErrorCounter() + 1)
	row.PushErrorHistory(byte(errCode.ExitCode()))
	crossed := row.MaxErrors() > 0 && row.ErrorCounter() == row.MaxErrors()
	row.UnlockEC()

	if crossed {
		row.LockHS()
		row.SetHostStatus(row.HostStatus() | status.HostError | status.HostAutoPauseQueue)
		row.UnlockHS()
		m.publishEvent(ClassExt, ActionErrorStart, row.HostAlias())
	}
}

// remainingWork recounts what is left of a send job from its staging
// directory. Workers uncharge the host totals file by file as they
// settle, so the entry's stored deltas overstate the rest once a worker
// ran; the directory is the truth. A directory that cannot be read means
// no worker touched the job yet and the stored deltas still hold.
func (m *Manager) remainingWork(e QBEntry) (int32, int64) {
	fis, err := ioutil.ReadDir(filepath.Join(m.cfg.WorkDir, core.FileDir, e.MsgName()))
	if err != nil {
		return e.FilesToSend(), e.FileSizeToSend()
	}
	var files int32
	var size int64
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}
		files++
		size += fi.Size()
	}
	return files, size
}

// dropEntry removes QB entry i. Unless the files were handed over
// successfully the host totals are corrected by the job's remaining
// files and bytes.
func (m *Manager) dropEntry(i, hostPos int, correctTotals bool) {
	e := m.qb.Entry(i)
	isFetch := e.IsFetch()
	hostOK := hostPos >= 0 && hostPos < m.fsa.Count()
	if hostOK && !isFetch && correctTotals {
		files, size := m.remainingWork(e)
		m.fsa.Row(hostPos).SubtractQueued(files, size)
	}
	if isFetch {
		if pos := int(e.Pos()); pos >= 0 && pos < m.fra.Count() {
			fra := m.fra.Row(pos)
			if q := fra.Queued(); q > 0 {
				fra.SetQueued(q - 1)
			}
		}
	}
	m.qb.Remove(i)
	if hostOK && !isFetch {
		row := m.fsa.Row(hostPos)
		if q := row.JobsQueued(); q > 0 {
			row.SetJobsQueued(q - 1)
		}
		m.maybeClearErrors(hostPos)
	}
}

// maybeClearErrors resets the error state of a drained host: no more
// queued jobs means old failures no longer say anything useful.
func (m *Manager) maybeClearErrors(hostPos int) {
	row := m.fsa.Row(hostPos)
	if row.JobsQueued() == 0 {
		// An apparent drain is verified against the queue buffer itself;
		// the counter drifts when entries die outside the exit path.
		m.RecountJobsQueued(hostPos)
	}
	if row.JobsQueued() != 0 || row.ErrorCounter() == 0 {
		return
	}
	row.ClearErrors()
	row.LockHS()
	hs := row.HostStatus()
	hadError := hs&(status.HostError|status.HostAutoPauseQueue) != 0
	if hadError {
		row.SetHostStatus(hs &^ (status.HostError | status.HostAutoPauseQueue))
	}
	row.UnlockHS()
	if hadError {
		m.publishEvent(ClassExt, ActionErrorEnd, row.HostAlias())
	}
}

// killWorker cancels a worker: SIGINT, then wait for its reaper
// goroutine to finish cmd.Wait. A pid that is already gone counts as
// done.
func (m *Manager) killWorker(pid int32) {
	if err := syscall.Kill(int(pid), syscall.SIGINT); err != nil && err != syscall.ESRCH {
		log.Errorf("Failed to signal worker %d: %v", pid, err)
	}
	if w, ok := m.running[pid]; ok {
		<-w.done
		delete(m.running, pid)
		return
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(int(pid), &ws, 0, nil); err != nil && err != syscall.ECHILD {
		log.Warningf("waitpid(%d) failed: %v", pid, err)
	}
}

// RecountJobsQueued rebuilds a host's jobs_queued from the queue buffer.
// The counter drifts when entries die outside the normal exit path.
func (m *Manager) RecountJobsQueued(hostPos int) {
	var n int32
	for i := 0; i < m.qb.Count(); i++ {
		e := m.qb.Entry(i)
		if e.Pid() == core.QueueRemoved || e.IsFetch() {
			continue
		}
		if m.hostPosFor(e) == hostPos {
			n++
		}
	}
	m.fsa.Row(hostPos).SetJobsQueued(n)
}
