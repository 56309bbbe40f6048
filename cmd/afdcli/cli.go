// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dlog"
	"github.com/openafd/afd/internal/queue"
	"github.com/openafd/afd/internal/retrlist"
	"github.com/openafd/afd/internal/status"
)

var usage = `
	afdcli is a tool to interact with a running AFD instance through its
	shared status areas and control FIFOs. It needs the same work
	directory the queue manager was started with.

	You can use afdcli in two modes: either issue one command and exit or
	start a command line interpreter to issue commands interactively. You
	can issue just one command by typing something like:

		afdcli --work <dir> <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing:

		afdcli --work <dir> shell

	In this mode you are able to issue commands interactively against the
	same work directory. Inspection commands (hosts, dirs, queue) read
	the mapped status areas directly; removal commands are handed to the
	queue manager over its delete FIFO, so they only take effect while a
	manager is running.
	`

// afdCli lets operators inspect and manipulate a running AFD instance.
// The mapped areas are attached lazily and kept for the lifetime of the
// process, which matters in shell mode.
type afdCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App

	fsa     *status.FSA
	fra     *status.FRA
	qb      *queue.QB
	mdb     *queue.MDB
	archive *dlog.Archive

	// Work directory the attachments above belong to.
	attachedDir string
	// True if we are running a shell.
	inShell bool
}

// newAfdCli creates a new afdCli object.
func newAfdCli() *afdCli {
	a := &afdCli{}
	app := cli.NewApp()
	app.Name = "afdcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "work, w",
			Usage: "AFD work directory (defaults to $AFD_WORK_DIR)",
		},
	}

	hostflag := cli.StringFlag{
		Name:  "host",
		Usage: "host alias",
	}
	dirflag := cli.StringFlag{
		Name:  "dir, d",
		Usage: "source directory alias",
	}

	app.Commands = []cli.Command{
		{
			Name:    "hosts",
			Aliases: []string{"h"},
			Usage:   "Prints one line per host from the filetransfer status area.",
			Action:  a.cmdHosts,
		},
		{
			Name:    "dirs",
			Aliases: []string{"d"},
			Usage:   "Prints one line per source directory from the retrieve status area.",
			Action:  a.cmdDirs,
		},
		{
			Name:    "queue",
			Aliases: []string{"q"},
			Usage:   "Prints the transmission queue, best candidate first.",
			Action:  a.cmdQueue,
		},
		{
			Name:      "enable",
			Usage:     "Clears the disabled flag of a host.",
			ArgsUsage: "<host-alias>",
			Action:    a.cmdEnable,
		},
		{
			Name:      "disable",
			Usage:     "Marks a host disabled, no new workers will be started for it.",
			ArgsUsage: "<host-alias>",
			Action:    a.cmdDisable,
		},
		{
			Name:      "debug",
			Usage:     "Toggles the per-host transfer debug flag.",
			ArgsUsage: "<host-alias> on|off",
			Action:    a.cmdDebug,
		},
		{
			Name:      "retry",
			Usage:     "Clears the error state of a host so the manager picks it up again.",
			ArgsUsage: "<host-alias>",
			Action:    a.cmdRetry,
		},
		{
			Name:      "cancel",
			Usage:     "Removes every queued job of a host, killing its running workers.",
			ArgsUsage: "<host-alias>",
			Action:    a.cmdCancel,
		},
		{
			Name:      "rmmsg",
			Usage:     "Removes one message and its files from the queue.",
			ArgsUsage: "<message-name>",
			Action:    a.cmdRmMsg,
		},
		{
			Name:      "rmfile",
			Usage:     "Removes a single file of a queued message.",
			ArgsUsage: "<message-name>/<file>",
			Action:    a.cmdRmFile,
		},
		{
			Name:      "rmretr",
			Usage:     "Removes one retrieve entry from the queue.",
			ArgsUsage: "<msg-number> <fra-pos>",
			Action:    a.cmdRmRetr,
		},
		{
			Name:      "rmretrdir",
			Usage:     "Removes all retrieve entries of a source directory.",
			ArgsUsage: "<dir-alias>",
			Action:    a.cmdRmRetrDir,
		},
		{
			Name:  "confirm",
			Usage: "Looks up the latest dispatch confirmation for a file.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "file, f",
					Usage: "file name as it was sent",
				},
			},
			Action: a.cmdConfirm,
		},
		{
			Name:  "confirmed",
			Usage: "Counts archived confirmations for a host.",
			Flags: []cli.Flag{
				hostflag,
			},
			Action: a.cmdConfirmed,
		},
		{
			Name:  "lsretr",
			Usage: "Prints the retrieve list of a source directory.",
			Flags: []cli.Flag{
				dirflag,
			},
			Action: a.cmdLsRetr,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: a.cmdShell,
		},
	}
	a.app = app

	// By default 'HelpName' will be the parent command name('afdcli' in
	// our case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range a.app.Commands {
		a.app.Commands[i].HelpName = a.app.Commands[i].Name
	}
	return a
}

// run starts a command specified by users.
func (a *afdCli) run(args []string) error {
	return a.app.Run(args)
}

// stop detaches whatever the commands attached.
func (a *afdCli) stop() {
	if a.fsa != nil {
		a.fsa.Detach()
		a.fsa = nil
	}
	if a.fra != nil {
		a.fra.Detach()
		a.fra = nil
	}
	if a.qb != nil {
		a.qb.Detach()
		a.qb = nil
	}
	if a.mdb != nil {
		a.mdb.Detach()
		a.mdb = nil
	}
	if a.archive != nil {
		a.archive.Close()
		a.archive = nil
	}
}

func (a *afdCli) workDir(c *cli.Context) string {
	dir := c.GlobalString("work")
	if dir == "" {
		dir = os.Getenv("AFD_WORK_DIR")
	}
	if dir == "" {
		log.Errorf("No work directory provided. Use --work/-w or set AFD_WORK_DIR.")
		os.Exit(1)
	}
	if a.attachedDir != "" && a.attachedDir != dir {
		// Shell switched directories between commands, start over.
		a.stop()
	}
	a.attachedDir = dir
	return dir
}

func (a *afdCli) getFSA(c *cli.Context) *status.FSA {
	dir := a.workDir(c)
	if a.fsa == nil {
		f, err := status.AttachFSA(dir)
		if err != nil {
			log.Errorf("Couldn't attach the host status area: %v", err)
			os.Exit(1)
		}
		a.fsa = f
	}
	return a.fsa
}

func (a *afdCli) getFRA(c *cli.Context) *status.FRA {
	dir := a.workDir(c)
	if a.fra == nil {
		f, err := status.AttachFRA(dir)
		if err != nil {
			log.Errorf("Couldn't attach the directory status area: %v", err)
			os.Exit(1)
		}
		a.fra = f
	}
	return a.fra
}

func (a *afdCli) getQB(c *cli.Context) *queue.QB {
	dir := a.workDir(c)
	if a.qb == nil {
		q, err := queue.AttachQB(dir)
		if err != nil {
			log.Errorf("Couldn't attach the queue buffer: %v", err)
			os.Exit(1)
		}
		a.qb = q
	}
	return a.qb
}

func (a *afdCli) getMDB(c *cli.Context) *queue.MDB {
	dir := a.workDir(c)
	if a.mdb == nil {
		m, err := queue.AttachMDB(dir)
		if err != nil {
			log.Errorf("Couldn't attach the message cache: %v", err)
			os.Exit(1)
		}
		a.mdb = m
	}
	return a.mdb
}

func (a *afdCli) getArchive(c *cli.Context) *dlog.Archive {
	dir := a.workDir(c)
	if a.archive == nil {
		ar, err := dlog.OpenArchive(filepath.Join(dir, core.ConfirmDBFile))
		if err != nil {
			log.Errorf("Couldn't open the confirmation archive: %v", err)
			os.Exit(1)
		}
		a.archive = ar
	}
	return a.archive
}

// hostRow finds the FSA row for an alias, exiting with a message when
// the alias is unknown.
func (a *afdCli) hostRow(c *cli.Context, alias string) status.FSARow {
	fsa := a.getFSA(c)
	pos := fsa.PosByAlias(alias)
	if pos < 0 {
		log.Errorf("No host %q in the status area.", alias)
		os.Exit(1)
	}
	return fsa.Row(pos)
}

// sendDelete frames one command onto the queue manager's delete FIFO.
func (a *afdCli) sendDelete(c *cli.Context, tag byte, arg string) {
	dir := a.workDir(c)
	path := filepath.Join(dir, core.FifoDir, core.DeleteFifo)
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		log.Errorf("Couldn't open %s, is the queue manager running? (%v)", path, err)
		os.Exit(1)
	}
	defer f.Close()
	frame := make([]byte, 0, len(arg)+2)
	frame = append(frame, tag)
	frame = append(frame, arg...)
	frame = append(frame, 0)
	if _, err = f.Write(frame); err != nil {
		log.Errorf("Couldn't write to %s: %v", path, err)
		os.Exit(1)
	}
}

func requireArg(c *cli.Context, what string) string {
	if len(c.Args()) < 1 {
		log.Errorf("Missing %s argument.", what)
		os.Exit(1)
	}
	return c.Args()[0]
}

// cmdHosts implements the "hosts" subcommand.
func (a *afdCli) cmdHosts(c *cli.Context) {
	fsa := a.getFSA(c)
	fmt.Printf("%-16s %-14s %6s %8s %8s %10s %12s %6s  %s\n",
		"HOST", "STATUS", "ACTIVE", "QUEUED", "FILES", "SIZE", "SENT", "ERRORS", "LAST CONNECT")
	for i := 0; i < fsa.Count(); i++ {
		r := fsa.Row(i)
		last := "never"
		if t := r.LastConnection(); t > 0 {
			last = time.Unix(t, 0).Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-16s %-14s %3d/%-2d %8d %8d %10d %12d %3d/%-2d  %s\n",
			r.HostAlias(), hostStateString(r.HostStatus()),
			r.ActiveTransfers(), r.AllowedTransfers(),
			r.JobsQueued(), r.TotalFileCounter(), r.TotalFileSize(),
			r.BytesSend(), r.ErrorCounter(), r.MaxErrors(), last)
	}
}

// cmdDirs implements the "dirs" subcommand.
func (a *afdCli) cmdDirs(c *cli.Context) {
	fra := a.getFRA(c)
	fmt.Printf("%-16s %-8s %8s %8s %s\n", "DIR", "STATE", "QUEUED", "ERRORS", "NEXT CHECK")
	for i := 0; i < fra.Count(); i++ {
		r := fra.Row(i)
		next := "-"
		if t := r.NextCheckTime(); t > 0 {
			next = time.Unix(t, 0).Format("15:04:05")
		}
		fmt.Printf("%-16s %-8s %8d %8d %s\n",
			r.DirAlias(), dirStateString(r), r.Queued(), r.ErrorCounter(), next)
	}
}

// cmdQueue implements the "queue" subcommand.
func (a *afdCli) cmdQueue(c *cli.Context) {
	qb := a.getQB(c)
	mdb := a.getMDB(c)
	fra := a.getFRA(c)
	fsa := a.getFSA(c)

	fmt.Printf("%-44s %-16s %10s %6s %8s %12s %8s\n",
		"MESSAGE", "HOST", "PRIORITY", "RETRY", "FILES", "SIZE", "PID")
	print := func(i int) {
		e := qb.Entry(i)
		host := "?"
		if e.IsFetch() {
			if pos := int(e.Pos()); pos >= 0 && pos < fra.Count() {
				host = fra.Row(pos).DirAlias()
			}
		} else if pos := int(e.Pos()); pos >= 0 && pos < mdb.Count() {
			md := mdb.Entry(pos)
			if fp := int(md.FsaPos()); md.InCurrentFSA() && fp >= 0 && fp < fsa.Count() {
				host = fsa.Row(fp).HostAlias()
			} else {
				host = md.HostName()
			}
		}
		pid := "-"
		if p := e.Pid(); p > 0 {
			pid = fmt.Sprintf("%d", p)
		}
		fmt.Printf("%-44s %-16s %10.0f %6d %8d %12d %8s\n",
			e.MsgName(), host, e.MsgNumber(), e.Retries(),
			e.FilesToSend(), e.FileSizeToSend(), pid)
	}

	pending := qb.PendingOrder(time.Now().Unix())
	for _, i := range pending {
		print(i)
	}
	// Entries a worker already owns come after the candidates.
	for i := 0; i < qb.Count(); i++ {
		if qb.Entry(i).Pid() != core.QueuePending {
			print(i)
		}
	}
}

// cmdEnable implements the "enable" subcommand.
func (a *afdCli) cmdEnable(c *cli.Context) {
	r := a.hostRow(c, requireArg(c, "host alias"))
	r.LockHS()
	r.SetHostStatus(r.HostStatus() &^ status.HostDisabled)
	r.UnlockHS()
}

// cmdDisable implements the "disable" subcommand.
func (a *afdCli) cmdDisable(c *cli.Context) {
	r := a.hostRow(c, requireArg(c, "host alias"))
	r.LockHS()
	r.SetHostStatus(r.HostStatus() | status.HostDisabled)
	r.UnlockHS()
}

// cmdDebug implements the "debug" subcommand.
func (a *afdCli) cmdDebug(c *cli.Context) {
	r := a.hostRow(c, requireArg(c, "host alias"))
	mode := "on"
	if len(c.Args()) > 1 {
		mode = c.Args()[1]
	}
	r.LockHS()
	switch mode {
	case "on":
		r.SetHostStatus(r.HostStatus() | status.HostDebug)
	case "off":
		r.SetHostStatus(r.HostStatus() &^ status.HostDebug)
	default:
		r.UnlockHS()
		log.Errorf("Debug mode must be 'on' or 'off', not %q.", mode)
		os.Exit(1)
	}
	r.UnlockHS()
}

// cmdRetry implements the "retry" subcommand.
func (a *afdCli) cmdRetry(c *cli.Context) {
	r := a.hostRow(c, requireArg(c, "host alias"))
	r.LockEC()
	r.SetErrorCounter(0)
	r.UnlockEC()
	r.LockHS()
	r.SetHostStatus(r.HostStatus() &^ (status.HostError | status.HostAutoPauseQueue | status.HostErrorOffline))
	r.UnlockHS()
}

// cmdCancel implements the "cancel" subcommand.
func (a *afdCli) cmdCancel(c *cli.Context) {
	a.sendDelete(c, queue.TagDeleteAllJobsFromHost, requireArg(c, "host alias"))
}

// cmdRmMsg implements the "rmmsg" subcommand.
func (a *afdCli) cmdRmMsg(c *cli.Context) {
	name := requireArg(c, "message name")
	if _, _, err := core.ParseMsgName(name); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	a.sendDelete(c, queue.TagDeleteMessage, name)
}

// cmdRmFile implements the "rmfile" subcommand.
func (a *afdCli) cmdRmFile(c *cli.Context) {
	name := requireArg(c, "message/file name")
	if _, file, err := core.ParseMsgName(name); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	} else if file == "" {
		log.Errorf("%q names a whole message, append the file component or use rmmsg.", name)
		os.Exit(1)
	}
	a.sendDelete(c, queue.TagDeleteSingleFile, name)
}

// cmdRmRetr implements the "rmretr" subcommand.
func (a *afdCli) cmdRmRetr(c *cli.Context) {
	if len(c.Args()) < 2 {
		log.Errorf("Need the message number and the directory position.")
		os.Exit(1)
	}
	a.sendDelete(c, queue.TagDeleteRetrieve, c.Args()[0]+" "+c.Args()[1])
}

// cmdRmRetrDir implements the "rmretrdir" subcommand.
func (a *afdCli) cmdRmRetrDir(c *cli.Context) {
	a.sendDelete(c, queue.TagDeleteRetrievesFromDir, requireArg(c, "directory alias"))
}

// cmdConfirm implements the "confirm" subcommand.
func (a *afdCli) cmdConfirm(c *cli.Context) {
	file := c.String("file")
	if file == "" {
		file = requireArg(c, "file name")
	}
	rec, when, err := a.getArchive(c).Get(file)
	if err == sql.ErrNoRows {
		fmt.Printf("No confirmation on record for %q.\n", file)
		return
	}
	if err != nil {
		log.Errorf("Archive lookup failed: %v", err)
		os.Exit(1)
	}
	kind := "dispatch"
	if rec.ConfirmType == dlog.ConfirmDelivery {
		kind = "delivery"
	}
	fmt.Printf("%s: %s of %d bytes to %s (job %x) confirmed %s\n",
		file, kind, rec.FileSize, rec.HostName, rec.JobID,
		when.Format("2006-01-02 15:04:05"))
}

// cmdConfirmed implements the "confirmed" subcommand.
func (a *afdCli) cmdConfirmed(c *cli.Context) {
	host := c.String("host")
	if host == "" {
		host = requireArg(c, "host alias")
	}
	n, err := a.getArchive(c).CountForHost(host)
	if err != nil {
		log.Errorf("Archive lookup failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("%d\n", n)
}

// cmdLsRetr implements the "lsretr" subcommand.
func (a *afdCli) cmdLsRetr(c *cli.Context) {
	alias := c.String("dir")
	if alias == "" {
		alias = requireArg(c, "directory alias")
	}
	dir := a.workDir(c)
	l, err := retrlist.Attach(retrlist.Path(dir, alias), false, false)
	if err != nil {
		log.Errorf("No retrieve list for %q: %v", alias, err)
		os.Exit(1)
	}
	defer l.Detach(false)
	fmt.Printf("%-40s %4s %12s %-19s %s\n", "FILE", "GOT", "SIZE", "MTIME", "SEEN")
	for i := 0; i < l.Count(); i++ {
		e := l.Entry(i)
		got := "no"
		if e.Retrieved() {
			got = "yes"
		}
		fmt.Printf("%-40s %4s %12d %-19s %s\n",
			e.FileName(), got, e.Size(),
			time.Unix(e.Mtime(), 0).Format("2006-01-02 15:04:05"),
			time.Unix(e.GotDate(), 0).Format("2006-01-02 15:04:05"))
	}
}

// cmdShell implements the "shell" subcommand.
func (a *afdCli) cmdShell(c *cli.Context) {
	a.inShell = true
	defer func() { a.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	// SetCompleter accepts a function that will be called when users type
	// something in shell. The func takes the currently edited line content
	// at the left of the cursor(stored in 'line') and returns a list of
	// completion candidates.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range a.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", "afd"))
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if a.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand re-enters the app with the global flags of the outer
// invocation preserved.
func (a *afdCli) runCommand(c *cli.Context, args ...string) error {
	afdArgs := []string{"afdcli", "--work", c.GlobalString("work")}
	afdArgs = append(afdArgs, args...)
	return a.run(afdArgs)
}

// hostStateString condenses the host status word into the state an
// operator cares about most.
func hostStateString(hs uint32) string {
	switch {
	case hs&status.HostDisabled != 0:
		return "DISABLED"
	case hs&status.HostOffline != 0:
		return "OFFLINE"
	case hs&status.HostErrorOffline != 0:
		return "ERROR OFFLINE"
	case hs&status.HostError != 0:
		return "ERROR"
	case hs&status.HostAutoPauseQueue != 0:
		return "PAUSED"
	case hs&status.HostDebug != 0:
		return "OK (debug)"
	default:
		return "OK"
	}
}

func dirStateString(r status.FRARow) string {
	if r.DirFlag()&status.DirDisabled != 0 {
		return "DISABLED"
	}
	switch r.DirStatus() {
	case status.DirActive:
		return "ACTIVE"
	case status.DirErrorState:
		return "ERROR"
	default:
		return "IDLE"
	}
}
