// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// sf is the send worker: forked by the queue manager for one message,
// it moves the message's files to the remote host, then asks for more
// work on the same host (burst) before disconnecting. The exit code is
// the error taxonomy value the manager does its queue accounting with.

package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dupcheck"
	"github.com/openafd/afd/internal/worker"
)

func main() {
	flag.Parse()

	j, ce := worker.InitSend(flag.Args())
	if ce != core.NoError {
		os.Exit(ce.ExitCode())
	}
	defer j.Teardown()

	// SIGINT is the manager's cancel. Counters are corrected by the
	// manager from the queue entry, so a plain exit is enough.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	go func() {
		<-sig
		j.Teardown()
		os.Exit(core.GotKilled.ExitCode())
	}()

	var dup *dupcheck.Store
	if j.DupFlags != 0 {
		var err error
		if dup, err = dupcheck.Open(j.WorkDir); err != nil {
			log.Errorf("Failed to open the CRC store: %v", err)
		} else {
			defer dup.Close()
		}
	}

	s := &worker.Sender{
		Job:       j,
		Transport: &worker.SimTransport{},
		Dup:       dup,
		DelFifo:   openFifo(j.WorkDir, core.DeleteLogFifo),
		DemcdFifo: openFifo(j.WorkDir, core.DemcdFifo),
	}

	for {
		if ce = s.Run(); ce != core.NoError {
			os.Exit(ce.ExitCode())
		}
		ack, ok := worker.AskBurst(j)
		if !ok {
			break
		}
		if ce = j.InitBurst2(ack); ce != core.NoError {
			os.Exit(ce.ExitCode())
		}
	}
	os.Exit(core.NoError.ExitCode())
}

// openFifo opens a log FIFO for writing, nil when it is not there. The
// log daemons are optional; a worker must run without them.
func openFifo(workDir, name string) io.Writer {
	path := filepath.Join(workDir, core.FifoDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		log.V(1).Infof("No FIFO at %s: %v", path, err)
		return nil
	}
	return f
}
