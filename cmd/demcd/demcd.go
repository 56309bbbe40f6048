// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// demcd drains confirmation-of-dispatch records from the workers' FIFO
// into the sqlite archive, where operator tools can look them up long
// after the transfer.

package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dlog"
)

var (
	workDir   = flag.String("workDir", "", "AFD work directory")
	keep      = flag.Duration("keep", 90*24*time.Hour, "how long confirmations are kept")
	pruneTick = flag.Duration("pruneInterval", 24*time.Hour, "how often old confirmations are pruned")
)

func main() {
	flag.Parse()
	if *workDir == "" && flag.NArg() > 0 {
		*workDir = flag.Arg(0)
	}
	if *workDir == "" {
		log.Fatalf("No work directory given (flag -workDir or first argument)")
	}

	fifoPath := filepath.Join(*workDir, core.FifoDir, core.DemcdFifo)
	if err := syscall.Mkfifo(fifoPath, 0600); err != nil && !os.IsExist(err) {
		log.Fatalf("Failed to create %s: %v", fifoPath, err)
	}
	// O_RDWR keeps the read side open across writer generations, a
	// worker exiting must not EOF the daemon.
	fifo, err := os.OpenFile(fifoPath, os.O_RDWR, 0)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", fifoPath, err)
	}

	archive, err := dlog.OpenArchive(filepath.Join(*workDir, core.ConfirmDBFile))
	if err != nil {
		log.Fatalf("Failed to open the confirmation archive: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("Shutting down on %v", s)
		fifo.Close()
		archive.Close()
		os.Exit(0)
	}()

	go func() {
		for range time.Tick(*pruneTick) {
			n, err := archive.Prune(time.Now().Add(-*keep))
			if err != nil {
				log.Errorf("Prune failed: %v", err)
			} else if n > 0 {
				log.Infof("Pruned %d old confirmations", n)
			}
		}
	}()

	dlog.RunDemcd(dlog.NewDemcdReader(fifo), archive)
}
