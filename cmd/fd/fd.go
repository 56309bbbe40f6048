// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/dupcheck"
	"github.com/openafd/afd/internal/queue"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'queue.DefaultConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-fdCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-maxConnections=100'.

*/

var (
	// Config file name.
	fdFile = flag.String("fdCfg", "", "configuration file for the queue manager")

	// Queue manager config parameters.
	workDir        = flag.String("workDir", "", "AFD work directory")
	sendWorker     = flag.String("sendWorker", "", "path of the send worker binary")
	getWorker      = flag.String("getWorker", "", "path of the get worker binary")
	maxConnections = flag.Int("maxConnections", 0, "maximum number of workers across all hosts")
	statusAddr     = flag.String("statusAddr", "", "address of the status page, empty for none")
	simulateSend   = flag.Bool("simulateSend", false, "mark all hosts simulate-only")
	sweepInterval  = flag.Duration("crcSweepInterval", time.Hour, "how often expired CRC store entries are dropped")
)

func main() {
	flag.Parse()
	if *workDir == "" && flag.NArg() > 0 {
		*workDir = flag.Arg(0)
	}
	if *workDir == "" {
		log.Fatalf("No work directory given (flag -workDir or first argument)")
	}

	cfg := queue.DefaultConfig(*workDir)

	// Read from configuration file.
	if "" != *fdFile {
		f, err := os.Open(*fdFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags.
	cfg.WorkDir = *workDir
	if *sendWorker != "" {
		cfg.SendWorker = *sendWorker
	}
	if *getWorker != "" {
		cfg.GetWorker = *getWorker
	}
	if *maxConnections != 0 {
		cfg.MaxConnections = *maxConnections
	}
	if *simulateSend {
		cfg.SimulateSend = *simulateSend
	}

	m, err := queue.NewManager(cfg)
	if err != nil {
		log.Fatalf("Failed to set up the queue manager: %v", err)
	}
	m.StartStatusServer(*statusAddr)

	// The CRC store TTL sweep runs for the whole process lifetime.
	dup, err := dupcheck.Open(cfg.WorkDir)
	if err != nil {
		log.Fatalf("Failed to open the CRC store: %v", err)
	}
	sweepStop := make(chan struct{})
	go dup.SweepLoop(*sweepInterval, sweepStop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("Shutting down on %v", s)
		close(sweepStop)
		dup.Close()
		m.Stop()
	}()

	if err = m.Run(); err != nil {
		log.Fatalf("Queue manager failed: %v", err)
	}
}
