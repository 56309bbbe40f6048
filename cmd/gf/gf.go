// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// gf is the get worker: forked by the queue manager for one source
// directory, it lists the remote side, reconciles the retrieve list and
// fetches whatever is new.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/worker"
)

func main() {
	flag.Parse()

	j, ce := worker.InitGet(flag.Args())
	if ce != core.NoError {
		os.Exit(ce.ExitCode())
	}
	defer j.Teardown()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	go func() {
		<-sig
		j.Teardown()
		os.Exit(core.GotKilled.ExitCode())
	}()

	g := &worker.Getter{
		Job:       j,
		Transport: &worker.SimGetTransport{},
	}
	ce = g.Run()
	os.Exit(ce.ExitCode())
}
