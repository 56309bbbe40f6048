// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This contains a few functions to help writing tests. Tests that need a
// scratch work directory should create it under test.TempDir(). Also, put
// this in a file named main_test.go in your package, and temp directories
// will be cleaned up automatically on successful runs:
/*

package mypkg

import (
	"testing"

	test "github.com/openafd/afd/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"io/ioutil"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

var tempDir, createdBase string

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process). You might want to use
// ioutil.TempDir on the result to create a directory exclusive to a
// particular test.
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = ioutil.TempDir(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("Couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// WorkDir creates a fresh AFD work directory skeleton under TempDir and
// returns it. Most packages here want one, the status areas, queue files
// and fifos all live below it.
func WorkDir(t *testing.T) string {
	dir, err := ioutil.TempDir(TempDir(), "work")
	if err != nil {
		t.Fatalf("Couldn't create work dir: %s", err)
	}
	for _, sub := range []string{"fifodir", "msg", "files"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatalf("Couldn't create %s: %s", sub, err)
		}
	}
	return dir
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	// Try TMPDIR first.
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	// Otherwise just make one in the current directory.
	wd, err := os.Getwd()
	if nil != err {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// Note that "*.test" is in .gitignore, so this will be ignored by git
	// anywhere in the repo.
	base := time.Now().Format("20060102.150405.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); nil != err && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain should be called from your package TestMain to ensure that the
// process temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}

// GetFreePort returns a port that nobody else is using.
func GetFreePort() int {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		log.Fatalf("Failed to find a unused port: %v", err)
	}
	// Close the listener so we can reuse it in our services.
	defer l.Close()
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("Failed to convert to port number: %v", err)
	}
	return port
}
