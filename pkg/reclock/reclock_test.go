// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package reclock

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	test "github.com/openafd/afd/pkg/testutil"
)

func lockFile(t *testing.T) *os.File {
	dir, err := ioutil.TempDir(test.TempDir(), "reclock")
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, "lockme"))
	if err != nil {
		t.Fatal(err)
	}
	if err = f.Truncate(256); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLockUnlock(t *testing.T) {
	f := lockFile(t)
	defer f.Close()

	if err := Lock(f, 0, 4); err != nil {
		t.Fatal(err)
	}
	// fcntl locks do not conflict within one process, so a second range
	// is all we can exercise here.
	if err := Lock(f, 64, 8); err != nil {
		t.Fatal(err)
	}
	if err := Unlock(f, 0, 4); err != nil {
		t.Fatal(err)
	}
	if err := Unlock(f, 64, 8); err != nil {
		t.Fatal(err)
	}
}

func TestRLock(t *testing.T) {
	f := lockFile(t)
	defer f.Close()

	if err := RLock(f, 8, 4); err != nil {
		t.Fatal(err)
	}
	ok, err := TryRLock(f, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("TryRLock should succeed on a read-locked range in the same process")
	}
	if err := Unlock(f, 8, 4); err != nil {
		t.Fatal(err)
	}
}

func TestLockWholeFile(t *testing.T) {
	f := lockFile(t)
	defer f.Close()

	if err := LockFile(f); err != nil {
		t.Fatal(err)
	}
	if err := UnlockFile(f); err != nil {
		t.Fatal(err)
	}
}

func TestMain(m *testing.M) {
	test.TestMain(m)
}
