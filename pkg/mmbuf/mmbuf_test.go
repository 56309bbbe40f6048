// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package mmbuf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	test "github.com/openafd/afd/pkg/testutil"
)

func tempPath(t *testing.T, name string) string {
	dir, err := ioutil.TempDir(test.TempDir(), "mmbuf")
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, name)
}

func TestCreateOpen(t *testing.T) {
	path := tempPath(t, "area")
	a, err := Create(path, 3, 64, 128, 4)
	if err != nil {
		t.Fatal(err)
	}
	a.SetCount(4)
	copy(a.Row(2), "hello")
	if err = a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := Open(path, 3, 64, 128)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Count() != 4 {
		t.Fatalf("count = %d, want 4", b.Count())
	}
	if b.Version() != 3 {
		t.Fatalf("version = %d, want 3", b.Version())
	}
	if b.Pagesize() != int32(os.Getpagesize()) {
		t.Fatalf("pagesize = %d, want %d", b.Pagesize(), os.Getpagesize())
	}
	if string(b.Row(2)[:5]) != "hello" {
		t.Fatalf("row 2 lost its contents: %q", b.Row(2)[:5])
	}
}

func TestOpenVersionMismatch(t *testing.T) {
	path := tempPath(t, "area")
	a, err := Create(path, 2, 64, 128, 1)
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	if _, err = Open(path, 3, 64, 128); err != ErrWrongFile {
		t.Fatalf("expected ErrWrongFile, got %v", err)
	}
}

func TestOpenBogusCount(t *testing.T) {
	path := tempPath(t, "area")
	a, err := Create(path, 1, 64, 128, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Claim more rows than the file holds.
	a.SetCount(100)
	a.Close()

	if _, err = Open(path, 1, 64, 128); err == nil {
		t.Fatal("expected an error for an out-of-range count")
	}
}

func TestResizePreservesRows(t *testing.T) {
	path := tempPath(t, "area")
	a, err := Create(path, 1, 64, 32, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.SetCount(2)
	copy(a.Row(0), "zero")
	copy(a.Row(1), "one")

	if err = a.Resize(8); err != nil {
		t.Fatal(err)
	}
	if a.Rows() != 8 {
		t.Fatalf("rows = %d, want 8", a.Rows())
	}
	if string(a.Row(0)[:4]) != "zero" || string(a.Row(1)[:3]) != "one" {
		t.Fatal("resize lost row contents")
	}
	if a.Count() != 2 {
		t.Fatalf("resize changed the header count to %d", a.Count())
	}
}

func TestHeaderScratchArea(t *testing.T) {
	path := tempPath(t, "area")
	a, err := Create(path, 7, 64, 16, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	h := a.Header()
	if len(h) != 64 {
		t.Fatalf("header length = %d, want 64", len(h))
	}
	PutInt64(h, 16, 424242)
	if Int64(a.Header(), 16) != 424242 {
		t.Fatal("header scratch bytes did not stick")
	}
	if a.Version() != 7 {
		t.Fatal("scratch write clobbered the version byte")
	}
}

func TestStrRoundTrip(t *testing.T) {
	b := make([]byte, 16)
	PutStr(b, 0, 8, "abc")
	if got := Str(b, 0, 8); got != "abc" {
		t.Fatalf("Str = %q, want abc", got)
	}
	// Too-long values must be truncated to width-1 plus the NUL.
	PutStr(b, 0, 8, "abcdefghij")
	if got := Str(b, 0, 8); got != "abcdefg" {
		t.Fatalf("Str after overflow = %q, want abcdefg", got)
	}
	// Writing a shorter value clears the tail.
	PutStr(b, 0, 8, "x")
	if got := Str(b, 0, 8); got != "x" {
		t.Fatalf("Str after shrink = %q, want x", got)
	}
}

func TestIDFile(t *testing.T) {
	path := tempPath(t, "area.id")
	if err := WriteID(path, 7); err != nil {
		t.Fatal(err)
	}
	id, err := ReadID(path)
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if got := AreaPath("/tmp/fsa_status_area", 7); got != "/tmp/fsa_status_area.7" {
		t.Fatalf("AreaPath = %q", got)
	}
}
