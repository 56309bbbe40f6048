// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package dupcheck

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	test "github.com/openafd/afd/pkg/testutil"
)

func newStore(t *testing.T) (*Store, string) {
	dir := test.WorkDir(t)
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, "files", name)
	if err := ioutil.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsDupFirstAndSecond(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "report.txt", "payload")

	dup, err := s.IsDup(path, "report.txt", 7, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first sighting reported as duplicate")
	}
	dup, err = s.IsDup(path, "report.txt", 7, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("second sighting not reported as duplicate")
	}
}

// The recipient id scopes the key; the same name for another recipient is
// not a hit.
func TestIsDupScopedByID(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "report.txt", "payload")

	if _, err := s.IsDup(path, "report.txt", 7, time.Hour, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	dup, err := s.IsDup(path, "report.txt", 8, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("different recipient id must not be a duplicate")
	}
}

func TestChecksumFlags(t *testing.T) {
	dir := test.WorkDir(t)
	a := writeFile(t, dir, "a.txt", "same content")
	b := writeFile(t, dir, "b.txt", "same content")

	ca, err := Checksum(a, "a.txt", 0, CheckContent)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Checksum(b, "b.txt", 0, CheckContent)
	if err != nil {
		t.Fatal(err)
	}
	if ca != cb {
		t.Fatal("content-only checksum should ignore the name")
	}

	ca, _ = Checksum(a, "a.txt", 0, CheckFilename|CheckContent)
	cb, _ = Checksum(b, "b.txt", 0, CheckFilename|CheckContent)
	if ca == cb {
		t.Fatal("name+content checksum should differ for different names")
	}

	ieee, _ := Checksum(a, "a.txt", 0, CheckContent)
	cast, _ := Checksum(a, "a.txt", 0, CheckContent|CRC32C)
	if ieee == cast {
		t.Fatal("polynomial selection has no effect")
	}

	with, _ := Checksum(a, "a.txt", 42, UseRecipientID|CheckFilename)
	without, _ := Checksum(a, "a.txt", 42, CheckFilename)
	if with == without {
		t.Fatal("recipient id not mixed into the checksum")
	}
}

func TestExpiryAndSweep(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "x", "x")

	// A negative TTL expires the entry immediately.
	if _, err := s.IsDup(path, "x", 1, -time.Second, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	dup, err := s.IsDup(path, "x", 1, -time.Second, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("expired entry still counted as duplicate")
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("sweep dropped %d entries, want 1", n)
	}
}

// With a fixed timeout a hit must not push the expiry out.
func TestTimeoutIsFixed(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "x", "x")

	if _, err := s.IsDup(path, "x", 1, 50*time.Millisecond, CheckFilename|TimeoutIsFixed, false); err != nil {
		t.Fatal(err)
	}
	dup, _ := s.IsDup(path, "x", 1, time.Hour, CheckFilename|TimeoutIsFixed, false)
	if !dup {
		t.Fatal("entry should still be live")
	}
	time.Sleep(80 * time.Millisecond)
	dup, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename|TimeoutIsFixed, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("fixed timeout was extended by the hit")
	}
}

// Without TimeoutIsFixed a hit slides the window forward.
func TestTimeoutSlides(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "x", "x")

	if _, err := s.IsDup(path, "x", 1, 2*time.Second, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	// The hit re-arms the entry for an hour.
	dup, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false)
	if err != nil || !dup {
		t.Fatalf("dup=%v err=%v", dup, err)
	}
	time.Sleep(10 * time.Millisecond)
	dup, err = s.IsDup(path, "x", 1, time.Hour, CheckFilename, false)
	if err != nil || !dup {
		t.Fatal("slid entry should still be a duplicate")
	}
}

// rm takes the entry out on a hit, so the same file may come back once.
func TestIsDupRemoveOnHit(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "x", "x")

	if _, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	dup, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, true)
	if err != nil || !dup {
		t.Fatalf("dup=%v err=%v", dup, err)
	}
	dup, err = s.IsDup(path, "x", 1, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("entry should be gone after a removing hit")
	}
}

func TestRemove(t *testing.T) {
	s, dir := newStore(t)
	defer s.Close()
	path := writeFile(t, dir, "x", "x")

	if _, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(path, "x", 1, CheckFilename); err != nil {
		t.Fatal(err)
	}
	dup, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("removed entry still counted as duplicate")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, dir := newStore(t)
	path := writeFile(t, dir, "x", "x")
	if _, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	dup, err := s.IsDup(path, "x", 1, time.Hour, CheckFilename, false)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("entry did not survive a reopen")
	}
}

func TestHandleDuplicateDelete(t *testing.T) {
	dir := test.WorkDir(t)
	path := writeFile(t, dir, "dup.txt", "x")

	gone, err := HandleDuplicate(dir, path, "dup.txt", 0xbeef, ActionDelete)
	if err != nil {
		t.Fatal(err)
	}
	if !gone {
		t.Fatal("delete action should report the file gone")
	}
	if _, err = os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("duplicate not deleted")
	}
}

func TestHandleDuplicateStore(t *testing.T) {
	dir := test.WorkDir(t)
	path := writeFile(t, dir, "dup.txt", "quarantine me")

	gone, err := HandleDuplicate(dir, path, "dup.txt", 0xbeef, ActionStore)
	if err != nil {
		t.Fatal(err)
	}
	if !gone {
		t.Fatal("store action should report the file gone")
	}
	if _, err = os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("duplicate still at its original place")
	}
	stored := filepath.Join(dir, "files", "store", "beef", "dup.txt")
	b, err := ioutil.ReadFile(stored)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "quarantine me" {
		t.Fatal("stored duplicate has wrong content")
	}
}

func TestHandleDuplicateWarn(t *testing.T) {
	dir := test.WorkDir(t)
	path := writeFile(t, dir, "dup.txt", "x")

	gone, err := HandleDuplicate(dir, path, "dup.txt", 0xbeef, ActionWarn)
	if err != nil {
		t.Fatal(err)
	}
	if gone {
		t.Fatal("warn action must leave the file in place")
	}
	if _, err = os.Stat(path); err != nil {
		t.Fatal("warned-about file is gone")
	}
}

func TestMain(m *testing.M) {
	test.TestMain(m)
}
