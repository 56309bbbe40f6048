// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package dlog

import (
	"bytes"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openafd/afd/internal/core"
	test "github.com/openafd/afd/pkg/testutil"
)

func TestDeleteRecordRoundTrip(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	want := &DeleteRecord{
		FileSize:        4096,
		InputTime:       1700000000,
		JobID:           0x4711,
		DirID:           0xbeef,
		SplitJobCounter: 2,
		UniqueNumber:    99,
		Reason:          ReasonAgeLimit,
		HostName:        "alpha",
		FileName:        "report.txt",
	}
	if err := WriteDelete(&buf, dir, want); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != DeleteFixedSize+len(want.FileName)+1 {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), DeleteFixedSize+len(want.FileName)+1)
	}

	got, err := NewDeleteReader(&buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("round trip\n got %+v\nwant %+v", got, want)
	}
}

func TestDemcdRecordRoundTrip(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	want := &DemcdRecord{
		FileSize:     123456,
		JobID:        0x4711,
		UniqueOffset: 17,
		ConfirmType:  ConfirmDispatch,
		HostName:     "alpha",
		FileName:     "report.txt",
	}
	if err := WriteDemcd(&buf, dir, want); err != nil {
		t.Fatal(err)
	}
	got, err := NewDemcdReader(&buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("round trip\n got %+v\nwant %+v", got, want)
	}
}

// oneByteReader feeds the framing layer the worst case: every read returns
// a single byte.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	return o.r.Read(p[:1])
}

func TestDeleteReaderReassembly(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	recs := []*DeleteRecord{
		{FileSize: 1, JobID: 1, Reason: ReasonUserDel, HostName: "a", FileName: "first"},
		{FileSize: 2, JobID: 2, Reason: ReasonDupcheck, HostName: "b", FileName: "second"},
		{FileSize: 3, JobID: 3, Reason: ReasonExecFailed, HostName: "c", FileName: "third"},
	}
	for _, r := range recs {
		if err := WriteDelete(&buf, dir, r); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDeleteReader(oneByteReader{&buf})
	for i, want := range recs {
		got, err := d.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if *got != *want {
			t.Fatalf("record %d\n got %+v\nwant %+v", i, got, want)
		}
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("want EOF after the last record, got %v", err)
	}
}

func TestDemcdReaderConcatenated(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	for i := 0; i < 5; i++ {
		r := &DemcdRecord{FileSize: int64(i), JobID: uint32(i), ConfirmType: ConfirmDelivery,
			HostName: "h", FileName: strings.Repeat("x", i+1)}
		if err := WriteDemcd(&buf, dir, r); err != nil {
			t.Fatal(err)
		}
	}
	d := NewDemcdReader(&buf)
	for i := 0; i < 5; i++ {
		got, err := d.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got.FileSize != int64(i) || len(got.FileName) != i+1 {
			t.Fatalf("record %d came back as %+v", i, got)
		}
	}
}

func TestDeleteReaderRejectsBogusLength(t *testing.T) {
	b := make([]byte, DeleteFixedSize)
	b[delNameLength] = 0xff
	b[delNameLength+1] = 0xff
	if _, err := NewDeleteReader(bytes.NewReader(b)).Next(); err == nil {
		t.Fatal("a record claiming a giant name must be rejected")
	}
}

// A record too big for one pipe write travels as a compressed staging file
// plus a reference record; the reader resolves it transparently.
func TestStagedOversizeRecord(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	want := &DeleteRecord{
		FileSize: 7,
		JobID:    9,
		Reason:   ReasonUserDel,
		HostName: "alpha",
		FileName: "deep/" + strings.Repeat("d/", core.PipeBuf/2) + "leaf",
	}
	if err := WriteDelete(&buf, dir, want); err != nil {
		t.Fatal(err)
	}
	if buf.Len() > core.PipeBuf {
		t.Fatalf("staged reference is %d bytes, exceeds one pipe write", buf.Len())
	}

	got, err := NewDeleteReader(&buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.FileName != want.FileName || got.Reason != ReasonUserDel {
		t.Fatal("staged record did not come back intact")
	}
	// The staging file is consumed on read.
	matches, _ := filepath.Glob(filepath.Join(dir, core.FileDir, ".dlog-staged-*"))
	if len(matches) != 0 {
		t.Fatalf("staging files left behind: %v", matches)
	}
}

func TestStagedOversizeDemcd(t *testing.T) {
	dir := test.WorkDir(t)
	var buf bytes.Buffer

	want := &DemcdRecord{
		FileSize:    1,
		JobID:       2,
		ConfirmType: ConfirmDispatch,
		HostName:    "beta",
		FileName:    "deep/" + strings.Repeat("e/", core.PipeBuf/2) + "leaf",
	}
	if err := WriteDemcd(&buf, dir, want); err != nil {
		t.Fatal(err)
	}
	if buf.Len() > core.PipeBuf {
		t.Fatalf("staged reference is %d bytes", buf.Len())
	}
	got, err := NewDemcdReader(&buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.FileName != want.FileName || got.ConfirmType != ConfirmDispatch {
		t.Fatal("staged record did not come back intact")
	}
}

func newArchive(t *testing.T) *Archive {
	a, err := OpenArchive(filepath.Join(test.WorkDir(t), core.ConfirmDBFile))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestArchivePutGet(t *testing.T) {
	a := newArchive(t)
	defer a.Close()

	when := time.Unix(1700000000, 0)
	rec := &DemcdRecord{FileSize: 512, JobID: 3, ConfirmType: ConfirmDispatch,
		HostName: "alpha", FileName: "report.txt"}
	if err := a.Put(rec, when); err != nil {
		t.Fatal(err)
	}
	// A later confirmation for the same file wins.
	later := &DemcdRecord{FileSize: 512, JobID: 3, ConfirmType: ConfirmDelivery,
		HostName: "alpha", FileName: "report.txt"}
	if err := a.Put(later, when.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, confirmed, err := a.Get("report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConfirmType != ConfirmDelivery || got.HostName != "alpha" || got.FileSize != 512 {
		t.Fatalf("got %+v", got)
	}
	if !confirmed.Equal(when.Add(time.Hour)) {
		t.Fatalf("confirmed at %v, want %v", confirmed, when.Add(time.Hour))
	}

	if _, _, err = a.Get("never-sent.txt"); err != sql.ErrNoRows {
		t.Fatalf("missing file should yield ErrNoRows, got %v", err)
	}
}

func TestArchiveCountAndPrune(t *testing.T) {
	a := newArchive(t)
	defer a.Close()

	base := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		rec := &DemcdRecord{JobID: uint32(i), ConfirmType: ConfirmDispatch,
			HostName: "alpha", FileName: "f"}
		if err := a.Put(rec, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Put(&DemcdRecord{HostName: "beta", FileName: "g",
		ConfirmType: ConfirmDispatch}, base); err != nil {
		t.Fatal(err)
	}

	n, err := a.CountForHost("alpha")
	if err != nil || n != 4 {
		t.Fatalf("CountForHost(alpha) = %d, %v", n, err)
	}

	dropped, err := a.Prune(base.Add(90 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	// Everything confirmed before base+90m goes: alpha at +0h and +1h,
	// beta at +0h.
	if dropped != 3 {
		t.Fatalf("pruned %d rows, want 3", dropped)
	}
	if n, _ = a.CountForHost("alpha"); n != 2 {
		t.Fatalf("CountForHost(alpha) = %d after prune, want 2", n)
	}
}

func TestRunDemcdDrains(t *testing.T) {
	dir := test.WorkDir(t)
	a := newArchive(t)
	defer a.Close()

	var buf bytes.Buffer
	for _, name := range []string{"one", "two", "three"} {
		rec := &DemcdRecord{JobID: 1, ConfirmType: ConfirmDispatch,
			HostName: "alpha", FileName: name}
		if err := WriteDemcd(&buf, dir, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Runs until the reader hits EOF.
	RunDemcd(NewDemcdReader(&buf), a)

	n, err := a.CountForHost("alpha")
	if err != nil || n != 3 {
		t.Fatalf("archive holds %d confirmations, %v, want 3", n, err)
	}
	rec, _, err := a.Get("two")
	if err != nil {
		t.Fatal(err)
	}
	if rec.HostName != "alpha" {
		t.Fatalf("got %+v", rec)
	}
}

func TestMain(m *testing.M) {
	test.TestMain(m)
}
