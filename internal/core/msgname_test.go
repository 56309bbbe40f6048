// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"testing"
)

func TestParseMsgName(t *testing.T) {
	m, file, err := ParseMsgName("3fa2b1c0/1a2b/5c3d1e00_7f_2")
	if err != nil {
		t.Fatal(err)
	}
	if file != "" {
		t.Fatalf("expected no file component, got %q", file)
	}
	if m.DirID != 0x3fa2b1c0 || m.JobID != 0x1a2b ||
		m.CreationTime != 0x5c3d1e00 || m.UniqueNumber != 0x7f || m.SplitJobCounter != 2 {
		t.Fatalf("bad parse: %+v", m)
	}
}

func TestParseMsgNameWithFile(t *testing.T) {
	m, file, err := ParseMsgName("3fa2b1c0/1a2b/5c3d1e00_7f_2/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if file != "report.txt" {
		t.Fatalf("expected file component, got %q", file)
	}
	if m.JobID != 0x1a2b {
		t.Fatalf("bad parse: %+v", m)
	}
}

func TestParseMsgNameErrors(t *testing.T) {
	bad := []string{
		"",
		"3fa2b1c0",
		"3fa2b1c0/1a2b",
		"3fa2b1c0/1a2b/5c3d1e00",
		"3fa2b1c0/1a2b/5c3d1e00_7f",
		"zzzz/1a2b/5c3d1e00_7f_2",
		"3fa2b1c0/zz/5c3d1e00_7f_2",
		"3fa2b1c0/1a2b/zz_7f_2",
		"a/b/c/d/e",
	}
	for _, s := range bad {
		if _, _, err := ParseMsgName(s); err == nil {
			t.Errorf("ParseMsgName(%q) should have failed", s)
		}
	}
}

func TestMsgNameRoundTrip(t *testing.T) {
	m := MsgName{DirID: 0xdeadbeef, JobID: 7, CreationTime: 0x5c3d1e00, UniqueNumber: 12, SplitJobCounter: 1}
	got, file, err := ParseMsgName(m.String())
	if err != nil {
		t.Fatal(err)
	}
	if file != "" || got != m {
		t.Fatalf("round trip lost data: %+v != %+v", got, m)
	}
}
