// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package trl

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openafd/afd/internal/status"
	test "github.com/openafd/afd/pkg/testutil"
)

func writeGroupFile(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "group.transfer_rate_limit")
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := test.WorkDir(t)
	path := writeGroupFile(t, dir, `
# shared uplink to the partner network
[partner]
members = part-*, extra
limit = 1000000

[slow]
members = modem1
limit = 4800
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(c.Groups))
	}
	if c.Groups[0].Name != "partner" || c.Groups[0].Limit != 1000000 {
		t.Fatalf("bad first group: %+v", c.Groups[0])
	}
	if len(c.Groups[0].Members) != 2 {
		t.Fatalf("members = %v", c.Groups[0].Members)
	}
	if c.GroupFor("part-berlin") != 0 {
		t.Fatal("glob member pattern should match part-berlin")
	}
	if c.GroupFor("modem1") != 1 {
		t.Fatal("modem1 should land in the slow group")
	}
	if c.GroupFor("unrelated") != -1 {
		t.Fatal("unrelated host should be ungrouped")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := LoadConfig(filepath.Join(test.WorkDir(t), "nonexistent"))
	if err != nil {
		t.Fatalf("a missing group file is not an error: %v", err)
	}
	if len(c.Groups) != 0 {
		t.Fatal("missing file should parse to no groups")
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := test.WorkDir(t)
	for _, content := range []string{
		"members = a\n",            // key before any section
		"[grp]\nlimit = -5\n",      // negative limit
		"[grp]\nlimit = banana\n",  // non-numeric limit
		"[\n",                      // malformed section
	} {
		path := writeGroupFile(t, dir, content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("config %q should fail to parse", content)
		}
	}
}

func TestConfigChanged(t *testing.T) {
	dir := test.WorkDir(t)
	path := writeGroupFile(t, dir, "[g]\nmembers = a\nlimit = 10\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Changed() {
		t.Fatal("freshly parsed config should not be changed")
	}
	past := time.Now().Add(-time.Hour)
	if err = os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}
	if !c.Changed() {
		t.Fatal("mtime change should be noticed")
	}
}

// activate marks n job slots of the row as really moving bytes.
func activate(row status.FSARow, n int) {
	row.SetAllowedTransfers(int32(n))
	row.SetActiveTransfers(int32(n))
	for i := 0; i < n; i++ {
		j := row.Job(i)
		j.SetProcID(int32(1000 + i))
		j.SetUniqueName("7f_0")
	}
}

func TestCalcPerProcessUngrouped(t *testing.T) {
	dir := test.WorkDir(t)
	fsa, err := status.CreateFSA(dir, 0, []string{"solo"})
	if err != nil {
		t.Fatal(err)
	}
	defer fsa.Detach()
	g, err := NewGovernor(fsa, filepath.Join(dir, "nonexistent"))
	if err != nil {
		t.Fatal(err)
	}

	row := fsa.Row(0)
	row.SetTransferRateLimit(90000)
	activate(row, 3)
	g.CalcPerProcess(0)
	if got := row.TrlPerProcess(); got != 30000 {
		t.Fatalf("per process = %d, want 30000", got)
	}

	// No limit means no pacing.
	row.SetTransferRateLimit(0)
	g.CalcPerProcess(0)
	if got := row.TrlPerProcess(); got != 0 {
		t.Fatalf("per process = %d, want 0 without a limit", got)
	}
}

// A member with its own smaller limit keeps that share, carved out first;
// the rest of the group budget is split over the remaining transfers.
func TestCalcPerProcessGroupCarveOut(t *testing.T) {
	dir := test.WorkDir(t)
	fsa, err := status.CreateFSA(dir, 0, []string{"cap-a", "cap-b"})
	if err != nil {
		t.Fatal(err)
	}
	defer fsa.Detach()
	path := writeGroupFile(t, dir, "[uplink]\nmembers = cap-*\nlimit = 1000000\n")
	g, err := NewGovernor(fsa, path)
	if err != nil {
		t.Fatal(err)
	}

	a := fsa.Row(0)
	a.SetTransferRateLimit(600000)
	activate(a, 2)
	b := fsa.Row(1)
	activate(b, 3)

	g.CalcPerProcess(0)
	if got := a.TrlPerProcess(); got != 300000 {
		t.Fatalf("capped member per process = %d, want 300000", got)
	}
	// 1000000 - 600000 = 400000 over 3 active transfers.
	if got := b.TrlPerProcess(); got != 133333 {
		t.Fatalf("uncapped member per process = %d, want 133333", got)
	}
}

func TestCalcPerProcessIdleConnection(t *testing.T) {
	dir := test.WorkDir(t)
	fsa, err := status.CreateFSA(dir, 0, []string{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	defer fsa.Detach()
	g, err := NewGovernor(fsa, filepath.Join(dir, "nonexistent"))
	if err != nil {
		t.Fatal(err)
	}

	row := fsa.Row(0)
	row.SetTransferRateLimit(80000)
	activate(row, 2)
	// One slot idles on a kept-open connection: pid but no unique name.
	row.Job(1).SetUniqueName("")

	g.CalcPerProcess(0)
	if got := row.TrlPerProcess(); got != 80000 {
		t.Fatalf("per process = %d, want the full 80000 for one real transfer", got)
	}
}

func TestGovernorReload(t *testing.T) {
	dir := test.WorkDir(t)
	fsa, err := status.CreateFSA(dir, 0, []string{"host-x"})
	if err != nil {
		t.Fatal(err)
	}
	defer fsa.Detach()
	path := writeGroupFile(t, dir, "[g]\nmembers = none\nlimit = 1\n")
	g, err := NewGovernor(fsa, path)
	if err != nil {
		t.Fatal(err)
	}

	row := fsa.Row(0)
	activate(row, 1)
	g.CalcPerProcess(0)
	if row.TrlPerProcess() != 0 {
		t.Fatal("ungrouped unlimited host should not be paced")
	}

	// Move the host into a group and backdate the old parse time so the
	// reload triggers.
	writeGroupFile(t, dir, "[g]\nmembers = host-*\nlimit = 50000\n")
	past := time.Now().Add(time.Hour)
	os.Chtimes(path, past, past)
	g.MaybeReload()
	if got := row.TrlPerProcess(); got != 50000 {
		t.Fatalf("per process = %d after reload, want 50000", got)
	}
}

func TestLimiterHoldsRate(t *testing.T) {
	l := NewLimiter(1000) // 1000 bytes per second
	clock := time.Unix(1000, 0)
	var slept time.Duration
	l.now = func() time.Time { return clock }
	l.sleep = func(d time.Duration) {
		slept += d
		clock = clock.Add(d)
	}

	// First chunk anchors the window.
	l.Limit(500)
	// Instantaneous second chunk: 1000 bytes should have taken a second.
	l.Limit(500)
	if slept != time.Second {
		t.Fatalf("slept %v, want 1s", slept)
	}
}

func TestLimiterNoSleepWhenBehind(t *testing.T) {
	l := NewLimiter(1000)
	clock := time.Unix(1000, 0)
	slept := false
	l.now = func() time.Time { return clock }
	l.sleep = func(time.Duration) { slept = true }

	l.Limit(100)
	// The transfer is slower than the budget allows; no pacing needed.
	clock = clock.Add(5 * time.Second)
	l.Limit(100)
	if slept {
		t.Fatal("limiter slept although the transfer was under budget")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0)
	l.sleep = func(time.Duration) { t.Fatal("limiter with no budget must not sleep") }
	l.Limit(1 << 20)
	l.Limit(1 << 20)
}

func TestLimiterSetLimitResetsWindow(t *testing.T) {
	l := NewLimiter(1000)
	clock := time.Unix(1000, 0)
	var slept time.Duration
	l.now = func() time.Time { return clock }
	l.sleep = func(d time.Duration) {
		slept += d
		clock = clock.Add(d)
	}

	l.Limit(500)
	l.SetLimit(2000)
	// The old half second of debt must not carry into the new window.
	l.Limit(500)
	if slept != 0 {
		t.Fatalf("slept %v right after SetLimit, want 0", slept)
	}
	l.Limit(1000)
	// 1500 bytes at 2000 B/s is 750ms, all of it instantaneous.
	if slept != 750*time.Millisecond {
		t.Fatalf("slept %v, want 750ms", slept)
	}
}

func TestMain(m *testing.M) {
	test.TestMain(m)
}
