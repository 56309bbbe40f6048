// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package status

import (
	"testing"

	"github.com/openafd/afd/internal/core"
	test "github.com/openafd/afd/pkg/testutil"
)

func newTestFSA(t *testing.T, aliases ...string) (*FSA, string) {
	dir := test.WorkDir(t)
	f, err := CreateFSA(dir, 0, aliases)
	if err != nil {
		t.Fatal(err)
	}
	return f, dir
}

func TestCreateAttachFSA(t *testing.T) {
	f, dir := newTestFSA(t, "alpha", "beta")
	f.Detach()

	g, err := AttachFSA(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Detach()
	if g.Count() != 2 {
		t.Fatalf("count = %d, want 2", g.Count())
	}
	if g.Row(0).HostAlias() != "alpha" || g.Row(1).HostAlias() != "beta" {
		t.Fatalf("aliases lost: %q %q", g.Row(0).HostAlias(), g.Row(1).HostAlias())
	}
	if g.PosByAlias("beta") != 1 {
		t.Fatalf("PosByAlias(beta) = %d, want 1", g.PosByAlias("beta"))
	}
	if g.PosByAlias("gamma") != -1 {
		t.Fatal("PosByAlias should be -1 for an unknown host")
	}
	// Fresh rows start with all job slots idle.
	for j := 0; j < core.MaxParallelJobs; j++ {
		if g.Row(0).Job(j).ProcID() != -1 {
			t.Fatalf("slot %d not idle after create", j)
		}
	}
}

// A worker attaching its single row must see the same bytes the manager's
// full mapping sees.
func TestAttachFSAPosSharesRow(t *testing.T) {
	f, dir := newTestFSA(t, "alpha", "beta")
	defer f.Detach()

	h, err := AttachFSAPos(dir, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Detach()
	if h.Row.HostAlias() != "beta" {
		t.Fatalf("row view sees %q, want beta", h.Row.HostAlias())
	}

	h.Row.AddQueued(3, 3000)
	full := f.Row(1)
	if full.TotalFileCounter() != 3 || full.TotalFileSize() != 3000 {
		t.Fatalf("full mapping sees %d/%d, want 3/3000",
			full.TotalFileCounter(), full.TotalFileSize())
	}
}

func TestQueuedTotalsNeverNegative(t *testing.T) {
	f, _ := newTestFSA(t, "alpha")
	defer f.Detach()
	r := f.Row(0)

	r.AddQueued(2, 4096)
	r.SubtractQueued(1, 1500)
	if r.TotalFileCounter() != 1 || r.TotalFileSize() != 2596 {
		t.Fatalf("totals %d/%d, want 1/2596", r.TotalFileCounter(), r.TotalFileSize())
	}

	// Over-subtraction clamps to zero instead of going negative.
	r.SubtractQueued(5, 100000)
	if r.TotalFileCounter() != 0 || r.TotalFileSize() != 0 {
		t.Fatalf("totals %d/%d after clamp, want 0/0", r.TotalFileCounter(), r.TotalFileSize())
	}

	// A zero counter with leftover bytes heals to zero bytes.
	r.AddQueued(1, 100)
	r.SubtractQueued(1, 20)
	if r.TotalFileCounter() != 0 || r.TotalFileSize() != 0 {
		t.Fatalf("totals %d/%d after heal, want 0/0", r.TotalFileCounter(), r.TotalFileSize())
	}
}

func TestErrorHistory(t *testing.T) {
	f, _ := newTestFSA(t, "alpha")
	defer f.Detach()
	r := f.Row(0)

	for i := byte(1); i <= 7; i++ {
		r.PushErrorHistory(i)
	}
	// Newest first, length bounded.
	if r.ErrorHistory(0) != 7 || r.ErrorHistory(1) != 6 {
		t.Fatalf("history head %d %d, want 7 6", r.ErrorHistory(0), r.ErrorHistory(1))
	}
	if r.ErrorHistory(core.ErrorHistoryLength-1) != 3 {
		t.Fatalf("history tail %d, want 3", r.ErrorHistory(core.ErrorHistoryLength-1))
	}
}

func TestClearErrors(t *testing.T) {
	f, _ := newTestFSA(t, "alpha")
	defer f.Detach()
	r := f.Row(0)
	r.SetAllowedTransfers(2)

	r.SetErrorCounter(4)
	r.PushErrorHistory(9)
	r.Job(0).SetConnectStatus(NotWorking)
	r.Job(1).SetConnectStatus(TransferActive)

	r.ClearErrors()
	if r.ErrorCounter() != 0 {
		t.Fatalf("error counter = %d after clear", r.ErrorCounter())
	}
	if r.ErrorHistory(0) != 0 {
		t.Fatalf("history head = %d after clear", r.ErrorHistory(0))
	}
	if r.Job(0).ConnectStatus() != Disconnect {
		t.Fatal("NOT_WORKING slot should revive to DISCONNECT")
	}
	if r.Job(1).ConnectStatus() != TransferActive {
		t.Fatal("active slot must not be touched by ClearErrors")
	}
}

func TestJobSlotClear(t *testing.T) {
	f, _ := newTestFSA(t, "alpha")
	defer f.Detach()
	j := f.Row(0).Job(0)

	j.SetProcID(1234)
	j.SetConnectStatus(TransferActive)
	j.SetNoOfFiles(3)
	j.SetFileSize(999)
	j.SetUniqueName("7f_0")
	j.SetFileNameInUse("data.bin")

	j.ClearJob()
	if j.ProcID() != -1 || j.ConnectStatus() != Disconnect {
		t.Fatal("ClearJob did not idle the slot")
	}
	if j.NoOfFiles() != 0 || j.FileSize() != 0 || j.UniqueName() != "" || j.FileNameInUse() != "" {
		t.Fatal("ClearJob left job state behind")
	}
}

func TestCreateAttachFRA(t *testing.T) {
	dir := test.WorkDir(t)
	f, err := CreateFRA(dir, 0, []string{"feed-a", "feed-b"})
	if err != nil {
		t.Fatal(err)
	}
	f.Detach()

	g, err := AttachFRA(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Detach()
	if g.Count() != 2 {
		t.Fatalf("count = %d, want 2", g.Count())
	}
	if g.PosByAlias("feed-b") != 1 {
		t.Fatalf("PosByAlias(feed-b) = %d, want 1", g.PosByAlias("feed-b"))
	}
	r := g.Row(0)
	if r.DirID() != DirID("feed-a") {
		t.Fatalf("dir id %x does not match alias hash %x", r.DirID(), DirID("feed-a"))
	}

	h, err := AttachFRAPos(dir, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Detach()
	h.Row.SetQueued(5)
	if g.Row(1).Queued() != 5 {
		t.Fatal("FRA row view and full mapping do not share bytes")
	}
}

func TestHostDirIDStable(t *testing.T) {
	// The hashes are part of the on-disk format; same input, same id.
	if HostID("alpha") != HostID("alpha") || DirID("feed") != DirID("feed") {
		t.Fatal("id hashes must be deterministic")
	}
	if HostID("alpha") == HostID("beta") {
		t.Fatal("different aliases should hash differently")
	}
}
