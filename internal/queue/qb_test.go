// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/openafd/afd/internal/core"
	test "github.com/openafd/afd/pkg/testutil"
)

func newQB(t *testing.T) (*QB, string) {
	dir := test.WorkDir(t)
	q, err := AttachQB(dir)
	if err != nil {
		t.Fatal(err)
	}
	return q, dir
}

func TestQBAddRemove(t *testing.T) {
	q, _ := newQB(t)
	defer q.Detach()

	for i := 0; i < 3; i++ {
		e, err := q.Add()
		if err != nil {
			t.Fatal(err)
		}
		e.SetMsgName(fmt.Sprintf("1/%x/100_0_0", i))
		e.SetMsgNumber(float64(i))
	}
	if q.Count() != 3 {
		t.Fatalf("count = %d, want 3", q.Count())
	}
	if e := q.Entry(0); e.Pid() != core.QueuePending || e.ConnectPos() != -1 {
		t.Fatalf("fresh entry pid=%d connect=%d", e.Pid(), e.ConnectPos())
	}

	q.Remove(1)
	if q.Count() != 2 {
		t.Fatalf("count = %d after remove", q.Count())
	}
	// The tail moved down by one.
	if q.Entry(1).MsgNumber() != 2 {
		t.Fatalf("entry 1 priority = %g after remove, want 2", q.Entry(1).MsgNumber())
	}
	if p := q.PosByMsgName("1/2/100_0_0"); p != 1 {
		t.Fatalf("PosByMsgName = %d, want 1", p)
	}
	if p := q.PosByMsgName("1/1/100_0_0"); p != -1 {
		t.Fatal("removed entry still found by name")
	}
}

// Filling the initial block grows the mapping by another block without
// disturbing the entries already there.
func TestQBGrowth(t *testing.T) {
	q, dir := newQB(t)
	defer q.Detach()

	for i := 0; i <= core.MsgQueBufSize; i++ {
		e, err := q.Add()
		if err != nil {
			t.Fatal(err)
		}
		e.SetMsgName(fmt.Sprintf("1/%x/100_0_0", i))
		e.SetFileSizeToSend(int64(i))
	}
	if q.Count() != core.MsgQueBufSize+1 {
		t.Fatalf("count = %d", q.Count())
	}
	e := q.Entry(core.MsgQueBufSize - 1)
	if e.FileSizeToSend() != core.MsgQueBufSize-1 || e.Pid() != core.QueuePending {
		t.Fatal("growth disturbed the last entry of the old block")
	}

	fi, err := os.Stat(filepath.Join(dir, core.FifoDir, core.MsgQueueFile))
	if err != nil {
		t.Fatal(err)
	}
	want := int64(core.AreaHeaderSize + 2*core.MsgQueBufSize*QBEntrySize)
	if fi.Size() != want {
		t.Fatalf("file size = %d after growth, want %d", fi.Size(), want)
	}
}

func TestPendingOrderPriority(t *testing.T) {
	q, _ := newQB(t)
	defer q.Detach()

	now := int64(1700000000)
	add := func(prio float64, created int64, retries uint32) {
		e, err := q.Add()
		if err != nil {
			t.Fatal(err)
		}
		e.SetMsgNumber(prio)
		e.SetCreationTime(created)
		e.SetRetries(retries)
	}
	add(5.0, now, 0)    // fresh, middle priority
	add(9.0, now, 0)    // fresh, worst priority
	add(7.0, now, 5)    // entry 2: waited an hour with 5 retries
	q.Entry(2).SetCreationTime(now - 3600)

	// 7.0 - 1.6*3600/60 = -89: the starved job overtakes everything.
	order := q.PendingOrder(now)
	if len(order) != 3 || order[0] != 2 || order[1] != 0 || order[2] != 1 {
		t.Fatalf("order = %v, want [2 0 1]", order)
	}

	// A running entry drops out of the pending set.
	q.Entry(2).SetPid(4711)
	order = q.PendingOrder(now)
	if len(order) != 2 || order[0] != 0 {
		t.Fatalf("order = %v with entry 2 running, want [0 1]", order)
	}
}

func TestPendingOrderRetryCap(t *testing.T) {
	q, _ := newQB(t)
	defer q.Detach()

	now := int64(1700000000)
	e, _ := q.Add()
	e.SetMsgNumber(1.0)
	e.SetCreationTime(now - 60)
	e.SetRetries(100) // beyond the table, clamps to the last factor

	if got := effectivePriority(q.Entry(0), now); got != 1.0-6.4 {
		t.Fatalf("effective priority = %g, want %g", got, 1.0-6.4)
	}
}

func TestMain(m *testing.M) {
	test.TestMain(m)
}
