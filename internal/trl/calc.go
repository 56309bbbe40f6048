// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package trl

import (
	"sort"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/status"
)

// A Governor owns the parsed group config and a cache mapping each FSA row
// to its group. The queue manager holds one and calls CalcPerProcess after
// every change to a host's active transfer set.
type Governor struct {
	fsa   *status.FSA
	cfg   *Config
	cache []int // FSA row index -> group index, -1 for ungrouped
}

// NewGovernor builds a governor over the given FSA from the group file at
// path.
func NewGovernor(fsa *status.FSA, path string) (*Governor, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	g := &Governor{fsa: fsa, cfg: cfg}
	g.refreshMembership()
	return g, nil
}

func (g *Governor) refreshMembership() {
	n := g.fsa.Count()
	g.cache = make([]int, n)
	for i := 0; i < n; i++ {
		g.cache[i] = g.cfg.GroupFor(g.fsa.Row(i).HostAlias())
	}
}

// MaybeReload re-reads the group file if its mtime changed, rebuilding the
// membership cache. Per-process budgets of every grouped host are then
// recomputed, since membership may have moved.
func (g *Governor) MaybeReload() {
	if !g.cfg.Changed() {
		return
	}
	cfg, err := LoadConfig(g.cfg.path)
	if err != nil {
		log.Errorf("Failed to reload %s, keeping old groups: %v", g.cfg.path, err)
		return
	}
	log.Infof("Transfer rate limit groups reloaded from %s (%d groups)", cfg.path, len(cfg.Groups))
	g.cfg = cfg
	g.refreshMembership()
	for i := 0; i < g.fsa.Count(); i++ {
		g.CalcPerProcess(i)
	}
}

// realActive counts a host's transfers that are actually moving bytes:
// slots with a pid whose unique_name is set. A kept-open idle connection
// has a pid but an empty unique_name and gets no budget.
func realActive(row status.FSARow) int64 {
	var n int64
	for i := int32(0); i < row.AllowedTransfers(); i++ {
		j := row.Job(int(i))
		if j.ProcID() > 0 && j.UniqueName() != "" {
			n++
		}
	}
	if a := int64(row.ActiveTransfers()); n > a {
		n = a
	}
	return n
}

// CalcPerProcess recomputes trl_per_process for the host at hostIdx, and,
// when the host belongs to a group, for every member of that group (their
// shares are coupled).
//
// Group split: members that carry their own per-host limit smaller than
// the group budget keep that smaller share, carved out first (smallest
// limit first so the carve-outs are stable); the remaining budget is
// divided over the remaining members' real active transfers.
func (g *Governor) CalcPerProcess(hostIdx int) {
	row := g.fsa.Row(hostIdx)
	grp := -1
	if hostIdx < len(g.cache) {
		grp = g.cache[hostIdx]
	}

	if grp == -1 {
		limit := row.TransferRateLimit()
		if limit <= 0 {
			row.SetTrlPerProcess(0)
			return
		}
		active := realActive(row)
		if active <= 1 {
			row.SetTrlPerProcess(limit)
			return
		}
		per := limit / active
		if per < 1 {
			per = 1
		}
		row.SetTrlPerProcess(per)
		return
	}

	group := g.cfg.Groups[grp]
	type member struct {
		row    status.FSARow
		active int64
		limit  int64 // per-host limit, 0 for none
	}
	var limited, unlimited []member
	for i := 0; i < g.fsa.Count(); i++ {
		if g.cache[i] != grp {
			continue
		}
		r := g.fsa.Row(i)
		a := realActive(r)
		if a == 0 {
			r.SetTrlPerProcess(0)
			continue
		}
		m := member{row: r, active: a, limit: r.TransferRateLimit()}
		if m.limit > 0 && m.limit < group.Limit {
			limited = append(limited, m)
		} else {
			unlimited = append(unlimited, m)
		}
	}

	remaining := group.Limit
	sort.Slice(limited, func(i, j int) bool { return limited[i].limit < limited[j].limit })
	for _, m := range limited {
		share := m.limit
		if share > remaining {
			share = remaining
		}
		per := share / m.active
		if per < 1 {
			per = 1
		}
		m.row.SetTrlPerProcess(per)
		remaining -= share
	}

	var totalActive int64
	for _, m := range unlimited {
		totalActive += m.active
	}
	if totalActive > 0 {
		per := remaining / totalActive
		if per < 1 {
			per = 1
		}
		for _, m := range unlimited {
			m.row.SetTrlPerProcess(per)
		}
	}
}
