// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"strconv"
	"strings"
)

// A MsgName identifies one queued message. On disk it is the relative path
// "<dir_id>/<job_id>/<creation_time>_<unique>_<split>", all fields in hex.
// A fourth path component, when present, names a single file inside the
// message and is not part of the message identity.
type MsgName struct {
	DirID           uint32
	JobID           uint32
	CreationTime    int64
	UniqueNumber    uint32
	SplitJobCounter uint32
}

// ParseMsgName parses a message name, with or without a trailing file
// component. It returns the parsed name, the file component ("" if absent),
// and an error for names that do not follow the scheme.
func ParseMsgName(s string) (MsgName, string, error) {
	var m MsgName

	parts := strings.Split(s, "/")
	var file string
	switch len(parts) {
	case 3:
	case 4:
		file = parts[3]
	default:
		return m, "", fmt.Errorf("message name %q: want 3 or 4 path components, have %d", s, len(parts))
	}

	dirID, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return m, "", fmt.Errorf("message name %q: bad dir id: %v", s, err)
	}
	jobID, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return m, "", fmt.Errorf("message name %q: bad job id: %v", s, err)
	}

	sub := strings.Split(parts[2], "_")
	if len(sub) != 3 {
		return m, "", fmt.Errorf("message name %q: want time_unique_split, have %q", s, parts[2])
	}
	ctime, err := strconv.ParseInt(sub[0], 16, 64)
	if err != nil {
		return m, "", fmt.Errorf("message name %q: bad creation time: %v", s, err)
	}
	unique, err := strconv.ParseUint(sub[1], 16, 32)
	if err != nil {
		return m, "", fmt.Errorf("message name %q: bad unique number: %v", s, err)
	}
	split, err := strconv.ParseUint(sub[2], 16, 32)
	if err != nil {
		return m, "", fmt.Errorf("message name %q: bad split counter: %v", s, err)
	}

	m.DirID = uint32(dirID)
	m.JobID = uint32(jobID)
	m.CreationTime = ctime
	m.UniqueNumber = uint32(unique)
	m.SplitJobCounter = uint32(split)
	return m, file, nil
}

// String renders the message name in its on-disk form.
func (m MsgName) String() string {
	return fmt.Sprintf("%x/%x/%x_%x_%x",
		m.DirID, m.JobID, m.CreationTime, m.UniqueNumber, m.SplitJobCounter)
}
