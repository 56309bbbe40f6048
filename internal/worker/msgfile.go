// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/appendlog"
	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/internal/dupcheck"
)

// readMsgFile loads the job configuration from the message file: the
// destination host, the optional age limit and the dedup settings. The
// [OPTIONS] section with its restart= key is owned by package appendlog
// and skipped here.
func (j *Job) readMsgFile() core.Error {
	path := appendlog.MsgPath(j.WorkDir, j.Msg.JobID)
	f, err := os.Open(path)
	if err != nil {
		log.Errorf("No message file for job %x: %v", j.Msg.JobID, err)
		return core.ErrNoMessageFile
	}
	defer f.Close()

	j.AgeLimit = 0
	j.DupFlags = 0
	j.DupTimeout = 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "" || line[0] == '#' || line[0] == '[':
		case strings.HasPrefix(line, "host="):
			j.HostAlias = line[len("host="):]
		case strings.HasPrefix(line, "age-limit="):
			n, err := strconv.ParseUint(line[len("age-limit="):], 10, 32)
			if err != nil {
				log.Errorf("Bad age-limit in %s: %q", path, line)
				continue
			}
			j.AgeLimit = uint32(n)
		case strings.HasPrefix(line, "dupcheck="):
			// dupcheck=<flags>,<timeout_sec>
			val := line[len("dupcheck="):]
			c := strings.IndexByte(val, ',')
			if c < 1 {
				log.Errorf("Bad dupcheck in %s: %q", path, line)
				continue
			}
			flags, err1 := strconv.ParseUint(val[:c], 10, 32)
			ttl, err2 := strconv.ParseInt(val[c+1:], 10, 64)
			if err1 != nil || err2 != nil {
				log.Errorf("Bad dupcheck in %s: %q", path, line)
				continue
			}
			j.DupFlags = dupcheck.Flags(flags)
			j.DupTimeout = time.Duration(ttl) * time.Second
		case strings.HasPrefix(line, "restart="):
		default:
			log.V(1).Infof("Ignoring message option %q in %s", line, path)
		}
	}
	if err := s.Err(); err != nil {
		log.Errorf("Failed to read message file %s: %v", path, err)
		return core.ErrNoMessageFile
	}
	if j.HostAlias == "" {
		log.Errorf("Message file %s names no host", path)
		return core.ErrNoMessageFile
	}
	return core.NoError
}

func nowUnix() int64 {
	return time.Now().Unix()
}
