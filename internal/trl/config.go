// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package trl is the transfer-rate-limit governor. A config file assigns
// hosts to named groups with a shared bytes-per-second budget; whenever
// the set of active transfers changes, the governor recomputes the budget
// each worker process must honor and stores it in the host's FSA row. The
// workers enforce it with a Limiter.

package trl

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
)

// A Group is one section of the config file: a name, a list of host alias
// patterns, and a shared limit in bytes per second.
type Group struct {
	Name    string
	Members []string
	Limit   int64
}

// A Config is a parsed group.transfer_rate_limit file plus the metadata
// needed to notice that it changed on disk.
type Config struct {
	Groups []Group

	path  string
	mtime time.Time
}

// LoadConfig parses the group file at path. A missing file is not an
// error: rate groups are optional, and the result is simply empty.
func LoadConfig(path string) (*Config, error) {
	c := &Config{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		c.mtime = fi.ModTime()
	}

	var cur *Group
	lineNo := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end < 2 {
				return nil, fmt.Errorf("%s:%d: malformed section %q", path, lineNo, line)
			}
			c.Groups = append(c.Groups, Group{Name: line[1:end]})
			cur = &c.Groups[len(c.Groups)-1]
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 1 || cur == nil {
			return nil, fmt.Errorf("%s:%d: stray line %q", path, lineNo, line)
		}
		key, val := strings.TrimSpace(line[:eq]), strings.TrimSpace(line[eq+1:])
		switch key {
		case "members":
			for _, m := range strings.Split(val, ",") {
				if m = strings.TrimSpace(m); m != "" {
					cur.Members = append(cur.Members, m)
				}
			}
		case "limit":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s:%d: bad limit %q", path, lineNo, val)
			}
			cur.Limit = n
		default:
			log.Errorf("%s:%d: unknown key %q ignored", path, lineNo, key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Changed reports whether the file's mtime differs from the one this
// Config was parsed at.
func (c *Config) Changed() bool {
	fi, err := os.Stat(c.path)
	if err != nil {
		// File gone: changed iff we had content.
		return len(c.Groups) > 0 || !c.mtime.IsZero()
	}
	return !fi.ModTime().Equal(c.mtime)
}

// GroupFor returns the index of the group whose member patterns match the
// alias, -1 if none. Patterns are shell globs. A host matched by several
// groups is logged; the last group wins.
func (c *Config) GroupFor(alias string) int {
	found := -1
	for i := range c.Groups {
		for _, pat := range c.Groups[i].Members {
			ok, err := path.Match(pat, alias)
			if err != nil {
				log.Errorf("Bad member pattern %q in group %s: %v", pat, c.Groups[i].Name, err)
				continue
			}
			if ok {
				if found != -1 {
					log.Errorf("Host %s matches both group %s and %s, taking %s",
						alias, c.Groups[found].Name, c.Groups[i].Name, c.Groups[i].Name)
				}
				found = i
				break
			}
		}
	}
	return found
}
