// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package appendlog keeps the restart state of interrupted transfers.
// Every persistent message file under <work>/msg/<hex job_id> can carry a
// plain text [OPTIONS] section with a restart= key listing
// <filename>|<mtime> tokens; a worker that finds its file in the list with
// an unchanged mtime resumes at the remote offset instead of resending
// from scratch.
//
// All operations hold an exclusive whole-file lock for their complete
// read-mutate-write cycle. Write failures are logged and swallowed: a
// restart set that is a superset of the truth only costs resent bytes.

package appendlog

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/reclock"
)

const (
	optionsHeader = "[OPTIONS]"
	restartKey    = "restart="
)

// MsgPath returns the message file path for a job id.
func MsgPath(workDir string, jobID uint32) string {
	return filepath.Join(workDir, core.MsgDir, fmt.Sprintf("%x", jobID))
}

// LogAppend records that filename was partially sent: the source file at
// sourcePath is statted and <filename>|<mtime> is added to the restart
// list of the job's message file, replacing any previous token for the
// same filename.
func LogAppend(workDir string, jobID uint32, filename, sourcePath string) {
	fi, err := os.Stat(sourcePath)
	if err != nil {
		log.Warningf("Failed to stat %s, not logging append for job %x: %v", sourcePath, jobID, err)
		return
	}
	mutate(workDir, jobID, func(content string) (string, bool) {
		return upsertToken(content, filename, fi.ModTime().Unix())
	})
}

// RemoveAppend drops the restart token for filename from the job's
// message file. When it was the last token, the whole restart= option
// goes with it, and so does an [OPTIONS] section that held nothing else.
func RemoveAppend(workDir string, jobID uint32, filename string) {
	mutate(workDir, jobID, func(content string) (string, bool) {
		return removeToken(content, filename)
	})
}

// RemoveAllAppends drops the restart= option entirely.
func RemoveAllAppends(workDir string, jobID uint32) {
	mutate(workDir, jobID, func(content string) (string, bool) {
		return removeRestartLine(content)
	})
}

// AppendCompare reports whether the source file at sourcePath still has
// the mtime recorded in the restart token. The record argument is the
// token as read back, <filename>|<mtime>. Only an equal mtime permits a
// resume; anything else means the file changed and must be resent whole.
func AppendCompare(record, sourcePath string) bool {
	sep := strings.LastIndexByte(record, '|')
	if sep < 0 {
		return false
	}
	mtime, err := strconv.ParseInt(record[sep+1:], 10, 64)
	if err != nil {
		return false
	}
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return false
	}
	return fi.ModTime().Unix() == mtime
}

// RestartMtime looks up the recorded mtime for filename in the job's
// message file, returning ok=false when no token exists.
func RestartMtime(workDir string, jobID uint32, filename string) (mtime int64, ok bool) {
	path := MsgPath(workDir, jobID)
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	if err = reclock.LockFile(f); err != nil {
		log.Warningf("Failed to lock %s: %v", path, err)
		return 0, false
	}
	defer reclock.UnlockFile(f)

	b, err := ioutil.ReadAll(f)
	if err != nil {
		return 0, false
	}
	for _, tok := range restartTokens(string(b)) {
		sep := strings.LastIndexByte(tok, '|')
		if sep < 0 || tok[:sep] != filename {
			continue
		}
		v, err := strconv.ParseInt(tok[sep+1:], 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// mutate applies f to the message file's content under the whole-file
// lock and writes the result back when f reports a change.
func mutate(workDir string, jobID uint32, f func(string) (string, bool)) {
	path := MsgPath(workDir, jobID)
	fd, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		log.Warningf("Failed to open message file %s: %v", path, err)
		return
	}
	defer fd.Close()
	if err = reclock.LockFile(fd); err != nil {
		log.Warningf("Failed to lock %s: %v", path, err)
		return
	}
	defer reclock.UnlockFile(fd)

	b, err := ioutil.ReadAll(fd)
	if err != nil {
		log.Warningf("Failed to read %s: %v", path, err)
		return
	}
	out, changed := f(string(b))
	if !changed {
		return
	}
	if len(out) > len(b)+1 && len(out) > len(b)+len(restartKey)+len(optionsHeader)+4 {
		// More growth than one token plus fresh section headers can
		// explain points at a splice bug, better to see it in the log.
		log.Warningf("Message file %s grew from %d to %d bytes in one update", path, len(b), len(out))
	}
	n, err := fd.WriteAt([]byte(out), 0)
	if err != nil || n != len(out) {
		log.Warningf("Short write on %s (%d of %d bytes): %v", path, n, len(out), err)
		return
	}
	if err = fd.Truncate(int64(len(out))); err != nil {
		log.Warningf("Failed to truncate %s to %d bytes: %v", path, len(out), err)
	}
}

// restartTokens returns the tokens of the restart= line, nil when absent.
func restartTokens(content string) []string {
	_, val, ok := findRestart(content)
	if !ok {
		return nil
	}
	return strings.Fields(val)
}

// findRestart locates the restart= line and returns the line's start
// offset and its value (without trailing newline).
func findRestart(content string) (start int, val string, ok bool) {
	idx := 0
	for idx < len(content) {
		end := strings.IndexByte(content[idx:], '\n')
		var line string
		if end < 0 {
			line = content[idx:]
			end = len(content) - idx
		} else {
			line = content[idx : idx+end]
		}
		if strings.HasPrefix(line, restartKey) {
			return idx, line[len(restartKey):], true
		}
		idx += end + 1
	}
	return 0, "", false
}

func upsertToken(content, filename string, mtime int64) (string, bool) {
	token := filename + "|" + strconv.FormatInt(mtime, 10)
	start, val, ok := findRestart(content)
	if !ok {
		out := content
		if !strings.Contains(out, optionsHeader) {
			if out != "" && !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			out += optionsHeader + "\n"
		}
		if !strings.HasSuffix(out, "\n") && out != "" {
			out += "\n"
		}
		return out + restartKey + token + "\n", true
	}

	toks := strings.Fields(val)
	replaced := false
	for i, t := range toks {
		sep := strings.LastIndexByte(t, '|')
		if sep >= 0 && t[:sep] == filename {
			if t == token {
				return content, false
			}
			toks[i] = token
			replaced = true
			break
		}
	}
	if !replaced {
		toks = append(toks, token)
	}
	return spliceRestart(content, start, val, toks), true
}

func removeToken(content, filename string) (string, bool) {
	start, val, ok := findRestart(content)
	if !ok {
		return content, false
	}
	toks := strings.Fields(val)
	out := toks[:0]
	found := false
	for _, t := range toks {
		sep := strings.LastIndexByte(t, '|')
		if sep >= 0 && t[:sep] == filename {
			found = true
			continue
		}
		out = append(out, t)
	}
	if !found {
		return content, false
	}
	if len(out) == 0 {
		return cutRestartLine(content, start, val), true
	}
	return spliceRestart(content, start, val, out), true
}

func removeRestartLine(content string) (string, bool) {
	start, val, ok := findRestart(content)
	if !ok {
		return content, false
	}
	return cutRestartLine(content, start, val), true
}

// spliceRestart rebuilds the content with the restart line replaced by
// the given tokens. The value may have changed length (an mtime with a
// different number of digits), hence a full splice.
func spliceRestart(content string, start int, oldVal string, toks []string) string {
	lineLen := len(restartKey) + len(oldVal)
	tail := content[start+lineLen:]
	return content[:start] + restartKey + strings.Join(toks, " ") + tail
}

// cutRestartLine removes the restart line including its newline. An
// [OPTIONS] section left without any other option goes with it, so
// logging and removing the only token leaves the file as it was.
func cutRestartLine(content string, start int, val string) string {
	end := start + len(restartKey) + len(val)
	if end < len(content) && content[end] == '\n' {
		end++
	}
	return cutEmptyOptions(content[:start] + content[end:])
}

// cutEmptyOptions drops the [OPTIONS] header when nothing but blank
// lines follows it up to the next section or the end of the file.
func cutEmptyOptions(content string) string {
	lines := strings.SplitAfter(content, "\n")
	for i, ln := range lines {
		if strings.TrimRight(ln, "\n") != optionsHeader {
			continue
		}
		for j := i + 1; j < len(lines); j++ {
			rest := strings.TrimSpace(lines[j])
			if rest == "" {
				continue
			}
			if rest[0] == '[' {
				break
			}
			return content
		}
		return strings.Join(append(lines[:i:i], lines[i+1:]...), "")
	}
	return content
}
