// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package mmbuf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openafd/afd/pkg/reclock"
)

// Status areas are renamed, never rewritten: the live file is
// "<prefix>.<id>" and a companion id file holds the current id. The id
// file is read and written under a write lock on its first byte, which is
// what serializes area swaps against new attachers.

// ReadID returns the current area id from the id file at path.
func ReadID(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, fileMode)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err = reclock.Lock(f, 0, 1); err != nil {
		return 0, err
	}
	defer reclock.Unlock(f, 0, 1)

	buf := make([]byte, 16)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0, fmt.Errorf("mmbuf: id file %s: %v", path, err)
	}
	return id, nil
}

// WriteID stores a new area id in the id file at path, creating it if
// needed.
func WriteID(path string, id int) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = reclock.Lock(f, 0, 1); err != nil {
		return err
	}
	defer reclock.Unlock(f, 0, 1)

	data := strconv.Itoa(id) + "\n"
	if _, err = f.WriteAt([]byte(data), 0); err != nil {
		return err
	}
	return f.Truncate(int64(len(data)))
}

// AreaPath composes the live file name for an area prefix and id.
func AreaPath(prefix string, id int) string {
	return fmt.Sprintf("%s.%d", prefix, id)
}
