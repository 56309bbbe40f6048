// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package mmbuf

import (
	"fmt"
	"os"
	"syscall"
)

// A RowView is a single row of an area mapped in isolation. Workers attach
// this way: they are told their row index on the command line and must not
// map (or even read) anyone else's row.
type RowView struct {
	f       *os.File
	mapping []byte
	skew    int   // intra-page offset of the row within the mapping
	base    int64 // byte offset of the row in the file
}

// AttachPos maps exactly one row of an existing area read-write. The
// header is checked first with an ordinary read so the mapping itself can
// start below the header on a page boundary.
func AttachPos(path string, version byte, headerSize, rowSize, pos int) (*RowView, error) {
	f, err := os.OpenFile(path, os.O_RDWR, fileMode)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, headerSize)
	if _, err = f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, err
	}
	if hdr[versionOffset] != version {
		f.Close()
		return nil, ErrWrongFile
	}
	count := Int32(hdr, countOffset)
	if pos < 0 || int32(pos) >= count {
		f.Close()
		return nil, fmt.Errorf("mmbuf: position %d out of range, area has %d rows", pos, count)
	}

	base := int64(headerSize + pos*rowSize)
	pagesize := int64(os.Getpagesize())
	mapStart := base - base%pagesize
	skew := int(base - mapStart)

	mapping, err := syscall.Mmap(int(f.Fd()), mapStart, rowSize+skew,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RowView{f: f, mapping: mapping, skew: skew, base: base}, nil
}

// Bytes returns the row as a slice aliasing the shared mapping.
func (v *RowView) Bytes() []byte {
	return v.mapping[v.skew:]
}

// Base returns the byte offset of the row in the file, for record locks.
func (v *RowView) Base() int64 {
	return v.base
}

// File exposes the backing file for record locks.
func (v *RowView) File() *os.File {
	return v.f
}

// Detach unmaps the row and closes the file. It never unlinks anything.
func (v *RowView) Detach() error {
	var err error
	if v.mapping != nil {
		err = syscall.Munmap(v.mapping)
		v.mapping = nil
	}
	if e := v.f.Close(); err == nil {
		err = e
	}
	return err
}
