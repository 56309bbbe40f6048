// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package mmbuf manages the memory-mapped status areas shared between the
// queue manager and its workers. Every area file carries the same prefix
// header (count, pagesize, flags, version) padded out to a fixed word
// offset, followed by a flat array of fixed-size rows. Readers and writers
// are separate processes; the mapping is always MAP_SHARED.

package mmbuf

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Header field offsets, common to all areas.
const (
	countOffset    = 0
	pagesizeOffset = 4
	flagsOffset    = 8
	versionOffset  = 11
)

// ErrWrongFile is returned when the version byte of an area file does not
// match what the caller expects. The only correct reaction is to refuse to
// operate on the file.
var ErrWrongFile = errors.New("mmbuf: area version mismatch")

const fileMode os.FileMode = 0640

// An Area is a fully mapped status area: header plus all rows.
type Area struct {
	f          *os.File
	data       []byte
	headerSize int
	rowSize    int
}

// Create creates (or truncates) an area file sized for the given number of
// rows, writes a fresh header and maps it read-write.
func Create(path string, version byte, headerSize, rowSize, rows int) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return nil, err
	}
	size := headerSize + rowSize*rows
	if err = f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	a := &Area{f: f, data: data, headerSize: headerSize, rowSize: rowSize}
	PutInt32(data, pagesizeOffset, int32(os.Getpagesize()))
	data[versionOffset] = version
	PutInt32(data, countOffset, 0)
	return a, nil
}

// Open maps an existing area file read-write and verifies its header.
func Open(path string, version byte, headerSize, rowSize int) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR, fileMode)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := int(fi.Size())
	if size < headerSize {
		f.Close()
		return nil, fmt.Errorf("mmbuf: %s is only %d bytes, no room for a header", path, size)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	a := &Area{f: f, data: data, headerSize: headerSize, rowSize: rowSize}
	if data[versionOffset] != version {
		a.Close()
		return nil, ErrWrongFile
	}
	if n := a.Count(); n < 0 || headerSize+int(n)*rowSize > size {
		a.Close()
		return nil, fmt.Errorf("mmbuf: %s header count %d out of range for size %d", path, n, size)
	}
	return a, nil
}

// Count returns the row count from the header.
func (a *Area) Count() int32 {
	return Int32(a.data, countOffset)
}

// SetCount stores a new row count in the header.
func (a *Area) SetCount(n int32) {
	PutInt32(a.data, countOffset, n)
}

// Pagesize returns the page size recorded at creation time.
func (a *Area) Pagesize() int32 {
	return Int32(a.data, pagesizeOffset)
}

// Version returns the format version byte.
func (a *Area) Version() byte {
	return a.data[versionOffset]
}

// Flags returns the header flag byte. The core itself does not interpret it.
func (a *Area) Flags() byte {
	return a.data[flagsOffset]
}

// Header returns the mapped header as a slice. Bytes past the common
// fields (offset 12 and up) are free for area-specific use.
func (a *Area) Header() []byte {
	return a.data[:a.headerSize:a.headerSize]
}

// Rows returns how many rows fit in the current mapping.
func (a *Area) Rows() int {
	return (len(a.data) - a.headerSize) / a.rowSize
}

// Row returns the i'th row as a slice aliasing the shared mapping.
func (a *Area) Row(i int) []byte {
	off := a.headerSize + i*a.rowSize
	return a.data[off : off+a.rowSize : off+a.rowSize]
}

// RowOffset returns the byte offset of row i in the file, the base for
// record-range locks on that row.
func (a *Area) RowOffset(i int) int64 {
	return int64(a.headerSize + i*a.rowSize)
}

// Resize grows or shrinks the file to hold the given number of rows and
// remaps it. Row contents below the new size are preserved; the header is
// untouched.
func (a *Area) Resize(rows int) error {
	if err := syscall.Munmap(a.data); err != nil {
		return err
	}
	a.data = nil
	size := a.headerSize + a.rowSize*rows
	if err := a.f.Truncate(int64(size)); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(a.f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	a.data = data
	return nil
}

// File exposes the backing file for record locks.
func (a *Area) File() *os.File {
	return a.f
}

// Close unmaps and closes the area. The backing file stays on disk.
func (a *Area) Close() error {
	var err error
	if a.data != nil {
		err = syscall.Munmap(a.data)
		a.data = nil
	}
	if e := a.f.Close(); err == nil {
		err = e
	}
	return err
}

// Name returns the path of the backing file.
func (a *Area) Name() string {
	return a.f.Name()
}
