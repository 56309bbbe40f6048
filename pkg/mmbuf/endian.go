// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package mmbuf

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// NativeEndian is the byte order of the machine we are running on. The
// shared areas are read concurrently by independently built tools on the
// same host, so fields are stored in native order, not a canonical one.
var NativeEndian binary.ByteOrder = func() binary.ByteOrder {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// Int32 reads a native-order int32 at off.
func Int32(b []byte, off int) int32 {
	return int32(NativeEndian.Uint32(b[off:]))
}

// PutInt32 stores a native-order int32 at off.
func PutInt32(b []byte, off int, v int32) {
	NativeEndian.PutUint32(b[off:], uint32(v))
}

// Uint32 reads a native-order uint32 at off.
func Uint32(b []byte, off int) uint32 {
	return NativeEndian.Uint32(b[off:])
}

// PutUint32 stores a native-order uint32 at off.
func PutUint32(b []byte, off int, v uint32) {
	NativeEndian.PutUint32(b[off:], v)
}

// Int64 reads a native-order int64 at off.
func Int64(b []byte, off int) int64 {
	return int64(NativeEndian.Uint64(b[off:]))
}

// PutInt64 stores a native-order int64 at off.
func PutInt64(b []byte, off int, v int64) {
	NativeEndian.PutUint64(b[off:], uint64(v))
}

// Uint64 reads a native-order uint64 at off.
func Uint64(b []byte, off int) uint64 {
	return NativeEndian.Uint64(b[off:])
}

// PutUint64 stores a native-order uint64 at off.
func PutUint64(b []byte, off int, v uint64) {
	NativeEndian.PutUint64(b[off:], v)
}

// Float64 reads a native-order float64 at off.
func Float64(b []byte, off int) float64 {
	return math.Float64frombits(NativeEndian.Uint64(b[off:]))
}

// PutFloat64 stores a native-order float64 at off.
func PutFloat64(b []byte, off int, v float64) {
	NativeEndian.PutUint64(b[off:], math.Float64bits(v))
}

// Str reads a NUL-terminated string from a fixed-width field at off.
func Str(b []byte, off, width int) string {
	f := b[off : off+width]
	for i, c := range f {
		if c == 0 {
			return string(f[:i])
		}
	}
	return string(f)
}

// PutStr stores s into a fixed-width field at off, NUL padding the rest.
// Overlong strings are truncated to width-1 so the NUL survives.
func PutStr(b []byte, off, width int, s string) {
	f := b[off : off+width]
	if len(s) > width-1 {
		s = s[:width-1]
	}
	n := copy(f, s)
	for i := n; i < width; i++ {
		f[i] = 0
	}
}
