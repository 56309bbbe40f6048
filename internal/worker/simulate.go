// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package worker

import (
	"io"
	"os"

	"github.com/openafd/afd/internal/core"
)

// A SimTransport goes through all the motions of a transfer without
// touching the network. Used for hosts marked simulate-only and as the
// transport in tests.
type SimTransport struct {
	// ChunkSize is the read size per pace callback.
	ChunkSize int

	// Fail, when set, makes every SendFile return this code.
	Fail core.Error
}

// Connect always succeeds.
func (t *SimTransport) Connect() core.Error { return core.NoError }

// Close always succeeds.
func (t *SimTransport) Close() core.Error { return core.NoError }

// A SimGetTransport is the retrieve-side counterpart: a remote directory
// that exists only as the Files slice.
type SimGetTransport struct {
	Files []RemoteFile

	// FetchSize overrides the byte count a fetch pretends to move.
	FetchSize int64

	// Fail, when set, makes List and FetchFile return this code.
	Fail core.Error
}

// Connect always succeeds.
func (t *SimGetTransport) Connect() core.Error { return core.NoError }

// Close always succeeds.
func (t *SimGetTransport) Close() core.Error { return core.NoError }

// List returns the configured listing.
func (t *SimGetTransport) List() ([]RemoteFile, core.Error) {
	if t.Fail != core.NoError {
		return nil, t.Fail
	}
	return t.Files, core.NoError
}

// FetchFile creates an empty local file and reports the listed size as
// transferred, paced in one chunk.
func (t *SimGetTransport) FetchFile(remoteName, localPath string, pace func(int64)) (int64, core.Error) {
	if t.Fail != core.NoError {
		return 0, t.Fail
	}
	f, err := os.Create(localPath)
	if err != nil {
		return 0, core.ErrWriteLocal
	}
	f.Close()
	size := t.FetchSize
	for _, rf := range t.Files {
		if rf.Name == remoteName {
			size = rf.Size
			break
		}
	}
	if size > 0 {
		pace(size)
	}
	return size, core.NoError
}

// SendFile reads the local file and discards it, pacing as a real
// transport would. A negative offset (resume) starts from zero, the
// remote side has nothing.
func (t *SimTransport) SendFile(localPath, remoteName string, offset int64, pace func(int64)) (int64, core.Error) {
	if t.Fail != core.NoError {
		return 0, t.Fail
	}
	f, err := os.Open(localPath)
	if err != nil {
		return 0, core.ErrOpenLocal
	}
	defer f.Close()
	if offset > 0 {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			return 0, core.ErrReadLocal
		}
	}
	chunk := t.ChunkSize
	if chunk <= 0 {
		chunk = 4096
	}
	buf := make([]byte, chunk)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			sent += int64(n)
			pace(int64(n))
		}
		if err == io.EOF {
			return sent, core.NoError
		}
		if err != nil {
			return sent, core.ErrReadLocal
		}
	}
}
