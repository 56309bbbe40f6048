// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package dlog carries the delete-log and confirmation-of-dispatch
// (DEMCD) records workers push through FIFOs to the log daemons. Records
// are fixed-layout binary with the variable file name at the end, written
// with a single write call so POSIX pipe atomicity keeps them whole.
// A record that would not fit in one pipe write is staged to a compressed
// file and a small reference record travels through the FIFO instead.

package dlog

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/openafd/afd/internal/core"
	"github.com/openafd/afd/pkg/mmbuf"
)

// Reasons a file was deleted, recorded in delete-log records.
const (
	ReasonAgeLimit     = byte(1)
	ReasonDupcheck     = byte(2)
	ReasonUserDel      = byte(3)
	ReasonExecFailed   = byte(4)
	ReasonStagedRecord = byte(255) // file name is a staging file reference
)

// DEMCD confirmation types.
const (
	ConfirmDispatch = byte(1)
	ConfirmDelivery = byte(2)
	ConfirmStaged   = byte(255)
)

// Delete-log record field offsets. The header is 8-byte aligned so a
// native reader can overlay it.
const (
	delFileSize   = 0  // int64
	delInputTime  = 8  // int64
	delJobID      = 16 // uint32
	delDirID      = 20
	delSplitJob   = 24
	delUniqueNum  = 28
	delNameLength = 32 // uint16
	delReason     = 34
	delHostName   = 35 // [hostNameField]byte

	hostNameField = core.MaxHostAliasLength + 4 + 1

	// DeleteFixedSize is the record size before the variable file name.
	DeleteFixedSize = delHostName + hostNameField // 72
)

// DEMCD record field offsets.
const (
	demFileSize     = 0 // int64
	demJobID        = 8
	demUniqueOffset = 12 // uint16
	demNameLength   = 14 // uint16
	demConfirmType  = 16
	demHostName     = 17 // [MaxHostAliasLength+1]byte

	demcdHostField = core.MaxHostAliasLength + 1

	// DemcdFixedSize is the record size before the variable file name,
	// padded to 8-byte alignment.
	DemcdFixedSize = 56
)

// A DeleteRecord describes one deleted file.
type DeleteRecord struct {
	FileSize        int64
	InputTime       int64
	JobID           uint32
	DirID           uint32
	SplitJobCounter uint32
	UniqueNumber    uint32
	Reason          byte
	HostName        string
	FileName        string
}

// A DemcdRecord confirms the dispatch or delivery of one file.
type DemcdRecord struct {
	FileSize     int64
	JobID        uint32
	UniqueOffset uint16
	ConfirmType  byte
	HostName     string
	FileName     string
}

func (r *DeleteRecord) encode() []byte {
	b := make([]byte, DeleteFixedSize+len(r.FileName)+1)
	mmbuf.PutInt64(b, delFileSize, r.FileSize)
	mmbuf.PutInt64(b, delInputTime, r.InputTime)
	mmbuf.PutUint32(b, delJobID, r.JobID)
	mmbuf.PutUint32(b, delDirID, r.DirID)
	mmbuf.PutUint32(b, delSplitJob, r.SplitJobCounter)
	mmbuf.PutUint32(b, delUniqueNum, r.UniqueNumber)
	b[delNameLength] = byte(len(r.FileName))
	b[delNameLength+1] = byte(len(r.FileName) >> 8)
	b[delReason] = r.Reason
	mmbuf.PutStr(b, delHostName, hostNameField, r.HostName)
	copy(b[DeleteFixedSize:], r.FileName)
	return b
}

func decodeDelete(b []byte) (*DeleteRecord, error) {
	if len(b) < DeleteFixedSize {
		return nil, fmt.Errorf("dlog: delete record truncated at %d bytes", len(b))
	}
	nameLen := int(b[delNameLength]) | int(b[delNameLength+1])<<8
	if len(b) < DeleteFixedSize+nameLen {
		return nil, fmt.Errorf("dlog: delete record short, %d bytes for name length %d", len(b), nameLen)
	}
	return &DeleteRecord{
		FileSize:        mmbuf.Int64(b, delFileSize),
		InputTime:       mmbuf.Int64(b, delInputTime),
		JobID:           mmbuf.Uint32(b, delJobID),
		DirID:           mmbuf.Uint32(b, delDirID),
		SplitJobCounter: mmbuf.Uint32(b, delSplitJob),
		UniqueNumber:    mmbuf.Uint32(b, delUniqueNum),
		Reason:          b[delReason],
		HostName:        mmbuf.Str(b, delHostName, hostNameField),
		FileName:        string(b[DeleteFixedSize : DeleteFixedSize+nameLen]),
	}, nil
}

func (r *DemcdRecord) encode() []byte {
	b := make([]byte, DemcdFixedSize+len(r.FileName)+1)
	mmbuf.PutInt64(b, demFileSize, r.FileSize)
	mmbuf.PutUint32(b, demJobID, r.JobID)
	b[demUniqueOffset] = byte(r.UniqueOffset)
	b[demUniqueOffset+1] = byte(r.UniqueOffset >> 8)
	b[demNameLength] = byte(len(r.FileName))
	b[demNameLength+1] = byte(len(r.FileName) >> 8)
	b[demConfirmType] = r.ConfirmType
	mmbuf.PutStr(b, demHostName, demcdHostField, r.HostName)
	copy(b[DemcdFixedSize:], r.FileName)
	return b
}

func decodeDemcd(b []byte) (*DemcdRecord, error) {
	if len(b) < DemcdFixedSize {
		return nil, fmt.Errorf("dlog: demcd record truncated at %d bytes", len(b))
	}
	nameLen := int(b[demNameLength]) | int(b[demNameLength+1])<<8
	if len(b) < DemcdFixedSize+nameLen {
		return nil, fmt.Errorf("dlog: demcd record short, %d bytes for name length %d", len(b), nameLen)
	}
	return &DemcdRecord{
		FileSize:     mmbuf.Int64(b, demFileSize),
		JobID:        mmbuf.Uint32(b, demJobID),
		UniqueOffset: uint16(b[demUniqueOffset]) | uint16(b[demUniqueOffset+1])<<8,
		ConfirmType:  b[demConfirmType],
		HostName:     mmbuf.Str(b, demHostName, demcdHostField),
		FileName:     string(b[DemcdFixedSize : DemcdFixedSize+nameLen]),
	}, nil
}

// stage externalizes an oversize record: the encoded bytes go snappy
// compressed into a staging file and the returned path is what travels
// through the FIFO instead.
func stage(workDir string, encoded []byte) (string, error) {
	dir := filepath.Join(workDir, core.FileDir)
	f, err := ioutil.TempFile(dir, ".dlog-staged-")
	if err != nil {
		return "", err
	}
	_, err = f.Write(snappy.Encode(nil, encoded))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func unstage(path string) ([]byte, error) {
	compressed, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	os.Remove(path)
	return snappy.Decode(nil, compressed)
}

// WriteDelete pushes one delete-log record through the FIFO in a single
// write. Oversize records are staged first.
func WriteDelete(w io.Writer, workDir string, r *DeleteRecord) error {
	b := r.encode()
	if len(b) > core.PipeBuf {
		path, err := stage(workDir, b)
		if err != nil {
			return err
		}
		ref := *r
		ref.Reason = ReasonStagedRecord
		ref.FileName = path
		b = ref.encode()
	}
	_, err := w.Write(b)
	return err
}

// WriteDemcd pushes one DEMCD record through the FIFO in a single write.
func WriteDemcd(w io.Writer, workDir string, r *DemcdRecord) error {
	b := r.encode()
	if len(b) > core.PipeBuf {
		path, err := stage(workDir, b)
		if err != nil {
			return err
		}
		ref := *r
		ref.ConfirmType = ConfirmStaged
		ref.FileName = path
		b = ref.encode()
	}
	_, err := w.Write(b)
	return err
}

// A DeleteReader assembles delete-log records from a FIFO byte stream,
// keeping residual bytes across short reads.
type DeleteReader struct {
	r   io.Reader
	buf []byte
}

// NewDeleteReader wraps the read side of the delete-log FIFO.
func NewDeleteReader(r io.Reader) *DeleteReader {
	return &DeleteReader{r: r}
}

// Next returns the next complete record, blocking on the FIFO as needed.
// Staged references are resolved transparently.
func (d *DeleteReader) Next() (*DeleteRecord, error) {
	for {
		if rec, n, err := d.tryDecode(); err != nil {
			return nil, err
		} else if rec != nil {
			d.buf = d.buf[:copy(d.buf, d.buf[n:])]
			if rec.Reason == ReasonStagedRecord {
				raw, err := unstage(rec.FileName)
				if err != nil {
					return nil, err
				}
				return decodeDelete(raw)
			}
			return rec, nil
		}
		chunk := make([]byte, core.PipeBuf)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// tryDecode attempts to take one record off the front of the buffer,
// returning (nil, 0, nil) when more bytes are needed.
func (d *DeleteReader) tryDecode() (*DeleteRecord, int, error) {
	if len(d.buf) < DeleteFixedSize {
		return nil, 0, nil
	}
	nameLen := int(d.buf[delNameLength]) | int(d.buf[delNameLength+1])<<8
	total := DeleteFixedSize + nameLen + 1
	// Writers stage anything that would not fit in one pipe write, so a
	// bigger frame on the stream means we lost sync.
	if total > core.PipeBuf {
		return nil, 0, fmt.Errorf("dlog: delete record claims %d bytes, stream out of sync", total)
	}
	if len(d.buf) < total {
		return nil, 0, nil
	}
	rec, err := decodeDelete(d.buf[:total])
	if err != nil {
		return nil, 0, err
	}
	return rec, total, nil
}

// A DemcdReader assembles DEMCD records from a FIFO byte stream.
type DemcdReader struct {
	r   io.Reader
	buf []byte
}

// NewDemcdReader wraps the read side of the DEMCD FIFO.
func NewDemcdReader(r io.Reader) *DemcdReader {
	return &DemcdReader{r: r}
}

// Next returns the next complete record.
func (d *DemcdReader) Next() (*DemcdRecord, error) {
	for {
		if len(d.buf) >= DemcdFixedSize {
			nameLen := int(d.buf[demNameLength]) | int(d.buf[demNameLength+1])<<8
			total := DemcdFixedSize + nameLen + 1
			if total > core.PipeBuf {
				return nil, fmt.Errorf("dlog: demcd record claims %d bytes, stream out of sync", total)
			}
			if len(d.buf) >= total {
				rec, err := decodeDemcd(d.buf[:total])
				if err != nil {
					return nil, err
				}
				d.buf = d.buf[:copy(d.buf, d.buf[total:])]
				if rec.ConfirmType == ConfirmStaged {
					raw, err := unstage(rec.FileName)
					if err != nil {
						return nil, err
					}
					return decodeDemcd(raw)
				}
				return rec, nil
			}
		}
		chunk := make([]byte, core.PipeBuf)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
