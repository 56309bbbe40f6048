// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package dupcheck decides whether a file has been seen before. Checksums
// of file name and/or content, optionally mixed with the recipient id, are
// kept with a TTL in a bolt database; a small LRU in front keeps the hot
// keys out of the database on the fast path.

package dupcheck

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
)

// Flags control what is checksummed and what happens on a hit.
type Flags uint32

// Flag bits.
const (
	// CheckFilename includes the file name in the checksum.
	CheckFilename Flags = 1 << 0

	// CheckContent includes the file content in the checksum.
	CheckContent Flags = 1 << 1

	// CRC32C selects the Castagnoli polynomial (hardware assisted on most
	// machines) instead of IEEE.
	CRC32C Flags = 1 << 2

	// ActionDelete unlinks a duplicate.
	ActionDelete Flags = 1 << 3

	// ActionStore quarantines a duplicate under files/store/<job_id>/.
	ActionStore Flags = 1 << 4

	// ActionWarn only logs a duplicate.
	ActionWarn Flags = 1 << 5

	// UseRecipientID mixes the recipient id into the checksum so the same
	// file going to two recipients is not a duplicate.
	UseRecipientID Flags = 1 << 6

	// TimeoutIsFixed keeps the original expiry on a hit instead of
	// extending it.
	TimeoutIsFixed Flags = 1 << 7
)

var crcBucket = []byte("crc")

const lruEntries = 4096

// A Store is the CRC store shared by all workers of one AFD instance.
// Safe for concurrent use; bolt serializes the writers.
type Store struct {
	db *bolt.DB

	lock  sync.Mutex
	cache *lru.Cache // cacheKey -> int64 expiry
}

type cacheKey struct {
	id  uint32
	crc uint32
}

// Open opens (or creates) the CRC store under the work directory.
func Open(workDir string) (*Store, error) {
	path := filepath.Join(workDir, "crc.db")
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(crcBucket)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cache: lru.New(lruEntries)}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checksum computes the dedup key for a file per the flags. With
// CheckContent the file at fullPath is streamed through the CRC.
func Checksum(fullPath, name string, id uint32, flags Flags) (uint32, error) {
	table := crc32.IEEETable
	if flags&CRC32C != 0 {
		table = crc32.MakeTable(crc32.Castagnoli)
	}
	var crc uint32
	if flags&UseRecipientID != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], id)
		crc = crc32.Update(crc, table, b[:])
	}
	if flags&CheckFilename != 0 {
		crc = crc32.Update(crc, table, []byte(name))
	}
	if flags&CheckContent != 0 {
		f, err := os.Open(fullPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				crc = crc32.Update(crc, table, buf[:n])
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, err
			}
		}
	}
	return crc, nil
}

func dbKey(id, crc uint32) []byte {
	var k [8]byte
	binary.BigEndian.PutUint32(k[0:], id)
	binary.BigEndian.PutUint32(k[4:], crc)
	return k[:]
}

// IsDup reports whether the checksum has been seen and is not expired,
// and records it with the given TTL. With rm set, a hit also removes the
// entry (a file that failed to send is allowed to come back). The id is
// the job or recipient id the checksum is scoped by.
func (s *Store) IsDup(fullPath, name string, id uint32, ttl time.Duration, flags Flags, rm bool) (bool, error) {
	crc, err := Checksum(fullPath, name, id, flags)
	if err != nil {
		return false, err
	}
	now := time.Now()

	s.lock.Lock()
	if v, ok := s.cache.Get(cacheKey{id, crc}); ok {
		expiry := v.(int64)
		if now.Unix() < expiry {
			if rm {
				s.cache.Remove(cacheKey{id, crc})
				s.lock.Unlock()
				return true, s.remove(id, crc)
			}
			if flags&TimeoutIsFixed == 0 {
				s.cache.Add(cacheKey{id, crc}, now.Add(ttl).Unix())
				s.lock.Unlock()
				return true, s.put(id, crc, now.Add(ttl).Unix())
			}
			s.lock.Unlock()
			return true, nil
		}
		s.cache.Remove(cacheKey{id, crc})
	}
	s.lock.Unlock()

	dup := false
	newExpiry := now.Add(ttl).Unix()
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(crcBucket)
		k := dbKey(id, crc)
		if v := b.Get(k); v != nil && len(v) == 8 {
			expiry := int64(binary.BigEndian.Uint64(v))
			if now.Unix() < expiry {
				dup = true
				if rm {
					return b.Delete(k)
				}
				if flags&TimeoutIsFixed != 0 {
					newExpiry = expiry
					return nil
				}
			}
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(newExpiry))
		return b.Put(k, v[:])
	})
	if err != nil {
		return dup, err
	}
	if !(dup && rm) {
		s.lock.Lock()
		s.cache.Add(cacheKey{id, crc}, newExpiry)
		s.lock.Unlock()
	}
	return dup, nil
}

func (s *Store) put(id, crc uint32, expiry int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(expiry))
		return tx.Bucket(crcBucket).Put(dbKey(id, crc), v[:])
	})
}

func (s *Store) remove(id, crc uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(crcBucket).Delete(dbKey(id, crc))
	})
}

// Remove drops the checksum for the named file, if present.
func (s *Store) Remove(fullPath, name string, id uint32, flags Flags) error {
	crc, err := Checksum(fullPath, name, id, flags)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.cache.Remove(cacheKey{id, crc})
	s.lock.Unlock()
	return s.remove(id, crc)
}

// Sweep deletes expired entries and returns how many were dropped.
func (s *Store) Sweep() (int, error) {
	now := time.Now().Unix()
	dropped := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(crcBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) <= now {
				if err := c.Delete(); err != nil {
					return err
				}
				dropped++
			}
		}
		return nil
	})
	return dropped, err
}

// SweepLoop runs Sweep at the given interval until stop is closed.
func (s *Store) SweepLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := s.Sweep(); err != nil {
				log.Errorf("CRC store sweep failed: %v", err)
			} else if n > 0 {
				log.V(1).Infof("CRC store sweep dropped %d expired entries", n)
			}
		case <-stop:
			return
		}
	}
}

// HandleDuplicate applies the configured on-hit action to the file.
// Delete unlinks it; Store moves it under <work>/files/store/<job_id>/
// (unlinking if the move fails); Warn just logs. It reports whether the
// file is gone from its original place; the caller emits the delete-log
// record, it knows the log context.
func HandleDuplicate(workDir, fullPath, name string, jobID uint32, flags Flags) (bool, error) {
	switch {
	case flags&ActionDelete != 0:
		if err := os.Remove(fullPath); err != nil {
			return false, err
		}
		return true, nil
	case flags&ActionStore != 0:
		dir := filepath.Join(workDir, "files", "store", fmt.Sprintf("%x", jobID))
		if err := os.MkdirAll(dir, 0750); err != nil && !os.IsExist(err) {
			return false, err
		}
		if err := os.Rename(fullPath, filepath.Join(dir, name)); err != nil {
			log.Errorf("Failed to store duplicate %s, deleting it: %v", fullPath, err)
			if rmErr := os.Remove(fullPath); rmErr != nil {
				return false, rmErr
			}
		}
		return true, nil
	case flags&ActionWarn != 0:
		log.Warningf("File %s is a duplicate", fullPath)
	}
	return false, nil
}
