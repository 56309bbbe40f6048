// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package dlog

import (
	"database/sql"
	"time"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"
)

// An Archive is the durable store the DEMCD daemon writes confirmations
// to, backed by sqlite. Operators query it when a downstream site claims
// a file never arrived.
type Archive struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for operating on the 'confirmations' table.
	putStmt, getByFileStmt, countByHostStmt, pruneStmt *sql.Stmt
}

// OpenArchive opens (or creates) the confirmation archive at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create the confirmations table if it doesn't already exist.
	createStmt := "CREATE TABLE IF NOT EXISTS confirmations (" +
		"host TEXT NOT NULL, file TEXT NOT NULL, job_id INTEGER NOT NULL, " +
		"size INTEGER NOT NULL, type INTEGER NOT NULL, confirmed INTEGER NOT NULL)"
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS conf_by_file ON confirmations (file)"); err != nil {
		db.Close()
		return nil, err
	}

	putStmt, err := db.Prepare(
		"INSERT INTO confirmations (host, file, job_id, size, type, confirmed) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, err
	}

	// Retrieve the latest confirmation for a file name.
	getByFileStmt, err := db.Prepare(
		"SELECT host, job_id, size, type, confirmed FROM confirmations WHERE file=? ORDER BY confirmed DESC LIMIT 1")
	if err != nil {
		db.Close()
		return nil, err
	}

	countByHostStmt, err := db.Prepare("SELECT COUNT(*) FROM confirmations WHERE host=?")
	if err != nil {
		db.Close()
		return nil, err
	}

	// Drop confirmations older than a cutoff.
	pruneStmt, err := db.Prepare("DELETE FROM confirmations WHERE confirmed<?")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{
		db:              db,
		putStmt:         putStmt,
		getByFileStmt:   getByFileStmt,
		countByHostStmt: countByHostStmt,
		pruneStmt:       pruneStmt,
	}, nil
}

// Put stores one confirmation record.
func (a *Archive) Put(r *DemcdRecord, when time.Time) error {
	_, err := a.putStmt.Exec(r.HostName, r.FileName, r.JobID, r.FileSize, r.ConfirmType, when.Unix())
	if err != nil {
		log.Errorf("Failed to archive confirmation for %s to %s: %v", r.FileName, r.HostName, err)
	}
	return err
}

// Get retrieves the most recent confirmation for a file name.
func (a *Archive) Get(file string) (*DemcdRecord, time.Time, error) {
	var r DemcdRecord
	var confirmed int64
	r.FileName = file
	err := a.getByFileStmt.QueryRow(file).Scan(&r.HostName, &r.JobID, &r.FileSize, &r.ConfirmType, &confirmed)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &r, time.Unix(confirmed, 0), nil
}

// CountForHost returns how many confirmations are stored for a host.
func (a *Archive) CountForHost(host string) (int64, error) {
	var n int64
	err := a.countByHostStmt.QueryRow(host).Scan(&n)
	return n, err
}

// Prune drops confirmations older than the cutoff and returns how many
// went away.
func (a *Archive) Prune(cutoff time.Time) (int64, error) {
	res, err := a.pruneStmt.Exec(cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the archive.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RunDemcd drains the DEMCD FIFO into the archive until a read error
// (FIFO closed on shutdown) ends the loop.
func RunDemcd(r *DemcdReader, a *Archive) {
	for {
		rec, err := r.Next()
		if err != nil {
			log.Infof("DEMCD reader stopping: %v", err)
			return
		}
		a.Put(rec, time.Now())
	}
}
