/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package journal is the kernel's crash journal: a durable, bbolt-backed
// record of ptrace events and in-flight packet snapshots for postmortem
// inspection. Within this module, records are written only by package
// debug's SIGUSR1 trap; the scheduler's fatal-abort path does not write
// to the journal. Records are gob-encoded
// and appended under a bucket key; unlike a scratch channel spill, the
// on-disk representation here is the deliverable, not a backpressure
// buffer.
package journal

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/ptrace"
	"github.com/coriolis-os/kernel/userscheme"
)

var (
	ErrClosed = errors.New("journal: closed")
)

var (
	bucketRecords = []byte("records")
)

// Record is one crash-journal entry: a correlation id, a human label,
// and the snapshot data gob-encoded alongside it.
type Record struct {
	ID        uuid.UUID
	Timestamp time.Time
	Kind      string
	ContextID kctx.ID
	Reason    string
	Events    []ptrace.Event
	Packets   []userscheme.Packet
}

// Journal is a durable, append-only store of crash records, backed by a
// single bbolt file. It is safe for concurrent use.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// the records bucket exists.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying bbolt file.
func (j *Journal) Close() error {
	if j.db == nil {
		return ErrClosed
	}
	return j.db.Close()
}

// Append gob-encodes rec and writes it under a new uuid key, stamping
// the timestamp and id if unset. Returns the id it wrote under.
func (j *Journal) Append(rec Record) (uuid.UUID, error) {
	if j.db == nil {
		return uuid.UUID{}, ErrClosed
	}
	if rec.ID == (uuid.UUID{}) {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return uuid.UUID{}, fmt.Errorf("journal: encode record: %w", err)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.Put(rec.ID[:], buf.Bytes())
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	return rec.ID, nil
}

// RecordPtraceEvents persists a tracee's queued ptrace events under a
// fresh correlation id. The ptrace package does not call it: closing a
// session writes nothing to the journal.
func (j *Journal) RecordPtraceEvents(cid kctx.ID, events []ptrace.Event) (uuid.UUID, error) {
	return j.Append(Record{Kind: "ptrace_events", ContextID: cid, Events: events})
}

// RecordCrash persists a fatal-abort snapshot: the context that was
// running, the reason string passed to the fatal log call, and any
// in-flight packets the caller collected from the bridge.
func (j *Journal) RecordCrash(cid kctx.ID, reason string, inflight []userscheme.Packet) (uuid.UUID, error) {
	return j.Append(Record{Kind: "crash", ContextID: cid, Reason: reason, Packets: inflight})
}

// Get looks up a single record by id.
func (j *Journal) Get(id uuid.UUID) (Record, bool, error) {
	if j.db == nil {
		return Record{}, false, ErrClosed
	}
	var rec Record
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(id[:])
		if v == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// All returns every record in bbolt key order. Keys are random uuids,
// so this is not the order in which the records were appended.
func (j *Journal) All() ([]Record, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForContext returns only the records stamped with cid, in All's key
// order.
func (j *Journal) ForContext(cid kctx.ID) ([]Record, error) {
	all, err := j.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.ContextID == cid {
			out = append(out, r)
		}
	}
	return out, nil
}
