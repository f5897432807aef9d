/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptrace

import (
	"sync"

	"github.com/coriolis-os/kernel/errno"
	"github.com/coriolis-os/kernel/kctx"
)

// Table is the process-wide map of ContextID to its ptrace Session, if
// any. At most one session exists per tracee at a time.
type Table struct {
	mtx      sync.RWMutex
	sessions map[kctx.ID]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[kctx.ID]*Session)}
}

// TryNewSession creates a session for pid, failing if one already
// exists.
func (t *Table) TryNewSession(pid kctx.ID, fileID int64) (*Session, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, exists := t.sessions[pid]; exists {
		return nil, errno.EINVAL
	}
	s := newSession(pid, fileID)
	t.sessions[pid] = s
	return s, nil
}

// Get looks up the session for pid, if any. Missing lookups in ptrace
// fast paths return ok=false silently per the error-handling policy;
// callers needing ENODEV on a miss should use WithSession.
func (t *Table) Get(pid kctx.ID) (*Session, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	s, ok := t.sessions[pid]
	return s, ok
}

// WithSession runs fn against pid's session, surfacing ENODEV if none
// exists.
func (t *Table) WithSession(pid kctx.ID, fn func(*Session) error) error {
	s, ok := t.Get(pid)
	if !ok {
		return errno.ENODEV
	}
	return fn(s)
}

// CloseTracee notifies the tracer and posts a readable-event
// notification, but leaves the session in the table for final pickup
// by the tracer (a subsequent CloseSession call).
func (t *Table) CloseTracee(pid kctx.ID, postEvent func(fileID int64)) {
	s, ok := t.Get(pid)
	if !ok {
		return
	}
	s.mtx.Lock()
	s.events = append(s.events, Event{Cause: FlagSignal})
	s.mtx.Unlock()
	s.tracerCond.Notify()
	if postEvent != nil {
		postEvent(s.FileID())
	}
}

// CloseSession removes pid's session and wakes both the tracer and
// tracee sides so neither blocks forever on a torn-down session.
func (t *Table) CloseSession(pid kctx.ID) {
	t.mtx.Lock()
	s, ok := t.sessions[pid]
	if ok {
		delete(t.sessions, pid)
	}
	t.mtx.Unlock()
	if !ok {
		return
	}
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	s.tracerCond.Notify()
	s.traceeCond.Notify()
}
