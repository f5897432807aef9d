/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kctx

import (
	"sort"
	"sync"
)

// Table is the process-wide registry of every Context, keyed by
// monotonically allocated ID. It is the top rung of the lock
// hierarchy: acquire it before touching any individual Context.
type Table struct {
	mtx     sync.RWMutex
	byID    map[ID]*Context
	current []*Context // indexed by cpu id; nil entry = idle
	nextID  ID
}

// NewTable creates an empty context table sized for numCPU per-CPU
// current-context slots.
func NewTable(numCPU int) *Table {
	return &Table{
		byID:    make(map[ID]*Context),
		current: make([]*Context, numCPU),
		nextID:  1, // id 0 reserved: never a valid ContextID
	}
}

// InsertNew allocates the next ID, constructs a Context, and inserts
// it into the table, returning the new Context.
func (t *Table) InsertNew(parent ID, maxFiles int) *Context {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	id := t.nextID
	t.nextID++
	c := New(id, parent, maxFiles)
	t.byID[id] = c
	return c
}

// Get looks up a Context by id.
func (t *Table) Get(id ID) (*Context, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

// Remove deletes a Context's table entry. Callers are expected to
// have already observed Status == Exited and completed any parent
// wait before calling this, per the documented lifecycle ("its entry
// stays in the table until waited on by its parent").
func (t *Table) Remove(id ID) {
	t.mtx.Lock()
	delete(t.byID, id)
	t.mtx.Unlock()
}

// Current returns the Context currently running on cpu, or nil if
// that CPU is idle.
func (t *Table) Current(cpu int) *Context {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if cpu < 0 || cpu >= len(t.current) {
		return nil
	}
	return t.current[cpu]
}

// SetCurrent publishes c as the context now running on cpu. Called
// only from within the scheduler's switch path, which already holds
// the necessary per-context write-locks.
func (t *Table) SetCurrent(cpu int, c *Context) {
	t.mtx.Lock()
	if cpu >= 0 && cpu < len(t.current) {
		t.current[cpu] = c
	}
	t.mtx.Unlock()
}

// Range calls fn for every context in ascending id order, stopping
// early if fn returns false. The table's read lock is held only while
// a snapshot of the entries is taken and is released before fn is
// first called, so fn may take a Context's own lock (or the table's)
// and contexts added or removed meanwhile are not reflected.
func (t *Table) Range(fn func(*Context) bool) {
	t.mtx.RLock()
	ids := make([]ID, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]*Context, len(ids))
	for i, id := range ids {
		snapshot[i] = t.byID[id]
	}
	t.mtx.RUnlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}

// Len reports the number of live contexts.
func (t *Table) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.byID)
}
