/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kctx holds the schedulable entity (Context) and its
// registry (Table). Named kctx rather than context to avoid colliding
// with the standard library's context.Context, which this package's
// Context predates in concept but not in Go naming convention.
package kctx

import (
	"sync"
	"time"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/arch"
)

// ID is a process-wide unique, monotonically allocated, never-reused
// (while referenced) context identifier.
type ID uint64

// Status is the scheduling state of a Context.
type Status int

const (
	Runnable Status = iota
	Blocked
	Stopped
	Exited
)

func (s Status) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	}
	return "unknown"
}

const maxFileTableDefault = 256

// SignalState is the tagged pending-restore state the design notes
// call for: a context is in exactly one of these three states, never
// a free-form combination.
type SignalState int

const (
	SignalNone SignalState = iota
	SignalDelivering
	SignalRestoring
)

// SignalBackup snapshots everything a kernel-default signal handler
// needs to restore on return: the arch state, the kernel stack
// reference, and which signal was being delivered.
type SignalBackup struct {
	Arch  arch.ArchState
	Stack []byte
	Sig   int
}

// CloneEntry bootstraps a newly cloned context before it has ever
// returned to user space: the PC it should enter at and the user
// stack pointer to install.
type CloneEntry struct {
	EntryPC uintptr
	UserSP  uintptr
}

// Credentials hold the real/effective identity a Context acts with.
type Credentials struct {
	UID, EUID       uint32
	GID, EGID       uint32
	NamespaceID     uint32
	ENamespaceID    uint32
	Umask           uint32
}

// FileTable is the shared, per-context table of open file descriptors.
// Slots are stable: AddMin picks the smallest free index >= a caller
// supplied minimum; Insert at an explicit index fails if occupied.
// Shrinking on Remove is deferred per spec §9's open question, treated
// here as an optional future optimization, not implemented.
type FileTable struct {
	mtx   sync.Mutex
	slots map[int]FileDescriptor
	max   int
}

// FileDescriptor is an opaque per-open-file record: which scheme owns
// it and the scheme-local file id.
type FileDescriptor struct {
	SchemeID uint64
	FileID   uint64
}

// NewFileTable creates a file table bounded at max entries.
func NewFileTable(max int) *FileTable {
	if max <= 0 {
		max = maxFileTableDefault
	}
	return &FileTable{slots: make(map[int]FileDescriptor), max: max}
}

// AddMin inserts fd at the smallest free index >= m, returning that
// index, or ok=false if the table is saturated.
func (t *FileTable) AddMin(fd FileDescriptor, m int) (idx int, ok bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i := m; i < t.max; i++ {
		if _, taken := t.slots[i]; !taken {
			t.slots[i] = fd
			return i, true
		}
	}
	return 0, false
}

// Insert places fd at an explicit index, failing if occupied.
func (t *FileTable) Insert(idx int, fd FileDescriptor) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if idx < 0 || idx >= t.max {
		return false
	}
	if _, taken := t.slots[idx]; taken {
		return false
	}
	t.slots[idx] = fd
	return true
}

// Get looks up the descriptor at idx.
func (t *FileTable) Get(idx int) (FileDescriptor, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	fd, ok := t.slots[idx]
	return fd, ok
}

// Remove deletes the descriptor at idx, if present.
func (t *FileTable) Remove(idx int) {
	t.mtx.Lock()
	delete(t.slots, idx)
	t.mtx.Unlock()
}

// Drain empties the table and returns every descriptor it held, for a
// dying context's teardown path to Close one by one.
func (t *FileTable) Drain() []FileDescriptor {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]FileDescriptor, 0, len(t.slots))
	for idx, fd := range t.slots {
		out = append(out, fd)
		delete(t.slots, idx)
	}
	return out
}

// Context is one schedulable entity: a process or a thread. Fields are
// grouped the way spec §3 groups them: identity, credentials,
// scheduling, signals, memory/files, low-level save area, tracing.
//
// Callers must hold Mtx (as the scheduler does across its update pass
// and the switch-path write-lock) before touching any field below it
// in this struct, matching the lock hierarchy's "individual Context"
// rung.
type Context struct {
	Mtx sync.RWMutex

	// Identity & relations.
	ID       ID
	ParentID ID
	PGID     ID

	Credentials Credentials

	// Scheduling.
	Status       Status
	StatusReason string
	ExitCode     int // meaningful when Status is Stopped or Exited; the spec §3 Stopped(code)/Exited(code) payload
	Running      bool
	CPUID        int  // -1 = unclaimed
	SwitchTime   time.Duration
	CPUTime      time.Duration
	Wake         *time.Time

	// Signals.
	SignalMask    [2]uint64 // 128-bit mask as two words
	PendingSignal []int
	Handlers      [128]SignalHandler
	SignalStack   uintptr
	InFlightSyscall [4]uintptr

	SignalState  SignalState
	SignalBackup *SignalBackup
	PTraceStop   bool

	// Memory & files.
	AddrSpace *addrspace.Space
	Files     *FileTable
	Scratch   [2]uintptr // head/tail scratch pages for unaligned syscall staging

	// Low-level save area.
	Arch         arch.ArchState
	KernelStack  []byte

	// Tracing.
	InterruptFrame *uintptr // rebased offset into KernelStack, nil when not in a syscall/trap
	CloneEntry     *CloneEntry
}

// SignalHandler is one entry of the 128-slot signal disposition table.
type SignalHandler struct {
	Kind    SignalHandlerKind
	Handler uintptr // user-space PC, meaningful when Kind == SignalHandlerUser
}

type SignalHandlerKind int

const (
	SignalHandlerDefault SignalHandlerKind = iota
	SignalHandlerIgnore
	SignalHandlerUser
)

const unclaimedCPU = -1

// New creates a Context in the Blocked state with no address space
// and an empty file table, per the documented lifecycle: a Context is
// created Blocked and becomes Runnable only after an explicit
// unblock.
func New(id, parent ID, maxFiles int) *Context {
	return &Context{
		ID:       id,
		ParentID: parent,
		Status:   Blocked,
		CPUID:    unclaimedCPU,
		Files:    NewFileTable(maxFiles),
	}
}

// Runnable reports whether this context is eligible for selection by
// cpu: not currently running, not ptrace-stopped, status Runnable, and
// owned by cpu. An unclaimed context is not runnable on any cpu.
func (c *Context) Runnable(cpu int) bool {
	if c.Running || c.PTraceStop || c.Status != Runnable {
		return false
	}
	return c.CPUID == cpu
}

// Unblock transitions a Blocked context to Runnable. It is a no-op if
// the context is not Blocked (e.g. already Runnable, Stopped, or
// Exited).
func (c *Context) Unblock() {
	if c.Status == Blocked {
		c.Status = Runnable
		c.Wake = nil
	}
}

// Stop transitions to Stopped, recording code as the payload a
// tracer's or parent's wait recovers (e.g. the stopping signal
// number). Caller holds Mtx.
func (c *Context) Stop(code int) {
	c.Status = Stopped
	c.ExitCode = code
}

// Exit transitions to Exited, recording code as the payload a parent's
// wait recovers. Caller holds Mtx.
func (c *Context) Exit(code int) {
	c.Status = Exited
	c.ExitCode = code
	c.Running = false
}
