/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ptrace implements per-tracee sessions: a breakpoint
// descriptor, an event queue, and the tracer/tracee condition-variable
// pair that lets a tracer block in wait() until its tracee reaches an
// armed stop condition. Sessions hold only the tracee's ContextID, not
// a Go pointer to its Context, so there is no cycle for the garbage
// collector and no stale pointer can outlive teardown.
package ptrace

import (
	"sync"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/errno"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/wait"
)

// Flags is a bitmask naming the class of events a breakpoint arms on.
type Flags uint32

const (
	FlagSyscallEntry Flags = 1 << iota
	FlagSyscallExit
	FlagSignal
	FlagSinglestep
)

// Event is one entry in a session's event queue.
type Event struct {
	Cause Flags
	A, B, C uintptr
}

// Breakpoint is the tracer's currently armed stop condition.
type Breakpoint struct {
	Reached bool
	Flags   Flags
}

// Session is a per-traced-ContextID record. All primitives are
// callable only with no other lock held by the caller, per the
// documented contract.
type Session struct {
	traceeID kctx.ID
	fileID   int64 // the proc: scheme file id used to post readable-event notifications

	mtx        sync.Mutex
	breakpoint *Breakpoint
	events     []Event

	tracerCond *wait.Cond // tracer waits on this; the tracee notifies it when it stops
	traceeCond *wait.Cond // tracee waits on this; the tracer notifies it to resume

	closed bool
}

func newSession(tracee kctx.ID, fileID int64) *Session {
	return &Session{
		traceeID:   tracee,
		fileID:     fileID,
		tracerCond: wait.NewCond(),
		traceeCond: wait.NewCond(),
	}
}

// Wait blocks the tracer until the breakpoint is reached or the event
// queue is non-empty. Spurious wakeups retry.
func (s *Session) Wait(interrupt <-chan struct{}) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for {
		if (s.breakpoint != nil && s.breakpoint.Reached) || len(s.events) > 0 || s.closed {
			return nil
		}
		if err := s.tracerCond.Wait(&s.mtx, interrupt); err != nil {
			return errno.EINTR
		}
	}
}

// Events drains and returns the queued events, clearing the queue and
// the reached flag (if the breakpoint was what woke the tracer).
func (s *Session) Events() []Event {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := s.events
	s.events = nil
	if s.breakpoint != nil {
		s.breakpoint.Reached = false
	}
	return out
}

// SetBreakpoint arms (or clears, passing flags == 0) the tracer's stop
// condition.
func (s *Session) SetBreakpoint(flags Flags) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if flags == 0 {
		s.breakpoint = nil
		return
	}
	s.breakpoint = &Breakpoint{Flags: flags}
}

// BreakpointCallback is called by the tracee's own code at well-known
// points. If no breakpoint is armed, or the armed flags don't fully
// cover matchFlags, it returns immediately with ok=false (no stop).
// Otherwise it marks the breakpoint reached, enqueues ev (or
// synthesizes one from matchFlags), wakes the tracer, and sleeps on
// the tracee condition until the tracer resumes it.
func (s *Session) BreakpointCallback(matchFlags Flags, ev *Event, interrupt <-chan struct{}) (armed Flags, ok bool) {
	s.mtx.Lock()
	if s.breakpoint == nil || (s.breakpoint.Flags&matchFlags) != matchFlags {
		s.mtx.Unlock()
		return 0, false
	}
	s.breakpoint.Reached = true
	if ev != nil {
		s.events = append(s.events, *ev)
	} else {
		s.events = append(s.events, Event{Cause: matchFlags})
	}
	armed = s.breakpoint.Flags
	s.tracerCond.Notify()

	for {
		if s.closed || (s.breakpoint != nil && !s.breakpoint.Reached) {
			break
		}
		if err := s.traceeCond.Wait(&s.mtx, interrupt); err != nil {
			break
		}
		if s.breakpoint == nil || !s.breakpoint.Reached {
			break
		}
	}
	s.mtx.Unlock()
	return armed, true
}

// Resume wakes the tracee side, used by the tracer after it has
// inspected state and wants the tracee to proceed.
func (s *Session) Resume() {
	s.mtx.Lock()
	if s.breakpoint != nil {
		s.breakpoint.Reached = false
	}
	s.mtx.Unlock()
	s.traceeCond.Notify()
}

// FileID returns the proc: scheme file id used to post readable-event
// notifications for this session.
func (s *Session) FileID() int64 { return s.fileID }

// TraceeID returns the weak (id-only) reference to the traced
// context.
func (s *Session) TraceeID() kctx.ID { return s.traceeID }

//  ____            _     _
// |  _ \ ___  __ _(_)___| |_ ___ _ __ ___
// | |_) / _ \/ _` | / __| __/ _ \ '__/ __|
// |  _ <  __/ (_| | \__ \ ||  __/ |  \__ \
// |_| \_\___|\__, |_|___/\__\___|_|  |___/
//            |___/

// SetProcessRegs is the scoped interrupt-frame capture arch-specific
// trap/syscall entry code performs on the way into the kernel: offset
// locates c's interrupt frame within its KernelStack. It is the Go
// analogue of the original's ProcessRegsGuard — there is no Drop here,
// so the returned release func must be called on every kernel-to-user
// exit path (ordinarily via defer), clearing the field so no other
// code ever observes a stale frame pointer. Caller holds c.Mtx.
func SetProcessRegs(c *kctx.Context, offset uintptr) (release func()) {
	c.InterruptFrame = &offset
	return func() {
		c.InterruptFrame = nil
	}
}

// isUserHandled reports whether sig's disposition is a user-installed
// handler, as opposed to kernel-default or ignored.
func isUserHandled(c *kctx.Context, sig int) bool {
	if sig < 0 || sig >= len(c.Handlers) {
		return false
	}
	return c.Handlers[sig].Kind == kctx.SignalHandlerUser
}

// RegsFor returns the window onto c's current interrupt frame: the
// live KernelStack at InterruptFrame's offset, unless a signal is in
// flight (SignalBackup set) whose handler is not user-installed, in
// which case it instead returns the window into the signal-backup
// stack — that is the copy sched.update restores on the next switch,
// so presenting anything else to a tracer would be undone moments
// later. This is the "ptrace illusion" the design notes call for: a
// tracer must never see register state the scheduler is about to
// discard. ok is false if c has no frame captured (not currently in a
// syscall/trap) or the offset has fallen outside the relevant stack's
// bounds. Caller holds at least c.Mtx's read lock.
func RegsFor(c *kctx.Context) (frame []byte, ok bool) {
	if c.InterruptFrame == nil {
		return nil, false
	}
	offset := *c.InterruptFrame
	if c.SignalBackup != nil && !isUserHandled(c, c.SignalBackup.Sig) {
		if offset >= uintptr(len(c.SignalBackup.Stack)) {
			return nil, false
		}
		return c.SignalBackup.Stack[offset:], true
	}
	if offset >= uintptr(len(c.KernelStack)) {
		return nil, false
	}
	return c.KernelStack[offset:], true
}

// RegsForMut is the mutable counterpart of RegsFor, for a tracer that
// pokes registers rather than just peeking them. Go slices alias their
// backing array regardless of how they were obtained, so the two only
// differ by name here — the split exists in the original purely for
// Rust's borrow checker, which Go has no equivalent of. Caller holds
// c.Mtx.
func RegsForMut(c *kctx.Context) (frame []byte, ok bool) {
	return RegsFor(c)
}

//  __  __
// |  \/  | ___ _ __ ___   ___  _ __ _   _
// | |\/| |/ _ \ '_ ` _ \ / _ \| '__| | | |
// | |  | |  __/ | | | | | (_) | |  | |_| |
// |_|  |_|\___|_| |_| |_|\___/|_|   \__, |
//                                   |___/

// chunk is one page-aligned window within a page_aligned_chunks walk.
type chunk struct {
	addr uintptr
	len  uintptr
}

// pageAlignedChunks splits [start, start+len) into a possibly-short
// head chunk, zero or more full PAGE_SIZE middle chunks, and a
// possibly-short tail chunk, clipping the whole range to
// USER_END_OFFSET first so no walk can ever touch kernel memory.
func pageAlignedChunks(start, length uintptr) []chunk {
	if start >= addrspace.USEREndOffset {
		return nil
	}
	if start+length > addrspace.USEREndOffset {
		length = addrspace.USEREndOffset - start
	}

	var chunks []chunk
	firstLen := length
	if rem := addrspace.PageSize - start%addrspace.PageSize; rem < firstLen {
		firstLen = rem
	}
	if firstLen > 0 {
		chunks = append(chunks, chunk{start, firstLen})
	}
	start += firstLen
	length -= firstLen

	lastLen := length % addrspace.PageSize
	length -= lastLen
	for off := start; off < start+length; off += addrspace.PageSize {
		chunks = append(chunks, chunk{off, addrspace.PageSize})
	}
	if lastLen > 0 {
		chunks = append(chunks, chunk{start + length, lastLen})
	}
	return chunks
}

// MemoryChunk is one page-aligned window a ContextMemory walk yields.
// Mapped is false for a chunk with no backing translation, the Go
// analogue of the original's per-chunk None — the walk as a whole
// never fails just because one chunk is a hole. The simulation tracks
// frame identity only, not real backing bytes (addrspace.Space's own
// doc calls a real physical frame store out of scope), so a chunk
// names the Frame and its writability rather than a byte slice.
type MemoryChunk struct {
	Addr     uintptr
	Len      uintptr
	Frame    addrspace.Frame
	Writable bool
	Mapped   bool
}

// ContextMemory walks [offset, offset+length) of space in page-aligned
// chunks, translating each one exactly as the original's
// context_memory does: addresses beyond USER_END_OFFSET are clipped
// away first, then each chunk is independently resolved so a single
// unmapped page doesn't abort inspection of its neighbors. This is the
// address-space inspection the proc: scheme's mem file exposes to a
// tracer.
func ContextMemory(space *addrspace.Space, offset uintptr, length uintptr) []MemoryChunk {
	chunks := pageAlignedChunks(offset, length)
	out := make([]MemoryChunk, 0, len(chunks))
	for _, ch := range chunks {
		frame, writable, ok := space.Translate(ch.addr)
		if !ok {
			out = append(out, MemoryChunk{Addr: ch.addr, Len: ch.len})
			continue
		}
		out = append(out, MemoryChunk{Addr: ch.addr, Len: ch.len, Frame: frame, Writable: writable, Mapped: true})
	}
	return out
}
