/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sched implements the scheduler/switcher: Switch(cpu) selects
// the next runnable peer context in strict round-robin order and
// performs the handoff, carrying the deferred-unlock discipline the
// design notes call for across the low-level register swap.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coriolis-os/kernel/arch"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/klog"
)

// handoff is the per-CPU "pending unlock" slot: the two write-locks
// held across the architectural swap, released by the incoming
// context's finish hook rather than by the outgoing context, since
// the write-locks must survive the stack change itself.
type handoff struct {
	prevUnlock func()
	nextUnlock func()
	armed      bool
}

// Switcher owns the global switch flag, the context table, and one
// per-CPU handoff slot. It is constructed once and shared by every
// CPU's dispatch loop.
type Switcher struct {
	table *kctx.Table
	log   *klog.Logger

	switching atomic.Bool // the global switch flag; busy-waited, never held across a blocking op

	handoffMtx sync.Mutex
	handoffs   map[int]*handoff
}

// New creates a Switcher over table.
func New(table *kctx.Table, log *klog.Logger) *Switcher {
	if log == nil {
		log = klog.NewDiscard()
	}
	return &Switcher{
		table:    table,
		log:      log,
		handoffs: make(map[int]*handoff),
	}
}

func (s *Switcher) acquireSwitchFlag() {
	for !s.switching.CompareAndSwap(false, true) {
		// busy-wait with a pause hint; real hardware would use PAUSE,
		// Gosched is the closest a goroutine gets.
		yield()
	}
}

func (s *Switcher) releaseSwitchFlag() {
	s.switching.Store(false)
}

// Switch implements the documented algorithm. cpu must not be holding
// any lock on entry. It returns true if a switch occurred, false if no
// runnable peer was found (the caller resumes unchanged).
func (s *Switcher) Switch(cpu arch.CPU) bool {
	s.acquireSwitchFlag()
	switchTime := cpu.Monotonic()

	cur := s.table.Current(cpu.ID())
	if cur != nil {
		cur.Mtx.Lock()
		s.update(cur, cpu.ID(), switchTime)
		cur.Mtx.Unlock()
	}

	var selected *kctx.Context
	var heldCur, heldNext *sync.RWMutex

	s.table.Range(func(c *kctx.Context) bool {
		if c == cur {
			return true
		}
		c.Mtx.Lock()
		s.update(c, cpu.ID(), switchTime)
		c.Mtx.Unlock()
		return true
	})

	// Step 4: starting at the successor of the current id, wrapping,
	// find the first runnable peer on this cpu, strict id order.
	selected = s.selectNext(cur, cpu.ID())
	if selected == nil {
		s.releaseSwitchFlag()
		return false
	}

	// Acquire both write-locks (current, if any, then the selected
	// context) before touching running/cpu-time/arch state, so no
	// other CPU observes a half-swapped pair.
	if cur != nil {
		cur.Mtx.Lock()
		heldCur = &cur.Mtx
	}
	selected.Mtx.Lock()
	heldNext = &selected.Mtx

	var poppedSignal *int
	if len(selected.PendingSignal) > 0 && selected.SignalState == kctx.SignalNone {
		sig := selected.PendingSignal[0]
		selected.PendingSignal = selected.PendingSignal[1:]
		poppedSignal = &sig
	}

	if cur != nil {
		cur.Running = false
		cur.CPUTime += switchTime - cur.SwitchTime
	}
	selected.Running = true
	selected.SwitchTime = switchTime
	cpu.SetStack(uintptr(len(selected.KernelStack)))
	s.table.SetCurrent(cpu.ID(), selected)

	if poppedSignal != nil {
		backup := &kctx.SignalBackup{
			Arch:  selected.Arch,
			Stack: append([]byte(nil), selected.KernelStack...),
			Sig:   *poppedSignal,
		}
		selected.SignalBackup = backup
		selected.SignalState = kctx.SignalDelivering
		// arch state is patched by the caller's signal-entry helper,
		// which knows how to encode "enter signal_handler(signum) on
		// return" for the concrete architecture; this package only
		// records that a signal is now in flight, and snapshots the
		// kernel stack bytes so RequestSignalRestore's sigreturn path
		// can restore them bit-for-bit.
	}

	prevCtx := cur
	nextCtx := selected
	if nextCtx.CloneEntry != nil {
		// A freshly cloned context has never run: its arch registers
		// cannot be touched directly until it first returns to user
		// space, so the entry PC and user stack pointer are staged
		// here and installed exactly once, immediately before its
		// first switch-in.
		nextCtx.Arch.Regs[0] = uint64(nextCtx.CloneEntry.EntryPC)
		nextCtx.Arch.Regs[1] = uint64(nextCtx.CloneEntry.UserSP)
		nextCtx.CloneEntry = nil
	}
	s.stash(cpu.ID(), handoff{
		prevUnlock: func() {
			if heldCur != nil {
				heldCur.Unlock()
			}
		},
		nextUnlock: func() {
			heldNext.Unlock()
		},
		armed: true,
	})

	var prevArch, nextArch arch.ArchState
	if prevCtx != nil {
		prevArch = prevCtx.Arch
	}
	nextArch = nextCtx.Arch
	cpu.SwitchTo(&prevArch, &nextArch)
	if prevCtx != nil {
		prevCtx.Arch = prevArch
	}

	// Step 8: the finish hook, run here because the simulated arch
	// never actually suspends this goroutine — a real implementation
	// runs this from the incoming context's resumed stack instead.
	s.finish(cpu.ID())

	s.releaseSwitchFlag()
	return true
}

// update applies one pass of the lazy-claim / restore / unblock rules
// to c on behalf of cpu. Caller holds c.Mtx.
func (s *Switcher) update(c *kctx.Context, cpu int, now time.Duration) {
	const unclaimed = -1
	if c.CPUID == unclaimed {
		c.CPUID = cpu
	}
	if c.SignalState == kctx.SignalRestoring {
		if c.SignalBackup != nil {
			c.Arch = c.SignalBackup.Arch
			if c.SignalBackup.Stack != nil {
				copy(c.KernelStack, c.SignalBackup.Stack)
			}
			// The arch-specific singlestep bit, if any, lives outside this
			// opaque save area and is left for the arch layer's own restore
			// to preserve; this package only owns arch/FPU/stack bytes.
			c.SignalBackup = nil
		}
		c.SignalState = kctx.SignalNone
		c.Unblock()
	}
	if c.Status == kctx.Blocked && len(c.PendingSignal) > 0 {
		c.Unblock()
	}
	if c.Status == kctx.Blocked && c.Wake != nil {
		deadline := *c.Wake
		now := time.Now()
		if now.After(deadline) || now.Equal(deadline) {
			c.Wake = nil
			c.Unblock()
		}
	}
}

// RequestSignalRestore is the sigreturn-equivalent trap: a signal
// handler's epilogue calls into the kernel to unwind back to the
// interrupted state, which this package defers to the next Switch
// pass rather than performing inline, so the restore always happens
// under the same update() discipline that delivery used to snapshot
// it. It is a no-op unless c is currently SignalDelivering (matching
// ksig_restore's precondition in the original: restoring only makes
// sense once a signal has actually been recorded as in flight).
// Caller holds c.Mtx.
func RequestSignalRestore(c *kctx.Context) {
	if c.SignalState == kctx.SignalDelivering {
		c.SignalState = kctx.SignalRestoring
	}
}

// selectNext finds the first context after cur (wrapping, strict id
// order) runnable on cpu. cur itself is never reselected.
func (s *Switcher) selectNext(cur *kctx.Context, cpu int) *kctx.Context {
	var all []*kctx.Context
	s.table.Range(func(c *kctx.Context) bool {
		all = append(all, c)
		return true
	})
	if len(all) == 0 {
		return nil
	}
	startIdx := 0
	if cur != nil {
		for i, c := range all {
			if c.ID == cur.ID {
				startIdx = i + 1
				break
			}
		}
	}
	for i := 0; i < len(all); i++ {
		c := all[(startIdx+i)%len(all)]
		if cur != nil && c.ID == cur.ID {
			continue
		}
		c.Mtx.RLock()
		ok := c.Runnable(cpu)
		c.Mtx.RUnlock()
		if ok {
			return c
		}
	}
	return nil
}

func (s *Switcher) stash(cpu int, h handoff) {
	s.handoffMtx.Lock()
	s.handoffs[cpu] = &h
	s.handoffMtx.Unlock()
}

// finish releases the handoff slot for cpu. A missing or unarmed slot
// means the finish hook was invoked twice or without a matching
// stash, an internal invariant violation that warrants a fatal abort
// rather than continuing with inconsistent lock state.
func (s *Switcher) finish(cpu int) {
	s.handoffMtx.Lock()
	h, ok := s.handoffs[cpu]
	if ok {
		delete(s.handoffs, cpu)
	}
	s.handoffMtx.Unlock()

	if !ok || !h.armed {
		s.log.Fatal("scheduler finish hook invoked with no pending handoff", klog.F("cpu", cpu))
		return
	}
	h.prevUnlock()
	h.nextUnlock()
}

func yield() {
	runtime.Gosched()
}
