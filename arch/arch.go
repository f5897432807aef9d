/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package arch describes the contract the scheduler needs from the CPU
// bring-up layer: a per-CPU clock, a kernel-stack pointer slot, the
// ability to interrupt a peer CPU, and the low-level register swap at a
// switch point. It defines the interface only; arch/sim provides the
// one implementation this repository ships, backing each simulated CPU
// with a goroutine pinned to an OS thread.
package arch

import "time"

// IPIKind names the reason an inter-processor interrupt was sent.
type IPIKind int

const (
	// IPIWake is sent when unblocking a context owned by a non-current
	// CPU, so that CPU's dispatch loop reconsiders runnability promptly
	// instead of waiting for its next timer tick.
	IPIWake IPIKind = iota
	// IPIReschedule asks a peer CPU to re-run the scheduler even though
	// no specific context became runnable (used by admin tooling).
	IPIReschedule
)

func (k IPIKind) String() string {
	switch k {
	case IPIWake:
		return "wake"
	case IPIReschedule:
		return "reschedule"
	}
	return "unknown"
}

// RegisterAlignment is the required alignment of the FPU/SIMD save area,
// matching common architecture requirements (AVX-512 xsave regions).
const RegisterAlignment = 64

// ArchState is the low-level save area exchanged at a switch point: a
// register snapshot, an FPU/SIMD area, and the kernel stack top the CPU
// should resume onto. It stands in for the architecture register file;
// every field here is meaningful only to the arch implementation, the
// scheduler treats it as opaque beyond allocating and copying it.
type ArchState struct {
	Regs     [32]uint64
	FPU      [512]byte // aligned conceptually to RegisterAlignment; Go gives no hard alignment guarantee here
	StackTop uintptr
}

// CPU is the environment contract named in the external-interfaces
// section: cpu_id, monotonic, set_tss_stack, ipi, switch_to.
type CPU interface {
	// ID returns this CPU's ordinal, stable for its lifetime.
	ID() int
	// Monotonic returns nanosecond-resolution time since this CPU's
	// dispatch loop started, used for switch-time and wake-deadline
	// accounting.
	Monotonic() time.Duration
	// SetStack records the kernel-stack top the next switch-in should
	// resume onto (the simulated equivalent of loading the TSS RSP0).
	SetStack(ptr uintptr)
	// IPI asks the CPU identified by target to re-examine its run
	// queue. Delivery is fire-and-forget; per spec §9 the source does
	// not specify retry on a lost IPI, so callers may not assume this
	// blocks until the peer has acted on it.
	IPI(kind IPIKind, target int) error
	// SwitchTo performs the low-level handoff: prev is the outgoing
	// context's save area to fill, next is the incoming context's save
	// area to restore from.
	SwitchTo(prev, next *ArchState)
}
