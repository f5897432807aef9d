/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/arch/sim"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/klog"
)

func newRunnable(t *testing.T, table *kctx.Table, cpu int) *kctx.Context {
	t.Helper()
	c := table.InsertNew(0, 4)
	c.Mtx.Lock()
	c.Status = kctx.Runnable
	c.CPUID = cpu
	c.Mtx.Unlock()
	return c
}

// Scenario 1 from spec §8: three contexts A, B, C all Runnable on CPU 0.
// Starting in A, three consecutive switches select B, C, A in that strict
// round-robin order.
func TestSwitchRoundRobinFairness(t *testing.T) {
	table := kctx.NewTable(1)
	sw := New(table, klog.NewDiscard())
	reg := sim.NewRegistry()
	cpu := sim.New(reg, 0)

	a := newRunnable(t, table, 0)
	b := newRunnable(t, table, 0)
	c := newRunnable(t, table, 0)

	table.SetCurrent(0, a)
	a.Mtx.Lock()
	a.Running = true
	a.Mtx.Unlock()

	ok := sw.Switch(cpu)
	require.True(t, ok)
	require.Equal(t, b.ID, table.Current(0).ID)

	ok = sw.Switch(cpu)
	require.True(t, ok)
	require.Equal(t, c.ID, table.Current(0).ID)

	ok = sw.Switch(cpu)
	require.True(t, ok)
	require.Equal(t, a.ID, table.Current(0).ID)
}

// Scenario 2 from spec §8: a sleeping context is not selected before its
// wake deadline, and is selected (with Wake cleared) once the deadline has
// passed.
func TestSwitchSleepWakeup(t *testing.T) {
	table := kctx.NewTable(1)
	sw := New(table, klog.NewDiscard())
	reg := sim.NewRegistry()
	cpu := sim.New(reg, 0)

	running := newRunnable(t, table, 0)
	table.SetCurrent(0, running)
	running.Mtx.Lock()
	running.Running = true
	running.Mtx.Unlock()

	sleeper := table.InsertNew(0, 4)
	wake := time.Now().Add(30 * time.Millisecond)
	sleeper.Mtx.Lock()
	sleeper.Status = kctx.Blocked
	sleeper.CPUID = 0
	sleeper.Wake = &wake
	sleeper.Mtx.Unlock()

	// Before the deadline: no other runnable peer exists yet, so the
	// switch finds nothing and the running context keeps going.
	ok := sw.Switch(cpu)
	require.False(t, ok)
	require.Equal(t, running.ID, table.Current(0).ID)

	time.Sleep(40 * time.Millisecond)

	ok = sw.Switch(cpu)
	require.True(t, ok)
	require.Equal(t, sleeper.ID, table.Current(0).ID)

	sleeper.Mtx.RLock()
	wakeCleared := sleeper.Wake
	status := sleeper.Status
	sleeper.Mtx.RUnlock()
	require.Nil(t, wakeCleared)
	require.Equal(t, kctx.Runnable, status)
}

// A context is never reselected: with only one runnable context (itself),
// Switch finds no peer and returns false.
func TestSwitchNoPeerReturnsFalse(t *testing.T) {
	table := kctx.NewTable(1)
	sw := New(table, klog.NewDiscard())
	reg := sim.NewRegistry()
	cpu := sim.New(reg, 0)

	only := newRunnable(t, table, 0)
	table.SetCurrent(0, only)
	only.Mtx.Lock()
	only.Running = true
	only.Mtx.Unlock()

	require.False(t, sw.Switch(cpu))
	require.Equal(t, only.ID, table.Current(0).ID)
}

// Scenario from spec §4.2 step 2b / §8's "arch/FPU/stack bit-for-bit"
// invariant: a blocked context with a pending signal is woken and has
// its signal popped into a backup on selection; once the simulated
// handler epilogue calls RequestSignalRestore, the next Switch pass
// restores the pre-signal arch state and kernel-stack bytes exactly,
// even though both were mutated in between.
func TestSwitchSignalDeliveryThenSigreturnRestoresState(t *testing.T) {
	table := kctx.NewTable(1)
	sw := New(table, klog.NewDiscard())
	reg := sim.NewRegistry()
	cpu := sim.New(reg, 0)

	x := table.InsertNew(0, 4)
	x.Mtx.Lock()
	x.Status = kctx.Blocked
	x.CPUID = 0
	x.PendingSignal = []int{5}
	x.Arch.Regs[0] = 0xAAAA
	x.KernelStack = []byte{1, 2, 3, 4}
	x.Mtx.Unlock()

	ok := sw.Switch(cpu)
	require.True(t, ok)
	require.Equal(t, x.ID, table.Current(0).ID)

	x.Mtx.RLock()
	require.Equal(t, kctx.SignalDelivering, x.SignalState)
	require.NotNil(t, x.SignalBackup)
	require.Equal(t, uint64(0xAAAA), x.SignalBackup.Arch.Regs[0])
	require.Equal(t, []byte{1, 2, 3, 4}, x.SignalBackup.Stack)
	x.Mtx.RUnlock()

	// The simulated handler corrupts registers and stack before
	// returning.
	x.Mtx.Lock()
	x.Arch.Regs[0] = 0xBEEF
	copy(x.KernelStack, []byte{9, 9, 9, 9})
	RequestSignalRestore(x)
	require.Equal(t, kctx.SignalRestoring, x.SignalState)
	x.Mtx.Unlock()

	// x is the only context, so this Switch finds no peer to move to,
	// but its update() pass still restores x's saved state.
	require.False(t, sw.Switch(cpu))

	x.Mtx.RLock()
	defer x.Mtx.RUnlock()
	require.Equal(t, kctx.SignalNone, x.SignalState)
	require.Nil(t, x.SignalBackup)
	require.Equal(t, uint64(0xAAAA), x.Arch.Regs[0])
	require.Equal(t, []byte{1, 2, 3, 4}, x.KernelStack)
}

// A peer owned by a different CPU is never selected, even if otherwise
// runnable.
func TestSwitchSkipsPeerOnOtherCPU(t *testing.T) {
	table := kctx.NewTable(2)
	sw := New(table, klog.NewDiscard())
	reg := sim.NewRegistry()
	cpu0 := sim.New(reg, 0)

	current := newRunnable(t, table, 0)
	table.SetCurrent(0, current)
	current.Mtx.Lock()
	current.Running = true
	current.Mtx.Unlock()

	other := newRunnable(t, table, 1)

	require.False(t, sw.Switch(cpu0))
	require.Equal(t, current.ID, table.Current(0).ID)
	require.False(t, other.Running)
}
