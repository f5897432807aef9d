/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel wires the individually-testable subsystems (context
// table, scheme registry, scheduler, user-scheme bridges, ptrace
// sessions, crash journal) into one running instance. Per the design
// note on global singletons, every piece is constructed once here and
// threaded through explicitly — no package-level sync.Once globals.
package kernel

import (
	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/arch"
	"github.com/coriolis-os/kernel/arch/sim"
	"github.com/coriolis-os/kernel/journal"
	"github.com/coriolis-os/kernel/kconfig"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/klog"
	"github.com/coriolis-os/kernel/ptrace"
	"github.com/coriolis-os/kernel/scheme"
	"github.com/coriolis-os/kernel/scheme/memscheme"
	"github.com/coriolis-os/kernel/sched"
)

// Kernel is the fully wired collection of kernel-core subsystems for
// one running instance.
type Kernel struct {
	Config   *kconfig.Config
	Log      *klog.Logger
	Contexts *kctx.Table
	Schemes  *scheme.Registry
	Sched    *sched.Switcher
	Ptrace   *ptrace.Table
	Journal  *journal.Journal
	Alloc    *addrspace.Allocator

	cpus []arch.CPU
}

// New constructs every subsystem from cfg and returns the wired
// Kernel. The memory scheme is mounted under namespace 0 as "memory" so
// the default KFmap path always has somewhere to go; callers mount
// further schemes with k.Schemes.Mount after New returns.
func New(cfg *kconfig.Config, log *klog.Logger) (*Kernel, error) {
	k := &Kernel{
		Config:   cfg,
		Log:      log,
		Contexts: kctx.NewTable(cfg.Global.Cpu_Count),
		Schemes:  scheme.NewRegistry(),
		Ptrace:   ptrace.NewTable(),
		Alloc:    addrspace.NewAllocator(),
	}
	k.Sched = sched.New(k.Contexts, log)

	if _, err := k.Schemes.Mount(0, "memory", memscheme.New(k.Alloc)); err != nil {
		return nil, err
	}

	if cfg.Global.Journal_Path != "" {
		j, err := journal.Open(cfg.Global.Journal_Path)
		if err != nil {
			return nil, err
		}
		k.Journal = j
	}

	reg := sim.NewRegistry()
	for i := 0; i < cfg.Global.Cpu_Count; i++ {
		k.cpus = append(k.cpus, sim.New(reg, i))
	}
	return k, nil
}

// CPU returns the simulated CPU worker bound to id.
func (k *Kernel) CPU(id int) arch.CPU {
	if id < 0 || id >= len(k.cpus) {
		return nil
	}
	return k.cpus[id]
}

// NumCPU returns the number of simulated CPU workers wired into this
// kernel.
func (k *Kernel) NumCPU() int { return len(k.cpus) }

// Close tears down everything that owns an OS resource (currently just
// the crash journal; the in-memory subsystems have no teardown of their
// own).
func (k *Kernel) Close() error {
	if k.Journal != nil {
		return k.Journal.Close()
	}
	return nil
}
