/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package debug implements a SIGUSR1 postmortem trap: on signal it
// writes a stack trace, memory profile, and CPU profile to disk, and
// (if a journal is attached) appends a crash-journal record naming the
// context that was running on each CPU at the moment the signal landed.
package debug

import (
	"bytes"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/coriolis-os/kernel/journal"
	"github.com/coriolis-os/kernel/kctx"
)

const (
	CPU_SLEEP      = 10 * time.Second
	MAX_STACK_SIZE = 256 * 1024 * 1024
)

// Snapshotter supplies the kernel state a debug dump should capture
// alongside the Go-runtime profiles; kernel.Kernel's Contexts table
// satisfies it directly.
type Snapshotter interface {
	Range(fn func(*kctx.Context) bool)
}

// HandleDebugSignals installs a SIGUSR1 trap that dumps stack/mem/cpu
// profiles and, if j is non-nil, a crash-journal record per running
// context. name is used as a directory prefix under the system
// temporary directory.
func HandleDebugSignals(name string, snap Snapshotter, j *journal.Journal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)

	for range c {
		dir, err := os.MkdirTemp("", name)
		if err != nil {
			continue
		}
		DumpDebugFiles(dir)
		if j != nil && snap != nil {
			recordRunningContexts(snap, j)
		}
	}
}

// DumpDebugFiles generates a stacktrace, memory profile, and CPU profile into the provided
// directory.  These are useful for runtime debugging and profiling.
func DumpDebugFiles(dir string) {
	generateStackTrace(dir)
	generateMemoryProfile(dir)
	generateCPUProfile(dir)
}

func recordRunningContexts(snap Snapshotter, j *journal.Journal) {
	snap.Range(func(c *kctx.Context) bool {
		c.Mtx.RLock()
		running, id, reason := c.Running, c.ID, c.StatusReason
		c.Mtx.RUnlock()
		if running {
			j.RecordCrash(id, "sigusr1 snapshot: "+reason, nil)
		}
		return true
	})
}

func generateStackTrace(dir string) {
	stackTraceName := filepath.Join(dir, "stack")
	st, err := os.Create(stackTraceName)
	if err != nil {
		return
	}
	defer st.Close()

	// return a trace, growing the buffer until it's big enough
	size := 1024 * 1024
	var buf []byte
	var n int
	for {
		buf = make([]byte, size)
		n = runtime.Stack(buf, true)
		if n < size {
			break
		}
		size *= 2
		if size >= MAX_STACK_SIZE {
			return
		}
	}
	st.Write(buf[:n])
}

func generateMemoryProfile(dir string) {
	memName := filepath.Join(dir, "mem.prof")
	mem, err := os.Create(memName)
	if err != nil {
		return
	}
	defer mem.Close()

	membuf := &bytes.Buffer{}
	runtime.GC()
	if err := pprof.WriteHeapProfile(membuf); err == nil {
		mem.Write(membuf.Bytes())
	}
}

func generateCPUProfile(dir string) {
	cpuName := filepath.Join(dir, "cpu.prof")
	cpu, err := os.Create(cpuName)
	if err != nil {
		return
	}
	defer cpu.Close()

	cpubuf := &bytes.Buffer{}
	if err := pprof.StartCPUProfile(cpubuf); err == nil {
		time.Sleep(CPU_SLEEP)
		pprof.StopCPUProfile()
		cpu.Write(cpubuf.Bytes())
	}
}
