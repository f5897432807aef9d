/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Testable property from spec §8: add_file_min(f, m) returns the smallest
// index >= m currently free, or ok=false iff the table is saturated.
func TestFileTableAddMinPicksSmallestFree(t *testing.T) {
	ft := NewFileTable(4)

	idx, ok := ft.AddMin(FileDescriptor{FileID: 1}, 0)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = ft.AddMin(FileDescriptor{FileID: 2}, 0)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	ft.Remove(0)

	// 0 is free again but the minimum requested is 1, so the smallest
	// free slot >= 1 is 2, not the now-vacant 0.
	idx, ok = ft.AddMin(FileDescriptor{FileID: 3}, 1)
	require.True(t, ok)
	require.Equal(t, 2, idx)

	idx, ok = ft.AddMin(FileDescriptor{FileID: 4}, 0)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = ft.AddMin(FileDescriptor{FileID: 5}, 0)
	require.True(t, ok)
	require.Equal(t, 3, idx)

	_, ok = ft.AddMin(FileDescriptor{FileID: 6}, 0)
	require.False(t, ok)
}

func TestFileTableInsertExplicitIndex(t *testing.T) {
	ft := NewFileTable(4)

	ok := ft.Insert(2, FileDescriptor{FileID: 9})
	require.True(t, ok)

	ok = ft.Insert(2, FileDescriptor{FileID: 10})
	require.False(t, ok, "inserting at an occupied index must fail")

	fd, ok := ft.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(9), fd.FileID)

	ok = ft.Insert(99, FileDescriptor{FileID: 11})
	require.False(t, ok, "out of range index must fail")
}

func TestFileTableDrain(t *testing.T) {
	ft := NewFileTable(4)
	ft.AddMin(FileDescriptor{FileID: 1}, 0)
	ft.AddMin(FileDescriptor{FileID: 2}, 0)

	drained := ft.Drain()
	require.Len(t, drained, 2)

	_, ok := ft.Get(0)
	require.False(t, ok)

	idx, ok := ft.AddMin(FileDescriptor{FileID: 3}, 0)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestNewContextStartsBlocked(t *testing.T) {
	c := New(5, 1, 16)
	require.Equal(t, Blocked, c.Status)
	require.Equal(t, ID(5), c.ID)
	require.Equal(t, ID(1), c.ParentID)
	require.Equal(t, -1, c.CPUID)
	require.Nil(t, c.AddrSpace)
}

func TestContextUnblockOnlyFromBlocked(t *testing.T) {
	c := New(1, 0, 4)
	c.Unblock()
	require.Equal(t, Runnable, c.Status)

	c.Status = Stopped
	c.Unblock()
	require.Equal(t, Stopped, c.Status, "unblock is a no-op outside Blocked")
}

func TestContextRunnable(t *testing.T) {
	c := New(1, 0, 4)
	c.Status = Runnable
	c.CPUID = 3

	require.True(t, c.Runnable(3))
	require.False(t, c.Runnable(0), "owned by a different cpu")

	c.Running = true
	require.False(t, c.Runnable(3), "already running")

	c.Running = false
	c.PTraceStop = true
	require.False(t, c.Runnable(3), "ptrace-stopped")
}
