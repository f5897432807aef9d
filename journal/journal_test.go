/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/ptrace"
	"github.com/coriolis-os/kernel/userscheme"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.bolt")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndGet(t *testing.T) {
	j := openTemp(t)

	id, err := j.RecordPtraceEvents(kctx.ID(9), []ptrace.Event{{Cause: ptrace.FlagSyscallEntry, A: 1}})
	require.NoError(t, err)

	rec, ok, err := j.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kctx.ID(9), rec.ContextID)
	require.Len(t, rec.Events, 1)
	require.Equal(t, uintptr(1), rec.Events[0].A)
}

func TestRecordCrashAndForContext(t *testing.T) {
	j := openTemp(t)

	pkts := []userscheme.Packet{{ID: 1, PID: 9, A: userscheme.SYS_OPEN}}
	if _, err := j.RecordCrash(kctx.ID(9), "missing finish hook", pkts); err != nil {
		t.Fatal(err)
	}
	if _, err := j.RecordCrash(kctx.ID(4), "unrelated", nil); err != nil {
		t.Fatal(err)
	}

	recs, err := j.ForContext(kctx.ID(9))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "missing finish hook", recs[0].Reason)
	require.Len(t, recs[0].Packets, 1)
}

func TestAllReturnsEveryAppend(t *testing.T) {
	j := openTemp(t)
	for i := 0; i < 3; i++ {
		if _, err := j.RecordPtraceEvents(kctx.ID(i), nil); err != nil {
			t.Fatal(err)
		}
	}
	all, err := j.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestGetMissingIsNotFound(t *testing.T) {
	j := openTemp(t)
	_, ok, err := j.Get([16]byte{})
	require.NoError(t, err)
	require.False(t, ok)
}
