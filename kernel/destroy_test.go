/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/kconfig"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/klog"
)

func TestDestroyReleasesAddrSpaceAndFiles(t *testing.T) {
	k, err := New(kconfig.Default(), klog.NewDiscard())
	require.NoError(t, err)
	defer k.Close()

	_, memID, err := k.Schemes.Lookup(0, "memory")
	require.NoError(t, err)

	c := k.Contexts.InsertNew(0, 4)
	c.Mtx.Lock()
	c.AddrSpace = addrspace.NewSpace(k.Alloc)
	c.Mtx.Unlock()

	_, ok := c.Files.AddMin(kctx.FileDescriptor{SchemeID: uint64(memID), FileID: 0}, 0)
	require.True(t, ok)

	base, err := c.AddrSpace.Mmap(0, 1, addrspace.AnonymousBuilder(k.Alloc))
	require.NoError(t, err)
	addr := addrspace.AddrFromPage(base)

	require.NoError(t, k.Destroy(c.ID, 7))

	_, ok = k.Contexts.Get(c.ID)
	require.False(t, ok)
	require.Equal(t, kctx.Exited, c.Status)
	require.Equal(t, 7, c.ExitCode)

	_, _, mapped := c.AddrSpace.Translate(addr)
	require.False(t, mapped)
}

func TestDestroyUnknownContextIsNoop(t *testing.T) {
	k, err := New(kconfig.Default(), klog.NewDiscard())
	require.NoError(t, err)
	defer k.Close()

	require.NoError(t, k.Destroy(kctx.ID(9999), 0))
}
