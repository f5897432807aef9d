/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package memscheme

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/scheme"
)

// Fmap must map into the caller's own address space, not some
// kernel-internal one, mirroring memory.rs's fmap resolving
// context::current()'s addr_space before calling the shared anonymous
// mapper kfmap itself uses.
func TestFmapMapsIntoCallersOwnSpace(t *testing.T) {
	alloc := addrspace.NewAllocator()
	s := New(alloc)
	caller := addrspace.NewSpace(alloc)

	addr, err := s.Fmap(0, caller, scheme.Map{Size: addrspace.PageSize})
	require.NoError(t, err)
	require.NotZero(t, addr)

	frame, writable, ok := caller.Translate(uintptr(addr))
	require.True(t, ok, "expected the mapping to land in the caller's own address space")
	require.True(t, writable)
	require.Equal(t, addrspace.Frame(0), frame)
}

// A fresh anonymous grant is zero-filled: the allocator hands out
// distinct frames for each fmap, never reusing one still live in
// another mapping, so nothing but zeroes could have been "left over"
// from a prior caller.
func TestFmapGrantsAreDistinctFrames(t *testing.T) {
	alloc := addrspace.NewAllocator()
	s := New(alloc)
	caller := addrspace.NewSpace(alloc)

	addrA, err := s.Fmap(0, caller, scheme.Map{Size: addrspace.PageSize})
	require.NoError(t, err)
	addrB, err := s.Fmap(0, caller, scheme.Map{Size: addrspace.PageSize})
	require.NoError(t, err)
	require.NotEqual(t, addrA, addrB)

	frameA, _, _ := caller.Translate(uintptr(addrA))
	frameB, _, _ := caller.Translate(uintptr(addrB))
	require.NotEqual(t, frameA, frameB)
}

func TestFmapHonorsRequestedAddress(t *testing.T) {
	alloc := addrspace.NewAllocator()
	s := New(alloc)
	caller := addrspace.NewSpace(alloc)

	requested := addrspace.AddrFromPage(addrspace.Page(5))
	addr, err := s.Fmap(0, caller, scheme.Map{Address: requested, Size: addrspace.PageSize})
	require.NoError(t, err)
	require.Equal(t, int64(requested), addr)
}

var _ scheme.Scheme = (*Scheme)(nil)
