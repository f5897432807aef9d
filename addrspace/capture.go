/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package addrspace

import "github.com/coriolis-os/kernel/errno"

// Capture is the hard part: before the kernel hands a caller's buffer
// to a user-space scheme server living in a different address space,
// it borrows the caller's pages into the server's page table so the
// server can dereference them directly, without copying.
//
// Zero-length buffers skip all of this and return the dangling
// sentinel so server code never special-cases length 0.
//
// dst is the caller-requested destination page in server's address
// space (0 means "anywhere"), the Go analogue of the original's
// dst_address/requested_dst_page threaded through to Mmap so an fmap
// completion can honor a MAP_FIXED-style request instead of always
// landing wherever Mmap's free-space scan happens to pick.
func Capture(caller *Space, addr uintptr, length uintptr, prot Prot, dst uintptr, server *Space) (serverAddr uintptr, release func() error, err error) {
	if length == 0 {
		return DanglingSentinel, func() error { return nil }, nil
	}
	if addr+length > USEREndOffset {
		length = clipToUserEnd(addr, length)
		if length == 0 {
			return DanglingSentinel, func() error { return nil }, nil
		}
	}

	offset := addr % PageSize
	firstPage := pageOf(addr)
	count := PageSpan(addr, length)

	var requested Page
	if dst != 0 {
		requested = pageOf(dst)
	}

	if caller == server {
		return captureSameSpace(caller, firstPage, count, offset, requested, prot)
	}
	return captureCrossSpace(caller, firstPage, count, offset, requested, prot, server)
}

func clipToUserEnd(addr, length uintptr) uintptr {
	if addr >= USEREndOffset {
		return 0
	}
	if addr+length > USEREndOffset {
		return USEREndOffset - addr
	}
	return length
}

// captureSameSpace handles a scheme capturing its own buffer: a single
// mapper instance, so the "caller first, then server" lock order
// collapses to one lock.
func captureSameSpace(space *Space, firstPage Page, count int, offset uintptr, requested Page, prot Prot) (uintptr, func() error, error) {
	space.Mtx.RLock()
	pages := make([]Page, count)
	for i := 0; i < count; i++ {
		pages[i] = firstPage + Page(i)
		if _, ok := space.pageTable[pages[i]]; !ok {
			space.Mtx.RUnlock()
			return 0, nil, errno.EFAULT
		}
	}
	space.Mtx.RUnlock()

	base, err := space.Mmap(requested, count, aliasBuilder(space, pages, prot))
	if err != nil {
		return 0, nil, err
	}
	addr := baseAddr(base) + offset
	release := func() error { return space.Release(baseAddr(base)) }
	return addr, release, nil
}

// captureCrossSpace handles the general case: two distinct address
// spaces. Neither lock is held across the other's acquisition (the
// caller's pages are verified under its own read-lock, which is
// released before the server's write-lock is taken inside Mmap), so
// two schemes that mutually capture each other's buffers at the same
// time cannot deadlock regardless of acquisition order; pointer
// identity ordering is reserved for any future caller that needs both
// locks held simultaneously.
func captureCrossSpace(caller *Space, firstPage Page, count int, offset uintptr, requested Page, prot Prot, server *Space) (uintptr, func() error, error) {
	caller.Mtx.RLock()
	pages := make([]Page, count)
	for i := 0; i < count; i++ {
		pages[i] = firstPage + Page(i)
		if _, ok := caller.pageTable[pages[i]]; !ok {
			caller.Mtx.RUnlock()
			return 0, nil, errno.EFAULT
		}
	}
	caller.Mtx.RUnlock()

	base, err := server.Mmap(requested, count, aliasBuilder(caller, pages, prot))
	if err != nil {
		return 0, nil, err
	}
	addr := baseAddr(base) + offset
	release := func() error { return server.Release(baseAddr(base)) }
	return addr, release, nil
}

func aliasBuilder(source *Space, pages []Page, prot Prot) Builder {
	return func(_ []Page) (*Grant, error) {
		return &Grant{Kind: GrantBorrowed, SourceSpace: source, SourcePages: pages, Writable: prot&ProtWrite != 0}, nil
	}
}
