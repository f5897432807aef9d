/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package memscheme is the built-in "memory:" scheme: anonymous
// mappings of the caller's own address space, with no user-space
// server behind it. It is the one reference scheme the core ships
// alongside the user-scheme bridge.
package memscheme

import (
	"encoding/binary"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/errno"
	"github.com/coriolis-os/kernel/scheme"
)

// Scheme implements scheme.Privileged. It holds no open-file state of
// its own: every fmap is a one-shot mapping, identified to the caller
// only by the address it returns.
type Scheme struct {
	scheme.Unimplemented
	alloc *addrspace.Allocator
}

// New creates a memory scheme sharing alloc with the rest of the
// kernel's simulated physical frame pool.
func New(alloc *addrspace.Allocator) *Scheme {
	return &Scheme{alloc: alloc}
}

// Open always succeeds with file id 0: every fd this scheme hands out
// is interchangeable, since all state lives in the mapping itself,
// not in an open-file object.
func (s *Scheme) Open(path string, flags int, uid, gid uint32) (int64, error) {
	return 0, nil
}

// Fmap allocates a zero-filled anonymous grant in space at either the
// requested address (if non-zero) or anywhere, returning the mapped
// base address. It is the ordinary, unprivileged entry point: space is
// always the caller's own address space, the same one memory.rs's fmap
// resolves via the current context before handing off to the shared
// fmap_anonymous helper kfmap also uses.
func (s *Scheme) Fmap(id int64, space *addrspace.Space, m scheme.Map) (int64, error) {
	return s.KFmap(id, space, m, false)
}

// KFmap is the privileged entry point: fmap targeted at an explicit
// address space, used both for an ordinary caller's own Fmap (wired
// through by the kernel with the caller's own space) and for a
// kernel-resident scheme mapping on behalf of another context.
func (s *Scheme) KFmap(n int64, space *addrspace.Space, m scheme.Map, consume bool) (int64, error) {
	if m.Size == 0 {
		return 0, errno.EINVAL
	}
	count := addrspace.PageSpan(m.Address, m.Size)
	if count == 0 {
		count = addrspace.PageSpan(0, m.Size)
	}
	requested := addrspace.Page(0)
	if m.Address != 0 {
		requested = addrspace.PageFromAddr(m.Address)
	}
	base, err := space.Mmap(requested, count, addrspace.AnonymousBuilder(s.alloc))
	if err != nil {
		return 0, err
	}
	return int64(addrspace.AddrFromPage(base)), nil
}

// Funmap always returns EFAULT and releases nothing: it is not given
// the owning AddrSpace.
func (s *Scheme) Funmap(addr uintptr, size uintptr) (int64, error) {
	return 0, errno.EFAULT
}

// Fstatvfs reports page size, total frames (used+free), and free
// frames, encoded the same fixed-offset way the Packet ABI encodes
// everything else.
func (s *Scheme) Fstatvfs(id int64, buf []byte) (int64, error) {
	if len(buf) < 24 {
		return 0, errno.EINVAL
	}
	total, free := s.alloc.FrameCounts()
	binary.LittleEndian.PutUint64(buf[0:8], addrspace.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], total)
	binary.LittleEndian.PutUint64(buf[16:24], free)
	return 24, nil
}

// Close, Fsync, Ftruncate and friends are no-ops that trivially
// succeed, since an anonymous mapping has no backing file to flush or
// resize.
func (s *Scheme) Close(int64) (int64, error)          { return 0, nil }
func (s *Scheme) Fsync(int64) (int64, error)           { return 0, nil }
func (s *Scheme) Ftruncate(int64, int64) (int64, error) { return 0, nil }

var _ scheme.Privileged = (*Scheme)(nil)
