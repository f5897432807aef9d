/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package addrspace is the out-of-scope memory manager's contract made
// concrete: a page-granular simulated page table, a table of grants
// describing what backs each mapped region, and a funmap side table
// translating a caller's mapped region back to the server coordinates
// that produced it. Real hardware paging, TLB flushes, and a real
// physical frame allocator are out of scope; this package exists only
// so the core can be exercised end-to-end.
package addrspace

import (
	"sync"

	"github.com/coriolis-os/kernel/errno"
)

// PageSize is the simulated page granularity.
const PageSize = 4096

// USEREndOffset bounds the user-accessible virtual range; every
// capture and context_memory walk clips to it.
const USEREndOffset uintptr = 1 << 47

// DanglingSentinel is returned for zero-length captures: a fixed
// non-canonical address, well outside USEREndOffset, so server code
// can always form a slice header without special-casing length 0.
const DanglingSentinel uintptr = 1 << 63

// Page is a page-aligned virtual address expressed as a page number.
type Page uintptr

// Frame is a physical page frame number. There is no real physical
// memory backing this in the simulation; frames are just identifiers
// handed out by Allocator and copied between grants that alias them.
type Frame uintptr

func pageOf(addr uintptr) Page { return Page(addr / PageSize) }
func baseAddr(p Page) uintptr  { return uintptr(p) * PageSize }

// Prot is the protection requested for a capture or mapping.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// MapFlags mirror the Map record's flag bitmask.
type MapFlags uint32

const (
	MapProtRead MapFlags = 1 << iota
	MapProtWrite
	MapProtExec
	MapShared
	MapPrivate
	MapFixed
)

// GrantKind distinguishes a grant backed by freshly allocated frames
// from one that aliases another address space's frames.
type GrantKind int

const (
	GrantAnonymous GrantKind = iota
	GrantBorrowed
)

// FileRef describes the backing file of a borrowed grant, carried so a
// later writeback or reopen can find its way back to the scheme that
// produced the mapping.
type FileRef struct {
	SchemeName string
	FileID     uint64
}

// Grant is one entry in an AddrSpace's grant table: a contiguous
// virtual region and what backs it.
type Grant struct {
	Base   Page
	Count  int
	Kind   GrantKind
	Frames []Frame // valid when Kind == GrantAnonymous

	// Borrowed fields: the source space (an ordinary pointer, so the
	// grant keeps that Space reachable) and the pages it aliases.
	SourceSpace *Space
	SourcePages []Page
	FileRef     *FileRef

	// Writable records the requested protection for a Borrowed grant
	// (an Anonymous grant is always writable, so this field is unused
	// for that kind). Set from the Prot a capture was requested with.
	Writable bool
}

func (g *Grant) end() Page { return g.Base + Page(g.Count) }

// Allocator hands out simulated physical frames. It is a trivial
// bump/free-list allocator standing in for the out-of-scope physical
// frame allocator: correctness of frame identity (no two live grants
// alias the same frame unless one borrows from the other) matters far
// more than any real backing store.
type Allocator struct {
	mtx  sync.Mutex
	next Frame
	free []Frame
}

// NewAllocator creates an empty frame allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc returns n fresh, mutually distinct frames.
func (a *Allocator) Alloc(n int) []Frame {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]Frame, 0, n)
	for len(out) < n && len(a.free) > 0 {
		last := len(a.free) - 1
		out = append(out, a.free[last])
		a.free = a.free[:last]
	}
	for len(out) < n {
		out = append(out, a.next)
		a.next++
	}
	return out
}

// Free returns frames to the pool.
func (a *Allocator) Free(frames []Frame) {
	a.mtx.Lock()
	a.free = append(a.free, frames...)
	a.mtx.Unlock()
}

// Space is one AddrSpace: a page table, grant table, and funmap side
// table, all guarded by a single read/write lock per the lock
// hierarchy (§5 rule 4).
type Space struct {
	Mtx sync.RWMutex

	alloc *Allocator

	pageTable map[Page]Frame
	grants    map[Page]*Grant // keyed by grant base page
	funmap    map[Page]Page   // caller grant base -> server-side base page, for fmap completions
}

// NewSpace creates an empty address space backed by alloc. Multiple
// spaces may share one Allocator (they share the same simulated
// physical frame pool, the way real processes share one machine's
// memory).
func NewSpace(alloc *Allocator) *Space {
	return &Space{
		alloc:     alloc,
		pageTable: make(map[Page]Frame),
		grants:    make(map[Page]*Grant),
		funmap:    make(map[Page]Page),
	}
}

// Builder constructs a grant's backing once mmap has decided where it
// will live; it runs under the space's write lock.
type Builder func(pages []Page) (*Grant, error)

// Mmap installs count pages starting at requested (if non-zero) or at
// an implementation-chosen free range, using builder to produce the
// grant's backing. It is the sole entry point that mutates the page
// table, matching the "mmap, release, funmap are totally ordered by
// the AddrSpace write-lock" ordering guarantee.
func (s *Space) Mmap(requested Page, count int, builder Builder) (Page, error) {
	if count <= 0 {
		return 0, errno.EINVAL
	}
	s.Mtx.Lock()
	defer s.Mtx.Unlock()

	base := requested
	if base == 0 || s.overlaps(base, count) {
		base = s.firstFree(count)
	}
	pages := make([]Page, count)
	for i := 0; i < count; i++ {
		pages[i] = base + Page(i)
	}

	g, err := builder(pages)
	if err != nil {
		return 0, err
	}
	g.Base = base
	g.Count = count

	s.grants[base] = g
	for i, p := range pages {
		if g.Kind == GrantAnonymous {
			s.pageTable[p] = g.Frames[i]
		} else {
			s.pageTable[p] = s.translateLocked(g.SourceSpace, g.SourcePages[i])
		}
	}
	return base, nil
}

// AnonymousBuilder returns a Builder that allocates fresh, zero-filled
// frames from alloc — used by the memory scheme and by any anonymous
// mapping.
func AnonymousBuilder(alloc *Allocator) Builder {
	return func(pages []Page) (*Grant, error) {
		return &Grant{Kind: GrantAnonymous, Frames: alloc.Alloc(len(pages))}, nil
	}
}

func (s *Space) overlaps(base Page, count int) bool {
	end := base + Page(count)
	for _, g := range s.grants {
		if base < g.end() && g.Base < end {
			return true
		}
	}
	return false
}

func (s *Space) firstFree(count int) Page {
	// Linear scan from page 1 upward (page 0 reserved so a raw nil
	// virtual address is never a valid mapping base).
	candidate := Page(1)
	for {
		if !s.overlaps(candidate, count) {
			return candidate
		}
		candidate++
	}
}

// translateLocked resolves a page in another space's page table,
// called while holding s.Mtx (the destination) during Mmap; src is
// read without its own lock because the caller (Capture) is required
// to hold src.Mtx too, per the documented lock-ordering rule.
func (s *Space) translateLocked(src *Space, p Page) Frame {
	return src.pageTable[p]
}

// Translate resolves a virtual address to its backing frame and
// whether the mapping is writable. ok is false if unmapped.
func (s *Space) Translate(addr uintptr) (frame Frame, writable bool, ok bool) {
	s.Mtx.RLock()
	defer s.Mtx.RUnlock()
	p := pageOf(addr)
	f, ok := s.pageTable[p]
	if !ok {
		return 0, false, false
	}
	g := s.grantFor(p)
	writable = g == nil || g.Kind == GrantAnonymous || g.Writable
	return f, writable, true
}

func (s *Space) grantFor(p Page) *Grant {
	for _, g := range s.grants {
		if p >= g.Base && p < g.end() {
			return g
		}
	}
	return nil
}

// Release unmaps the grant starting at page addr/PageSize. Calling it
// on the dangling sentinel is a no-op; calling it on an address with
// no grant returns EFAULT.
func (s *Space) Release(addr uintptr) error {
	if addr == DanglingSentinel {
		return nil
	}
	s.Mtx.Lock()
	defer s.Mtx.Unlock()
	base := pageOf(addr)
	g, ok := s.grants[base]
	if !ok {
		return errno.EFAULT
	}
	for i := 0; i < g.Count; i++ {
		delete(s.pageTable, base+Page(i))
	}
	delete(s.grants, base)
	delete(s.funmap, base)
	if g.Kind == GrantAnonymous {
		s.alloc.Free(g.Frames)
	}
	return nil
}

// Funmap looks up the server-side base page recorded by a prior fmap
// completion, so the caller's funmap(addr, len) can be translated into
// the server's coordinates before invoking the server's own funmap.
// It does not itself release the mapping; call Release separately.
func (s *Space) Funmap(addr uintptr) (serverBase Page, ok bool) {
	s.Mtx.RLock()
	defer s.Mtx.RUnlock()
	p, ok := s.funmap[pageOf(addr)]
	return p, ok
}

// RecordFunmap stores the grant-region -> server-virtual-base mapping
// used by a later funmap translation; called once by the fmap
// completion path.
func (s *Space) RecordFunmap(callerBase Page, serverBase Page) {
	s.Mtx.Lock()
	s.funmap[callerBase] = serverBase
	s.Mtx.Unlock()
}

// ReleaseAll unmaps every grant in the space, used by context teardown
// to free all simulated frames a dying context held. It returns the
// addresses it failed to release (always empty in practice, since it
// only ever iterates bases that exist in the grant table), kept as an
// error slice so callers can fold it into a multierr.Combine alongside
// the rest of a teardown sequence.
func (s *Space) ReleaseAll() []error {
	s.Mtx.Lock()
	bases := make([]Page, 0, len(s.grants))
	for base := range s.grants {
		bases = append(bases, base)
	}
	s.Mtx.Unlock()

	var errs []error
	for _, base := range bases {
		if err := s.Release(baseAddr(base)); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PageFromAddr rounds a virtual address down to its containing page.
func PageFromAddr(addr uintptr) Page { return pageOf(addr) }

// AddrFromPage returns the base virtual address of a page.
func AddrFromPage(p Page) uintptr { return baseAddr(p) }

// PageSpan returns the number of pages spanned by [addr, addr+length),
// i.e. ceil(addr+length) - floor(addr), in page units.
func PageSpan(addr uintptr, length uintptr) int {
	if length == 0 {
		return 0
	}
	first := pageOf(addr)
	last := pageOf(addr + length - 1)
	return int(last-first) + 1
}

// FrameCounts reports total and free simulated frames, used by
// fstatvfs.
func (a *Allocator) FrameCounts() (total, free uint64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return uint64(a.next), uint64(len(a.free))
}
