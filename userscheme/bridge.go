/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package userscheme

import (
	gocontext "context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/errno"
	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/wait"
)

var (
	ErrPartialPacket = errors.New("userscheme: partial packet")
	ErrAlreadyMounted = errors.New("userscheme: already mounted")
)

// PacketID is the id field of a Packet; 0 is reserved for
// server-to-kernel events and is never issued by nextPacketID.
type PacketID uint64

// FmapWait records what completing a pending fmap needs: the weak
// (id-only) reference to the caller's Context, the caller's file id,
// and the original Map request.
type FmapWait struct {
	CallerID kctx.ID
	FileID   int64
	Request  Map
}

// Map mirrors scheme.Map without importing the scheme package, so
// userscheme has no dependency cycle with the registry that mounts it.
type Map struct {
	Address uintptr
	Size    uintptr
	Offset  uintptr
	Flags   uint32
}

// Bridge is the per-mount instance of the user-scheme protocol: one
// Bridge exists for every scheme name a user process has mounted.
type Bridge struct {
	name string

	todo *wait.Queue[Packet]
	done *wait.Map[PacketID, int64]
	fmap sync.Map // PacketID -> FmapWait

	nextID atomic.Uint64

	unmounting atomic.Bool

	inflight *semaphore.Weighted // bounds concurrent in-flight requests per spec's "bounded capacity is implementation choice, must be >= 1"
}

// New creates a Bridge for a mount point. queueDepth bounds the todo
// wait-queue; maxInflight bounds concurrent outstanding requests
// awaiting completion.
func New(name string, queueDepth int, maxInflight int64) *Bridge {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Bridge{
		name:     name,
		todo:     wait.NewQueue[Packet](queueDepth),
		done:     wait.NewMap[PacketID, int64](),
		inflight: semaphore.NewWeighted(maxInflight),
	}
}

// nextPacketID returns the next monotonically increasing, non-zero
// packet id.
func (b *Bridge) nextPacketID() PacketID {
	id := b.nextID.Add(1)
	return PacketID(id)
}

// Call is the kernel-side entry point for any scheme operation the
// user-space server must handle: it builds a Packet, enqueues it, and
// blocks the caller on its own completion id. notifyServer is invoked
// once the packet is queued, the hook that posts EVENT_READ to the
// server's own poller.
func (b *Bridge) Call(ctx CallerIdentity, a, bArg, c, d uintptr, notifyServer func(), interrupt <-chan struct{}) (int64, error) {
	_, result, err := b.call(ctx, a, bArg, c, d, nil, notifyServer, interrupt)
	return result, err
}

// CallFmap is Call specialized for SYS_FMAP requests: it records the
// pending fmap wait under the packet's id before the packet becomes
// visible to the server, so Write's completion path can never race
// ahead of the registration.
func (b *Bridge) CallFmap(ctx CallerIdentity, bArg, c, d uintptr, w FmapWait, notifyServer func(), interrupt <-chan struct{}) (int64, error) {
	register := func(id PacketID) { b.RegisterFmap(id, w) }
	_, result, err := b.call(ctx, SYS_FMAP, bArg, c, d, register, notifyServer, interrupt)
	return result, err
}

func (b *Bridge) call(ctx CallerIdentity, a, bArg, c, d uintptr, beforeVisible func(PacketID), notifyServer func(), interrupt <-chan struct{}) (PacketID, int64, error) {
	if b.unmounting.Load() {
		return 0, 0, errno.ENODEV
	}
	if err := b.inflight.Acquire(gocontext.Background(), 1); err != nil {
		return 0, 0, errno.EINTR
	}
	defer b.inflight.Release(1)

	id := b.nextPacketID()
	if beforeVisible != nil {
		beforeVisible(id)
	}
	p := Packet{
		ID:  uint64(id),
		PID: uint64(ctx.PID),
		UID: ctx.UID,
		GID: ctx.GID,
		A:   a,
		B:   bArg,
		C:   c,
		D:   d,
	}
	b.todo.Push(p)
	if notifyServer != nil {
		notifyServer()
	}

	result, err := b.done.Await(id, interrupt)
	if err != nil {
		return id, 0, err
	}
	decoded, derr := errno.Decode(result)
	return id, decoded, derr
}

// CallerIdentity is the minimal caller identity Call needs, kept
// decoupled from kctx.Context so userscheme does not need to know the
// full Context shape.
type CallerIdentity struct {
	PID kctx.ID
	UID uint32
	GID uint32
}

// CallerContext builds a Call-compatible identity snapshot from a live
// Context, read under its own lock by the invoking syscall path.
func CallerContext(pid kctx.ID, uid, gid uint32) CallerIdentity {
	return CallerIdentity{PID: pid, UID: uid, GID: gid}
}

// Read drains up to len(out) packets for the server. block selects
// between EAGAIN and parking when todo is empty; interrupt surfaces
// EINTR if fired while parked.
func (b *Bridge) Read(out []Packet, block bool, interrupt <-chan struct{}) (int, error) {
	n, ok, err := b.todo.ReceiveInto(out, block, interrupt)
	if err != nil {
		return 0, errno.EINTR
	}
	if !ok {
		return 0, errno.EAGAIN
	}
	return n, nil
}

// Write applies server-produced packets in order. id == 0 packets are
// server-to-kernel events; every other id completes the matching
// outstanding call.
func (b *Bridge) Write(packets []Packet, onEvent func(p Packet)) {
	for _, p := range packets {
		if p.ID == 0 {
			if onEvent != nil {
				onEvent(p)
			}
			continue
		}
		id := PacketID(p.ID)
		if _, pending := b.fmap.Load(id); pending {
			// fmap completions are finished by the caller through
			// CompleteFmap, which consumes the fmap table entry and
			// then posts to done itself; ordinary Insert here would
			// race that path, so skip it.
			continue
		}
		b.done.Insert(id, int64(p.A))
	}
}

// RegisterFmap records a pending fmap completion under id so Write's
// special path can find it. CallFmap calls it before the request
// packet is queued.
func (b *Bridge) RegisterFmap(id PacketID, w FmapWait) {
	b.fmap.Store(id, w)
}

// CompleteFmap runs the fmap completion protocol described in §4.4:
// the server's returned address A is re-captured from the server's
// space into the caller's space at the caller's requested address,
// funmap bookkeeping is recorded, and the caller's blocked Call
// unblocks with the caller-visible address.
func CompleteFmap(b *Bridge, id PacketID, serverAddr uintptr, serverSpace, callerSpace *addrspace.Space) (int64, error) {
	v, ok := b.fmap.LoadAndDelete(id)
	if !ok {
		return 0, errno.EINVAL
	}
	w := v.(FmapWait)

	if serverAddr%addrspace.PageSize != 0 {
		// rounded down to its page and the completion continues, so an
		// extra frame may be wasted; no warning is emitted.
		serverAddr &^= (addrspace.PageSize - 1)
	}

	// This capture is the caller's lasting mapping, not a short-lived
	// one: step 4 of the completion protocol releases the earlier,
	// separate capture the kernel used only to hand the Map struct to
	// the server, which the caller (the kernel's fmap syscall path)
	// releases itself once this call returns.
	captured, _, err := addrspace.Capture(serverSpace, serverAddr, w.Request.Size, addrspace.Prot(w.Request.Flags), w.Request.Address, callerSpace)
	if err != nil {
		b.done.Insert(id, errno.Encode(0, err))
		return 0, err
	}

	calleeBase := addrspace.PageFromAddr(captured)
	serverBase := addrspace.PageFromAddr(serverAddr)
	callerSpace.RecordFunmap(calleeBase, serverBase)

	result := errno.Encode(int64(captured), nil)
	b.done.Insert(id, result)
	return int64(captured), nil
}

// Unmount marks the bridge unmounting: pending and future Read calls
// observe EOF, and Call refuses new requests with ENODEV.
func (b *Bridge) Unmount() {
	b.unmounting.Store(true)
	b.todo.Unmount()
}

// Name returns the scheme name this bridge backs.
func (b *Bridge) Name() string { return b.name }
