/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package userscheme

import (
	"testing"
	"time"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/kctx"
)

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{ID: 42, PID: 7, UID: 1000, GID: 1000, A: SYS_OPEN, B: 0xdead, C: 7, D: 1}
	buf := make([]byte, PacketSize)
	p.Encode(buf)

	got, err := DecodePackets(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestDecodePartialPacketRejected(t *testing.T) {
	if _, err := DecodePackets(make([]byte, PacketSize-1)); err == nil {
		t.Fatal("expected ErrPartialPacket")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	b := New("disk", 4, 4)
	ctx := CallerContext(kctx.ID(7), 1000, 1000)

	resultCh := make(chan int64, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := b.Call(ctx, SYS_OPEN, 0xdead, 7, 0, nil, nil)
		resultCh <- r
		errCh <- err
	}()

	// Server side: drain one packet, expect the open request, reply
	// with file id 42.
	time.Sleep(10 * time.Millisecond)
	out := make([]Packet, 1)
	n, err := b.Read(out, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || out[0].A != SYS_OPEN || out[0].C != 7 {
		t.Fatalf("unexpected packet: %+v", out[0])
	}

	reply := Packet{ID: out[0].ID, A: 42}
	b.Write([]Packet{reply}, nil)

	select {
	case r := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
		if r != 42 {
			t.Fatalf("expected open to return 42, got %d", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open call never completed")
	}
}

func TestFmapCompletion(t *testing.T) {
	b := New("disk", 4, 4)
	alloc := addrspace.NewAllocator()
	callerSpace := addrspace.NewSpace(alloc)
	serverSpace := addrspace.NewSpace(alloc)

	// Server pre-maps the backing pages in its own space so Capture
	// has something real to alias.
	serverBase, err := serverSpace.Mmap(0, 2, addrspace.AnonymousBuilder(alloc))
	if err != nil {
		t.Fatal(err)
	}
	serverAddr := addrspace.AddrFromPage(serverBase)

	ctx := CallerContext(kctx.ID(9), 1000, 1000)
	req := FmapWait{CallerID: kctx.ID(9), FileID: 3, Request: Map{Size: 8192, Flags: 1}}

	resultCh := make(chan int64, 1)
	go func() {
		r, _ := b.CallFmap(ctx, 0, 8192, 0, req, nil, nil)
		resultCh <- r
	}()

	time.Sleep(10 * time.Millisecond)
	out := make([]Packet, 1)
	if _, err := b.Read(out, true, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := CompleteFmap(b, PacketID(out[0].ID), serverAddr, serverSpace, callerSpace); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-resultCh:
		if r == 0 {
			t.Fatal("expected a nonzero caller-visible address")
		}
		callerFrame, _, ok := callerSpace.Translate(uintptr(r))
		if !ok {
			t.Fatal("expected caller-side mapping to exist after fmap completion")
		}
		serverFrame, _, _ := serverSpace.Translate(serverAddr)
		if callerFrame != serverFrame {
			t.Fatalf("fmap completion should alias the same frame: caller=%d server=%d", callerFrame, serverFrame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fmap call never completed")
	}
}
