/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wait

import (
	"sync"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Second

func TestQueuePushReceive(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Push(2)

	buf := make([]int, 4)
	n, ok, err := q.ReceiveInto(buf, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || n != 2 {
		t.Fatalf("expected 2 values, got n=%d ok=%v", n, ok)
	}
	if buf[0] != 1 || buf[1] != 2 {
		t.Fatalf("unexpected order: %v", buf[:n])
	}
}

func TestQueueBlockingReceive(t *testing.T) {
	q := NewQueue[int](4)
	done := make(chan struct{})
	var n int
	go func() {
		buf := make([]int, 1)
		var ok bool
		n, ok, _ = q.ReceiveInto(buf, true, nil)
		if ok {
			close(done)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(7)

	select {
	case <-done:
		if n != 1 {
			t.Fatalf("expected n=1, got %d", n)
		}
	case <-time.After(defaultTimeout):
		t.Fatal("blocked receive never woke on push")
	}
}

func TestQueueUnmountWakesReceiver(t *testing.T) {
	q := NewQueue[int](1)
	done := make(chan struct{})
	go func() {
		buf := make([]int, 1)
		n, ok, err := q.ReceiveInto(buf, true, nil)
		if err == nil && ok && n == 0 {
			close(done)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Unmount()

	select {
	case <-done:
	case <-time.After(defaultTimeout):
		t.Fatal("unmount never woke blocked receiver")
	}
}

func TestQueueReceiveInterrupted(t *testing.T) {
	q := NewQueue[int](1)
	interrupt := make(chan struct{})
	done := make(chan struct{})

	go func() {
		buf := make([]int, 1)
		_, _, err := q.ReceiveInto(buf, true, interrupt)
		if err == ErrInterrupted {
			close(done)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	close(interrupt)

	select {
	case <-done:
	case <-time.After(defaultTimeout):
		t.Fatal("interrupt never woke blocked receiver")
	}
}

func TestMapInsertThenAwait(t *testing.T) {
	m := NewMap[uint64, string]()
	m.Insert(5, "hello")

	v, err := m.Await(5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello" {
		t.Fatalf("expected hello, got %q", v)
	}
}

func TestMapAwaitThenInsert(t *testing.T) {
	m := NewMap[uint64, string]()
	done := make(chan string)

	go func() {
		v, err := m.Await(9, nil)
		if err == nil {
			done <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	m.Insert(9, "world")

	select {
	case v := <-done:
		if v != "world" {
			t.Fatalf("expected world, got %q", v)
		}
	case <-time.After(defaultTimeout):
		t.Fatal("await never woke on insert")
	}
}

func TestMapAbandon(t *testing.T) {
	m := NewMap[uint64, string]()
	done := make(chan error, 1)

	go func() {
		_, err := m.Await(1, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Abandon(1)

	select {
	case err := <-done:
		if err != ErrInterrupted {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(defaultTimeout):
		t.Fatal("abandon never woke waiter")
	}
}

func TestCondWaitNotify(t *testing.T) {
	var mu sync.Mutex
	c := NewCond()
	woke := make(chan struct{})

	mu.Lock()
	go func() {
		mu.Lock()
		c.Wait(&mu, nil)
		mu.Unlock()
		close(woke)
	}()
	mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	c.Notify()

	select {
	case <-woke:
	case <-time.After(defaultTimeout):
		t.Fatal("notify never woke waiter")
	}
}
