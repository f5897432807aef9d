/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/klog"
)

func TestSupervisorRestartsOnPanic(t *testing.T) {
	s := NewSupervisor("test", klog.NewDiscard())
	s.RestartPeriod = time.Millisecond
	s.CooldownPeriod = time.Millisecond

	var runs atomic.Int32
	require.NoError(t, s.Start(func(stop <-chan struct{}) {
		n := runs.Add(1)
		if n < 3 {
			panic("boom")
		}
		<-stop
	}))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSupervisorStopIsClean(t *testing.T) {
	s := NewSupervisor("test", klog.NewDiscard())
	started := make(chan struct{})
	require.NoError(t, s.Start(func(stop <-chan struct{}) {
		close(started)
		<-stop
	}))
	<-started
	s.Stop()
}

func TestSupervisorDoubleStartFails(t *testing.T) {
	s := NewSupervisor("test", klog.NewDiscard())
	started := make(chan struct{})
	require.NoError(t, s.Start(func(stop <-chan struct{}) {
		close(started)
		<-stop
	}))
	<-started
	require.Error(t, s.Start(func(stop <-chan struct{}) {}))
	s.Stop()
}
