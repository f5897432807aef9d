/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-os/kernel/kconfig"
	"github.com/coriolis-os/kernel/klog"
)

func TestNewWiresMemoryScheme(t *testing.T) {
	cfg := kconfig.Default()
	cfg.Global.Cpu_Count = 2
	cfg.Global.Journal_Path = filepath.Join(t.TempDir(), "crash.bolt")

	k, err := New(cfg, klog.NewDiscard())
	require.NoError(t, err)
	defer k.Close()

	require.Equal(t, 2, k.NumCPU())
	require.NotNil(t, k.CPU(0))
	require.Nil(t, k.CPU(2))

	_, _, err = k.Schemes.Lookup(0, "memory")
	require.NoError(t, err)
}

func TestNewWithoutJournalPathSkipsJournal(t *testing.T) {
	cfg := kconfig.Default()
	k, err := New(cfg, klog.NewDiscard())
	require.NoError(t, err)
	defer k.Close()
	require.Nil(t, k.Journal)
}
