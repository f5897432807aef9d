/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/coriolis-os/kernel/debug"
	"github.com/coriolis-os/kernel/klog"
	"github.com/coriolis-os/kernel/utils"
	"github.com/coriolis-os/kernel/version"
)

// Run boots debug-signal handling and blocks until a quit signal
// (SIGHUP/SIGINT/SIGQUIT/SIGTERM) arrives, then tears the kernel down.
// name is used as the debug-dump directory prefix.
func (k *Kernel) Run(name string) {
	k.Log.Info("starting kernel",
		klog.F("major", version.MajorVersion),
		klog.F("minor", version.MinorVersion),
		klog.F("point", version.PointVersion))

	go debug.HandleDebugSignals(name, k.Contexts, k.Journal)

	sig := utils.WaitForQuit()
	k.Log.Info("received shutdown signal", klog.F("signal", sig))
	k.Close()
}
