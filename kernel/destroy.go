/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"go.uber.org/multierr"

	"github.com/coriolis-os/kernel/kctx"
	"github.com/coriolis-os/kernel/scheme"
)

// Destroy tears a context down: every open file is closed against its
// owning scheme, the address space's grants are released, any ptrace
// session is closed (waking both sides), and the context is removed
// from the table. Every subsystem's teardown runs regardless of
// earlier failures; go.uber.org/multierr aggregates the errors instead
// of the sequence stopping, or silently dropping one, on first failure.
// code is recorded on the context as its Exited(code) status; Destroy
// then removes the context from the table itself before returning.
func (k *Kernel) Destroy(id kctx.ID, code int) error {
	c, ok := k.Contexts.Get(id)
	if !ok {
		return nil
	}

	c.Mtx.Lock()
	files := c.Files.Drain()
	space := c.AddrSpace
	c.Exit(code)
	c.Mtx.Unlock()

	var err error
	for _, fd := range files {
		sch, lookupErr := k.Schemes.Get(scheme.ID(fd.SchemeID))
		if lookupErr != nil {
			err = multierr.Append(err, lookupErr)
			continue
		}
		if _, closeErr := sch.Close(int64(fd.FileID)); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}

	if space != nil {
		for _, relErr := range space.ReleaseAll() {
			err = multierr.Append(err, relErr)
		}
	}

	k.Ptrace.CloseSession(id)
	k.Contexts.Remove(id)
	return err
}
