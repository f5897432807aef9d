/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package userscheme

// Syscall numbers used internally by the user-scheme bridge protocol.
const (
	SYS_OPEN uintptr = iota + 1
	SYS_DUP
	SYS_READ
	SYS_WRITE
	SYS_LSEEK
	SYS_FCHMOD
	SYS_FCHOWN
	SYS_FCNTL
	SYS_FEVENT
	SYS_FMAP
	SYS_FUNMAP
	SYS_FPATH
	SYS_FRENAME
	SYS_FSTAT
	SYS_FSTATVFS
	SYS_FSYNC
	SYS_FTRUNCATE
	SYS_FUTIMENS
	SYS_CLOSE
	SYS_RMDIR
	SYS_UNLINK
)

// EventRead is the event class posted to the server's own handle id to
// wake its poller when a new packet lands in todo.
const EventRead = 1
