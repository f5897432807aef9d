/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package scheme defines the file-like contract every kernel service
// implements (the "scheme" trait) and the process-wide registry
// mapping a namespace-qualified name to an implementation. Missing
// operations default to "not supported" via the embeddable
// Unimplemented struct, the Go stand-in for a trait's per-method
// default implementation.
package scheme

import (
	"sync"

	"github.com/coriolis-os/kernel/addrspace"
	"github.com/coriolis-os/kernel/errno"
)

// ID identifies a mounted scheme instance.
type ID uint64

// Map is the fmap request record: requested address (0 = anywhere),
// size, file offset, and protection/sharing flags.
type Map struct {
	Address uintptr
	Size    uintptr
	Offset  uintptr
	Flags   addrspace.MapFlags
}

// Scheme is the closed set of file-like operations a kernel service
// implements. Every method returns a non-negative result or one of
// the errno package's error kinds.
type Scheme interface {
	Open(path string, flags int, uid, gid uint32) (int64, error)
	Dup(id int64, name string) (int64, error)
	Read(id int64, buf []byte) (int64, error)
	Write(id int64, buf []byte) (int64, error)
	Seek(id int64, offset int64, whence int) (int64, error)
	Fcntl(id int64, cmd int64, arg int64) (int64, error)
	Fevent(id int64, flags int64) (int64, error)
	Fmap(id int64, space *addrspace.Space, m Map) (int64, error)
	Funmap(addr uintptr, size uintptr) (int64, error)
	Fpath(id int64, buf []byte) (int64, error)
	Fstat(id int64, buf []byte) (int64, error)
	Fstatvfs(id int64, buf []byte) (int64, error)
	Fsync(id int64) (int64, error)
	Ftruncate(id int64, size int64) (int64, error)
	Futimens(id int64, atime, mtime int64) (int64, error)
	Fchmod(id int64, mode uint32) (int64, error)
	Fchown(id int64, uid, gid uint32) (int64, error)
	Frename(id int64, newPath string) (int64, error)
	Rmdir(path string) (int64, error)
	Unlink(path string) (int64, error)
	Close(id int64) (int64, error)
}

// Privileged extends Scheme with the kernel-only kfmap operation, used
// when a kernel-resident scheme must map into a specific address
// space rather than the caller's own.
type Privileged interface {
	Scheme
	KFmap(n int64, space *addrspace.Space, m Map, consume bool) (int64, error)
}

// Unimplemented embeds into a concrete Scheme to supply "not
// supported" for every method the embedder doesn't override, the same
// role a default trait method plays.
type Unimplemented struct{}

func (Unimplemented) Open(string, int, uint32, uint32) (int64, error)       { return 0, errno.ENODEV }
func (Unimplemented) Dup(int64, string) (int64, error)                     { return 0, errno.EBADF }
func (Unimplemented) Read(int64, []byte) (int64, error)                    { return 0, errno.EBADF }
func (Unimplemented) Write(int64, []byte) (int64, error)                   { return 0, errno.EBADF }
func (Unimplemented) Seek(int64, int64, int) (int64, error)                { return 0, errno.EBADF }
func (Unimplemented) Fcntl(int64, int64, int64) (int64, error)             { return 0, errno.EBADF }
func (Unimplemented) Fevent(int64, int64) (int64, error)                   { return 0, errno.EBADF }
func (Unimplemented) Fmap(int64, *addrspace.Space, Map) (int64, error)     { return 0, errno.EBADF }
func (Unimplemented) Funmap(uintptr, uintptr) (int64, error)               { return 0, errno.EFAULT }
func (Unimplemented) Fpath(int64, []byte) (int64, error)                   { return 0, errno.EBADF }
func (Unimplemented) Fstat(int64, []byte) (int64, error)                   { return 0, errno.EBADF }
func (Unimplemented) Fstatvfs(int64, []byte) (int64, error)                { return 0, errno.EBADF }
func (Unimplemented) Fsync(int64) (int64, error)                          { return 0, errno.EBADF }
func (Unimplemented) Ftruncate(int64, int64) (int64, error)                { return 0, errno.EBADF }
func (Unimplemented) Futimens(int64, int64, int64) (int64, error)          { return 0, errno.EBADF }
func (Unimplemented) Fchmod(int64, uint32) (int64, error)                  { return 0, errno.EBADF }
func (Unimplemented) Fchown(int64, uint32, uint32) (int64, error)          { return 0, errno.EBADF }
func (Unimplemented) Frename(int64, string) (int64, error)                 { return 0, errno.EBADF }
func (Unimplemented) Rmdir(string) (int64, error)                         { return 0, errno.ENODEV }
func (Unimplemented) Unlink(string) (int64, error)                        { return 0, errno.ENODEV }
func (Unimplemented) Close(int64) (int64, error)                          { return 0, errno.EBADF }

var _ Scheme = Unimplemented{}

// key identifies a scheme by its owning namespace and name.
type key struct {
	Namespace uint32
	Name      string
}

// Registry is the process-wide, read-mostly mapping from
// (namespace, name) to a mounted Scheme.
type Registry struct {
	mtx     sync.RWMutex
	byKey   map[key]ID
	byID    map[ID]Scheme
	nextID  ID
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[key]ID),
		byID:  make(map[ID]Scheme),
	}
}

// Mount registers impl under (namespace, name), returning its new ID.
// Mounting an already-occupied name returns ENODEV (the name is not
// free to take).
func (r *Registry) Mount(namespace uint32, name string, impl Scheme) (ID, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	k := key{namespace, name}
	if _, exists := r.byKey[k]; exists {
		return 0, errno.ENODEV
	}
	r.nextID++
	id := r.nextID
	r.byKey[k] = id
	r.byID[id] = impl
	return id, nil
}

// Unmount removes a scheme from the namespace so future lookups fail,
// without tearing down any in-flight file ids the caller may still
// hold (that is the scheme implementation's responsibility).
func (r *Registry) Unmount(namespace uint32, name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	k := key{namespace, name}
	if id, ok := r.byKey[k]; ok {
		delete(r.byKey, k)
		delete(r.byID, id)
	}
}

// Lookup resolves a namespace-qualified name to its Scheme and ID.
func (r *Registry) Lookup(namespace uint32, name string) (Scheme, ID, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	id, ok := r.byKey[key{namespace, name}]
	if !ok {
		return nil, 0, errno.ENODEV
	}
	return r.byID[id], id, nil
}

// Get resolves a scheme by its ID directly, used once a file id has
// already recorded which scheme owns it.
func (r *Registry) Get(id ID) (Scheme, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, errno.ENODEV
	}
	return s, nil
}
