// Copyright 2024 The vnodefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vnodefs

import "context"

// ClusterIO is the Host VFS collaborator spec.md §1 names as providing
// "the unified buffer cache (UBC)". The buffered read/write and
// pagein/pageout handlers delegate to it; its own implementation
// (backed by the host page cache) is out of scope for this package.
type ClusterIO interface {
	// Read copies up to len(p) bytes starting at off from the UBC,
	// using fileSize as the authoritative EOF bound. It returns the
	// number of bytes copied.
	Read(ctx context.Context, n *Node, off int64, p []byte, fileSize uint64) (int, error)

	// Write copies p into the UBC at off, returning the number of bytes
	// accepted.
	Write(ctx context.Context, n *Node, off int64, p []byte) (int, error)

	// InvalidateAndFlush flushes dirty pages for n synchronously and
	// discards cached pages, used when a node transitions into
	// direct-I/O (spec.md §4.6 open) or reports purge-UBC.
	InvalidateAndFlush(ctx context.Context, n *Node) error

	// SetSize updates the UBC's notion of n's size, e.g. after a
	// successful write extends the file.
	SetSize(n *Node, size uint64)

	// Dirty reports whether n has unwritten dirty pages, consulted by
	// close.
	Dirty(n *Node) bool
}

// Dispatcher is the vnode-op dispatcher of spec.md §4.6: one method per
// VFS entry point, wired into a HandlerTable that mirrors spec.md §6's
// upward interface.
type Dispatcher struct {
	*Mount
	ubc ClusterIO
}

// NewDispatcher builds a Dispatcher over an already-constructed Mount
// and its ClusterIO collaborator.
func NewDispatcher(m *Mount, ubc ClusterIO) *Dispatcher {
	return &Dispatcher{Mount: m, ubc: ubc}
}

// HandlerTable is the table mapping each VFS op descriptor to a handler
// (spec.md §6, Upward interface). Operations not present in this
// module's scope (revoke, allocate, default) are represented by the
// Revoke/Allocate/Default fields with the documented stub behavior.
type HandlerTable struct {
	Access       func(ctx context.Context, n *Node, creds Credentials) error
	Getattr      func(ctx context.Context, n *Node, creds Credentials) (Attr, error)
	Setattr      func(ctx context.Context, n *Node, req SetattrRequest, creds Credentials) (Attr, error)
	Lookup       func(ctx context.Context, dv *Node, name string, intent Intent, lastComponent bool, creds Credentials) (*Node, error)
	Open         func(ctx context.Context, n *Node, fflags uint32, creds Credentials) error
	Close        func(ctx context.Context, n *Node, mode AccessMode, ndelay bool, creds Credentials) error
	Create       func(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error)
	Mknod        func(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error)
	Mkdir        func(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error)
	Rmdir        func(ctx context.Context, dv *Node, name string, creds Credentials) error
	Remove       func(ctx context.Context, dv *Node, name string, creds Credentials) error
	Symlink      func(ctx context.Context, dv *Node, name, target string, creds Credentials) (*Node, error)
	Readlink     func(ctx context.Context, n *Node, creds Credentials) (string, error)
	Link         func(ctx context.Context, target *Node, dv *Node, name string, creds Credentials) error
	Rename       func(ctx context.Context, fromDir *Node, fromName string, toDir *Node, toName string, creds Credentials) error
	Exchange     func(ctx context.Context, dv1 *Node, name1 string, dv2 *Node, name2 string, creds Credentials) error
	Readdir      func(ctx context.Context, n *Node, creds Credentials) ([]DirEntry, error)
	Read         func(ctx context.Context, n *Node, off int64, p []byte, creds Credentials) (int, error)
	Write        func(ctx context.Context, n *Node, off int64, p []byte, creds Credentials) (int, error)
	Fsync        func(ctx context.Context, n *Node, creds Credentials) error
	Pagein       func(ctx context.Context, n *Node, off int64, p []byte, noCommit bool) (int, error)
	Pageout      func(ctx context.Context, n *Node, off int64, p []byte, noCommit bool) error
	Mmap         func(ctx context.Context, n *Node, prot uint32, creds Credentials) error
	Mnomap       func(ctx context.Context, n *Node) error
	Reclaim      func(ctx context.Context, n *Node, creds Credentials)
	Inactive     func(ctx context.Context, n *Node)
	Getxattr     func(ctx context.Context, n *Node, name string, size int, creds Credentials) ([]byte, int, error)
	Setxattr     func(ctx context.Context, n *Node, name string, data []byte, creds Credentials) error
	Listxattr    func(ctx context.Context, n *Node, creds Credentials) ([]string, error)
	Removexattr  func(ctx context.Context, n *Node, name string, creds Credentials) error
	Ioctl        func(ctx context.Context, n *Node, cmd uint32, dir uint32, creds Credentials) error
	Strategy     func(ctx context.Context, n *Node, off int64, p []byte, write bool) (int, error)
	Select       func(ctx context.Context, n *Node) int
	Pathconf     func(name PathconfName) (int64, error)
	Blktooff     func(n *Node, blk int64) int64
	Offtoblk     func(n *Node, off int64) int64
	Blockmap     func(n *Node, off int64) (int64, error)

	// Allocate stubs out per spec.md §6; Revoke delegates to the host
	// default per spec.md §6.
	Allocate func(ctx context.Context, n *Node) error
	Revoke   func(ctx context.Context, n *Node) error
	Default  func(ctx context.Context, n *Node) error
}

// NewHandlerTable wires d's methods into the table spec.md §6
// describes.
func (d *Dispatcher) NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		Access:      d.Access,
		Getattr:     d.Getattr,
		Setattr:     d.Setattr,
		Lookup:      d.Lookup,
		Open:        d.Open,
		Close:       d.Close,
		Create:      d.Create,
		Mknod:       d.Mknod,
		Mkdir:       d.Mkdir,
		Rmdir:       d.Rmdir,
		Remove:      d.Remove,
		Symlink:     d.Symlink,
		Readlink:    d.Readlink,
		Link:        d.Link,
		Rename:      d.Rename,
		Exchange:    d.Exchange,
		Readdir:     d.Readdir,
		Read:        d.Read,
		Write:       d.Write,
		Fsync:       d.Fsync,
		Pagein:      d.Pagein,
		Pageout:     d.Pageout,
		Mmap:        d.Mmap,
		Mnomap:      d.Mnomap,
		Reclaim:     d.Reclaim,
		Inactive:    d.Inactive,
		Getxattr:    d.Getxattr,
		Setxattr:    d.Setxattr,
		Listxattr:   d.Listxattr,
		Removexattr: d.Removexattr,
		Ioctl:       d.Ioctl,
		Strategy:    d.Strategy,
		Select:      d.Select,
		Pathconf:    d.Pathconf,
		Blktooff:    d.Blktooff,
		Offtoblk:    d.Offtoblk,
		Blockmap:    d.Blockmap,
		Allocate:    d.Allocate,
		Revoke:      d.Revoke,
		Default:     d.Default,
	}
}
