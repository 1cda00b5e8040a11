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

import (
	"context"
	"strings"

	"golang.org/x/sys/unix"
)

// Lookup is the dispatcher's entry point into the name-lookup bridge of
// spec.md §4.5.
func (d *Dispatcher) Lookup(ctx context.Context, dv *Node, name string, intent Intent, lastComponent bool, creds Credentials) (*Node, error) {
	if err := d.prologue(dv, creds, false); err != nil {
		return nil, err
	}
	return d.lookup(ctx, dv, name, intent, lastComponent, creds)
}

type mkdirRequest struct {
	Name string
	Mode uint32
}

// Mkdir sends MKDIR and interns the resulting node as a directory.
func (d *Dispatcher) Mkdir(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error) {
	if err := d.prologue(dv, creds, false); err != nil {
		return nil, err
	}
	if d.readOnly {
		return nil, unix.EROFS
	}

	t := initTicket(d.Mount, OpMkdir, dv.ID(), creds, &mkdirRequest{Name: name, Mode: mode})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, downgrade(reply.Err)
	}
	cr, _ := reply.Payload.(*CreateReply)
	if cr == nil {
		return nil, unix.EIO
	}
	n := d.internNode(cr.NodeID, VnodeDirectory, name, dv.ID())
	n.addLookup()
	n.attrs.cache(cr.Attr)
	return n, nil
}

// Mknod sends MKNOD for a non-regular, non-directory node (device,
// fifo, socket).
func (d *Dispatcher) Mknod(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error) {
	if err := d.prologue(dv, creds, false); err != nil {
		return nil, err
	}
	if d.readOnly {
		return nil, unix.EROFS
	}

	t := initTicket(d.Mount, OpMknod, dv.ID(), creds, &CreateRequest{Name: name, Mode: mode})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, downgrade(reply.Err)
	}
	cr, _ := reply.Payload.(*CreateReply)
	if cr == nil {
		return nil, unix.EIO
	}
	n := d.internNode(cr.NodeID, VnodeOther, name, dv.ID())
	n.addLookup()
	n.attrs.cache(cr.Attr)
	return n, nil
}

type removeRequest struct {
	Name string
}

// Rmdir sends RMDIR and purges the name cache for the removed entry.
func (d *Dispatcher) Rmdir(ctx context.Context, dv *Node, name string, creds Credentials) error {
	return d.unlinkLike(ctx, dv, name, OpRmdir, creds)
}

// Remove sends UNLINK and purges the name cache for the removed entry.
func (d *Dispatcher) Remove(ctx context.Context, dv *Node, name string, creds Credentials) error {
	return d.unlinkLike(ctx, dv, name, OpUnlink, creds)
}

func (d *Dispatcher) unlinkLike(ctx context.Context, dv *Node, name string, op Opcode, creds Credentials) error {
	if err := d.prologue(dv, creds, false); err != nil {
		return err
	}
	if d.readOnly {
		return unix.EROFS
	}

	t := initTicket(d.Mount, op, dv.ID(), creds, &removeRequest{Name: name})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return downgrade(reply.Err)
	}
	d.hostNameCache.Purge(dv.ID())
	return nil
}

type symlinkRequest struct {
	Name   string
	Target string
}

// Symlink sends SYMLINK and interns the resulting node.
func (d *Dispatcher) Symlink(ctx context.Context, dv *Node, name, target string, creds Credentials) (*Node, error) {
	if err := d.prologue(dv, creds, false); err != nil {
		return nil, err
	}
	if d.readOnly {
		return nil, unix.EROFS
	}

	t := initTicket(d.Mount, OpSymlink, dv.ID(), creds, &symlinkRequest{Name: name, Target: target})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, downgrade(reply.Err)
	}
	cr, _ := reply.Payload.(*CreateReply)
	if cr == nil {
		return nil, unix.EIO
	}
	n := d.internNode(cr.NodeID, VnodeSymlink, name, dv.ID())
	n.addLookup()
	n.attrs.cache(cr.Attr)
	return n, nil
}

type readlinkReply struct {
	Target string
}

// Readlink sends READLINK.
func (d *Dispatcher) Readlink(ctx context.Context, n *Node, creds Credentials) (string, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return "", err
	}

	reply, err := simplePutGet(ctx, d.Mount, OpReadlink, n.ID(), creds)
	if err != nil {
		return "", err
	}
	if reply.Err != nil {
		return "", downgrade(reply.Err)
	}
	rr, _ := reply.Payload.(*readlinkReply)
	if rr == nil {
		return "", unix.EIO
	}
	return rr.Target, nil
}

type linkRequest struct {
	TargetNodeID uint64
	Name         string
}

// Link sends LINK, then invalidates the target's attribute cache (its
// nlink just changed).
func (d *Dispatcher) Link(ctx context.Context, target *Node, dv *Node, name string, creds Credentials) error {
	if err := d.prologue(dv, creds, false); err != nil {
		return err
	}
	if d.readOnly {
		return unix.EROFS
	}

	t := initTicket(d.Mount, OpLink, dv.ID(), creds, &linkRequest{TargetNodeID: target.ID(), Name: name})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return downgrade(reply.Err)
	}
	target.attrs.invalidate()
	return nil
}

type renameRequest struct {
	FromName string
	ToDirID  uint64
	ToName   string
}

// Rename implements spec.md §8 scenario S4: if the target name
// resolves to an existing vnode, purge its name-cache entry (whether or
// not it is the source vnode); purge the source directory's name-cache
// entries, which drops the source name's entry; send RENAME; then
// invalidate attributes on both directories.
func (d *Dispatcher) Rename(ctx context.Context, fromDir *Node, fromName string, toDir *Node, toName string, creds Credentials) error {
	if err := d.prologue(fromDir, creds, false); err != nil {
		return err
	}
	if d.readOnly {
		return unix.EROFS
	}

	if victim, err := d.lookup(ctx, toDir, toName, IntentLookup, true, creds); err == nil && victim != nil {
		d.namecache.purge(victim)
	}

	d.hostNameCache.Purge(fromDir.ID())

	t := initTicket(d.Mount, OpRename, fromDir.ID(), creds, &renameRequest{FromName: fromName, ToDirID: toDir.ID(), ToName: toName})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return downgrade(reply.Err)
	}

	fromDir.attrs.invalidate()
	toDir.attrs.invalidate()
	return nil
}

type exchangeRequest struct {
	DirID1 uint64
	Name1  string
	DirID2 uint64
	Name2  string
}

const hiddenNamePrefix = "._"

// Exchange sends EXCHANGE, rejecting with EINVAL if either name begins
// with the hidden Apple-Double prefix, resolving spec.md §9 open
// question (b).
func (d *Dispatcher) Exchange(ctx context.Context, dv1 *Node, name1 string, dv2 *Node, name2 string, creds Credentials) error {
	if strings.HasPrefix(name1, hiddenNamePrefix) || strings.HasPrefix(name2, hiddenNamePrefix) {
		return unix.EINVAL
	}
	if err := d.prologue(dv1, creds, false); err != nil {
		return err
	}
	if !d.caps.implemented(capExchange) {
		return unix.ENOTSUP
	}

	t := initTicket(d.Mount, OpExchange, dv1.ID(), creds, &exchangeRequest{DirID1: dv1.ID(), Name1: name1, DirID2: dv2.ID(), Name2: name2})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capExchange)
		return unix.ENOTSUP
	}
	if reply.Err != nil {
		return reply.Err
	}
	dv1.attrs.invalidate()
	dv2.attrs.invalidate()
	return nil
}

// DirEntry is one entry of a READDIR reply.
type DirEntry struct {
	NodeID uint64
	Name   string
	Type   VnodeType
}

type readdirReply struct {
	Entries []DirEntry
}

// Readdir obtains a directory handle and sends READDIR.
func (d *Dispatcher) Readdir(ctx context.Context, n *Node, creds Credentials) ([]DirEntry, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return nil, err
	}

	_, _, err := n.handles.get(ctx, d.Mount, ModeRead, true, creds)
	if err != nil {
		return nil, err
	}
	defer n.handles.put(ctx, d.Mount, ModeRead, true, creds)

	reply, err := simplePutGet(ctx, d.Mount, OpReaddir, n.ID(), creds)
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, downgrade(reply.Err)
	}
	rr, _ := reply.Payload.(*readdirReply)
	if rr == nil {
		return nil, unix.EIO
	}
	return rr.Entries, nil
}
