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

	"golang.org/x/sys/unix"
)

// Open implements spec.md §4.6's open contract: obtain a handle of the
// fflags-derived mode; on direct-I/O, flush/invalidate the UBC, disable
// cache and read-ahead, and clear nosyncwrites; on purge-UBC, flush and
// optionally refresh attributes.
func (d *Dispatcher) Open(ctx context.Context, n *Node, fflags uint32, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	mode := xlateFromFflags(fflags)

	_, or, err := n.handles.get(ctx, d.Mount, mode, n.Type() == VnodeDirectory, creds)
	if err != nil {
		return err
	}
	if or == nil {
		return nil
	}
	if or.DirectIO {
		if err := d.ubc.InvalidateAndFlush(ctx, n); err != nil {
			return err
		}
		n.setDirectIO(true)
		d.cfg.NosyncWrites = false
	}
	if or.PurgeUBC {
		if err := d.ubc.InvalidateAndFlush(ctx, n); err != nil {
			return err
		}
		n.attrs.invalidate()
	}
	return nil
}

// Close implements spec.md §4.6's close contract: push dirty blocks
// synchronously unless sync-on-close is disabled; send FLUSH if
// implemented; decrement the handle, releasing on the 1→0 transition.
// IO_NDELAY (the vclean path) skips the prologue, the dirty-block push
// and — per spec.md §9(c) — FLUSH, even for dirty files, because the
// reclaim path flushes separately; it only decrements the handle and
// returns the result of that put.
func (d *Dispatcher) Close(ctx context.Context, n *Node, mode AccessMode, ndelay bool, creds Credentials) error {
	if ndelay {
		return n.handles.put(ctx, d.Mount, mode, n.Type() == VnodeDirectory, creds)
	}
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}

	if d.cfg.SyncOnClose && d.ubc.Dirty(n) {
		if err := d.ubc.InvalidateAndFlush(ctx, n); err != nil {
			return err
		}
	}
	if d.caps.implemented(capFlush) {
		reply, err := simplePutGet(ctx, d.Mount, OpFlush, n.ID(), creds)
		if err != nil {
			return err
		}
		if reply.Err == unix.ENOSYS {
			d.caps.downgrade(capFlush)
		} else if reply.Err != nil {
			return reply.Err
		}
	}
	return n.handles.put(ctx, d.Mount, mode, n.Type() == VnodeDirectory, creds)
}

// CreateRequest carries a CREATE (or, on downgrade, MKNOD) request.
type CreateRequest struct {
	Name string
	Mode uint32
}

// Create implements spec.md §4.6's create contract: try CREATE-and-open
// in one round trip; on ENOSYS retry as MKNOD+OPEN; install the
// returned handle in the read-write slot (count 1, to be claimed by the
// impending OPEN); on post-create vnode-allocation failure, compensate
// with an async RELEASE+FORGET so the daemon's accounting stays
// consistent.
func (d *Dispatcher) Create(ctx context.Context, dv *Node, name string, mode uint32, creds Credentials) (*Node, error) {
	if err := d.prologue(dv, creds, false); err != nil {
		return nil, err
	}
	if d.readOnly {
		return nil, unix.EROFS
	}

	if d.caps.implemented(capCreate) {
		t := initTicket(d.Mount, OpCreate, dv.ID(), creds, &CreateRequest{Name: name, Mode: mode})
		reply, err := t.dispatchAndWait(ctx)
		t.drop()
		if err != nil {
			return nil, err
		}
		if reply.Err == unix.ENOSYS {
			d.caps.downgrade(capCreate)
		} else if reply.Err != nil {
			return nil, reply.Err
		} else {
			cr, _ := reply.Payload.(*CreateReply)
			if cr == nil {
				return nil, unix.EIO
			}
			if err := ctx.Err(); err != nil {
				// The caller gave up between the daemon's CREATE reply
				// and our vnode allocation; don't leak the daemon's
				// handle and lookup accounting for a vnode we're about
				// to discard.
				if cr.Open != nil {
					n := d.internNode(cr.NodeID, VnodeRegular, name, dv.ID())
					n.addLookup()
					d.compensateFailedCreate(n, cr.Open.Handle, creds)
				}
				return nil, err
			}
			n, err := d.installCreated(ctx, dv, name, cr, creds)
			if err != nil {
				return nil, err
			}
			return n, nil
		}
	}

	// MKNOD + OPEN fallback.
	mt := initTicket(d.Mount, OpMknod, dv.ID(), creds, &CreateRequest{Name: name, Mode: mode})
	mreply, err := mt.dispatchAndWait(ctx)
	mt.drop()
	if err != nil {
		return nil, err
	}
	if mreply.Err != nil {
		return nil, mreply.Err
	}
	cr, _ := mreply.Payload.(*CreateReply)
	if cr == nil {
		return nil, unix.EIO
	}
	n := d.internNode(cr.NodeID, VnodeRegular, name, dv.ID())
	n.addLookup()
	n.attrs.cache(cr.Attr)

	if err := d.Open(ctx, n, unix.O_RDWR, creds); err != nil {
		return nil, err
	}
	return n, nil
}

// CreateReply is the payload a CREATE or MKNOD reply carries.
type CreateReply struct {
	NodeID  uint64
	Attr    AttrReply
	Open    *OpenReply
}

func (d *Dispatcher) installCreated(ctx context.Context, dv *Node, name string, cr *CreateReply, creds Credentials) (*Node, error) {
	n := d.internNode(cr.NodeID, VnodeRegular, name, dv.ID())
	n.addLookup()
	n.attrs.cache(cr.Attr)
	if cr.Open != nil {
		n.handles.mu.Lock()
		n.handles.slots[ModeReadWrite] = handleSlot{valid: true, handle: cr.Open.Handle, openCount: 1, flags: cr.Open.Flags}
		n.handles.mu.Unlock()
	}
	return n, nil
}

// compensateFailedCreate sends RELEASE+FORGET asynchronously so the
// daemon is not left with leaked state after a post-create vnode
// allocation failure, per spec.md §4.6/§7.
func (d *Dispatcher) compensateFailedCreate(n *Node, handle uint64, creds Credentials) {
	go func() {
		ctx := context.Background()
		rt := initTicket(d.Mount, OpRelease, n.ID(), creds, &releaseRequest{Handle: handle})
		rt.dispatchAndWait(ctx)
		rt.drop()
		if count := n.forgetCount(); count > 0 {
			ft := initTicket(d.Mount, OpForget, n.ID(), creds, &forgetRequest{Count: count})
			ft.dispatchAndWait(ctx)
			ft.drop()
		}
		d.removeNode(n.ID())
	}()
}

type forgetRequest struct {
	Count uint64
}

// ReadRequest/ReadReply and WriteRequest/WriteReply carry the payload
// of a direct-I/O READ/WRITE RPC, chunked by the negotiated I/O size.
type ReadRequest struct {
	Handle uint64
	Offset int64
	Size   int
}

type ReadReply struct {
	Data []byte
}

type WriteRequest struct {
	Handle uint64
	Offset int64
	Data   []byte
}

type WriteReply struct {
	Size int
}

// Read implements spec.md §4.6's read contract. Buffered I/O delegates
// to the host cluster layer using the cached file size; direct I/O
// loops issuing READ RPCs in chunks bounded by the negotiated I/O size,
// falling back from a missing read-only handle to the read-write
// handle.
func (d *Dispatcher) Read(ctx context.Context, n *Node, off int64, p []byte, creds Credentials) (int, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return 0, err
	}

	if !n.directIO() {
		return d.ubc.Read(ctx, n, off, p, n.Size())
	}

	handle, err := d.readWriteHandle(ctx, n, ModeRead, creds)
	if err != nil {
		return 0, err
	}

	chunk := int(d.cfg.IOSize)
	if chunk <= 0 {
		chunk = len(p)
	}
	total := 0
	for total < len(p) {
		n2 := len(p) - total
		if n2 > chunk {
			n2 = chunk
		}
		t := initTicket(d.Mount, OpRead, n.ID(), creds, &ReadRequest{Handle: handle, Offset: off + int64(total), Size: n2})
		reply, err := t.dispatchAndWait(ctx)
		t.drop()
		if err != nil {
			return total, err
		}
		if reply.Err != nil {
			return total, reply.Err
		}
		rr, _ := reply.Payload.(*ReadReply)
		if rr == nil {
			return total, unix.EIO
		}
		copy(p[total:], rr.Data)
		total += len(rr.Data)
		if len(rr.Data) < n2 {
			break // short read: EOF.
		}
	}
	return total, nil
}

// Write implements spec.md §4.6's write contract; on success it
// extends the cached file size and the UBC size. In the direct-I/O
// path the size extension is fenced by the attribute version read
// before the first WRITE: if a GETATTR or SETATTR reply has been cached
// since, the size is left as that reply set it. When a direct-I/O
// WRITE fails, Write returns the bytes written before the failure
// together with the error and does not extend the cached size; there
// is no unit-semantics mode, so the original offset and residual are
// not restored.
func (d *Dispatcher) Write(ctx context.Context, n *Node, off int64, p []byte, creds Credentials) (int, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return 0, err
	}
	if d.readOnly {
		return 0, unix.EROFS
	}

	if !n.directIO() {
		written, err := d.ubc.Write(ctx, n, off, p)
		if written > 0 {
			newSize := uint64(off) + uint64(written)
			if newSize > n.Size() {
				n.setSize(newSize)
				d.ubc.SetSize(n, newSize)
			}
		}
		return written, err
	}

	handle, err := d.readWriteHandle(ctx, n, ModeWrite, creds)
	if err != nil {
		return 0, err
	}
	version := n.attrs.currentVersion()

	chunk := int(d.cfg.IOSize)
	if chunk <= 0 {
		chunk = len(p)
	}
	total := 0
	for total < len(p) {
		n2 := len(p) - total
		if n2 > chunk {
			n2 = chunk
		}
		t := initTicket(d.Mount, OpWrite, n.ID(), creds, &WriteRequest{Handle: handle, Offset: off + int64(total), Data: p[total : total+n2]})
		reply, err := t.dispatchAndWait(ctx)
		t.drop()
		if err != nil {
			return total, err
		}
		if reply.Err != nil {
			return total, reply.Err
		}
		wr, _ := reply.Payload.(*WriteReply)
		if wr == nil {
			return total, unix.EIO
		}
		total += wr.Size
		if wr.Size < n2 {
			break
		}
	}
	if total > 0 {
		newSize := uint64(off) + uint64(total)
		if newSize > n.Size() {
			n.attrs.updateSizeIfCurrent(n, version, newSize)
			if n.Size() == newSize {
				d.ubc.SetSize(n, newSize)
			}
		}
	}
	return total, nil
}

// readWriteHandle resolves the handle for mode, falling back to the
// read-write slot when the exact mode's handle is missing (spec.md
// §4.6 read/write's "falling back from a missing write-only or
// read-only handle to the read-write handle").
func (d *Dispatcher) readWriteHandle(ctx context.Context, n *Node, mode AccessMode, creds Credentials) (uint64, error) {
	n.handles.mu.Lock()
	s := n.handles.slots[mode]
	rw := n.handles.slots[ModeReadWrite]
	n.handles.mu.Unlock()
	if s.valid {
		return s.handle, nil
	}
	if rw.valid {
		return rw.handle, nil
	}
	return 0, unix.EBADF
}

// Fsync implements spec.md §4.6's fsync contract: iterate valid
// handles issuing FSYNC/FSYNCDIR; ENOSYS with nosyncwrites disabled
// downgrades silently to success.
func (d *Dispatcher) Fsync(ctx context.Context, n *Node, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}

	op := OpFsync
	capBit := capFsync
	if n.Type() == VnodeDirectory {
		op = OpFsyncdir
		capBit = capFsyncdir
	}
	if !d.caps.implemented(capBit) {
		return unix.ENOTSUP
	}

	n.handles.mu.Lock()
	handles := make([]uint64, 0, modeCount)
	for i := range n.handles.slots {
		if n.handles.slots[i].valid {
			handles = append(handles, n.handles.slots[i].handle)
		}
	}
	n.handles.mu.Unlock()

	for _, h := range handles {
		t := initTicket(d.Mount, op, n.ID(), creds, &fsyncRequest{Handle: h})
		reply, err := t.dispatchAndWait(ctx)
		t.drop()
		if err != nil {
			return err
		}
		if reply.Err == unix.ENOSYS {
			d.caps.downgrade(capBit)
			if !d.cfg.NosyncWrites {
				continue
			}
			return nil
		}
		if reply.Err != nil {
			return reply.Err
		}
	}
	return nil
}

type fsyncRequest struct {
	Handle uint64
}

// Pagein implements spec.md §4.6's pagein contract: fail with ENOTSUP
// for dead or direct-I/O vnodes; otherwise delegate to the host
// cluster layer. No UPL is modeled here, so noCommit has no effect and
// nothing is aborted on failure.
func (d *Dispatcher) Pagein(ctx context.Context, n *Node, off int64, p []byte, noCommit bool) (int, error) {
	if d.isDead() || n.directIO() {
		return 0, unix.ENOTSUP
	}
	return d.ubc.Read(ctx, n, off, p, n.Size())
}

// Pageout implements spec.md §4.6's pageout contract, symmetric to
// Pagein.
func (d *Dispatcher) Pageout(ctx context.Context, n *Node, off int64, p []byte, noCommit bool) error {
	if d.isDead() || n.directIO() {
		return unix.ENOTSUP
	}
	_, err := d.ubc.Write(ctx, n, off, p)
	return err
}

// Mmap implements the preflight-before-OPEN discipline spec.md §4.2
// describes for memory mapping: it checks authorization for the
// mapping's access mode before ever attempting get(), so an
// unauthorized mapping never causes an OPEN that would have to be
// immediately undone.
func (d *Dispatcher) Mmap(ctx context.Context, n *Node, prot uint32, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	mode := xlateFromMmapProt(prot)
	if err := n.handles.preflight(mode, creds, func(c Credentials, m AccessMode) error {
		return d.auth.Check(n, c, m != ModeRead)
	}); err != nil {
		return err
	}
	_, _, err := n.handles.get(ctx, d.Mount, mode, false, creds)
	return err
}

// Mnomap releases the mapping's handle. It reports success even on a
// dead mount, matching spec.md §8 property 5's "every op on root
// returns... a fabricated success" family and the general rule that
// unmap must never fail the caller.
func (d *Dispatcher) Mnomap(ctx context.Context, n *Node) error {
	if d.isDead() {
		return nil
	}
	n.handles.put(ctx, d.Mount, ModeReadWrite, false, Credentials{})
	return nil
}

// Reclaim implements spec.md §4.6's reclaim contract: release all
// valid handles; if the lookup count is nonzero, send FORGET with that
// exact count; remove the node from the per-mount tree; purge the name
// cache. Reclaim is best-effort (spec.md §7): it never fails back to
// the VFS, and in the Dead state it elides RPCs entirely.
func (d *Dispatcher) Reclaim(ctx context.Context, n *Node, creds Credentials) {
	dead := d.isDead()
	if !dead {
		n.handles.reclaim(ctx, d.Mount, n.Type() == VnodeDirectory, creds)
	} else {
		n.handles.mu.Lock()
		n.handles.slots = [modeCount]handleSlot{}
		n.handles.mu.Unlock()
	}

	if count := n.forgetCount(); count > 0 && !dead {
		t := initTicket(d.Mount, OpForget, n.ID(), creds, &forgetRequest{Count: count})
		t.dispatchAndWait(ctx)
		t.drop()
	}

	d.removeNode(n.ID())
	d.namecache.purge(n)
}

// Inactive has no daemon-visible effect in this model; it exists only
// to complete the VFS op table entry spec.md §6 lists.
func (d *Dispatcher) Inactive(ctx context.Context, n *Node) {}

// Select always reports ready, per spec.md §4.6.
func (d *Dispatcher) Select(ctx context.Context, n *Node) int { return 1 }

// Strategy implements spec.md §4.6's strategy contract: on a dead
// filesystem, error the buffer and complete it synchronously;
// otherwise delegate to the internal strategy routine (here, the UBC
// collaborator).
func (d *Dispatcher) Strategy(ctx context.Context, n *Node, off int64, p []byte, write bool) (int, error) {
	if d.isDead() {
		return 0, unix.ENXIO
	}
	if write {
		return d.ubc.Write(ctx, n, off, p)
	}
	return d.ubc.Read(ctx, n, off, p, n.Size())
}

const (
	iocIn  uint32 = 0x1
	iocOut uint32 = 0x2
)

// Ioctl tests the IOC_IN/IOC_OUT direction bits with AND, resolving
// spec.md §9 open question (a): the source used OR where AND was
// intended.
func (d *Dispatcher) Ioctl(ctx context.Context, n *Node, cmd uint32, dir uint32, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	if !d.caps.implemented(capIoctl) {
		return unix.ENOTSUP
	}

	t := initTicket(d.Mount, OpIoctl, n.ID(), creds, &ioctlRequest{Cmd: cmd, HasIn: dir&iocIn != 0, HasOut: dir&iocOut != 0})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capIoctl)
		return unix.ENOTSUP
	}
	return reply.Err
}

type ioctlRequest struct {
	Cmd    uint32
	HasIn  bool
	HasOut bool
}

// Allocate stubs out per spec.md §6.
func (d *Dispatcher) Allocate(ctx context.Context, n *Node) error { return unix.ENOTSUP }

// Revoke delegates to the host default per spec.md §6; modeled here as
// a no-op since the host default is out of scope.
func (d *Dispatcher) Revoke(ctx context.Context, n *Node) error { return nil }

// Default returns EOPNOTSUPP for any VFS op descriptor with no
// dedicated handler, per spec.md §6.
func (d *Dispatcher) Default(ctx context.Context, n *Node) error { return unix.ENOTSUP }

// Blktooff/Offtoblk/Blockmap translate between block numbers and byte
// offsets using the mount's negotiated block size.
func (d *Dispatcher) Blktooff(n *Node, blk int64) int64 {
	return blk * int64(d.cfg.BlockSize)
}

func (d *Dispatcher) Offtoblk(n *Node, off int64) int64 {
	if d.cfg.BlockSize == 0 {
		return off
	}
	return off / int64(d.cfg.BlockSize)
}

func (d *Dispatcher) Blockmap(n *Node, off int64) (int64, error) {
	if d.isDead() {
		return 0, unix.ENXIO
	}
	return d.Offtoblk(n, off), nil
}
