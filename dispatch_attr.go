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

// Access implements spec.md §4.6's access contract: symlinks always
// permit, a dead root permits, otherwise round-trip to the daemon.
func (d *Dispatcher) Access(ctx context.Context, n *Node, creds Credentials) error {
	if n.Type() == VnodeSymlink {
		return nil
	}
	if d.isDead() && n.ID() == RootNodeID {
		return nil
	}
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	reply, err := simplePutGet(ctx, d.Mount, OpGetattr, n.ID(), creds)
	if err != nil {
		return err
	}
	return reply.Err
}

// Getattr implements spec.md §4.6's getattr contract: cache hit
// returns cached attrs without an RPC; a miss dispatches GETATTR; the
// dead root and an ENOTCONN-at-root case both fabricate a success
// stat; ENOENT purges the name cache.
func (d *Dispatcher) Getattr(ctx context.Context, n *Node, creds Credentials) (Attr, error) {
	var vap Attr
	if n.attrs.load(&vap) {
		return vap, nil
	}

	if n.ID() == RootNodeID && d.isDead() {
		return fabricatedRootAttr(d.cfg.DaemonCreds), nil
	}

	if err := d.prologue(n, creds, false); err != nil {
		return Attr{}, err
	}

	reply, err := simplePutGet(ctx, d.Mount, OpGetattr, n.ID(), creds)
	if err != nil {
		if n.ID() == RootNodeID && isDeadErrno(err) {
			return fabricatedRootAttr(d.cfg.DaemonCreds), nil
		}
		return Attr{}, err
	}
	if reply.Err != nil {
		if reply.Err == unix.ENOENT {
			d.namecache.purge(n)
		}
		if n.ID() == RootNodeID && reply.Err == unix.ENOTCONN {
			return fabricatedRootAttr(d.cfg.DaemonCreds), nil
		}
		return Attr{}, reply.Err
	}

	ar, _ := reply.Payload.(*AttrReply)
	if ar == nil {
		return Attr{}, unix.EIO
	}

	typ, ok := vnodeTypeFromMode(ar.Attr.Mode)
	if !ok {
		return Attr{}, unix.EIO
	}
	if typ != n.Type() {
		d.namecache.purge(n)
		return Attr{}, unix.EIO
	}

	version := n.attrs.cache(*ar)
	if n.directIO() {
		n.attrs.updateSizeIfCurrent(n, version, ar.Attr.Size)
	}
	return ar.Attr, nil
}

// vnodeTypeFromMode derives a VnodeType from a POSIX mode's file-type
// bits. ok is false if no type bits are set at all, the sanity check
// the original performs alongside its type-mismatch comparison
// (fuse_vnops.c's fuse_vnop_getattr).
func vnodeTypeFromMode(mode uint32) (typ VnodeType, ok bool) {
	switch mode & unix.S_IFMT {
	case 0:
		return VnodeOther, false
	case unix.S_IFDIR:
		return VnodeDirectory, true
	case unix.S_IFREG:
		return VnodeRegular, true
	case unix.S_IFLNK:
		return VnodeSymlink, true
	default:
		return VnodeOther, true
	}
}

// fabricatedRootAttr builds the owned-by-the-daemon, mode 0700 stat
// spec.md §4.6 requires for a dead or disconnected root.
func fabricatedRootAttr(daemonCreds Credentials) Attr {
	return Attr{
		Mode: 0040700,
		UID:  daemonCreds.UID,
		GID:  daemonCreds.GID,
	}
}

// SetattrRequest carries the dirty-field set spec.md §4.6's setattr
// encodes into a single request.
type SetattrRequest struct {
	SizeValid  bool
	Size       uint64
	ModeValid  bool
	Mode       uint32
	UIDValid   bool
	UID        uint32
	GIDValid   bool
	GID        uint32
	AtimeValid bool
	MtimeValid bool
	NewType    VnodeType
	TypeValid  bool
}

// Setattr implements spec.md §4.6's setattr contract: reject size
// change on directories, reject writes on read-only mounts, purge +
// try-again on type change, update the cached/UBC size on a successful
// size change.
func (d *Dispatcher) Setattr(ctx context.Context, n *Node, req SetattrRequest, creds Credentials) (Attr, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return Attr{}, err
	}
	if d.readOnly {
		return Attr{}, unix.EROFS
	}
	if req.SizeValid && n.Type() == VnodeDirectory {
		return Attr{}, unix.EISDIR
	}

	t := initTicket(d.Mount, OpSetattr, n.ID(), creds, &req)
	defer t.drop()
	reply, err := t.dispatchAndWait(ctx)
	if err != nil {
		return Attr{}, err
	}
	if reply.Err != nil {
		return Attr{}, reply.Err
	}

	if req.TypeValid && req.NewType != n.Type() {
		d.namecache.purge(n)
		return Attr{}, unix.EAGAIN
	}

	ar, _ := reply.Payload.(*AttrReply)
	if ar == nil {
		return Attr{}, unix.EIO
	}
	n.attrs.cache(*ar)
	if req.SizeValid {
		n.setSize(ar.Attr.Size)
		d.ubc.SetSize(n, ar.Attr.Size)
	}
	return ar.Attr, nil
}

// PathconfName enumerates the pathconf variables spec.md §6 lists as
// observable by userspace.
type PathconfName int

const (
	PathconfLinkMax PathconfName = iota
	PathconfNameMax
	PathconfPathMax
	PathconfChownRestricted
	PathconfNoTrunc
	PathconfNameCharsMax
	PathconfCaseSensitive
	PathconfCasePreserving
)

const hostPathMax = 1024

// Pathconf returns the constants spec.md §6 lists. A terminal-device
// query (not modeled as any of the above) fails with EINVAL.
func (d *Dispatcher) Pathconf(name PathconfName) (int64, error) {
	switch name {
	case PathconfLinkMax:
		return int64(^uint16(0)), nil
	case PathconfNameMax:
		return protocolNameMax, nil
	case PathconfPathMax:
		return hostPathMax, nil
	case PathconfChownRestricted:
		return 1, nil
	case PathconfNoTrunc:
		return 0, nil
	case PathconfNameCharsMax:
		return 255, nil
	case PathconfCaseSensitive:
		return 1, nil
	case PathconfCasePreserving:
		return 1, nil
	default:
		return 0, unix.EINVAL
	}
}
