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

// hostReservedXattrPrefix marks the namespace the host VFS reserves for
// itself; the daemon never sees requests in this namespace.
const hostReservedXattrPrefix = "com.apple.vnodefs."

type getxattrRequest struct {
	Name string
	Size int
}

type getxattrReply struct {
	Data     []byte
	FullSize int
}

// Getxattr implements spec.md §8 scenario S3: a size=0 probe returns
// only the attribute's true size; a reply larger than the caller's
// buffer kills the ticket (discarding the oversized payload without a
// copy) and reports ERANGE.
func (d *Dispatcher) Getxattr(ctx context.Context, n *Node, name string, size int, creds Credentials) ([]byte, int, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return nil, 0, err
	}
	if err := validXattrName(name); err != nil {
		return nil, 0, err
	}
	if !d.caps.implemented(capGetxattr) {
		return nil, 0, unix.ENOTSUP
	}

	t := initTicket(d.Mount, OpGetxattr, n.ID(), creds, &getxattrRequest{Name: name, Size: size})
	reply, err := t.dispatchAndWait(ctx)
	if err != nil {
		t.drop()
		return nil, 0, err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capGetxattr)
		t.drop()
		return nil, 0, unix.ENOTSUP
	}
	if reply.Err != nil {
		t.drop()
		return nil, 0, reply.Err
	}
	gr, _ := reply.Payload.(*getxattrReply)
	if gr == nil {
		t.drop()
		return nil, 0, unix.EIO
	}
	if size == 0 {
		t.kill()
		t.drop()
		return nil, gr.FullSize, nil
	}
	if gr.FullSize > size {
		t.kill()
		t.drop()
		return nil, gr.FullSize, unix.ERANGE
	}
	t.drop()
	return gr.Data, gr.FullSize, nil
}

type setxattrRequest struct {
	Name string
	Data []byte
}

// Setxattr sends SETXATTR, rejecting writes in the host-reserved
// namespace and on read-only mounts before any round trip.
func (d *Dispatcher) Setxattr(ctx context.Context, n *Node, name string, data []byte, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	if d.readOnly {
		return unix.EROFS
	}
	if err := validXattrName(name); err != nil {
		return err
	}
	if !d.caps.implemented(capSetxattr) {
		return unix.ENOTSUP
	}

	t := initTicket(d.Mount, OpSetxattr, n.ID(), creds, &setxattrRequest{Name: name, Data: data})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capSetxattr)
		return unix.ENOTSUP
	}
	if reply.Err != nil {
		return reply.Err
	}
	n.attrs.invalidate()
	return nil
}

type listxattrReply struct {
	Names []string
}

// Listxattr sends LISTXATTR and filters out the host-reserved
// namespace from the result, even if the daemon (incorrectly) returns
// names in it.
func (d *Dispatcher) Listxattr(ctx context.Context, n *Node, creds Credentials) ([]string, error) {
	if err := d.prologue(n, creds, false); err != nil {
		return nil, err
	}
	if !d.caps.implemented(capListxattr) {
		return nil, unix.ENOTSUP
	}

	reply, err := simplePutGet(ctx, d.Mount, OpListxattr, n.ID(), creds)
	if err != nil {
		return nil, err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capListxattr)
		return nil, unix.ENOTSUP
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	lr, _ := reply.Payload.(*listxattrReply)
	if lr == nil {
		return nil, unix.EIO
	}
	names := make([]string, 0, len(lr.Names))
	for _, name := range lr.Names {
		if strings.HasPrefix(name, hostReservedXattrPrefix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

type removexattrRequest struct {
	Name string
}

// Removexattr sends REMOVEXATTR.
func (d *Dispatcher) Removexattr(ctx context.Context, n *Node, name string, creds Credentials) error {
	if err := d.prologue(n, creds, false); err != nil {
		return err
	}
	if d.readOnly {
		return unix.EROFS
	}
	if err := validXattrName(name); err != nil {
		return err
	}
	if !d.caps.implemented(capRemovexattr) {
		return unix.ENOTSUP
	}

	t := initTicket(d.Mount, OpRemovexattr, n.ID(), creds, &removexattrRequest{Name: name})
	reply, err := t.dispatchAndWait(ctx)
	t.drop()
	if err != nil {
		return err
	}
	if reply.Err == unix.ENOSYS {
		d.caps.downgrade(capRemovexattr)
		return unix.ENOTSUP
	}
	return reply.Err
}

// validXattrName rejects empty names, oversized names, and names
// within the host's own reserved namespace (never forwarded to the
// daemon).
func validXattrName(name string) error {
	if name == "" {
		return unix.EINVAL
	}
	if len(name) > protocolNameMax {
		return unix.ENAMETOOLONG
	}
	if strings.HasPrefix(name, hostReservedXattrPrefix) {
		return unix.EOPNOTSUPP
	}
	return nil
}
