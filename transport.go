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

// Opcode names one of the RPCs the dispatcher may send to the daemon
// (spec.md §6, Downward interface). The wire encoding of these opcodes
// and of their payloads is the transport's concern, not this package's;
// Opcode is just the label the dispatcher sends and the ticket logs.
// The capability table keys on its own optional enumeration instead.
type Opcode int

const (
	OpLookup Opcode = iota
	OpForget
	OpGetattr
	OpSetattr
	OpReadlink
	OpSymlink
	OpMknod
	OpMkdir
	OpUnlink
	OpRmdir
	OpRename
	OpLink
	OpOpen
	OpRead
	OpWrite
	OpRelease
	OpFsync
	OpFlush
	OpInit
	OpOpendir
	OpReaddir
	OpReleasedir
	OpFsyncdir
	OpGetxattr
	OpSetxattr
	OpListxattr
	OpRemovexattr
	OpCreate
	OpIoctl
	OpExchange
)

func (o Opcode) String() string {
	names := [...]string{
		"LOOKUP", "FORGET", "GETATTR", "SETATTR", "READLINK", "SYMLINK",
		"MKNOD", "MKDIR", "UNLINK", "RMDIR", "RENAME", "LINK", "OPEN",
		"READ", "WRITE", "RELEASE", "FSYNC", "FLUSH", "INIT", "OPENDIR",
		"READDIR", "RELEASEDIR", "FSYNCDIR", "GETXATTR", "SETXATTR",
		"LISTXATTR", "REMOVEXATTR", "CREATE", "IOCTL", "EXCHANGE",
	}
	if int(o) < 0 || int(o) >= len(names) {
		return "UNKNOWN"
	}
	return names[o]
}

// Credentials identifies the caller a request is issued on behalf of.
// It is a named collaborator contract (spec.md §1, Host VFS) — this
// package only ever reads it, never constructs or authorizes it.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
}

// Request is the opaque request this package hands the transport. The
// dispatcher only ever sets NodeID, Opcode, Creds and an opcode-specific
// Payload; the byte layout on the wire is the transport's business
// (spec.md §1 Non-goals).
type Request struct {
	Opcode Opcode
	NodeID uint64
	Creds  Credentials
	// Payload is the opcode-specific request body (e.g. *OpenRequest,
	// *SetattrRequest). Interpreting it is the transport's job.
	Payload any
}

// Reply is the opaque reply a ticket borrows from the transport. Err,
// when non-nil, is an errno the transport observed from the daemon
// (including unix.ENOSYS when the daemon declines an optional op).
// Payload is opcode-specific, mirroring Request.Payload.
type Reply struct {
	Err     error
	Payload any
}

// Transport is the seam named in spec.md §1: it serializes a request,
// enqueues it for the userspace daemon, blocks the caller until a reply
// or error is delivered, and exposes the reply. Its wire format and
// queuing discipline are out of scope for this package; Transport is a
// named collaborator, not something this package implements.
type Transport interface {
	// Call sends req and blocks until a reply is delivered or ctx is
	// done. A non-nil error from Call itself (as opposed to a non-nil
	// Reply.Err) means the transport could not deliver the request at
	// all — context cancellation, or the connection being torn down.
	Call(ctx context.Context, req *Request) (*Reply, error)

	// Disconnected returns a channel that is closed exactly once, the
	// moment the transport determines the daemon is gone for good. A
	// Mount's watcher goroutine selects on this to drive Live → Dead
	// (spec.md §4.6 mount state machine).
	Disconnected() <-chan struct{}
}
