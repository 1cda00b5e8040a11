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
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

// AccessMode indexes the three-element file-handle table spec.md §3/§4.2
// describes.
type AccessMode int

const (
	ModeRead AccessMode = iota
	ModeWrite
	ModeReadWrite
	modeCount
)

// handleSlot is one entry of the per-node three-slot table. It is
// valid iff openCount > 0 (spec.md §3 invariant).
type handleSlot struct {
	valid     bool
	handle    uint64
	openCount int64
	flags     uint32
}

// handleTable is the file-handle table of spec.md §4.2: get/put/
// preflight plus the fflags/mmap-prot translation helpers, backed by a
// singleflight group so that concurrent get() calls for the same mode
// coalesce into a single OPEN (§4.2 "open/close coalescing").
type handleTable struct {
	node *Node

	mu    sync.Mutex
	slots [modeCount]handleSlot

	coalesce singleflight.Group
}

// OpenRequest is the payload the handle table sends on the 0→valid
// transition.
type OpenRequest struct {
	Directory bool
	Flags     uint32
}

// OpenReply is the payload a successful OPEN/OPENDIR returns.
type OpenReply struct {
	Handle    uint64
	Flags     uint32
	DirectIO  bool
	PurgeUBC  bool
}

// get implements spec.md §4.2's "get": if the slot is valid, increment
// and return it; otherwise send OPEN (or OPENDIR), populate the slot,
// and return it. Concurrent get() calls for the same mode on the same
// node coalesce into a single OPEN via singleflight; only the winning
// caller's request reaches the transport, and every caller — winner and
// followers alike — gets its own increment of openCount.
func (h *handleTable) get(ctx context.Context, m *Mount, mode AccessMode, directory bool, creds Credentials) (handleSlot, *OpenReply, error) {
	h.mu.Lock()
	if h.slots[mode].valid {
		h.slots[mode].openCount++
		s := h.slots[mode]
		h.mu.Unlock()
		return s, nil, nil
	}
	h.mu.Unlock()

	key := fmt.Sprintf("%d:%d", h.node.ID(), mode)
	v, err, _ := h.coalesce.Do(key, func() (any, error) {
		op := OpOpen
		if directory {
			op = OpOpendir
		} else {
			op = OpOpen
		}
		t := initTicket(m, op, h.node.ID(), creds, &OpenRequest{Directory: directory, Flags: fflagsForMode(mode)})
		defer t.drop()
		reply, err := t.dispatchAndWait(ctx)
		if err != nil {
			return nil, err
		}
		if reply.Err != nil {
			if reply.Err == unix.ENOENT {
				m.namecache.purge(h.node)
			}
			return nil, reply.Err
		}
		or, _ := reply.Payload.(*OpenReply)
		if or == nil {
			or = &OpenReply{}
		}
		return or, nil
	})
	if err != nil {
		return handleSlot{}, nil, err
	}
	or := v.(*OpenReply)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.slots[mode].valid {
		h.slots[mode] = handleSlot{valid: true, handle: or.Handle, openCount: 0, flags: or.Flags}
	}
	h.slots[mode].openCount++
	return h.slots[mode], or, nil
}

// put implements spec.md §4.2's "put": decrement openCount, and on the
// 1→0 transition send RELEASE (or RELEASEDIR) and mark the slot
// invalid. A put on an already-invalid slot is a no-op returning
// success, per the invariant in §4.2.
func (h *handleTable) put(ctx context.Context, m *Mount, mode AccessMode, directory bool, creds Credentials) error {
	h.mu.Lock()
	if !h.slots[mode].valid {
		h.mu.Unlock()
		return nil
	}
	h.slots[mode].openCount--
	if h.slots[mode].openCount > 0 {
		h.mu.Unlock()
		return nil
	}
	handle := h.slots[mode].handle
	h.slots[mode] = handleSlot{}
	h.mu.Unlock()

	op := OpRelease
	if directory {
		op = OpReleasedir
	}
	t := initTicket(m, op, h.node.ID(), creds, &releaseRequest{Handle: handle})
	defer t.drop()
	_, err := t.dispatchAndWait(ctx)
	return err
}

type releaseRequest struct {
	Handle uint64
}

// preflight implements spec.md §4.2's "preflight": consult the host
// authorization layer before attempting get, so that memory-mapping
// doesn't pay for an OPEN it would immediately have to undo on a
// permission failure. authorize is the Host VFS collaborator (spec.md
// §1) that performs the actual credential check.
func (h *handleTable) preflight(mode AccessMode, creds Credentials, authorize func(Credentials, AccessMode) error) error {
	return authorize(creds, mode)
}

// reclaim releases every valid slot unconditionally, per spec.md §4.6's
// reclaim handler and the "any state —reclaim→ Empty" transition of the
// file-handle-slot state machine.
func (h *handleTable) reclaim(ctx context.Context, m *Mount, directory bool, creds Credentials) {
	for mode := AccessMode(0); mode < modeCount; mode++ {
		h.mu.Lock()
		valid := h.slots[mode].valid
		if valid {
			// Drop every outstanding reference so the put below takes
			// the slot to Empty and sends RELEASE.
			h.slots[mode].openCount = 1
		}
		h.mu.Unlock()
		if valid {
			h.put(ctx, m, mode, directory, creds)
		}
	}
}

// empty reports whether every slot is invalid, used by tests asserting
// the handle-table-ends-empty property (spec.md §8 scenario S5).
func (h *handleTable) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.slots {
		if h.slots[i].valid {
			return false
		}
	}
	return true
}

// xlateFromFflags maps host open flags to one of the three access
// modes, with the documented fallback: zero fflags map to read-only
// (spec.md §4.2).
func xlateFromFflags(fflags uint32) AccessMode {
	switch fflags & (unix.O_RDONLY | unix.O_WRONLY | unix.O_RDWR) {
	case unix.O_WRONLY:
		return ModeWrite
	case unix.O_RDWR:
		return ModeReadWrite
	default:
		return ModeRead
	}
}

// xlateFromMmapProt maps mmap protection bits to one of the three
// access modes (spec.md §4.2).
func xlateFromMmapProt(prot uint32) AccessMode {
	const protWrite = 0x2
	const protRead = 0x1
	switch {
	case prot&protWrite != 0 && prot&protRead != 0:
		return ModeReadWrite
	case prot&protWrite != 0:
		return ModeWrite
	default:
		return ModeRead
	}
}

func fflagsForMode(mode AccessMode) uint32 {
	switch mode {
	case ModeWrite:
		return unix.O_WRONLY
	case ModeReadWrite:
		return unix.O_RDWR
	default:
		return unix.O_RDONLY
	}
}
