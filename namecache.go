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
	"time"

	"golang.org/x/sys/unix"
)

// Intent is the caller's purpose for a lookup, which the last-component
// flag interacts with per spec.md §4.5 point 6.
type Intent int

const (
	IntentLookup Intent = iota
	IntentCreate
	IntentDelete
	IntentRename
)

// HostNameCache is the Host VFS collaborator spec.md §1 names: the
// kernel's directory-entry cache. This package consults it, enters
// positive and negative entries into it, and purges it; the cache's
// own eviction policy is out of scope.
type HostNameCache interface {
	// Lookup returns the cached node ID for (dirID, name). found is
	// false on a miss. negative is true if the entry is a cached
	// negative (no-such-entry) result.
	Lookup(dirID uint64, name string) (nodeID uint64, negative bool, found bool)

	// EnterPositive records a positive entry.
	EnterPositive(dirID uint64, name string, nodeID uint64)

	// EnterNegative records a negative entry with its own TTL,
	// distinct from positive-entry TTL (SPEC_FULL.md §C).
	EnterNegative(dirID uint64, name string, ttl time.Duration)

	// Purge removes every entry naming nodeID, as both a parent and a
	// child, per spec.md §4.5/§4.6's purge-on-ENOENT and
	// purge-on-type-mismatch behavior.
	Purge(nodeID uint64)
}

// LookupReply is the payload a LOOKUP RPC returns.
type LookupReply struct {
	NodeID  uint64
	Type    VnodeType
	Attr    AttrReply
	// EntryValidFor is the TTL for a positive entry; NegativeValidFor
	// is the TTL to use when NodeID == 0 (negative).
	EntryValidFor    time.Duration
	NegativeValidFor time.Duration
}

// just-return sentinel: lookup found the name absent, but the parent
// is usable; the VFS should proceed with create/rename at this name
// without retrying lookup (spec.md §4.5 point 6).
var errJustReturn = &justReturnError{}

type justReturnError struct{}

func (*justReturnError) Error() string { return "name absent, parent usable" }

// IsJustReturn reports whether err is the "just-return" status of
// spec.md §4.5 point 6.
func IsJustReturn(err error) bool {
	_, ok := err.(*justReturnError)
	return ok
}

const protocolNameMax = 255

// lookup implements the name-lookup bridge of spec.md §4.5.
func (m *Mount) lookup(ctx context.Context, dv *Node, name string, intent Intent, lastComponent bool, creds Credentials) (*Node, error) {
	if len(name) > protocolNameMax {
		return nil, unix.ENAMETOOLONG
	}
	if m.hideAppleDouble && strings.HasPrefix(name, "._") {
		return nil, unix.ENOENT
	}

	if name == "." {
		return dv, nil
	}
	if name == ".." {
		if p := dv.parent(); p != nil {
			return p, nil
		}
		reply, err := simplePutGet(ctx, m, OpGetattr, dv.parentID, creds)
		if err != nil {
			return nil, err
		}
		if reply.Err != nil {
			return nil, reply.Err
		}
		return m.lookupNode(dv.parentID), nil
	}

	if lastComponent && (intent == IntentCreate || intent == IntentRename) && m.readOnly {
		return nil, unix.EROFS
	}

	if !m.nameCacheDisabled {
		if id, negative, found := m.hostNameCache.Lookup(dv.ID(), name); found {
			if negative {
				if lastComponent && (intent == IntentCreate || intent == IntentRename) {
					return nil, errJustReturn
				}
				return nil, unix.ENOENT
			}
			if n := m.lookupNode(id); n != nil {
				return n, nil
			}
		}
	}

	t := initTicket(m, OpLookup, dv.ID(), creds, &lookupRequest{Name: name})
	defer t.drop()
	reply, err := t.dispatchAndWait(ctx)
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		if reply.Err == unix.ENOENT {
			if !m.nameCacheDisabled {
				m.hostNameCache.EnterNegative(dv.ID(), name, m.negativeEntryTTL)
			}
			if lastComponent && (intent == IntentCreate || intent == IntentRename) {
				return nil, errJustReturn
			}
		}
		return nil, reply.Err
	}

	lr, _ := reply.Payload.(*LookupReply)
	if lr == nil {
		return nil, unix.EIO
	}
	if lr.NodeID == 0 {
		if !m.nameCacheDisabled {
			ttl := lr.NegativeValidFor
			if ttl == 0 {
				ttl = m.negativeEntryTTL
			}
			m.hostNameCache.EnterNegative(dv.ID(), name, ttl)
		}
		if lastComponent && (intent == IntentCreate || intent == IntentRename) {
			return nil, errJustReturn
		}
		return nil, unix.ENOENT
	}
	if lr.NodeID == RootNodeID {
		// A LOOKUP reply naming the root is a protocol error.
		return nil, unix.EIO
	}

	n := m.internNode(lr.NodeID, lr.Type, name, dv.ID())
	n.addLookup()
	n.attrs.cache(lr.Attr)
	if !m.nameCacheDisabled {
		m.hostNameCache.EnterPositive(dv.ID(), name, lr.NodeID)
	}

	if n.Type() != lr.Type {
		m.hostNameCache.Purge(n.ID())
		return nil, unix.EIO
	}

	return n, nil
}

type lookupRequest struct {
	Name string
}

// purgeName removes every name-cache entry naming n, per spec.md §4.2's
// "OPEN failure with ENOENT purges the name cache for v" and the
// several other purge-on-ENOENT/type-mismatch call sites.
func (m *Mount) purgeName(n *Node) {
	if n == nil {
		return
	}
	m.hostNameCache.Purge(n.ID())
}

// namecacheFacade is the thin indirection Mount exposes so dispatch
// files can call m.namecache.purge(n) without reaching into
// hostNameCache directly; kept for readability parity with the
// ticket/handle/capability components, which are likewise accessed
// through short facades.
type namecacheFacade struct{ m *Mount }

func (f namecacheFacade) purge(n *Node) { f.m.purgeName(n) }
