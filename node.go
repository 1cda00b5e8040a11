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

import "sync/atomic"

// RootNodeID is the daemon's reserved node identifier for the mount
// root (spec.md §3).
const RootNodeID uint64 = 1

// VnodeType mirrors the handful of file types the dispatcher needs to
// distinguish when detecting a type mismatch (spec.md §4.5, §4.6 S6).
type VnodeType int

const (
	VnodeRegular VnodeType = iota
	VnodeDirectory
	VnodeSymlink
	VnodeOther
)

// nodeFlags are the per-node flag bits spec.md §3 lists.
type nodeFlags uint32

const (
	flagDirectIO nodeFlags = 1 << iota
	flagTimesDirty
	flagRevoked
)

// Node is the per-inode state spec.md §3 describes: the daemon-facing
// identity (node identifier, lookup count) plus the kernel-facing
// caches (file-handle table, attribute cache) a vnode owns exclusively.
//
// A Node's parent reference is weak by design (spec.md §9): it stores
// the parent's node identifier and resolves the parent vnode on demand
// through the mount's node registry, rather than holding an owning
// pointer, so that parent/child references can never form a retain
// cycle.
type Node struct {
	mount *Mount

	id   uint64
	typ  VnodeType
	name string

	// parentID is the weak reference described above. The dotdot
	// resolution in namecache.go falls back to a GETATTR on this ID
	// when no live parent vnode is cached.
	parentID uint64

	// size is authoritative only under direct-I/O (flagDirectIO set);
	// otherwise it is advisory and the host cluster layer (UBC) is the
	// source of truth.
	size atomic.Uint64

	attrs attrCache

	handles handleTable

	// lookupCount is the number of un-forgiven LOOKUP replies the
	// daemon still believes this kernel holds for this node (spec.md
	// §3 invariant, §8 property 2).
	lookupCount atomic.Int64

	flags atomic.Uint32
}

func newNode(m *Mount, id uint64, typ VnodeType, name string, parentID uint64) *Node {
	n := &Node{mount: m, id: id, typ: typ, name: name, parentID: parentID}
	n.handles.node = n
	n.attrs.clock = m.clock
	return n
}

// ID returns the node identifier by which the daemon names this inode.
func (n *Node) ID() uint64 { return n.id }

// Type reports the cached vnode type, used by the name-lookup bridge
// to detect the type-mismatch condition of spec.md §4.5/§8-S6.
func (n *Node) Type() VnodeType { return n.typ }

func (n *Node) setType(t VnodeType) { n.typ = t }

// addLookup increments the lookup count on a LOOKUP reply accepted for
// this node (testable property 2: forget accounting).
func (n *Node) addLookup() { n.lookupCount.Add(1) }

// forgetCount returns, and atomically zeroes, the lookup count, for use
// in the FORGET request reclaim issues.
func (n *Node) forgetCount() uint64 {
	return uint64(n.lookupCount.Swap(0))
}

func (n *Node) setDirectIO(v bool)  { n.setFlag(flagDirectIO, v) }
func (n *Node) directIO() bool      { return n.hasFlag(flagDirectIO) }
func (n *Node) setRevoked(v bool)   { n.setFlag(flagRevoked, v) }
func (n *Node) revoked() bool       { return n.hasFlag(flagRevoked) }
func (n *Node) setTimesDirty(v bool) { n.setFlag(flagTimesDirty, v) }

func (n *Node) setFlag(f nodeFlags, v bool) {
	for {
		old := n.flags.Load()
		var new uint32
		if v {
			new = old | uint32(f)
		} else {
			new = old &^ uint32(f)
		}
		if new == old || n.flags.CompareAndSwap(old, new) {
			return
		}
	}
}

func (n *Node) hasFlag(f nodeFlags) bool {
	return n.flags.Load()&uint32(f) != 0
}

// Size returns the cached file size. Under direct-I/O this is
// authoritative (spec.md §4.3, §8 property 6); otherwise it is
// advisory.
func (n *Node) Size() uint64 { return n.size.Load() }

func (n *Node) setSize(s uint64) { n.size.Store(s) }

// parent resolves the weak parent reference against the mount's node
// registry. It returns nil if the parent is not currently live, in
// which case the caller (namecache.go) falls back to a GETATTR on
// parentID.
func (n *Node) parent() *Node {
	if n.id == RootNodeID {
		return nil
	}
	return n.mount.lookupNode(n.parentID)
}
