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

// Package vnodefs implements the vnode-operation layer of a
// userspace-filesystem bridge: the in-kernel shim that translates host
// VFS upcalls into a wire protocol consumed by an out-of-kernel
// filesystem daemon, and translates the daemon's replies back into VFS
// semantics.
//
// The wire protocol byte layout, the device-node character driver,
// mount-option parsing, and the daemon itself are out of scope; they
// are named collaborators reached through the Transport, HostNameCache,
// and Authorizer interfaces.
package vnodefs

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// mountState is the mount-level state machine of spec.md §4.6.
type mountState int32

const (
	stateUninitialized mountState = iota
	stateLive
	stateDead
)

// Authorizer is the Host VFS collaborator that performs credential
// checks (spec.md §1); blanketDenial and the file-handle table's
// preflight both delegate to it.
type Authorizer interface {
	// Check returns nil if creds may access node n for reading, or for
	// writing when write is true.
	Check(n *Node, creds Credentials, write bool) error
}

// MountConfig collects the mount-level tunables spec.md's mount-level
// data section lists. Population of this struct from actual mount
// options is out of scope (spec.md §1 Non-goals); callers build one
// directly.
type MountConfig struct {
	BlockSize uint32
	IOSize    uint32

	ReadOnly           bool
	HideAppleDouble    bool
	NameCacheDisabled  bool
	SyncOnClose        bool
	NosyncWrites       bool
	BlanketDenial      bool
	NegativeEntryTTL   time.Duration
	MaxActiveRequests  int64
	DaemonCreds        Credentials
}

// Mount holds the per-mount data of spec.md §3: the capability bitset,
// block/IO size, daemon credentials, dead-flag, and the node registry.
// mu guards only the state field and the node registry; no handler
// holds it across a vnode op or across a blocking call.
type Mount struct {
	transport Transport
	clock     Clock
	auth      Authorizer
	hostNameCache HostNameCache
	namecache namecacheFacade

	log logrus.FieldLogger

	cfg MountConfig

	readOnly          bool
	hideAppleDouble   bool
	nameCacheDisabled bool
	negativeEntryTTL  time.Duration

	caps    *capabilityTable
	tickets *ticketRegistry

	// mu guards state and nodes. It is taken and released inside each
	// accessor and is never held while calling the transport, the UBC,
	// or the host name cache.
	mu sync.Mutex

	state mountState

	// nodes is the red-black-tree-of-live-nodes spec.md §3 calls for,
	// keyed by node identifier, backing forced-unmount enumeration and
	// forget accounting.
	nodes *btree.BTreeG[*Node]

	watchCancel context.CancelFunc
	watchGroup  *errgroup.Group
}

// NewMount constructs a mount in the Uninitialized state and starts its
// disconnect-watcher goroutine (SPEC_FULL.md domain stack).
func NewMount(transport Transport, hostNameCache HostNameCache, auth Authorizer, cfg MountConfig) *Mount {
	m := &Mount{
		transport:         transport,
		clock:             realClock{},
		auth:              auth,
		hostNameCache:     hostNameCache,
		log:               logrus.StandardLogger(),
		cfg:               cfg,
		readOnly:          cfg.ReadOnly,
		hideAppleDouble:   cfg.HideAppleDouble,
		nameCacheDisabled: cfg.NameCacheDisabled,
		negativeEntryTTL:  cfg.NegativeEntryTTL,
		caps:              newCapabilityTable(),
		tickets:           newTicketRegistry(cfg.MaxActiveRequests),
		state:             stateUninitialized,
		nodes: btree.NewG(32, func(a, b *Node) bool {
			return a.id < b.id
		}),
	}
	m.namecache = namecacheFacade{m: m}

	root := newNode(m, RootNodeID, VnodeDirectory, "/", RootNodeID)
	m.nodes.ReplaceOrInsert(root)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m.watchCancel = cancel
	m.watchGroup = g
	g.Go(func() error {
		select {
		case <-transport.Disconnected():
			m.markDead()
		case <-ctx.Done():
		}
		return nil
	})

	return m
}

// SetLogger overrides the default logger, so callers can route
// diagnostics through their own logrus instance.
func (m *Mount) SetLogger(l logrus.FieldLogger) { m.log = l }

// Init completes the daemon handshake (the INIT RPC itself is the
// transport's concern); completion unblocks every handler that was
// waiting on the Uninitialized→Live transition.
func (m *Mount) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateUninitialized {
		m.state = stateLive
	}
}

func (m *Mount) isLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateLive
}

func (m *Mount) isDead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateDead
}

// markDead drives Live (or Uninitialized) → Dead, per spec.md §4.6 and
// §5's forced-unmount behavior: every handler that runs the common
// prologue on a non-root vnode now returns ENXIO without an RPC.
// Handlers that check the dead state themselves answer differently
// (Pagein/Pageout return ENOTSUP, Mnomap returns nil), and Getattr
// still answers a fresh attribute-cache hit.
func (m *Mount) markDead() {
	m.mu.Lock()
	m.state = stateDead
	m.mu.Unlock()
	m.log.Warn("mount marked dead")
}

// ForceUnmount marks the mount dead and stops the watcher goroutine.
// Reclaim of any node still live proceeds (best-effort, per spec.md
// §7) but elides RPCs, matching the Dead-state contract.
func (m *Mount) ForceUnmount() {
	m.markDead()
	m.watchCancel()
	m.watchGroup.Wait()
}

// Stats reports the ticket registry's sysctl-style counters
// (SPEC_FULL.md §C); the sysctl surface itself is out of scope.
func (m *Mount) Stats() TicketStats { return m.tickets.stats() }

// lookupNode resolves a node identifier against the registry. It
// returns nil if the node is not currently live.
func (m *Mount) lookupNode(id uint64) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := m.nodes.Get(&Node{id: id})
	return n
}

// internNode finds or allocates the Node for a node identifier the
// daemon just named in a LOOKUP/CREATE reply.
func (m *Mount) internNode(id uint64, typ VnodeType, name string, parentID uint64) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes.Get(&Node{id: id}); ok {
		return n
	}
	n := newNode(m, id, typ, name, parentID)
	m.nodes.ReplaceOrInsert(n)
	return n
}

// removeNode drops a node from the registry on reclaim.
func (m *Mount) removeNode(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes.Delete(&Node{id: id})
}

// liveNodeCount enumerates the registry, for tests asserting forced-
// unmount behavior.
func (m *Mount) liveNodeCount() int { return m.nodes.Len() }

// blanketDenial implements the mount-wide policy of spec.md §4.6: fail
// every op issued under an unauthorized credential before any RPC.
func (m *Mount) blanketDenial(n *Node, creds Credentials) error {
	if !m.cfg.BlanketDenial {
		return nil
	}
	return m.auth.Check(n, creds, false)
}

// prologue implements the common handler prologue of spec.md §4.6: the
// dead-mount short-circuit, the uninitialized-mount short-circuit, and
// the blanket-denial check. callerIsDaemonOrRoot lets the root-access
// exception apply during the handshake window.
func (m *Mount) prologue(n *Node, creds Credentials, callerIsDaemonOrRoot bool) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == stateDead {
		if n.ID() == RootNodeID {
			return nil
		}
		return unix.ENXIO
	}
	if state == stateUninitialized {
		if n.ID() == RootNodeID && callerIsDaemonOrRoot {
			return nil
		}
		return unix.EBADF
	}
	if err := m.blanketDenial(n, creds); err != nil {
		return err
	}
	return nil
}
