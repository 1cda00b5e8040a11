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
	"strings"
	"sync"
	"time"
)

// fakeTransport is a programmable Transport double. handler decides
// the reply for each request; every call is recorded so tests can
// assert RPC counts (handle/forget accounting, open/close coalescing).
type fakeTransport struct {
	mu      sync.Mutex
	handler func(*Request) (*Reply, error)
	calls   []Opcode

	disconnected chan struct{}
}

func newFakeTransport(handler func(*Request) (*Reply, error)) *fakeTransport {
	return &fakeTransport{handler: handler, disconnected: make(chan struct{})}
}

func (f *fakeTransport) Call(ctx context.Context, req *Request) (*Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Opcode)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeTransport) Disconnected() <-chan struct{} { return f.disconnected }

// trip closes the disconnected channel, simulating the daemon going
// away for good.
func (f *fakeTransport) trip() { close(f.disconnected) }

func (f *fakeTransport) count(op Opcode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// fakeHostNameCache is a minimal in-memory HostNameCache double, keyed
// by (dirID, name). It tracks purges so tests can assert purge-on-
// ENOENT/type-mismatch/rename behavior without depending on a real
// kernel dentry cache.
type fakeHostNameCache struct {
	mu       sync.Mutex
	positive map[string]uint64
	negative map[string]bool
	purged   []uint64
}

func newFakeHostNameCache() *fakeHostNameCache {
	return &fakeHostNameCache{
		positive: make(map[string]uint64),
		negative: make(map[string]bool),
	}
}

func nameKey(dirID uint64, name string) string { return fmt.Sprintf("%d/%s", dirID, name) }

func (c *fakeHostNameCache) Lookup(dirID uint64, name string) (uint64, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nameKey(dirID, name)
	if id, ok := c.positive[key]; ok {
		return id, false, true
	}
	if c.negative[key] {
		return 0, true, true
	}
	return 0, false, false
}

func (c *fakeHostNameCache) EnterPositive(dirID uint64, name string, nodeID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nameKey(dirID, name)
	c.positive[key] = nodeID
	delete(c.negative, key)
}

func (c *fakeHostNameCache) EnterNegative(dirID uint64, name string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[nameKey(dirID, name)] = true
}

func (c *fakeHostNameCache) Purge(nodeID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged = append(c.purged, nodeID)
	prefix := fmt.Sprintf("%d/", nodeID)
	for key, id := range c.positive {
		if id == nodeID || strings.HasPrefix(key, prefix) {
			delete(c.positive, key)
		}
	}
	for key := range c.negative {
		if strings.HasPrefix(key, prefix) {
			delete(c.negative, key)
		}
	}
}

func (c *fakeHostNameCache) purgedCount(nodeID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.purged {
		if id == nodeID {
			n++
		}
	}
	return n
}

// fakeClock is a manually-advanced Clock for tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeAuthorizer always returns a fixed verdict.
type fakeAuthorizer struct{ err error }

func (a fakeAuthorizer) Check(n *Node, creds Credentials, write bool) error { return a.err }

// fakeClusterIO is an in-memory ClusterIO double standing in for the
// host's unified buffer cache.
type fakeClusterIO struct {
	mu    sync.Mutex
	data  map[uint64][]byte
	dirty map[uint64]bool
}

func newFakeClusterIO() *fakeClusterIO {
	return &fakeClusterIO{data: make(map[uint64][]byte), dirty: make(map[uint64]bool)}
}

func (u *fakeClusterIO) Read(ctx context.Context, n *Node, off int64, p []byte, fileSize uint64) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	buf := u.data[n.ID()]
	if off >= int64(len(buf)) {
		return 0, nil
	}
	return copy(p, buf[off:]), nil
}

func (u *fakeClusterIO) Write(ctx context.Context, n *Node, off int64, p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	buf := u.data[n.ID()]
	end := int(off) + len(p)
	if end > len(buf) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[off:], p)
	u.data[n.ID()] = buf
	u.dirty[n.ID()] = true
	return len(p), nil
}

func (u *fakeClusterIO) InvalidateAndFlush(ctx context.Context, n *Node) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dirty[n.ID()] = false
	return nil
}

func (u *fakeClusterIO) SetSize(n *Node, size uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	buf := u.data[n.ID()]
	if int(size) <= len(buf) {
		u.data[n.ID()] = buf[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, buf)
	u.data[n.ID()] = grown
}

func (u *fakeClusterIO) Dirty(n *Node) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dirty[n.ID()]
}

// newTestMount builds a Mount wired to fake collaborators and a
// fakeClock the test can advance deterministically, then puts it into
// the Live state.
func newTestMount(transport Transport, hnc HostNameCache, auth Authorizer, cfg MountConfig) (*Mount, *fakeClock) {
	m := NewMount(transport, hnc, auth, cfg)
	clk := newFakeClock()
	m.clock = clk
	if root := m.lookupNode(RootNodeID); root != nil {
		root.attrs.clock = clk
	}
	m.Init()
	return m, clk
}

func newTestDispatcher(transport Transport, hnc HostNameCache, auth Authorizer, cfg MountConfig) (*Dispatcher, *fakeClock, *fakeClusterIO) {
	m, clk := newTestMount(transport, hnc, auth, cfg)
	ubc := newFakeClusterIO()
	return NewDispatcher(m, ubc), clk, ubc
}
