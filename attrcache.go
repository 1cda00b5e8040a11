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
	"sync"
	"time"
)

// Attr is the subset of stat fields the attribute cache stores. The
// wire layout the daemon actually returns is out of scope (spec.md
// §1); this is simply what load/cache copy in and out.
type Attr struct {
	Size  uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Mtime time.Time
	Ctime time.Time
	Atime time.Time
}

// AttrReply is the payload a GETATTR, LOOKUP, CREATE, or SETATTR reply
// carries. ValidFor is the daemon-supplied cache interval.
type AttrReply struct {
	Attr     Attr
	ValidFor time.Duration
}

// attrCache is the per-node cache of spec.md §4.3: attributes plus a
// monotonic deadline, fresh iff now <= deadline. version fences a race
// between a direct-I/O read/write reply and a concurrent SETATTR from
// updating the cached size with stale data (SPEC_FULL.md §C,
// grounded on gofer's attribute-version pattern).
type attrCache struct {
	clock Clock

	mu       sync.Mutex
	attr     Attr
	deadline time.Time
	version  uint64
	valid    bool
}

// load implements spec.md §4.3's "load": copy cached attributes into
// vap if fresh. It returns false on a cache miss.
func (c *attrCache) load(vap *Attr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.clock.Now().After(c.deadline) {
		return false
	}
	*vap = c.attr
	return true
}

// cache implements spec.md §4.3's "cache": store fresh attributes and
// set the deadline to now + reply.ValidFor. It returns the version
// stamped, for callers that need to fence a later size update.
func (c *attrCache) cache(reply AttrReply) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attr = reply.Attr
	c.deadline = c.clock.Now().Add(reply.ValidFor)
	c.valid = true
	c.version++
	return c.version
}

// invalidate implements spec.md §4.3's "invalidate": zero the
// deadline, forcing the next getattr to dispatch.
func (c *attrCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = time.Time{}
}

// currentVersion returns the version stamp without requiring a fresh
// load, for callers that need to fence a size update against a later
// invalidation/cache race (SPEC_FULL.md §C).
func (c *attrCache) currentVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// updateSizeIfCurrent updates n's cached size from a read/write reply
// only if version is still the version observed when the I/O was
// dispatched — otherwise a concurrent SETATTR or fresh GETATTR has
// already superseded it and this would regress the size (SPEC_FULL.md
// §C attribute-version fencing).
func (c *attrCache) updateSizeIfCurrent(n *Node, version uint64, size uint64) {
	c.mu.Lock()
	current := c.version
	c.mu.Unlock()
	if current == version {
		n.setSize(size)
	}
}
