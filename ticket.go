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
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// ticketRegistry bounds the number of in-flight tickets a mount will
// allow, the Go analogue of the teacher's maxActiveRequests congestion
// control (connection.go's fd.fullQueueCh busy-wait). Acquiring blocks
// the caller rather than spinning.
type ticketRegistry struct {
	sem *semaphore.Weighted

	active    atomic.Int64
	highWater atomic.Int64
}

func newTicketRegistry(maxActive int64) *ticketRegistry {
	if maxActive <= 0 {
		maxActive = 10000
	}
	return &ticketRegistry{sem: semaphore.NewWeighted(maxActive)}
}

// TicketStats is the counters §5's "counters exposed to sysctl use
// atomic increments" calls for; the sysctl surface itself is out of
// scope (spec.md §1), only the counters are in scope.
type TicketStats struct {
	Active    int64
	HighWater int64
}

func (r *ticketRegistry) stats() TicketStats {
	return TicketStats{Active: r.active.Load(), HighWater: r.highWater.Load()}
}

// Ticket is a scoped handle on one in-flight request (spec.md §3 and
// §9's "Scoped RPC"): it owns the request, a reply slot, and guarantees
// at-most-one drop: only the first drop call releases anything, later
// calls are no-ops. drop is always safe, including after a failed wait
// or without any dispatch.
type Ticket struct {
	mount  *Mount
	log    logrus.FieldLogger
	req    *Request
	reply  *Reply
	killed bool

	mu      sync.Mutex
	dropped bool
	held    bool // true once the semaphore slot has been acquired
}

// initTicket is the "init" operation of spec.md §4.1: it builds the
// request envelope without yet dispatching it.
func initTicket(m *Mount, op Opcode, nodeID uint64, creds Credentials, payload any) *Ticket {
	return &Ticket{
		mount: m,
		log:   m.log.WithFields(logrus.Fields{"op": op.String(), "node_id": nodeID}),
		req: &Request{
			Opcode: op,
			NodeID: nodeID,
			Creds:  creds,
			Payload: payload,
		},
	}
}

// kill arranges for the reply body to be freed promptly without a user
// copy, e.g. for an oversized extended-attribute probe where only the
// size field is wanted (spec.md §8 scenario S3). Called before
// dispatchAndWait, it stops the reply payload from ever being
// retained; called after (once a caller has inspected the reply and
// decided against keeping its payload, as with an oversized getxattr
// reply), it has drop clear the payload reference so it cannot outlive
// the ticket.
func (t *Ticket) kill() { t.killed = true }

// dispatchAndWait performs the "dispatch-and-wait" operation of §4.1:
// block the caller until a reply or transport failure is observed. The
// big lock must already be released by the caller before this is
// invoked (spec.md §5).
func (t *Ticket) dispatchAndWait(ctx context.Context) (*Reply, error) {
	reg := t.mount.tickets
	if err := reg.sem.Acquire(ctx, 1); err != nil {
		return nil, unix.EINTR
	}
	t.mu.Lock()
	t.held = true
	t.mu.Unlock()

	active := reg.active.Add(1)
	for {
		hw := reg.highWater.Load()
		if active <= hw || reg.highWater.CompareAndSwap(hw, active) {
			break
		}
	}

	reply, err := t.mount.transport.Call(ctx, t.req)
	if err != nil {
		t.log.WithError(err).Debug("transport call failed")
		return nil, err
	}
	if t.killed {
		// Reply body discarded promptly; only the caller-visible error
		// (if any) survives.
		t.reply = &Reply{Err: reply.Err}
		return t.reply, nil
	}
	t.reply = reply
	if reply.Err != nil {
		t.log.WithError(reply.Err).WithField("kind", classify(reply.Err)).Debug("daemon returned error")
	}
	return reply, nil
}

// simplePutGet performs init-dispatch-wait in one call for requests
// with no payload, per §4.1's "convenience" operation.
func simplePutGet(ctx context.Context, m *Mount, op Opcode, nodeID uint64, creds Credentials) (*Reply, error) {
	t := initTicket(m, op, nodeID, creds, nil)
	defer t.drop()
	return t.dispatchAndWait(ctx)
}

// drop releases the ticket's resources exactly once. Dropping a ticket
// that never dispatched, or one whose wait failed, is always safe.
func (t *Ticket) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		return
	}
	t.dropped = true
	if t.killed && t.reply != nil {
		t.reply.Payload = nil
	}
	if t.held {
		t.mount.tickets.sem.Release(1)
		t.mount.tickets.active.Add(-1)
	}
}
