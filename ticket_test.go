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
	"testing"

	"golang.org/x/sys/unix"
)

// TestTicketStatsTracksActiveAndHighWater checks the active/high-water
// counters the registry exposes: active rises and falls with live
// tickets, high-water only ever rises.
func TestTicketStatsTracksActiveAndHighWater(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{}, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})

	t1 := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	if _, err := t1.dispatchAndWait(context.Background()); err != nil {
		t.Fatalf("dispatchAndWait #1: %v", err)
	}
	t2 := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	if _, err := t2.dispatchAndWait(context.Background()); err != nil {
		t.Fatalf("dispatchAndWait #2: %v", err)
	}

	if got := m.tickets.stats(); got.Active != 2 || got.HighWater != 2 {
		t.Fatalf("stats after two live tickets = %+v, want Active=2 HighWater=2", got)
	}

	t1.drop()
	if got := m.tickets.stats(); got.Active != 1 || got.HighWater != 2 {
		t.Fatalf("stats after dropping one ticket = %+v, want Active=1 HighWater=2", got)
	}

	t2.drop()
	if got := m.tickets.stats(); got.Active != 0 || got.HighWater != 2 {
		t.Fatalf("stats after dropping both tickets = %+v, want Active=0 HighWater=2", got)
	}
}

// TestTicketDropIsIdempotent checks that calling drop twice releases the
// semaphore slot exactly once; a double-release would let more tickets
// through than maxActiveRequests allows.
func TestTicketDropIsIdempotent(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{}, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{MaxActiveRequests: 1})

	t1 := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	if _, err := t1.dispatchAndWait(context.Background()); err != nil {
		t.Fatalf("dispatchAndWait: %v", err)
	}
	t1.drop()
	t1.drop()
	t1.drop()

	if got := m.tickets.stats().Active; got != 0 {
		t.Fatalf("active after triple drop = %d, want 0", got)
	}

	// A double-release would have freed two slots from a one-slot
	// semaphore; acquiring twice without blocking would prove the bug.
	t2 := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	if _, err := t2.dispatchAndWait(context.Background()); err != nil {
		t.Fatalf("dispatchAndWait after idempotent drop: %v", err)
	}
	t2.drop()
}

// TestTicketDropNeverDispatchedIsSafe checks that dropping a ticket that
// was built but never sent (e.g. a caller that bailed before dispatch)
// does not touch the semaphore at all.
func TestTicketDropNeverDispatchedIsSafe(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatal("transport called for a ticket that was never dispatched")
		return nil, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})

	ticket := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	ticket.drop()

	if got := m.tickets.stats().Active; got != 0 {
		t.Fatalf("active after dropping an undispatched ticket = %d, want 0", got)
	}
}

// TestTicketKillBeforeDispatchDiscardsPayload is the pre-dispatch half
// of kill's two valid call sites: the reply's payload never survives
// into the ticket's retained reply.
func TestTicketKillBeforeDispatchDiscardsPayload(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{Payload: "should never be retained"}, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})

	ticket := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	ticket.kill()
	reply, err := ticket.dispatchAndWait(context.Background())
	if err != nil {
		t.Fatalf("dispatchAndWait: %v", err)
	}
	if reply.Payload != nil {
		t.Fatalf("killed-before-dispatch reply kept payload %v, want nil", reply.Payload)
	}
	ticket.drop()
}

// TestTicketKillAfterDispatchClearsPayloadOnDrop is the post-dispatch
// half: a ticket killed once the reply has already arrived (as
// Getxattr does for an oversized reply) must have drop clear its own
// retained reference to the payload, even though a caller may already
// hold a separate reference extracted before calling kill.
func TestTicketKillAfterDispatchClearsPayloadOnDrop(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{Payload: "oversized"}, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})

	ticket := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	reply, err := ticket.dispatchAndWait(context.Background())
	if err != nil {
		t.Fatalf("dispatchAndWait: %v", err)
	}
	if reply.Payload != "oversized" {
		t.Fatalf("reply.Payload = %v before kill, want original payload", reply.Payload)
	}

	ticket.kill()
	ticket.drop()

	if reply.Payload != nil {
		t.Fatalf("reply.Payload = %v after kill+drop, want nil", reply.Payload)
	}
}

// TestTicketDispatchAndWaitPropagatesTransportError checks that a
// transport-level failure (as opposed to a daemon-reported Reply.Err)
// surfaces directly and never populates t.reply.
func TestTicketDispatchAndWaitPropagatesTransportError(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return nil, unix.ENXIO
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})

	ticket := initTicket(m, OpGetattr, RootNodeID, Credentials{}, nil)
	if _, err := ticket.dispatchAndWait(context.Background()); err != unix.ENXIO {
		t.Fatalf("dispatchAndWait error = %v, want ENXIO", err)
	}
	ticket.drop()

	if got := m.tickets.stats().Active; got != 0 {
		t.Fatalf("active after a failed dispatch = %d, want 0", got)
	}
}
