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
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestLookupDotAndDotDotShortCircuit checks that "." resolves to the
// directory itself and ".." resolves through the parent reference,
// neither touching the transport.
func TestLookupDotAndDotDotShortCircuit(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatalf("unexpected RPC %v for a dot/dotdot lookup", req.Opcode)
		return nil, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})
	dir := m.internNode(20, VnodeDirectory, "dir", RootNodeID)
	child := m.internNode(21, VnodeDirectory, "child", dir.ID())

	got, err := m.lookup(context.Background(), child, ".", IntentLookup, true, Credentials{})
	if err != nil || got != child {
		t.Fatalf("lookup(.) = %v, %v; want child, nil", got, err)
	}

	got, err = m.lookup(context.Background(), child, "..", IntentLookup, true, Credentials{})
	if err != nil || got != dir {
		t.Fatalf("lookup(..) = %v, %v; want dir, nil", got, err)
	}
}

// TestLookupJustReturnOnNegativeLastComponent is spec.md §4.5 point 6:
// a create/rename intent against a name already cached negative at the
// last component gets the just-return sentinel rather than ENOENT, and
// issues no RPC.
func TestLookupJustReturnOnNegativeLastComponent(t *testing.T) {
	hnc := newFakeHostNameCache()
	hnc.EnterNegative(30, "new.txt", time.Minute)

	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatal("just-return case issued an RPC")
		return nil, nil
	})
	m, _ := newTestMount(tp, hnc, fakeAuthorizer{}, MountConfig{})
	dir := m.internNode(30, VnodeDirectory, "dir", RootNodeID)

	_, err := m.lookup(context.Background(), dir, "new.txt", IntentCreate, true, Credentials{})
	if !IsJustReturn(err) {
		t.Fatalf("lookup on negative last component (create) = %v, want just-return", err)
	}

	_, err = m.lookup(context.Background(), dir, "new.txt", IntentLookup, true, Credentials{})
	if err != unix.ENOENT {
		t.Fatalf("plain lookup on negative last component = %v, want ENOENT", err)
	}
}

// TestLookupRejectsOverlongName checks the protocol name-length limit
// is enforced before any cache consultation or RPC.
func TestLookupRejectsOverlongName(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatal("overlong name issued an RPC")
		return nil, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{})
	dir := m.internNode(40, VnodeDirectory, "dir", RootNodeID)

	_, err := m.lookup(context.Background(), dir, strings.Repeat("a", 256), IntentLookup, true, Credentials{})
	if err != unix.ENAMETOOLONG {
		t.Fatalf("lookup on overlong name = %v, want ENAMETOOLONG", err)
	}
}

// TestLookupHidesAppleDoubleWhenConfigured checks that a mount with
// HideAppleDouble set fails ._-prefixed lookups with ENOENT before
// consulting the name cache or dispatching an RPC.
func TestLookupHidesAppleDoubleWhenConfigured(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatal("hidden Apple-Double name issued an RPC")
		return nil, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{HideAppleDouble: true})
	dir := m.internNode(50, VnodeDirectory, "dir", RootNodeID)

	_, err := m.lookup(context.Background(), dir, "._resource", IntentLookup, true, Credentials{})
	if err != unix.ENOENT {
		t.Fatalf("lookup of hidden Apple-Double name = %v, want ENOENT", err)
	}
}

// TestLookupReadOnlyMutatingIntentAtLastComponentFailsEROFS checks that
// a read-only mount rejects create/rename intents at the last
// component before touching the name cache or transport.
func TestLookupReadOnlyMutatingIntentAtLastComponentFailsEROFS(t *testing.T) {
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		t.Fatal("read-only create intent issued an RPC")
		return nil, nil
	})
	m, _ := newTestMount(tp, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{ReadOnly: true})
	dir := m.internNode(60, VnodeDirectory, "dir", RootNodeID)

	if _, err := m.lookup(context.Background(), dir, "new.txt", IntentCreate, true, Credentials{}); err != unix.EROFS {
		t.Fatalf("lookup create on read-only mount = %v, want EROFS", err)
	}
	if _, err := m.lookup(context.Background(), dir, "new.txt", IntentRename, true, Credentials{}); err != unix.EROFS {
		t.Fatalf("lookup rename on read-only mount = %v, want EROFS", err)
	}

	// A non-last-component traversal still needs to dispatch normally
	// even on a read-only mount.
	tp2 := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{Payload: &LookupReply{NodeID: 61, Type: VnodeDirectory, Attr: AttrReply{ValidFor: time.Minute}}}, nil
	})
	m2, _ := newTestMount(tp2, newFakeHostNameCache(), fakeAuthorizer{}, MountConfig{ReadOnly: true})
	dir2 := m2.internNode(62, VnodeDirectory, "dir2", RootNodeID)
	if _, err := m2.lookup(context.Background(), dir2, "mid", IntentCreate, false, Credentials{}); err != nil {
		t.Fatalf("non-last-component lookup on read-only mount: %v", err)
	}
}

// TestLookupEntersPositiveAndDetectsTypeMismatch covers the happy path
// (a fresh LOOKUP reply populates the positive cache) alongside the
// type-mismatch purge already covered end-to-end in
// dispatch_dir_test.go, here exercised directly against Mount.lookup.
func TestLookupEntersPositiveAndDetectsTypeMismatch(t *testing.T) {
	hnc := newFakeHostNameCache()
	tp := newFakeTransport(func(req *Request) (*Reply, error) {
		return &Reply{Payload: &LookupReply{NodeID: 71, Type: VnodeRegular, Attr: AttrReply{ValidFor: time.Minute}}}, nil
	})
	m, _ := newTestMount(tp, hnc, fakeAuthorizer{}, MountConfig{})
	dir := m.internNode(70, VnodeDirectory, "dir", RootNodeID)

	n, err := m.lookup(context.Background(), dir, "f.txt", IntentLookup, true, Credentials{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n.ID() != 71 {
		t.Fatalf("lookup returned node %d, want 71", n.ID())
	}
	if id, _, found := hnc.Lookup(dir.ID(), "f.txt"); !found || id != 71 {
		t.Fatalf("positive cache entry missing or wrong after lookup: id=%d found=%v", id, found)
	}

	// Node 71 is now cached as a directory while the daemon still
	// reports a regular file: a fresh LOOKUP naming it must purge and
	// fail with EIO.
	n.setType(VnodeDirectory)
	if _, err := m.lookup(context.Background(), dir, "g.txt", IntentLookup, true, Credentials{}); err != unix.EIO {
		t.Fatalf("lookup on type mismatch = %v, want EIO", err)
	}
	if hnc.purgedCount(71) != 1 {
		t.Fatalf("node purged %d times on type mismatch, want 1", hnc.purgedCount(71))
	}
}
