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
	"golang.org/x/sys/unix"
)

// errKind buckets an errno for logging; the capability downgrade
// policy tests for ENOSYS directly. It never changes the value
// returned to the VFS.
type errKind int

const (
	kindNone errKind = iota
	kindTransient
	kindPermanent
	kindCapability
	kindFatal
	kindIO
)

func (k errKind) String() string {
	switch k {
	case kindTransient:
		return "transient"
	case kindPermanent:
		return "permanent"
	case kindCapability:
		return "capability"
	case kindFatal:
		return "fatal"
	case kindIO:
		return "io"
	default:
		return "none"
	}
}

// classify buckets err the way spec §7 groups errno values. A nil err
// classifies as kindNone.
func classify(err error) errKind {
	switch err {
	case nil:
		return kindNone
	case unix.EAGAIN, unix.EINTR:
		return kindTransient
	case unix.ENOSYS, unix.ENOTSUP:
		return kindCapability
	case unix.ENXIO, unix.ENOTCONN:
		return kindFatal
	case unix.EIO:
		return kindIO
	default:
		return kindPermanent
	}
}

// downgrade translates ENOSYS the way §7's propagation policy requires:
// ENOSYS must never reach the VFS. Every other error passes through
// unchanged.
func downgrade(err error) error {
	if err == unix.ENOSYS {
		return unix.ENOTSUP
	}
	return err
}

// isDeadErrno reports whether err is the fatal-per-mount class that a
// dead or disconnected daemon produces.
func isDeadErrno(err error) bool {
	return err == unix.ENXIO || err == unix.ENOTCONN
}
