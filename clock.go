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

import "time"

// Clock is the monotonic-time collaborator the attribute cache uses for
// deadline math. Production mounts use
// realClock; tests inject fakeClock to control expiry deterministically.
type Clock interface {
	Now() time.Time
}

// realClock is the production Clock, backed by the monotonic clock
// reading time.Now() exposes.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
