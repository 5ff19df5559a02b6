// Copyright 2018 The gVisor Authors.
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

package pgalloc

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Errors returned by Allocate and Free. Callers at the LibOS syscall
// boundary map these to POSIX errno (ENOMEM, EINVAL) themselves; pgalloc
// only needs to distinguish them internally and for tests.
var (
	// ErrNoMem covers arena exhaustion and internal-memory budget
	// overrun.
	ErrNoMem = errors.New("pgalloc: NOMEM")

	// ErrInval covers out-of-range requests, misaligned addresses, and
	// overlap between VMAs of different tags.
	ErrInval = errors.New("pgalloc: INVAL")

	// ErrMixedTag is ErrInval's specific cause when an allocate or free
	// request would straddle an internal VMA and an application VMA.
	ErrMixedTag = errors.New("pgalloc: overlap between internal and application VMA")
)

// bug reports an invariant violation in the allocator's own bookkeeping
// (e.g. a computed VMA with bottom >= top). Per spec §7 this is always
// fatal: there is no way to safely continue running an enclave whose
// heap metadata might already be corrupted, so unlike ErrNoMem/ErrInval
// this does not return to the caller. Panic rather than os.Exit so
// that an embedder can recover at a process boundary of its own
// choosing and so that the invariant itself is testable.
func bug(format string, args ...any) {
	logrus.WithField("component", "pgalloc").Panicf(format, args...)
}
