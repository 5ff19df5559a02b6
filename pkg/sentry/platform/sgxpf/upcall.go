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

package sgxpf

// PAL event numbers. These are ABI across the trust boundary — the
// untrusted host bridge injects them directly as exit-info words when
// re-entering the enclave for an external event, per spec.md §6.
const (
	EventArithmeticError = 1
	EventMemFault        = 2
	EventIllegal         = 3
	EventQuit            = 4
	EventSuspend         = 5
	EventResume          = 6 // also INTERRUPTED
	EventFailure         = 7
	EventNumBound        = 8
)

// PAL_ERROR_INTERRUPTED is the argument the IED passes to the internal
// FAILURE upcall it raises on every external-event entry, per spec.md
// §4.3's "External-event entry" subsection.
const PalErrorInterrupted = 4 // matches -EINTR's PAL error code mapping

// Upcall is the event handler ABI: (is_in_pal, per-event argument,
// context). Per spec.md §6, in_pal tells the handler whether the AEX
// occurred inside trusted PAL text; arg carries the per-event
// convention (faulting RIP for ILLEGAL, zero for MEMFAULT per the
// SGX1 hardware limitation, zero for everything else).
type Upcall func(inPAL bool, arg uint64, ctx *Context)

// UpcallTable is the fixed-size, write-once-at-init table spec.md §9
// describes under "Global mutable state": indexed by PAL event number,
// read-only after construction, requiring no lock for lookups.
type UpcallTable [EventNumBound]Upcall

// Register installs fn as the handler for event. It is only safe to
// call during dispatcher setup, before any AEX can occur on this
// table — spec.md's shared-resource policy treats the table as
// write-once.
func (t *UpcallTable) Register(event int, fn Upcall) {
	if event <= 0 || event >= EventNumBound {
		bug("sgxpf: Register: event %d out of range [1, %d)", event, EventNumBound)
	}
	t[event] = fn
}
