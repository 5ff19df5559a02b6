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
	"github.com/sirupsen/logrus"

	"github.com/gramineproject/enclave-runtime/pkg/hostarch"
)

// AcceptFlags mirrors the flag bits passed to EACCEPT, per spec.md §6.
type AcceptFlags uint32

// Flag bits recognized by EACCEPT, combined as needed by the caller.
const (
	AcceptRead AcceptFlags = 1 << iota
	AcceptWrite
	AcceptExecute
	AcceptRegular
	AcceptPending
	AcceptTrim
	AcceptModified
)

// HostDriver is the untrusted EDMM host driver, called to back or
// reclaim physical EPC pages. A nil HostDriver means EDMM is disabled:
// the enclave's heap range was fully backed at load time and
// Allocate/Free never need a host round-trip.
type HostDriver interface {
	// TrimEPCPages asks the driver to ETRACK and EREMOVE n pages
	// starting at base. The caller must follow with in-enclave EACCEPTs
	// (flags TRIM|MODIFIED) before calling NotifyAccept.
	TrimEPCPages(base hostarch.Addr, pages int) error

	// NotifyAccept acknowledges that the pages trimmed by a prior
	// TrimEPCPages call have been EACCEPTed, so the driver can finalize
	// EREMOVE.
	NotifyAccept(base hostarch.Addr, pages int) error

	// AcceptPage performs an in-enclave EACCEPT of a single page with
	// the given flags.
	AcceptPage(addr hostarch.Addr, flags AcceptFlags) error

	// ModifyPagePerm performs an EMODPE extending the permissions of
	// [addr, addr+size) to include execute, used for the EAUG path when
	// a newly allocated region is executable.
	ModifyPagePerm(addr hostarch.Addr, size uint64) error
}

// gapListCap0 is the initial capacity of an allocation's EDMM gap
// scratch list. spec.md §9's Open Questions flags the original's fixed
// 64-entry gap list as silently truncating on heavy merges; we resolve
// that by growing in additional chunks of gapListChunk rather than
// truncating, bounded only by the number of VMAs actually touched
// (which free()/allocate() already bound by construction).
const (
	gapListCap0   = 64
	gapListChunk  = 64
	gapListWarnAt = 4 // log once the list grows to this many chunks; heavy merge is a smell worth surfacing.
)

// gapList accumulates the enclave address ranges that genuinely need an
// EDMM accept or trim round-trip — the sub-ranges of a request NOT
// already covered by an existing same-tag VMA (allocate), or the
// coalesced ranges actually vacated (free).
type gapList struct {
	ranges []hostarch.AddrRange
	chunks int
}

func newGapList() *gapList {
	return &gapList{ranges: make([]hostarch.AddrRange, 0, gapListCap0), chunks: 1}
}

// add appends r, growing in gapListChunk-sized increments instead of
// truncating. Adjacent ranges are coalesced so that the EDMM round-trip
// count tracks the number of physically distinct sub-ranges, not the
// number of VMAs merged to produce them.
func (g *gapList) add(r hostarch.AddrRange) {
	if r.Length() == 0 {
		return
	}
	if n := len(g.ranges); n > 0 && g.ranges[n-1].End == r.Start {
		g.ranges[n-1].End = r.End
		return
	}
	if n := len(g.ranges); n > 0 && g.ranges[n-1].Start == r.End {
		g.ranges[n-1].Start = r.Start
		return
	}
	if len(g.ranges) == cap(g.ranges) {
		g.chunks++
		if g.chunks == gapListWarnAt {
			logrus.WithField("component", "pgalloc").Warnf(
				"EDMM gap list grew past %d entries (%d chunks); heavy VMA merge in progress", len(g.ranges), g.chunks)
		}
		grown := make([]hostarch.AddrRange, len(g.ranges), cap(g.ranges)+gapListChunk)
		copy(grown, g.ranges)
		g.ranges = grown
	}
	g.ranges = append(g.ranges, r)
}
