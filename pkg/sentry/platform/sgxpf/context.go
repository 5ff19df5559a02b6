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

// Package sgxpf implements the in-enclave exception dispatcher: the
// trusted half of AEX (Asynchronous Enclave Exit) handling. It
// classifies the exit-info word saved by the enclave's assembly entry
// stub, emulates a small set of disallowed instructions, marshals a
// Linux-signal-frame-shaped context, and invokes the LibOS's
// registered upcall.
package sgxpf

import "github.com/gramineproject/enclave-runtime/pkg/hostarch"

var byteOrder = hostarch.ByteOrder

// XSaveMagic1 and XSaveMagic2 are the sentinel values Linux's
// signal-restore code expects to find in the last eight bytes of an
// fxsave/xsave area — magic1 at offset size-8, magic2 at offset
// size-4 — so that sigreturn can tell a real XSAVE extended state from
// a plain FXSAVE one. See arch/x86/include/asm/sigcontext.h
// FP_XSTATE_MAGIC{1,2}.
const (
	XSaveMagic1 = 0x46505853
	XSaveMagic2 = 0x46505845
)

// Segment selector and base values the IED stamps into every marshaled
// context, matching what the Linux kernel sets up for a 64-bit signal
// frame delivered to a flat-model user process (see spec.md §4.3 step
// 4): a 64-bit code segment, a flat data segment, and zeroed fs/gs
// selectors (TLS is carried via fs_base, not the selector).
const (
	segCS = 0x33
	segSS = 0x2b
)

// Regs is the general-purpose register file captured on AEX, laid out
// identically to golang.org/x/sys/unix.PtraceRegs so that the fields
// read naturally against any ptrace/core-dump tooling run on the host
// side. Field order here carries no significance of its own; only the
// named fields matter, each addressed independently.
type Regs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	OrigRax  uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	FsBase   uint64
	GsBase   uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// ExtendedState is the opaque XSAVE/FXSAVE area referenced by a
// Context's extended-state pointer. Only the two magic offsets the
// signal-frame ABI cares about are named; the rest of the area (legacy
// FPU state, SSE, AVX extended components) is carried as an
// undifferentiated byte buffer, since the IED never interprets it —
// it only needs to preserve it across marshal/unmarshal and stamp the
// two sentinels.
type ExtendedState struct {
	buf []byte
}

// NewExtendedState allocates an extended-state area of sz bytes and
// stamps the XSAVE magic sentinels at the offsets the Linux
// signal-restore path checks.
func NewExtendedState(sz int) *ExtendedState {
	if sz < 8 {
		bug("sgxpf: extended-state area too small for XSAVE magic: %d bytes", sz)
	}
	e := &ExtendedState{buf: make([]byte, sz)}
	e.stampMagic()
	return e
}

func (e *ExtendedState) stampMagic() {
	n := len(e.buf)
	byteOrder.PutUint32(e.buf[n-8:n-4], XSaveMagic1)
	byteOrder.PutUint32(e.buf[n-4:n], XSaveMagic2)
}

// Size returns the size in bytes of the extended-state area.
func (e *ExtendedState) Size() int { return len(e.buf) }

// Context is the Linux-signal-frame-shaped structure the IED hands to
// a registered upcall: the saved general-purpose registers plus the
// segment/extended-state metadata a sigreturn-style restore needs.
// Per spec.md §4.3's invariant, a Context is stack-local to the
// exception handler frame and must never escape it — callers that
// need to retain register values across the upcall boundary must copy
// them out explicitly.
type Context struct {
	Regs Regs

	// ExtState points at the thread's XSAVE/FXSAVE area. The IED
	// never reallocates this; it is owned by the per-thread TCB.
	ExtState *ExtendedState
}

// marshal stamps the Context's segment registers and extended-state
// pointer so that it matches the shape a Linux sigreturn expects, per
// spec.md §4.3 step 4: "cs=0x33, ss=0x2b, fs=gs=0; extended-state
// pointer is set; XSAVE header is stamped with magic1/magic2".
func (c *Context) marshal() {
	c.Regs.Cs = segCS
	c.Regs.Ss = segSS
	c.Regs.Fs = 0
	c.Regs.Gs = 0
	if c.ExtState != nil {
		c.ExtState.stampMagic()
	}
}

// SavePalContext copies the hardware-saved register file (and a
// pointer to the thread's extended-state area) into a fresh Context,
// applying the signal-frame marshalling spec.md §4.3 requires.
func SavePalContext(hw *Regs, ext *ExtendedState) *Context {
	c := &Context{Regs: *hw, ExtState: ext}
	c.marshal()
	return c
}

// RestorePalContext writes a (possibly upcall-modified) Context back
// into the hardware register file the AEX-reentry trampoline will
// restore from. Per spec.md §8's invariant 5,
// RestorePalContext(SavePalContext(ctx)) must be the identity on every
// GPR, rflags, rip, and the extended-state pointer — marshal() only
// ever touches segment selectors and the XSAVE magic, never any field
// the invariant quantifies over.
func RestorePalContext(c *Context, hw *Regs) {
	*hw = c.Regs
}
