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

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gramineproject/enclave-runtime/pkg/hostarch"
	"github.com/gramineproject/enclave-runtime/pkg/sync"
)

// Hardware exception vectors recognized by Classify, named the way
// Intel's SDM does (spec.md §4.3 step 1 uses the same names).
const (
	vecDB = 1
	vecBP = 3
	vecBR = 5
	vecUD = 6
	vecDE = 0
	vecMF = 16
	vecAC = 17
	vecXM = 19
)

// ExitInfo is the 32-bit exit-info word an AEX hands the dispatcher,
// per spec.md §3's glossary entry: a "valid" bit, a vector number, and
// an exit type, OR — when the valid bit is clear — a raw PAL event
// number injected by the untrusted host bridge.
type ExitInfo uint32

const exitInfoValidBit = 1 << 31

// Valid reports whether this word encodes a real hardware exception
// (vector + exit type) as opposed to a host-injected PAL event number.
func (e ExitInfo) Valid() bool { return e&exitInfoValidBit != 0 }

// Vector extracts the exception vector from a valid ExitInfo.
func (e ExitInfo) Vector() int { return int(e>>8) & 0xFF }

// IsHardware reports whether the exit type bit marks this as a
// hardware (as opposed to software int3-style) exception.
func (e ExitInfo) IsHardware() bool { return e&0x80 != 0 }

// Event extracts the PAL event number from an ExitInfo whose valid bit
// is clear.
func (e ExitInfo) Event() int { return int(e &^ exitInfoValidBit) }

// classify maps a valid ExitInfo's vector to a PAL event number, or
// returns ok=false for vectors that cause a silent resume (#DB, #BP,
// and anything else unrecognized), per spec.md §4.3 step 1.
func classify(vector int) (event int, ok bool) {
	switch vector {
	case vecBR:
		return eventNumBound, true
	case vecUD:
		return EventIllegal, true
	case vecDE, vecMF, vecXM:
		return EventArithmeticError, true
	case vecAC:
		return EventMemFault, true
	default: // #DB, #BP, and anything unrecognized: silent resume.
		return 0, false
	}
}

// eventNumBound is #BR's (bound-range-exceeded) mapped event, named
// distinctly from the EventNumBound table-size constant even though
// they share a numeric value: spec.md §4.3 maps vector #BR to the PAL
// event it calls NUM_BOUND, which is conceptually unrelated to
// EventNumBound (the table size / exclusive upper bound on valid event
// numbers) despite the coincidental name and value.
const eventNumBound = 8

// CPUIDOracle answers the in-enclave CPUID emulation spec.md §4.3 step
// 2 requires (the host cannot be trusted to run CPUID directly inside
// the enclave, so a vetted set of leaf values is baked in or measured
// at enclave init).
type CPUIDOracle interface {
	CPUID(leafEAX, subleafECX uint32) (eax, ebx, ecx, edx uint32)
}

// Clock answers the system-time oracle RDTSC/RDTSCP emulation queries.
type Clock interface {
	NowMicros() int64
}

// Dispatcher holds the state the IED needs across every AEX on a given
// enclave: the upcall table, the trusted PAL text range for the
// PAL-internal guard, and the oracles backing instruction emulation.
type Dispatcher struct {
	Upcalls UpcallTable
	CPUID   CPUIDOracle
	Clock   Clock

	// PALText bounds the trusted runtime's code range. A synchronous
	// fault with an RIP inside this range is unrecoverable, per
	// spec.md §4.3 step 3.
	PALText hostarch.AddrRange

	rdtscWarnOnce sync.Once
}

// CodeReader supplies the bytes at and after a faulting RIP, so Decode
// can inspect the instruction that trapped. Implementations read
// directly from the enclave's own mapped text, which is always
// readable by the thread that faulted on it.
type CodeReader interface {
	ReadCode(rip hostarch.Addr, n int) []byte
}

// HandleAEX is the IED's single entry point, invoked exactly once per
// AEX (or per external-event re-entry) with the exit-info word and the
// hardware-saved register file. It implements the full state machine
// of spec.md §4.3: classify, emulate #UD, apply the PAL-internal
// guard, marshal the context, dispatch the upcall, and write the
// (possibly modified) context back into hw unless the event is external.
//
// external is true when this call originates from the host bridge
// re-entering the enclave with a PAL event number rather than a real
// hardware exception (spec.md's "External-event entry" subsection);
// code is used only for #UD emulation and may be nil otherwise.
func (d *Dispatcher) HandleAEX(info ExitInfo, hw *Regs, ext *ExtendedState, external bool, code CodeReader) {
	if external {
		d.invoke(EventFailure, true, PalErrorInterrupted, hw, ext, true /* discardMods */)
		d.invoke(info.Event(), true, 0, hw, ext, true)
		return
	}

	if !info.Valid() {
		// The untrusted bridge injected a bare event number without
		// going through the external-event path above; treat it the
		// same way.
		d.invoke(info.Event(), true, 0, hw, ext, true)
		return
	}

	vector := info.Vector()
	event, ok := classify(vector)
	if !ok {
		return // #DB/#BP and unrecognized vectors: silent resume.
	}

	inPAL := d.PALText.Contains(hostarch.Addr(hw.Rip))

	if vector == vecUD {
		if d.emulateUD(hw, code) {
			return // fully emulated: RIP already advanced, no upcall.
		}
		// Not emulated (SYSCALL, FSGSBASE, or an unrecognized opcode):
		// falls through to dispatch as ILLEGAL with arg=rip.
	}

	if inPAL && event != EventQuit && event != EventResume {
		d.palFault(hw, vector)
		return // unreachable: palFault always calls bug(), which panics.
	}

	arg := uint64(0)
	if event == EventIllegal {
		arg = hw.Rip
	}
	d.invoke(event, inPAL, arg, hw, ext, false)
}

// emulateUD attempts to emulate the #UD-triggering instruction at
// hw.Rip in place, per spec.md §4.3 step 2. It returns true if the
// instruction was fully emulated (RIP advanced, no upcall needed).
func (d *Dispatcher) emulateUD(hw *Regs, code CodeReader) bool {
	if code == nil {
		return false
	}
	bytes := code.ReadCode(hostarch.Addr(hw.Rip), 4)
	switch op := Decode(bytes); op {
	case OpCpuid:
		eax, ebx, ecx, edx := d.CPUID.CPUID(uint32(hw.Rax), uint32(hw.Rcx))
		hw.Rax, hw.Rbx, hw.Rcx, hw.Rdx = uint64(eax), uint64(ebx), uint64(ecx), uint64(edx)
		hw.Rip += uint64(InstructionLength(op))
		return true
	case OpRdtsc:
		d.emulateRdtsc(hw)
		hw.Rip += uint64(InstructionLength(op))
		return true
	case OpRdtscp:
		d.emulateRdtsc(hw)
		hw.Rcx = 0
		hw.Rip += uint64(InstructionLength(op))
		return true
	case OpFsGsBase:
		logrus.WithField("component", "sgxpf").Errorf(
			"FSGSBASE instruction at %#x not permitted", hw.Rip)
		return false // propagate as ILLEGAL, not emulated.
	case OpSyscall:
		return false // propagate as ILLEGAL so the LibOS can intercept.
	default:
		return false // unknown opcode propagates as ILLEGAL with arg=rip.
	}
}

func (d *Dispatcher) emulateRdtsc(hw *Regs) {
	d.rdtscWarnOnce.Do(func() {
		logrus.WithField("component", "sgxpf").Warn("emulating RDTSC/RDTSCP via host time oracle")
	})
	usec := uint64(d.Clock.NowMicros())
	hw.Rdx = usec >> 32
	hw.Rax = usec & 0xFFFFFFFF
}

// palFault implements spec.md §4.3 step 3's synchronous-fault-in-PAL-text
// case: print a labelled register dump and abort the enclave. Per
// spec.md §7, "a fault in the trusted runtime prints a labelled
// register dump and exits the enclave with status 1."
func (d *Dispatcher) palFault(hw *Regs, vector int) {
	bug("sgxpf: fatal vector %d in PAL text at rip=%#x: %s", vector, hw.Rip, dumpRegs(hw))
}

func dumpRegs(r *Regs) string {
	return fmt.Sprintf(
		"rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x rbp=%#x rsp=%#x rip=%#x eflags=%#x",
		r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp, r.Rsp, r.Rip, r.Eflags)
}

// invoke marshals the context, invokes the registered upcall for event
// (if any), and writes back the result unless discardMods is set.
// HandleAEX sets discardMods for every external or host-injected event
// (spec.md §4.3 step 6 and "External-event entry").
func (d *Dispatcher) invoke(event int, inPAL bool, arg uint64, hw *Regs, ext *ExtendedState, discardMods bool) {
	if event <= 0 || event >= EventNumBound {
		return
	}
	fn := d.Upcalls[event]
	if fn == nil {
		return
	}
	ctx := SavePalContext(hw, ext)
	fn(inPAL, arg, ctx)
	if !discardMods {
		RestorePalContext(ctx, hw)
	}
	// discardMods: per spec.md §4.3 step 6, "For external (asynchronous)
	// events that interrupt PAL code, discard handler modifications and
	// resume with the original context" — hw is left untouched.
}
