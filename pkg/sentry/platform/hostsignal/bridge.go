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

package hostsignal

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gramineproject/enclave-runtime/pkg/hostarch"
	"github.com/gramineproject/enclave-runtime/pkg/sync"
)

// UContext is the signal-handler-frame accessor the bridge needs:
// read the interrupted instruction pointer, and — when the signal
// instead needs to be turned into a simulated syscall return —
// rewrite the frame to resume at a given entry point with two
// arguments. A production build backs this with the host's raw
// ucontext_t, which Go cannot parse portably without either cgo or
// arch-specific assembly; this interface is the seam between that
// unavoidably unsafe code and the policy logic below, which is plain,
// testable Go.
type UContext interface {
	// IP returns the instruction pointer saved in the frame.
	IP() uintptr

	// SimulateInterruptedSyscall rewrites the frame so that, on
	// return from the signal handler, execution resumes at entry as
	// though a host syscall had returned ret with event as a second
	// argument. This is how spec.md §4.4 represents "the host
	// ucontext is rewritten to resume at the enclave-return trampoline
	// with (-EINTR, event) as its two arguments."
	SimulateInterruptedSyscall(entry uintptr, ret int64, event int)
}

// Reentrant is the enclave re-entry hook: invoked when a signal
// interrupted enclave (or trusted PAL) code and must be delivered as a
// PAL event via AEX re-entry rather than a simulated syscall return.
type Reentrant func(event int)

// Bridge is the host-side signal dispatcher. The zero value is not
// usable; construct with NewBridge.
type Bridge struct {
	// AsyncExitRange is [async_exit_pointer, async_exit_pointer_end):
	// the untrusted trampoline's text range. A saved RIP inside this
	// range means the thread was inside, or returning from, the
	// enclave when the signal arrived (spec.md §4.4).
	AsyncExitRange hostarch.AddrRange

	// EnclaveReentryPoint is the entry the bridge resumes at when
	// simulating an interrupted host syscall — the PAL's
	// enclave-return trampoline, called with (-EINTR, event).
	EnclaveReentryPoint uintptr

	// Reenter delivers event to the enclave via AEX re-entry.
	Reenter Reentrant

	mu         sync.Mutex
	rpcThreads []int32
}

// NewBridge constructs a Bridge. reenter and asyncExitRange must be
// supplied before Install is called; they're left as exported fields
// rather than constructor arguments so tests can swap them in without
// needing a fully wired enclave.
func NewBridge() *Bridge {
	return &Bridge{}
}

// RegisterRPCThread adds tid to the set of RPC helper threads woken
// with SIGUSR2 on every caught signal, per spec.md §4.4's dispatch
// contract. RPC helper threads perform blocking host syscalls on the
// LibOS's behalf and need a way to be kicked out of them.
func (b *Bridge) RegisterRPCThread(tid int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpcThreads = append(b.rpcThreads, tid)
}

// UnregisterRPCThread removes tid, e.g. when the RPC thread exits.
func (b *Bridge) UnregisterRPCThread(tid int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.rpcThreads {
		if t == tid {
			b.rpcThreads = append(b.rpcThreads[:i], b.rpcThreads[i+1:]...)
			return
		}
	}
}

// wakeRPCThreads tkills every registered RPC helper thread with
// SIGUSR2, breaking any outstanding blocking syscall, per spec.md
// §4.4: "the handler first tkills every registered RPC helper thread
// with SIGUSR2 to break any outstanding blocking syscall."
func (b *Bridge) wakeRPCThreads(tgid int32) {
	b.mu.Lock()
	threads := append([]int32(nil), b.rpcThreads...)
	b.mu.Unlock()
	for _, tid := range threads {
		if err := unix.Tgkill(int(tgid), int(tid), unix.SIGUSR2); err != nil {
			logrus.WithField("component", "hostsignal").Warnf("tgkill(%d, SIGUSR2): %v", tid, err)
		}
	}
}

// interruptedInEnclave reports whether a signal whose saved IP is rip
// arrived while the thread was inside (or returning from) the
// enclave, per spec.md §4.4's "if it lies within the asynchronous-exit
// trampoline's text range ... the signal was delivered while the
// thread was inside (or returning from) the enclave."
func (b *Bridge) interruptedInEnclave(rip uintptr) bool {
	return b.AsyncExitRange.Contains(hostarch.Addr(rip))
}

// HandleSignal implements the dispatch contract of spec.md §4.4 for a
// single caught signal. tgid is the process's thread-group id, needed
// to target tgkill correctly. ClassDummy signals (SIGUSR2) return at
// once: they exist only to interrupt a blocking syscall. ClassIgnored
// signals are installed as SIG_IGN and never reach this handler.
func (b *Bridge) HandleSignal(sig unix.Signal, tgid int32, uc UContext) {
	if Classify(sig) == ClassDummy {
		return
	}
	event, ok := PALEvent(sig)
	if !ok {
		logrus.WithField("component", "hostsignal").Errorf("HandleSignal called for unmapped signal %v", sig)
		return
	}

	b.wakeRPCThreads(tgid)

	if b.interruptedInEnclave(uc.IP()) {
		b.Reenter(event)
		return
	}

	// The signal interrupted untrusted PAL code during a host syscall.
	// Rewrite the frame to simulate that syscall returning -EINTR, with
	// event as context for the LibOS to translate at the syscall
	// boundary (spec.md §4.4, §7).
	ret := -int64(unix.EINTR)
	uc.SimulateInterruptedSyscall(b.EnclaveReentryPoint, ret, event)
}
