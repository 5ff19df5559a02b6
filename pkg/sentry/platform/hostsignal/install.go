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
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// asyncMask returns the signal mask blocking every signal in
// AsyncSignals, matching db_exception.c's set_signal_handler: "disallow
// nested asynchronous signals during enclave exception handling."
// sigactiont's mask field is a single 64-bit word, sufficient since
// every signal this package handles is well under bit 64.
func asyncMask() uint64 {
	var mask uint64
	for _, sig := range AsyncSignals() {
		mask |= 1 << (uint(sig) - 1)
	}
	return mask
}

// sigactiont mirrors the kernel's struct kernel_sigaction on
// linux/amd64 — the four-word layout rt_sigaction(2) actually reads
// and writes, as distinct from libc's struct sigaction. x/sys/unix has
// no Linux binding for rt_sigaction or a Restorer-bearing sigaction
// type because the Go runtime owns signal handling on every goroutine
// it schedules; this package bypasses the runtime entirely for the
// handful of raw host signals an enclave-carrying thread must catch,
// the same way sgx_exception.c's set_signal_handler calls rt_sigaction
// directly via INLINE_SYSCALL.
type sigactiont struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// saRestorer is SA_RESTORER on linux/amd64. x/sys/unix does not export
// it because setting it is normally the C library's job, done
// transparently inside libc's sigaction() wrapper.
const saRestorer = 0x04000000

// rtSigaction installs act for sig via the raw rt_sigaction(2) syscall,
// the way sgx_exception.c's set_signal_handler does with
// INLINE_SYSCALL(rt_sigaction, 4, sig, &action, NULL, sizeof(__sigset_t)).
func rtSigaction(sig unix.Signal, act *sigactiont) error {
	_, _, errno := unix.Syscall6(unix.SYS_RT_SIGACTION,
		uintptr(sig), uintptr(unsafe.Pointer(act)), 0,
		unsafe.Sizeof(act.mask), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Install registers a disposition for every signal HandledSignals
// names: SIG_IGN for the ignored partition, and entry — the raw
// SA_SIGINFO-ABI trampoline that decodes siginfo_t/ucontext_t and
// calls back into HandleSignal — for every other partition. entry and
// restorer are necessarily architecture-specific assembly stubs: no
// portable Go expression captures the C ABI a kernel-invoked signal
// handler must present, any more than the AEX re-entry trampoline
// sgxpf.Dispatcher.HandleAEX is called from can be written in Go. The
// UContext this package operates on (bridge.go) is the seam between
// that unavoidably unsafe decoding and the policy logic here, which is
// plain, testable Go.
func (b *Bridge) Install(entry, restorer uintptr) error {
	mask := asyncMask()
	for _, sig := range HandledSignals() {
		var act sigactiont
		switch Classify(sig) {
		case ClassIgnored:
			act.handler = uintptr(unix.SIG_IGN)
		case ClassSynchronous, ClassAsynchronous, ClassDummy:
			act.handler = entry
			act.flags = unix.SA_SIGINFO | unix.SA_ONSTACK | saRestorer
			act.restorer = restorer
			act.mask = mask
		default:
			continue
		}
		if err := rtSigaction(sig, &act); err != nil {
			return fmt.Errorf("hostsignal: rt_sigaction(%v): %w", sig, err)
		}
	}
	// SIGUSR2 is blocked in enclave-carrying threads; each RPC helper
	// thread unblocks it for itself, per spec.md §4.4's "Dummy" entry
	// and db_exception.c's sgx_signal_setup.
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &unix.Sigset_t{Val: [16]uint64{1 << (uint(unix.SIGUSR2) - 1)}}, nil); err != nil {
		return fmt.Errorf("hostsignal: block SIGUSR2: %w", err)
	}
	return nil
}

// UnblockDummySignal unblocks SIGUSR2 on the calling thread. Every RPC
// helper thread must call this once at startup so that
// Bridge.wakeRPCThreads's tkill can actually interrupt it.
func UnblockDummySignal() error {
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &unix.Sigset_t{Val: [16]uint64{1 << (uint(unix.SIGUSR2) - 1)}}, nil)
}
