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

// Package hostsignal implements the host signal bridge: the untrusted
// side of AEX-adjacent signal handling. It catches POSIX signals
// delivered to the host process, decides whether they interrupted
// enclave code, and either re-enters the enclave with the
// corresponding PAL event or simulates an EINTR'd host syscall.
package hostsignal

import "golang.org/x/sys/unix"

// Class partitions a signal by how the bridge must react to it, per
// spec.md §4.4.
type Class int

const (
	// ClassUnhandled is returned for any signal this package doesn't
	// register for.
	ClassUnhandled Class = iota
	ClassSynchronous
	ClassAsynchronous
	ClassIgnored
	ClassDummy
)

// PAL event numbers this package maps signals to. Mirrors
// pkg/sentry/platform/sgxpf's numbering; duplicated rather than
// imported to keep hostsignal free of a dependency on the IED package
// (the bridge only ever needs the numeric ABI, not the dispatcher).
const (
	EventArithmeticError = 1
	EventMemFault        = 2
	EventIllegal         = 3
	EventQuit            = 4
	EventInterrupted     = 6
)

// partition tables from spec.md §4.4.
var (
	synchronous = map[unix.Signal]int{
		unix.SIGFPE:  EventArithmeticError,
		unix.SIGSEGV: EventMemFault,
		unix.SIGBUS:  EventMemFault,
		unix.SIGILL:  EventIllegal,
		unix.SIGSYS:  EventIllegal,
	}
	asynchronous = map[unix.Signal]int{
		unix.SIGTERM: EventQuit,
		unix.SIGCONT: EventInterrupted,
	}
	ignored = map[unix.Signal]bool{
		unix.SIGPIPE: true,
		unix.SIGCHLD: true,
	}
	dummy = map[unix.Signal]bool{
		unix.SIGUSR2: true,
	}
)

// Classify returns which partition sig belongs to.
func Classify(sig unix.Signal) Class {
	if _, ok := synchronous[sig]; ok {
		return ClassSynchronous
	}
	if _, ok := asynchronous[sig]; ok {
		return ClassAsynchronous
	}
	if ignored[sig] {
		return ClassIgnored
	}
	if dummy[sig] {
		return ClassDummy
	}
	return ClassUnhandled
}

// PALEvent returns the PAL event number sig maps to, for signals in
// the synchronous or asynchronous partitions.
func PALEvent(sig unix.Signal) (event int, ok bool) {
	if e, found := synchronous[sig]; found {
		return e, true
	}
	if e, found := asynchronous[sig]; found {
		return e, true
	}
	return 0, false
}

// AsyncSignals lists the signals blocked during synchronous-signal
// handling, per spec.md §4.4's "All handlers are installed with ...
// the blocking mask includes every asynchronous signal, forbidding
// nested delivery while a handler is running."
func AsyncSignals() []unix.Signal {
	return []unix.Signal{unix.SIGTERM, unix.SIGCONT}
}

// HandledSignals lists every signal hostsignal installs a disposition
// for, per spec.md §6: "FPE, SEGV, BUS, ILL, SYS (sync); TERM, CONT
// (async); PIPE, CHLD (ignore); USR2 (dummy)."
func HandledSignals() []unix.Signal {
	return []unix.Signal{
		unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGSYS,
		unix.SIGTERM, unix.SIGCONT,
		unix.SIGPIPE, unix.SIGCHLD,
		unix.SIGUSR2,
	}
}
