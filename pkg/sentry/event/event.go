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

// Package event implements the PAL event primitive: a counting semaphore
// built over a byte-oriented stream, used by the LibOS to synchronize
// threads and to signal I/O readiness. It plays the same role that
// pkg/sentry/kernel's notification/synchronization events play above
// waiter.Queue in gVisor, except the wakeup path here is real host I/O
// rather than an in-process waiter list — PAL streams must be uniformly
// poll()-able alongside sockets and files, so the semaphore state lives
// in kernel pipe buffer space rather than in a futex word.
package event

import (
	"errors"

	"github.com/gramineproject/enclave-runtime/pkg/atomicbitops"
)

// ErrClosed is returned by operations on a destroyed Event.
var ErrClosed = errors.New("event: stream closed")

// clearBatch bounds how many bytes clear() drains per poll iteration.
// Matches Pal/src/host/Linux-SGX/db_events.c, which reads up to 100
// bytes per DkStreamRead call while draining.
const clearBatch = 100

// Stream is the minimal PAL stream surface the event primitive needs:
// a byte pipe plus readiness polling. The production implementation
// (stream_unix.go) backs it with a host pipe; tests substitute an
// in-memory fake to exercise the semaphore contract without a kernel.
type Stream interface {
	// Read reads up to len(p) bytes, blocking if none are available.
	// Read never returns more than one byte at a time for Event's use
	// (see Wait), but the interface permits bulk reads for Clear.
	Read(p []byte) (int, error)

	// Write writes len(p) bytes, blocking if the stream's buffer is full.
	Write(p []byte) (int, error)

	// PollReadable reports whether a Read would return data without
	// blocking, given a timeout in microseconds (0 = return
	// immediately).
	PollReadable(timeoutUsec int64) (bool, error)

	// Close releases the stream's resources.
	Close() error
}

// Event is a counting semaphore over a Stream: writing n zero bytes
// increments the count by n, and each one-byte read decrements it by
// one, blocking at zero. Event's zero value is not usable; construct
// with Create.
type Event struct {
	stream Stream

	// count is advisory only — bookkeeping for diagnostics. The Stream
	// itself is the
	// linearization point for Set/Wait; count is not consulted by
	// either operation and can drift from the true pipe-buffer count
	// under concurrent Clear (see Clear's doc comment).
	count atomicbitops.Int64
}

// Create opens a new Event backed by a fresh host stream.
func Create() (*Event, error) {
	s, err := newHostStream()
	if err != nil {
		return nil, err
	}
	return &Event{stream: s}, nil
}

// newFromStream wraps an already-open Stream, for tests.
func newFromStream(s Stream) *Event {
	return &Event{stream: s}
}

// isRetryable reports whether err is one of the transient host errors
// (EINTR, EAGAIN, EWOULDBLOCK) that set/wait must silently retry past,
// per spec.
func isRetryable(err error) bool {
	return errors.Is(err, errEINTR) || errors.Is(err, errEAGAIN) || errors.Is(err, errEWOULDBLOCK)
}

// Set increments the semaphore by n: it writes n zero bytes to the
// stream, retrying on EINTR/EAGAIN/EWOULDBLOCK. A Set that happens
// before a Wait is guaranteed (by the stream's FIFO byte ordering) to
// wake that Wait.
func (e *Event) Set(n int) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	written := 0
	for written < n {
		w, err := e.stream.Write(buf[written:])
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
		written += w
	}
	e.count.Add(int64(n))
	return nil
}

// Wait decrements the semaphore by one, blocking while it is zero. It
// retries on EINTR/EAGAIN/EWOULDBLOCK the same way Set does.
func (e *Event) Wait() error {
	var b [1]byte
	for {
		n, err := e.stream.Read(b[:])
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
		if n == 1 {
			e.count.Add(-1)
			return nil
		}
	}
}

// Clear drains the semaphore to (approximately) zero by repeatedly
// polling with a zero timeout and reading up to clearBatch bytes per
// iteration, stopping when polling reports nothing pending or a read
// spuriously returns EAGAIN.
//
// Clear is explicitly NOT atomic with concurrent Set/Wait: a writer can
// add bytes after Clear has observed the stream empty but before Clear
// returns, and those bytes will simply remain set. Callers that need a
// race-free drain must externally exclude concurrent Set/Wait, the same
// requirement Pal/src/host/Linux-SGX/db_events.c places on its callers.
func (e *Event) Clear() error {
	for {
		ready, err := e.stream.PollReadable(0)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
		buf := make([]byte, clearBatch)
		n, err := e.stream.Read(buf)
		if err != nil {
			if errors.Is(err, errEAGAIN) {
				return nil
			}
			return err
		}
		if n > 0 {
			e.count.Add(-int64(n))
		}
	}
}

// Destroy closes the underlying stream. The Event must not be used
// afterwards.
func (e *Event) Destroy() error {
	return e.stream.Close()
}
