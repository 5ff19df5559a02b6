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

package event

import (
	"errors"
	"io"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/gramineproject/enclave-runtime/pkg/sync"
)

// fakeStream is an in-process, unbounded byte FIFO that implements
// Stream without touching the host, so the semaphore contract can be
// tested without pipes.
type fakeStream struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if len(f.buf) == 0 {
		return 0, errEAGAIN
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *fakeStream) PollReadable(int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf) > 0, nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// blockingWait calls Wait until it succeeds or fails with something
// other than EAGAIN. Wait itself already retries the fake stream's
// instantaneous EAGAIN, spinning until data shows up in place of the
// host's real blocking read.
func blockingWait(e *Event) error {
	for {
		err := e.Wait()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errEAGAIN) {
			return err
		}
	}
}

func TestSetThenWaitDoesNotBlock(t *testing.T) {
	e := newFromStream(newFakeStream())
	if err := e.Set(3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := blockingWait(e); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

// TestWaitBlocksAtZero checks the condition Wait blocks on: at a count of
// zero the stream has no byte to read, which the fake stream reports as
// EAGAIN (the error Wait retries on) where a host read would block.
func TestWaitBlocksAtZero(t *testing.T) {
	e := newFromStream(newFakeStream())
	if _, err := e.stream.(*fakeStream).Read(make([]byte, 1)); !errors.Is(err, errEAGAIN) {
		t.Fatalf("expected EAGAIN on empty stream, got %v", err)
	}
}

func TestClearDrainsButIsNotAtomic(t *testing.T) {
	fs := newFakeStream()
	e := newFromStream(fs)
	if err := e.Set(5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	ready, err := fs.PollReadable(0)
	if err != nil {
		t.Fatalf("PollReadable: %v", err)
	}
	if ready {
		t.Fatalf("stream still readable after Clear")
	}
}

// TestSetNWaitNCompletes is the quantified invariant from spec §8.7: for
// all N>0, after Set(e, N) completes, exactly N Wait(e) calls complete
// without indefinite blocking.
func TestSetNWaitNCompletes(t *testing.T) {
	const n = 137
	e := newFromStream(newFakeStream())
	if err := e.Set(n); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var g errgroup.Group
	completions := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := blockingWait(e); err != nil {
				return err
			}
			completions <- struct{}{}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Wait: %v", err)
	}
	close(completions)
	got := 0
	for range completions {
		got++
	}
	if got != n {
		t.Errorf("got %d completed waits, want %d", got, n)
	}
}

func TestDestroyClosesStream(t *testing.T) {
	fs := newFakeStream()
	e := newFromStream(fs)
	if err := e.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !fs.closed {
		t.Errorf("underlying stream not closed after Destroy")
	}
}
