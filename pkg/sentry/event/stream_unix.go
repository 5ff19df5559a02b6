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

//go:build linux
// +build linux

package event

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors tested for by isRetryable. Kept distinct from
// unix.EINTR/etc so that fake Streams in tests don't need to import
// golang.org/x/sys/unix to report retryable conditions.
var (
	errEINTR       = errors.New("event: EINTR")
	errEAGAIN      = errors.New("event: EAGAIN")
	errEWOULDBLOCK = errors.New("event: EWOULDBLOCK")
)

func translateErrno(err error) error {
	switch {
	case errors.Is(err, unix.EINTR):
		return errEINTR
	case errors.Is(err, unix.EAGAIN):
		return errEAGAIN
	case errors.Is(err, unix.EWOULDBLOCK):
		return errEWOULDBLOCK
	default:
		return err
	}
}

// pipeStream implements Stream over a host pipe: a pair of fds created
// together by pipe2(2), with the write end feeding the read end's
// kernel buffer. This is the "unidirectional byte-oriented stream" spec
// section 4.2 describes; the Event that owns it is what presents a
// single RDWR-looking handle to callers.
type pipeStream struct {
	readFD  int
	writeFD int
}

func newHostStream() (Stream, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("event: pipe2: %w", err)
	}
	return &pipeStream{readFD: fds[0], writeFD: fds[1]}, nil
}

func (p *pipeStream) Read(b []byte) (int, error) {
	n, err := unix.Read(p.readFD, b)
	if err != nil {
		return n, translateErrno(err)
	}
	return n, nil
}

func (p *pipeStream) Write(b []byte) (int, error) {
	n, err := unix.Write(p.writeFD, b)
	if err != nil {
		return n, translateErrno(err)
	}
	return n, nil
}

func (p *pipeStream) PollReadable(timeoutUsec int64) (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(p.readFD), Events: unix.POLLIN}}
	timeoutMs := int(timeoutUsec / 1000)
	if timeoutUsec > 0 && timeoutMs == 0 {
		timeoutMs = 1
	}
	n, err := unix.Poll(pfd, timeoutMs)
	if err != nil {
		return false, translateErrno(err)
	}
	if n <= 0 {
		return false, nil
	}
	return pfd[0].Revents&unix.POLLIN != 0, nil
}

func (p *pipeStream) Close() error {
	err1 := unix.Close(p.readFD)
	err2 := unix.Close(p.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
