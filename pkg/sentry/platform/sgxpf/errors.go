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

import "github.com/sirupsen/logrus"

// bug reports a violation of an IED invariant that the dispatcher
// cannot safely continue past — per spec.md §7, "HARDWARE_FAULT
// (unhandled vector in PAL text → fatal)" and "BUG (invariant
// violation → fatal)" both mean the enclave exits, never returns an
// error to a caller. Panic rather than os.Exit so the outermost
// enclave-thread entry point controls the actual exit path.
func bug(format string, args ...any) {
	logrus.WithField("component", "sgxpf").Panicf(format, args...)
}
