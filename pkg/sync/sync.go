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

// Package sync re-exports the stdlib sync primitives under a local name,
// the way pkg/sync does upstream, so that the heap lock, the signal
// bridge's thread-set lock and the RDTSC warn-once guard have one
// import to instrument later (e.g.
// with lock-cycle checking) without touching every call site.
package sync

import "sync"

// Mutex is sync.Mutex.
type Mutex = sync.Mutex

// RWMutex is sync.RWMutex.
type RWMutex = sync.RWMutex

// WaitGroup is sync.WaitGroup.
type WaitGroup = sync.WaitGroup

// Once is sync.Once.
type Once = sync.Once
