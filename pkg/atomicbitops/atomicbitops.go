// Copyright 2020 The gVisor Authors.
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

// Package atomicbitops wraps sync/atomic so that the counters shared
// between the heap allocator, the event semaphore and their tests have a
// single place to grow race-detector-friendly accessors, the way
// pkg/sentry/mm uses atomicbitops.Int32 for MemoryManager.users and
// MemoryManager.dumpability.
package atomicbitops

import "sync/atomic"

// Int64 is an int64 accessed atomically.
type Int64 struct {
	v atomic.Int64
}

// FromInt64 returns an Int64 initialized to v.
func FromInt64(v int64) Int64 {
	a := Int64{}
	a.v.Store(v)
	return a
}

// Load returns the current value.
func (a *Int64) Load() int64 { return a.v.Load() }

// Store sets the value.
func (a *Int64) Store(v int64) { a.v.Store(v) }

// Add adds delta and returns the new value.
func (a *Int64) Add(delta int64) int64 { return a.v.Add(delta) }

// CompareAndSwap performs a CAS.
func (a *Int64) CompareAndSwap(old, new int64) bool { return a.v.CompareAndSwap(old, new) }

// Int32 is an int32 accessed atomically.
type Int32 struct {
	v atomic.Int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	a := Int32{}
	a.v.Store(v)
	return a
}

// Load returns the current value.
func (a *Int32) Load() int32 { return a.v.Load() }

// Store sets the value.
func (a *Int32) Store(v int32) { a.v.Store(v) }

// Add adds delta and returns the new value.
func (a *Int32) Add(delta int32) int32 { return a.v.Add(delta) }

// CompareAndSwap performs a CAS.
func (a *Int32) CompareAndSwap(old, new int32) bool { return a.v.CompareAndSwap(old, new) }

// Uint64 is a uint64 accessed atomically, used for byte counters that
// never go negative (e.g. the EPA page counter).
type Uint64 struct {
	v atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	a := Uint64{}
	a.v.Store(v)
	return a
}

// Load returns the current value.
func (a *Uint64) Load() uint64 { return a.v.Load() }

// Store sets the value.
func (a *Uint64) Store(v uint64) { a.v.Store(v) }

// Add adds delta (which may wrap) and returns the new value.
func (a *Uint64) Add(delta uint64) uint64 { return a.v.Add(delta) }

// Sub subtracts delta from the counter and returns the new value.
func (a *Uint64) Sub(delta uint64) uint64 { return a.v.Add(^(delta - 1)) }
