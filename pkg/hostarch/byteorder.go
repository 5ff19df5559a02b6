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

package hostarch

import "encoding/binary"

// ByteOrder is the byte order of the enclave's host architecture.
// amd64 is little-endian; this is exported rather than hardcoded at
// call sites so that a big-endian target (were one ever supported)
// only needs to change it here.
var ByteOrder = binary.LittleEndian
