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

// Opcode is the tagged variant spec.md §9's Design Notes call for: the
// #UD emulator pattern-matches raw instruction bytes, and call sites
// switch on this instead of repeating ad-hoc byte comparisons.
type Opcode int

const (
	OpUnknown Opcode = iota
	OpCpuid
	OpRdtsc
	OpRdtscp
	OpFsGsBase
	OpSyscall
)

func (o Opcode) String() string {
	switch o {
	case OpCpuid:
		return "cpuid"
	case OpRdtsc:
		return "rdtsc"
	case OpRdtscp:
		return "rdtscp"
	case OpFsGsBase:
		return "fsgsbase"
	case OpSyscall:
		return "syscall"
	default:
		return "unknown"
	}
}

// modRMMod extracts the mod field (top two bits) of a ModRM byte.
func modRMMod(b byte) byte { return b >> 6 }

// modRMReg extracts the reg field (middle three bits) of a ModRM byte,
// before any REX.R extension.
func modRMReg(b byte) byte { return (b >> 3) & 0x7 }

// Decode inspects the raw bytes at a faulting #UD instruction and
// classifies it per spec.md §4.3 step 2. code must contain at least
// the opcode's bytes starting at the faulting RIP; decoding never
// reads past what's needed to identify one of the recognized forms.
func Decode(code []byte) Opcode {
	// 0F A2 - CPUID
	if len(code) >= 2 && code[0] == 0x0F && code[1] == 0xA2 {
		return OpCpuid
	}
	// 0F 01 F9 - RDTSCP (checked before the shorter RDTSC prefix match
	// below would otherwise be irrelevant, since their leading bytes
	// differ; ordering here is purely cosmetic).
	if len(code) >= 3 && code[0] == 0x0F && code[1] == 0x01 && code[2] == 0xF9 {
		return OpRdtscp
	}
	// 0F 31 - RDTSC
	if len(code) >= 2 && code[0] == 0x0F && code[1] == 0x31 {
		return OpRdtsc
	}
	// 0F 05 - SYSCALL
	if len(code) >= 2 && code[0] == 0x0F && code[1] == 0x05 {
		return OpSyscall
	}
	// F3 (REX.W|REX.B optional) 0F AE /reg  with mod=11, reg<4:
	// {RD,WR}{FS,GS}BASE. The mandatory F3 prefix may be followed by a
	// REX prefix (0x40-0x4F) before the 0F AE opcode bytes.
	if i, ok := matchFsGsBase(code); ok {
		_ = i
		return OpFsGsBase
	}
	return OpUnknown
}

func matchFsGsBase(code []byte) (int, bool) {
	if len(code) < 3 || code[0] != 0xF3 {
		return 0, false
	}
	i := 1
	if code[i] >= 0x40 && code[i] <= 0x4F {
		i++
	}
	if len(code) < i+3 {
		return 0, false
	}
	if code[i] != 0x0F || code[i+1] != 0xAE {
		return 0, false
	}
	modrm := code[i+2]
	if modRMMod(modrm) != 0b11 {
		return 0, false
	}
	if modRMReg(modrm) >= 4 {
		return 0, false
	}
	return i + 3, true
}

// InstructionLength returns the number of bytes RIP must advance by to
// skip a fully-decoded instruction of the given opcode, per spec.md
// §8's round-trip invariants: CPUID and RDTSC advance 2 bytes, RDTSCP
// advances 3. SYSCALL and FsGsBase are never emulated (they propagate
// as ILLEGAL) so RIP is left untouched; callers must not call this for
// OpSyscall or OpFsGsBase.
func InstructionLength(op Opcode) int {
	switch op {
	case OpCpuid, OpRdtsc:
		return 2
	case OpRdtscp:
		return 3
	default:
		bug("sgxpf: InstructionLength called for non-advancing opcode %v", op)
		return 0
	}
}
