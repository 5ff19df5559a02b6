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

import "testing"

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name string
		code []byte
		want Opcode
	}{
		{"cpuid", []byte{0x0F, 0xA2, 0x90, 0x90}, OpCpuid},
		{"rdtsc", []byte{0x0F, 0x31, 0x90, 0x90}, OpRdtsc},
		{"rdtscp", []byte{0x0F, 0x01, 0xF9, 0x90}, OpRdtscp},
		{"syscall", []byte{0x0F, 0x05, 0x90, 0x90}, OpSyscall},
		{"rdfsbase rax", []byte{0xF3, 0x48, 0x0F, 0xAE, 0xC0}, OpFsGsBase},
		{"wrgsbase r15", []byte{0xF3, 0x49, 0x0F, 0xAE, 0xDF}, OpFsGsBase},
		{"rdfsbase no rex", []byte{0xF3, 0x0F, 0xAE, 0xC0}, OpFsGsBase},
		{"unknown", []byte{0x0F, 0x0B, 0x90, 0x90}, OpUnknown},
		{"too short", []byte{0x0F}, OpUnknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decode(tc.code); got != tc.want {
				t.Errorf("Decode(%x) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}
}

// TestFsGsBaseRejectsNonBaseReg covers the "mod=11, reg<4" restriction
// from spec.md §4.3 step 2: reg fields 4-7 under the F3 0F AE prefix
// are unrelated SSE instructions (e.g. MFENCE's encoding space), not
// FSGSBASE.
func TestFsGsBaseRejectsNonBaseReg(t *testing.T) {
	// ModRM byte with mod=11, reg=5 (0b11_101_000 = 0xE8): not a
	// {RD,WR}{FS,GS}BASE form.
	code := []byte{0xF3, 0x0F, 0xAE, 0xE8}
	if got := Decode(code); got != OpUnknown {
		t.Errorf("Decode(%x) = %v, want OpUnknown", code, got)
	}
}

func TestInstructionLength(t *testing.T) {
	cases := map[Opcode]int{
		OpCpuid:  2,
		OpRdtsc:  2,
		OpRdtscp: 3,
	}
	for op, want := range cases {
		if got := InstructionLength(op); got != want {
			t.Errorf("InstructionLength(%v) = %d, want %d", op, got, want)
		}
	}
}
