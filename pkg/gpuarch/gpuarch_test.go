// Copyright 2019 The gVisor Authors.
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

package gpuarch

import (
	"math"
	"testing"
)

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		x, align  uint64
		up, down  uint64
		isAligned bool
	}{
		{x: 0, align: PageSize, up: 0, down: 0, isAligned: true},
		{x: 1, align: PageSize, up: PageSize, down: 0},
		{x: PageSize, align: PageSize, up: PageSize, down: PageSize, isAligned: true},
		{x: 0x4010, align: 0x20, up: 0x4020, down: 0x4000},
		{x: 0x4020, align: 0x20, up: 0x4020, down: 0x4020, isAligned: true},
	} {
		if got := RoundUp(tc.x, tc.align); got != tc.up {
			t.Errorf("RoundUp(%#x, %#x) = %#x, want %#x", tc.x, tc.align, got, tc.up)
		}
		if got := RoundDown(tc.x, tc.align); got != tc.down {
			t.Errorf("RoundDown(%#x, %#x) = %#x, want %#x", tc.x, tc.align, got, tc.down)
		}
		if got := IsAligned(tc.x, tc.align); got != tc.isAligned {
			t.Errorf("IsAligned(%#x, %#x) = %v, want %v", tc.x, tc.align, got, tc.isAligned)
		}
	}
}

func TestPageRoundUpOverflow(t *testing.T) {
	if _, ok := PageRoundUp(uint64(math.MaxUint64)); ok {
		t.Errorf("PageRoundUp(MaxUint64) reported no overflow")
	}
	if v, ok := Addr(0x4001).RoundUp(); !ok || v != 0x8000 {
		t.Errorf("Addr(0x4001).RoundUp() = (%v, %v), want (0x8000, true)", v, ok)
	}
}

func TestPageRoundUpWidths(t *testing.T) {
	if v, ok := PageRoundUp(uint32(1)); !ok || v != PageSize {
		t.Errorf("PageRoundUp(uint32(1)) = (%#x, %v), want (%#x, true)", v, ok, PageSize)
	}
	if _, ok := PageRoundUp(uint32(math.MaxUint32)); ok {
		t.Errorf("PageRoundUp(MaxUint32) reported no overflow")
	}
	if v, ok := PageRoundUp(uintptr(PageSize + 1)); !ok || v != 2*PageSize {
		t.Errorf("PageRoundUp(uintptr(%#x)) = (%#x, %v), want (%#x, true)", PageSize+1, v, ok, 2*PageSize)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for x, want := range map[uint32]bool{0: false, 1: true, 0x20: true, 0x30: false, PageSize: true} {
		if got := IsPowerOfTwo(x); got != want {
			t.Errorf("IsPowerOfTwo(%#x) = %v, want %v", x, got, want)
		}
	}
}
