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

// Package gpuarch contains architecture-specific definitions for the GPU
// side of the shared address space.
package gpuarch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the UAT (GPU MMU) page size.
	PageShift = 14

	// PageSize is the UAT page size. Shared objects are backed and mapped
	// in multiples of this size.
	PageSize = 1 << PageShift

	// PageMask is PageSize-1.
	PageMask = PageSize - 1
)

// ByteOrder is the byte order of firmware-visible structures.
var ByteOrder = binary.LittleEndian

// Addr is a GPU virtual address.
type Addr uint64

// RoundDown is equivalent to function PageRoundDown.
func (v Addr) RoundDown() Addr {
	return RoundDown(v, PageSize)
}

// RoundUp is equivalent to function PageRoundUp.
func (v Addr) RoundUp() (Addr, bool) {
	return PageRoundUp(v)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#016x", uint64(v))
}

// Pageable is the set of unsigned types wide enough to hold PageSize.
type Pageable interface {
	~uint32 | ~uint64 | ~uint | ~uintptr
}

// PageRoundUp returns x rounded up to the nearest multiple of PageSize. ok is
// true iff rounding up does not overflow the range of T.
func PageRoundUp[T Pageable](x T) (val T, ok bool) {
	val = RoundUp(x, PageSize)
	return val, val >= x
}

// RoundUp returns x rounded up to a multiple of align, which must be a power
// of two. The result wraps on overflow.
func RoundUp[T constraints.Unsigned](x, align T) T {
	return (x + align - 1) &^ (align - 1)
}

// RoundDown returns x rounded down to a multiple of align, which must be a
// power of two.
func RoundDown[T constraints.Unsigned](x, align T) T {
	return x &^ (align - 1)
}

// IsAligned returns true if x is a multiple of align, which must be a power
// of two.
func IsAligned[T constraints.Unsigned](x, align T) bool {
	return x&(align-1) == 0
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](x T) bool {
	return x != 0 && x&(x-1) == 0
}
