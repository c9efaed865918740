// Copyright 2026 The gVisor Authors.
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

package object

import (
	"fmt"
	"unsafe"
)

// U64 is a 64-bit value stored as two little-endian 32-bit words. Firmware
// structures pack 64-bit fields at 4-byte alignment; a plain uint64 field
// would get 8-byte alignment in Go and shift the layout.
type U64 [2]uint32

// NewU64 returns v as a U64.
func NewU64(v uint64) U64 {
	return U64{uint32(v), uint32(v >> 32)}
}

// Get returns the value of u.
func (u U64) Get() uint64 {
	return uint64(u[0]) | uint64(u[1])<<32
}

// Set sets the value of u.
func (u *U64) Set(v uint64) {
	*u = NewU64(v)
}

// String implements fmt.Stringer.
func (u U64) String() string {
	return fmt.Sprintf("%#x", u.Get())
}

// WeakPointer is a GPU virtual address of a T, with no lifetime attached. It
// is the form in which objects reference each other inside raw firmware
// structures. The zero value is the null pointer.
//
// WeakPointer has the same layout as U64.
type WeakPointer[T any] [2]uint32

// NewWeakPointer returns a WeakPointer to the given GPU address.
func NewWeakPointer[T any](addr uint64) WeakPointer[T] {
	return WeakPointer[T](NewU64(addr))
}

// Addr returns the GPU address.
func (p WeakPointer[T]) Addr() uint64 {
	return U64(p).Get()
}

// IsNull returns true if p is the null pointer.
func (p WeakPointer[T]) IsNull() bool {
	return p.Addr() == 0
}

// Or returns p with the given low bits set, as used for tagged pointers.
func (p WeakPointer[T]) Or(bits uint64) WeakPointer[T] {
	return NewWeakPointer[T](p.Addr() | bits)
}

// String implements fmt.Stringer.
func (p WeakPointer[T]) String() string {
	return fmt.Sprintf("%#x", p.Addr())
}

// Cast reinterprets p as a pointer to U.
func Cast[U, T any](p WeakPointer[T]) WeakPointer[U] {
	return WeakPointer[U](p)
}

// Offset returns a pointer to a U located off bytes past p.
func Offset[U, T any](p WeakPointer[T], off uint64) WeakPointer[U] {
	if p.IsNull() {
		return WeakPointer[U]{}
	}
	return NewWeakPointer[U](p.Addr() + off)
}

// Sizeof returns the size of a T in bytes.
func Sizeof[T any]() uint64 {
	var v T
	return uint64(unsafe.Sizeof(v))
}

// Alignof returns the alignment of a T in bytes.
func Alignof[T any]() uint64 {
	var v T
	return uint64(unsafe.Alignof(v))
}
