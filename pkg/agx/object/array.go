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
	"reflect"
	"unsafe"
)

// Array is a fixed-length sequence of raw elements in shared memory.
//
// Unlike Object, Array has no host lock: rings and stamp arrays built on it
// are serialized by their owners, and firmware accesses individual elements
// concurrently anyway.
type Array[E any] struct {
	alloc Allocation
	elems []E
	gpu   uint64
}

// NewArray builds a zero-filled Array of count elements. If E implements
// SetDefault, it is applied to each element.
func NewArray[E any](a Allocation, count int) (*Array[E], error) {
	arr, err := newArray[E](a, count)
	if err != nil {
		return nil, err
	}
	clear(unsafe.Slice((*byte)(a.Ptr()), uint64(count)*Sizeof[E]()))
	for i := range arr.elems {
		if d, ok := any(&arr.elems[i]).(defaulter); ok {
			d.SetDefault()
		}
	}
	return arr, nil
}

// NewArrayFrom builds an Array holding a copy of data.
func NewArrayFrom[E any](a Allocation, data []E) (*Array[E], error) {
	arr, err := newArray[E](a, len(data))
	if err != nil {
		return nil, err
	}
	copy(arr.elems, data)
	return arr, nil
}

func newArray[E any](a Allocation, count int) (*Array[E], error) {
	if count < 0 {
		panic(fmt.Sprintf("negative array length %d", count))
	}
	size := uint64(count) * Sizeof[E]()
	if err := validate(a, reflect.TypeFor[E](), size, Alignof[E]()); err != nil {
		return nil, err
	}
	return &Array[E]{
		alloc: a,
		elems: unsafe.Slice((*E)(a.Ptr()), count),
		gpu:   a.GPUAddress(),
	}, nil
}

// Len returns the number of elements.
func (a *Array[E]) Len() int {
	return len(a.elems)
}

// At returns a pointer to element i. It panics if i is out of range.
func (a *Array[E]) At(i int) *E {
	if i < 0 || i >= len(a.elems) {
		panic(fmt.Sprintf("index %d out of range for %v", i, a))
	}
	return &a.elems[i]
}

// Slice returns the raw element slice. It aliases firmware memory.
func (a *Array[E]) Slice() []E {
	return a.elems
}

// With calls fn with the raw elements.
func (a *Array[E]) With(fn func(elems []E)) {
	if a.elems == nil {
		panic(fmt.Sprintf("use of released %v", a))
	}
	fn(a.elems)
}

// WithMut calls fn with the raw elements for modification. Callers must
// not retain the slice past fn.
func (a *Array[E]) WithMut(fn func(elems []E)) {
	if a.elems == nil {
		panic(fmt.Sprintf("use of released %v", a))
	}
	fn(a.elems)
}

// GPUAddress returns the GPU virtual address of element 0.
func (a *Array[E]) GPUAddress() uint64 {
	return a.gpu
}

// WeakPointer returns a weak pointer to element 0.
func (a *Array[E]) WeakPointer() WeakPointer[E] {
	return NewWeakPointer[E](a.gpu)
}

// ItemPointer returns a weak pointer to element i. It panics if i is out of
// range.
func (a *Array[E]) ItemPointer(i int) WeakPointer[E] {
	if i < 0 || i >= len(a.elems) {
		panic(fmt.Sprintf("index %d out of range for %v", i, a))
	}
	return NewWeakPointer[E](a.gpu + uint64(i)*Sizeof[E]())
}

// Release frees the array's memory. It is safe to call Release more than
// once.
func (a *Array[E]) Release() {
	if a.elems == nil {
		return
	}
	a.elems = nil
	a.alloc.Release()
}

// String implements fmt.Stringer.
func (a *Array[E]) String() string {
	return fmt.Sprintf("Array[%v; %d]@%#x", reflect.TypeFor[E](), len(a.elems), a.gpu)
}
