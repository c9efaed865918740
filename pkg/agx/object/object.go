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

// Package object implements typed views of memory shared between the host
// and GPU firmware.
//
// An Object pairs a raw hardware structure R, which lives in the shared
// allocation and is what firmware reads and writes, with a logical value T
// that lives on the host heap. The two are only reachable together, through
// With and WithMut. An Array is a homogeneous sequence of raw elements.
//
// Raw types must be plain data: fixed size, and free of Go pointers, slices,
// maps, strings, channels, functions and interfaces. This is checked once per
// type at construction.
//
// Releasing an Object or Array frees its memory immediately. Firmware is not
// notified; callers must ensure firmware no longer references the address.
package object

import (
	"fmt"
	"reflect"
	"unsafe"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

// Allocation is a contiguous region visible to both the host and the GPU.
// The host pointer and the GPU address refer to the same memory.
type Allocation interface {
	// Ptr returns the host address of the region.
	Ptr() unsafe.Pointer

	// GPUAddress returns the GPU virtual address of the region. It is
	// stable for the lifetime of the allocation.
	GPUAddress() uint64

	// Size returns the usable size in bytes.
	Size() uint64

	// Release unmaps and frees the region.
	Release()
}

// defaulter is implemented by raw and logical types whose default state is
// not the zero value.
type defaulter interface {
	SetDefault()
}

// Object is a typed object of firmware type R with host companion T.
type Object[R any, T any] struct {
	// mu serializes host scopes. Readers share, WithMut is exclusive.
	mu sync.RWMutex

	alloc Allocation
	raw   *R
	inner *T
	gpu   uint64
}

// checkedRaws caches the result of checkRawType, keyed by reflect.Type.
var checkedRaws sync.Map

// checkRawType verifies that values of t can live in firmware memory.
func checkRawType(t reflect.Type) error {
	if v, ok := checkedRaws.Load(t); ok {
		if v == nil {
			return nil
		}
		return v.(error)
	}
	err := walkRawType(t, t.String())
	if err == nil {
		checkedRaws.Store(t, nil)
	} else {
		checkedRaws.Store(t, err)
	}
	return err
}

func walkRawType(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Array:
		return walkRawType(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := walkRawType(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("raw type field %s has kind %v, which cannot be shared with firmware", path, t.Kind())
	}
}

// validate checks that an allocation can hold a raw value of size bytes and
// alignment align.
func validate(a Allocation, typ reflect.Type, size, align uint64) error {
	if err := checkRawType(typ); err != nil {
		return fmt.Errorf("%v: %w", err, linuxerr.EINVAL)
	}
	if a.Size() < size {
		return fmt.Errorf("allocation of %#x bytes too small for %v (%#x bytes): %w", a.Size(), typ, size, linuxerr.ENOMEM)
	}
	if a.GPUAddress() == 0 {
		return fmt.Errorf("allocation for %v has null GPU address: %w", typ, linuxerr.EINVAL)
	}
	if p := uintptr(a.Ptr()); p == 0 || uint64(p)%align != 0 {
		return fmt.Errorf("allocation for %v at host address %#x is not %d-aligned: %w", typ, p, align, linuxerr.EINVAL)
	}
	return nil
}

// prepare validates a for R and returns its zeroed raw memory.
func prepare[R any](a Allocation) (*R, error) {
	if err := validate(a, reflect.TypeFor[R](), Sizeof[R](), Alignof[R]()); err != nil {
		return nil, err
	}
	clear(unsafe.Slice((*byte)(a.Ptr()), Sizeof[R]()))
	return (*R)(a.Ptr()), nil
}

// New builds an Object from a logical value. fill computes the raw value from
// the logical one; it is copied into the allocation.
func New[R, T any](a Allocation, inner T, fill func(inner *T) R) (*Object[R, T], error) {
	raw, err := prepare[R](a)
	if err != nil {
		return nil, err
	}
	in := new(T)
	*in = inner
	*raw = fill(in)
	return &Object[R, T]{alloc: a, raw: raw, inner: in, gpu: a.GPUAddress()}, nil
}

// initRaw calls fill on the raw memory and checks that it returned the same
// memory it was given.
func initRaw[R, T any](a Allocation, raw *R, inner *T, fill func(inner *T, raw *R) (*R, error)) error {
	got, err := fill(inner, raw)
	if err != nil {
		return err
	}
	if got != raw {
		log.Warningf("object: %v at %#x: fill returned %p, want %p", reflect.TypeFor[R](), a.GPUAddress(), got, raw)
		return fmt.Errorf("fill for %v returned a foreign raw pointer: %w", reflect.TypeFor[R](), linuxerr.EINVAL)
	}
	return nil
}

// NewBoxed builds an Object around an existing heap value. The logical value
// keeps its address, so pointers into it taken before construction stay
// valid. fill initializes the raw value in place and must return raw.
func NewBoxed[R, T any](a Allocation, inner *T, fill func(inner *T, raw *R) (*R, error)) (*Object[R, T], error) {
	raw, err := prepare[R](a)
	if err != nil {
		return nil, err
	}
	if err := initRaw(a, raw, inner, fill); err != nil {
		return nil, err
	}
	return &Object[R, T]{alloc: a, raw: raw, inner: inner, gpu: a.GPUAddress()}, nil
}

// NewInplace is like NewBoxed, but moves inner to the heap first.
func NewInplace[R, T any](a Allocation, inner T, fill func(inner *T, raw *R) (*R, error)) (*Object[R, T], error) {
	in := new(T)
	*in = inner
	return NewBoxed(a, in, fill)
}

// NewPrealloc builds an Object whose logical value needs to know the
// object's own GPU address. build runs first, with the address already
// reserved; fill then initializes the raw value.
func NewPrealloc[R, T any](a Allocation, build func(self WeakPointer[R]) (*T, error), fill func(inner *T, raw *R) (*R, error)) (*Object[R, T], error) {
	raw, err := prepare[R](a)
	if err != nil {
		return nil, err
	}
	inner, err := build(NewWeakPointer[R](a.GPUAddress()))
	if err != nil {
		return nil, err
	}
	if err := initRaw(a, raw, inner, fill); err != nil {
		return nil, err
	}
	return &Object[R, T]{alloc: a, raw: raw, inner: inner, gpu: a.GPUAddress()}, nil
}

// NewDefault builds an Object with default raw and logical values. The raw
// bytes are zeroed, then SetDefault is applied to either value if its type
// implements it.
func NewDefault[R, T any](a Allocation) (*Object[R, T], error) {
	raw, err := prepare[R](a)
	if err != nil {
		return nil, err
	}
	if d, ok := any(raw).(defaulter); ok {
		d.SetDefault()
	}
	inner := new(T)
	if d, ok := any(inner).(defaulter); ok {
		d.SetDefault()
	}
	return &Object[R, T]{alloc: a, raw: raw, inner: inner, gpu: a.GPUAddress()}, nil
}

// With calls fn with both views. fn must not modify either.
func (o *Object[R, T]) With(fn func(raw *R, inner *T)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	o.checkLive()
	fn(o.raw, o.inner)
}

// WithMut calls fn with both views for modification. Host callers are
// serialized; firmware writes are not.
func (o *Object[R, T]) WithMut(fn func(raw *R, inner *T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkLive()
	fn(o.raw, o.inner)
}

func (o *Object[R, T]) checkLive() {
	if o.raw == nil {
		panic(fmt.Sprintf("use of released object %v", o))
	}
}

// GPUAddress returns the GPU virtual address of the raw value.
func (o *Object[R, T]) GPUAddress() uint64 {
	return o.gpu
}

// WeakPointer returns a weak pointer to the raw value.
func (o *Object[R, T]) WeakPointer() WeakPointer[R] {
	return NewWeakPointer[R](o.gpu)
}

// Size returns the size of the backing allocation.
func (o *Object[R, T]) Size() uint64 {
	return o.alloc.Size()
}

// Release frees the object's memory. The object must not be used
// afterwards. It is safe to call Release more than once.
func (o *Object[R, T]) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.raw == nil {
		return
	}
	o.raw = nil
	o.alloc.Release()
}

// String implements fmt.Stringer.
func (o *Object[R, T]) String() string {
	return fmt.Sprintf("Object[%v]@%#x", reflect.TypeFor[R](), o.gpu)
}

// FieldPointer returns a weak pointer to the field of o's raw value selected
// by field, which must return a pointer into the raw value it is given.
func FieldPointer[F, R, T any](o *Object[R, T], field func(raw *R) *F) WeakPointer[F] {
	o.mu.RLock()
	defer o.mu.RUnlock()
	o.checkLive()
	off := uintptr(unsafe.Pointer(field(o.raw))) - uintptr(unsafe.Pointer(o.raw))
	if uint64(off)+Sizeof[F]() > Sizeof[R]() {
		panic(fmt.Sprintf("field at offset %#x is outside %v", off, reflect.TypeFor[R]()))
	}
	return NewWeakPointer[F](o.gpu + uint64(off))
}
