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

package alloc

import (
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/cleanup"
)

// allocFor allocates room for one R and arranges for it to be released
// unless the returned cleanup is released.
func allocFor[R any](a Allocator) (object.Allocation, cleanup.Cleanup, error) {
	al, err := a.Alloc(object.Sizeof[R](), object.Alignof[R]())
	if err != nil {
		return nil, cleanup.Cleanup{}, err
	}
	return al, cleanup.Make(al.Release), nil
}

// NewObject allocates an Object whose raw value is computed from inner.
func NewObject[R, T any](a Allocator, inner T, fill func(inner *T) R) (*object.Object[R, T], error) {
	al, cu, err := allocFor[R](a)
	if err != nil {
		return nil, err
	}
	defer cu.Clean()
	o, err := object.New(al, inner, fill)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return o, nil
}

// NewBoxed allocates an Object around an existing heap value, filling the
// raw value in place.
func NewBoxed[R, T any](a Allocator, inner *T, fill func(inner *T, raw *R) (*R, error)) (*object.Object[R, T], error) {
	al, cu, err := allocFor[R](a)
	if err != nil {
		return nil, err
	}
	defer cu.Clean()
	o, err := object.NewBoxed(al, inner, fill)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return o, nil
}

// NewInplace allocates an Object, moving inner to the heap and filling the
// raw value in place.
func NewInplace[R, T any](a Allocator, inner T, fill func(inner *T, raw *R) (*R, error)) (*object.Object[R, T], error) {
	al, cu, err := allocFor[R](a)
	if err != nil {
		return nil, err
	}
	defer cu.Clean()
	o, err := object.NewInplace(al, inner, fill)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return o, nil
}

// NewPrealloc allocates an Object whose logical value is built knowing the
// object's GPU address.
func NewPrealloc[R, T any](a Allocator, build func(self object.WeakPointer[R]) (*T, error), fill func(inner *T, raw *R) (*R, error)) (*object.Object[R, T], error) {
	al, cu, err := allocFor[R](a)
	if err != nil {
		return nil, err
	}
	defer cu.Clean()
	o, err := object.NewPrealloc(al, build, fill)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return o, nil
}

// NewDefault allocates an Object with default raw and logical values.
func NewDefault[R, T any](a Allocator) (*object.Object[R, T], error) {
	al, cu, err := allocFor[R](a)
	if err != nil {
		return nil, err
	}
	defer cu.Clean()
	o, err := object.NewDefault[R, T](al)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return o, nil
}

// NewArray allocates a default-filled Array of count elements.
func NewArray[E any](a Allocator, count int) (*object.Array[E], error) {
	al, err := a.Alloc(uint64(count)*object.Sizeof[E](), object.Alignof[E]())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(al.Release)
	defer cu.Clean()
	arr, err := object.NewArray[E](al, count)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return arr, nil
}

// NewArrayFrom allocates an Array holding a copy of data.
func NewArrayFrom[E any](a Allocator, data []E) (*object.Array[E], error) {
	al, err := a.Alloc(uint64(len(data))*object.Sizeof[E](), object.Alignof[E]())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(al.Release)
	defer cu.Clean()
	arr, err := object.NewArrayFrom(al, data)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return arr, nil
}
