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

package workqueue

import (
	"fmt"
	"reflect"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/object"
)

// Item is a command placed in firmware memory, ready to be submitted.
type Item interface {
	// Type returns the command's tag.
	Type() fw.CommandType

	// GPUAddress returns the address of the raw command.
	GPUAddress() uint64

	// Release frees the command. Firmware must be done with it.
	Release()

	rawType() reflect.Type
	bind(b fw.StampBinding)
}

// commandPtr is satisfied by *C when *C is a firmware command.
type commandPtr[C any] interface {
	*C
	fw.Command
}

// Command is a firmware command of raw type C.
type Command[C any] struct {
	obj     *object.Object[C, struct{}]
	typ     fw.CommandType
	bindRaw func(raw *C, b fw.StampBinding)
}

// NewCommand copies raw into firmware memory from a. The tag at offset 0
// is set from C.
func NewCommand[C any, P commandPtr[C]](a alloc.Allocator, raw C) (*Command[C], error) {
	typ := P(&raw).Type()
	*(*fw.CommandType)(unsafe.Pointer(&raw)) = typ
	obj, err := alloc.NewObject(a, struct{}{}, func(*struct{}) C { return raw })
	if err != nil {
		return nil, fmt.Errorf("allocating %v command: %w", reflect.TypeFor[C](), err)
	}
	return &Command[C]{
		obj: obj,
		typ: typ,
		bindRaw: func(raw *C, b fw.StampBinding) {
			P(raw).Bind(b)
		},
	}, nil
}

// Type implements Item.Type.
func (c *Command[C]) Type() fw.CommandType {
	return c.typ
}

// GPUAddress implements Item.GPUAddress.
func (c *Command[C]) GPUAddress() uint64 {
	return c.obj.GPUAddress()
}

// Release implements Item.Release.
func (c *Command[C]) Release() {
	c.obj.Release()
}

// With calls fn with the raw command.
func (c *Command[C]) With(fn func(raw *C)) {
	c.obj.With(func(raw *C, _ *struct{}) { fn(raw) })
}

func (c *Command[C]) rawType() reflect.Type {
	return reflect.TypeFor[C]()
}

func (c *Command[C]) bind(b fw.StampBinding) {
	c.obj.WithMut(func(raw *C, _ *struct{}) {
		c.bindRaw(raw, b)
	})
}

// String implements fmt.Stringer.
func (c *Command[C]) String() string {
	return fmt.Sprintf("%v@%#x", c.typ, c.GPUAddress())
}

// NewBarrier returns a barrier that holds a queue until s completes.
func NewBarrier(s *Submission) fw.Barrier {
	return fw.Barrier{
		Tag:       fw.CommandBarrier,
		Stamp:     s.StampPointer(),
		WaitValue: s.Stamp(),
	}
}
