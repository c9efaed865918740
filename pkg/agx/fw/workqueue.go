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

package fw

import (
	"fmt"

	"agxfw.dev/agxfw/pkg/agx/event"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/atomicbitops"
)

// CommandType is the tag at offset 0 of every work queue command.
type CommandType uint32

// Work queue commands.
const (
	CommandRunVertex         CommandType = 0
	CommandRunFragment       CommandType = 1
	CommandRunBlitter        CommandType = 2
	CommandRunCompute        CommandType = 3
	CommandBarrier           CommandType = 4
	CommandInitBufferManager CommandType = 6
)

var commandNames = map[CommandType]string{
	CommandRunVertex:         "RunVertex",
	CommandRunFragment:       "RunFragment",
	CommandRunBlitter:        "RunBlitter",
	CommandRunCompute:        "RunCompute",
	CommandBarrier:           "Barrier",
	CommandInitBufferManager: "InitBufferManager",
}

// String implements fmt.Stringer.
func (c CommandType) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CommandType(%d)", uint32(c))
}

// PipeType is the GPU pipeline a work queue feeds.
type PipeType uint32

// Pipelines.
const (
	PipeVertex   PipeType = 0
	PipeFragment PipeType = 1
	PipeCompute  PipeType = 2

	// NumPipeTypes is the number of pipelines.
	NumPipeTypes = 3
)

// String implements fmt.Stringer.
func (p PipeType) String() string {
	switch p {
	case PipeVertex:
		return "vertex"
	case PipeFragment:
		return "fragment"
	case PipeCompute:
		return "compute"
	default:
		return fmt.Sprintf("PipeType(%d)", uint32(p))
	}
}

// Barrier makes a queue wait for a stamp of another queue.
type Barrier struct {
	Tag       CommandType
	Stamp     object.WeakPointer[atomicbitops.Uint32]
	WaitValue event.EventValue
	Event     uint32
	StampSelf event.EventValue
	UUID      uint32
	Unk1C     uint32
}

// GPUContextData is an opaque per-context firmware scratch block.
type GPUContextData struct {
	Unk0  uint16
	Unk2  [3]uint8
	Unk5  uint8
	Unk6  [0x18]uint8
	Unk1E uint8
	Unk1F uint8
	Unk20 [3]uint8
	Unk23 uint8
	Unk24 [0x1c]uint8
}

// SetDefault sets the values firmware expects in a fresh context.
func (g *GPUContextData) SetDefault() {
	*g = GPUContextData{
		Unk0:  0xffff,
		Unk5:  1,
		Unk1E: 0xff,
		Unk23: 2,
	}
}

// RingState holds the pointers of a work queue ring. Each pointer occupies
// its own 16-byte line.
type RingState struct {
	GPUDonePtr atomicbitops.Uint32
	Pad0       [0xc]byte
	Unk10      atomicbitops.Uint32
	Pad1       [0xc]byte
	Unk20      atomicbitops.Uint32
	Pad2       [0xc]byte
	GPURPtr    atomicbitops.Uint32
	Pad3       [0xc]byte
	CPUWPtr    atomicbitops.Uint32
	Pad4       [0xc]byte
	RBSize     uint32
	Pad5       [0xc]byte
}

// Priority is a work queue scheduling descriptor.
type Priority struct {
	Index uint32
	Unk4  uint32
	Mask  object.U64
	Flags [3]uint32
}

// Priorities are the descriptors firmware accepts.
var Priorities = [4]Priority{
	{0, 0, object.NewU64(0xffff_ffff_ffff_0000), [3]uint32{1, 0, 1}},
	{1, 1, object.NewU64(0xffff_ffff_0000_0000), [3]uint32{0, 0, 0}},
	{2, 2, object.NewU64(0xffff_0000_0000_0000), [3]uint32{0, 0, 2}},
	{3, 3, object.NewU64(0), [3]uint32{0, 0, 3}},
}

// DefaultPriority is the index into Priorities used for new queues. It is
// not the lowest priority.
const DefaultPriority = 2

// QueueInfo is the firmware's view of a work queue.
type QueueInfo struct {
	State        object.WeakPointer[RingState]
	Ring         object.WeakPointer[uint64]
	NotifierList object.WeakPointer[NotifierList]
	GPUBuf       object.WeakPointer[byte]
	GPURPtr1     atomicbitops.Uint32
	GPURPtr2     atomicbitops.Uint32
	GPURPtr3     atomicbitops.Uint32
	EventID      atomicbitops.Int32
	Priority     Priority
	Unk4C        int32
	UUID         uint32
	Unk54        int32
	Unk58        object.U64
	Busy         atomicbitops.Uint32
	Pad0         [0x20]byte
	Unk84State   atomicbitops.Uint32
	Unk88        uint32
	Unk8C        uint32
	Unk90        uint32
	Unk94        uint32
	Pending      atomicbitops.Uint32
	Unk9C        uint32
	GPUContext   object.WeakPointer[GPUContextData]
	UnkA8        object.U64
}
