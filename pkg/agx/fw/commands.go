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
	"agxfw.dev/agxfw/pkg/agx/event"
	"agxfw.dev/agxfw/pkg/agx/object"
)

// Command is implemented by pointers to work queue command structures.
type Command interface {
	// Type returns the command's tag.
	Type() CommandType

	// Bind records the completion stamp of the command.
	Bind(b StampBinding)
}

// StampBinding is what a work queue writes into a command at submission.
type StampBinding struct {
	// Value is the stamp firmware writes to the queue's event when the
	// command completes.
	Value event.EventValue

	// Slot is the queue's event slot.
	Slot uint32

	// UUID identifies the submission in firmware traces.
	UUID uint32

	// Counter is the queue's submission count. Releases without a
	// counter field ignore it.
	Counter uint64

	// Notifier is signalled by job commands on completion. It may be
	// null.
	Notifier object.WeakPointer[Notifier]
}

// Type implements Command.Type.
func (*Barrier) Type() CommandType { return CommandBarrier }

// Bind implements Command.Bind. A barrier signals the queue's own event
// once the stamp it waits on is reached.
func (c *Barrier) Bind(b StampBinding) {
	c.Event = b.Slot
	c.StampSelf = b.Value
	c.UUID = b.UUID
}

// InitBuffer initializes a buffer manager. BufferMgr points to the
// release's BufferInfo.
type InitBuffer struct {
	Tag           CommandType
	ContextID     uint32
	BufferMgrSlot uint32
	UnkC          uint32
	Unk10         uint32
	BufferMgr     object.WeakPointer[byte]
	StampValue    event.EventValue
}

// Type implements Command.Type.
func (*InitBuffer) Type() CommandType { return CommandInitBufferManager }

// Bind implements Command.Bind.
func (c *InitBuffer) Bind(b StampBinding) {
	c.StampValue = b.Value
}

// JobStamp is the completion block of the job commands.
type JobStamp struct {
	StampValue event.EventValue
	EventSlot  uint32
	Notifier   object.WeakPointer[Notifier]
	UUID       uint32
	Unk14      uint32
}

func (s *JobStamp) bind(b StampBinding) {
	s.StampValue = b.Value
	s.EventSlot = b.Slot
	s.Notifier = b.Notifier
	s.UUID = b.UUID
}

// RunVertex runs a vertex job.
type RunVertex struct {
	Tag               CommandType
	VMSlot            uint32
	Unk8              uint32
	Job               JobStamp
	BufferSlot        uint32
	Unk28             uint32
	Buffer            object.WeakPointer[BufferInfo]
	Scene             object.WeakPointer[Scene]
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	FragmentStampSlot uint32
	JobParams         [0x100]byte
	Pad0              [0x4]byte
}

// Type implements Command.Type.
func (*RunVertex) Type() CommandType { return CommandRunVertex }

// Bind implements Command.Bind.
func (c *RunVertex) Bind(b StampBinding) { c.Job.bind(b) }

// RunVertexV13B4 is RunVertex since 13.0b4.
type RunVertexV13B4 struct {
	Tag               CommandType
	Counter           object.U64
	VMSlot            uint32
	Unk8              uint32
	Job               JobStamp
	BufferSlot        uint32
	Unk30             uint32
	Buffer            object.WeakPointer[BufferInfoV13B4]
	Scene             object.WeakPointer[Scene]
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	FragmentStampSlot uint32
	JobParams         [0x100]byte
	Unk154            uint32
	Unk158            uint8
	TSFlag            uint8
	Unk15A            uint16
	Unk15C            [0x14]byte
}

// Type implements Command.Type.
func (*RunVertexV13B4) Type() CommandType { return CommandRunVertex }

// Bind implements Command.Bind.
func (c *RunVertexV13B4) Bind(b StampBinding) {
	c.Counter.Set(b.Counter)
	c.Job.bind(b)
}

// RunFragment runs a fragment job.
type RunFragment struct {
	Tag               CommandType
	VMSlot            uint32
	Unk8              uint32
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	Job               JobStamp
	Buffer            object.WeakPointer[BufferInfo]
	Scene             object.WeakPointer[Scene]
	TileBlocksY       uint16
	TileBlocksX       uint16
	TileCount         object.U64
	JobParams         [0x100]byte
	Pad0              [0x8]byte
}

// Type implements Command.Type.
func (*RunFragment) Type() CommandType { return CommandRunFragment }

// Bind implements Command.Bind.
func (c *RunFragment) Bind(b StampBinding) { c.Job.bind(b) }

// RunFragmentV13B4 is RunFragment since 13.0b4.
type RunFragmentV13B4 struct {
	Tag               CommandType
	Counter           object.U64
	VMSlot            uint32
	Unk8              uint32
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	Job               JobStamp
	Buffer            object.WeakPointer[BufferInfoV13B4]
	Scene             object.WeakPointer[Scene]
	TileBlocksY       uint16
	TileBlocksX       uint16
	TileCount         object.U64
	JobParams         [0x100]byte
	Unk154            uint32
	Unk158            uint8
	TSFlag            uint8
	Unk15A            uint16
	Unk15C            [0x20]byte
}

// Type implements Command.Type.
func (*RunFragmentV13B4) Type() CommandType { return CommandRunFragment }

// Bind implements Command.Bind.
func (c *RunFragmentV13B4) Bind(b StampBinding) {
	c.Counter.Set(b.Counter)
	c.Job.bind(b)
}

// RunCompute runs a compute job.
type RunCompute struct {
	Tag               CommandType
	VMSlot            uint32
	Unk8              uint32
	Job               JobStamp
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	EncoderParams     [0x80]byte
}

// Type implements Command.Type.
func (*RunCompute) Type() CommandType { return CommandRunCompute }

// Bind implements Command.Bind.
func (c *RunCompute) Bind(b StampBinding) { c.Job.bind(b) }

// RunComputeV13B4 is RunCompute since 13.0b4.
type RunComputeV13B4 struct {
	Tag               CommandType
	Counter           object.U64
	VMSlot            uint32
	Unk8              uint32
	Job               JobStamp
	Microsequence     object.WeakPointer[byte]
	MicrosequenceSize uint32
	EncoderParams     [0x80]byte
	UnkB8             uint32
	TSFlag            uint8
	Pad0              [0x3]byte
}

// Type implements Command.Type.
func (*RunComputeV13B4) Type() CommandType { return CommandRunCompute }

// Bind implements Command.Bind.
func (c *RunComputeV13B4) Bind(b StampBinding) {
	c.Counter.Set(b.Counter)
	c.Job.bind(b)
}
