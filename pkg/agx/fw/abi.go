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
	"reflect"
	"sort"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/sync"
)

// Layout identifies a family of versioned structure layouts.
type Layout int

// Layout families, in release order.
const (
	LayoutV12_3 Layout = iota
	LayoutV13_0B4
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutV12_3:
		return "V12_3"
	case LayoutV13_0B4:
		return "V13_0B4"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// CommandLayout describes where firmware finds the parts of a command.
type CommandLayout struct {
	// Type is the structure used for the command.
	Type reflect.Type

	// Size is the size of the structure.
	Size uint64

	// StampOffset is the offset of the completion stamp value.
	StampOffset uint64
}

// ABI describes the structures of one firmware release.
type ABI struct {
	// Version is the firmware release.
	Version fwconf.Version

	// Layout selects the versioned structures.
	Layout Layout

	// StatsMax is the highest stats message tag the release emits.
	StatsMax uint32

	// BufferInfo is the release's buffer manager structure.
	BufferInfo reflect.Type

	commands map[CommandType]CommandLayout
}

// Command returns the layout of command t.
func (a *ABI) Command(t CommandType) (CommandLayout, bool) {
	l, ok := a.commands[t]
	return l, ok
}

// Structs returns all raw structures of the release, sorted by name.
func (a *ABI) Structs() []reflect.Type {
	ts := []reflect.Type{
		reflect.TypeFor[ChannelState](),
		reflect.TypeFor[FWCtlChannelState](),
		reflect.TypeFor[FWLogChannelState](),
		reflect.TypeFor[RunWorkQueueMsg](),
		reflect.TypeFor[DeviceControlMsg](),
		reflect.TypeFor[EventMsg](),
		reflect.TypeFor[FWLogMsg](),
		reflect.TypeFor[KTraceMsg](),
		reflect.TypeFor[StatsMsg](),
		reflect.TypeFor[FWCtlMsg](),
		reflect.TypeFor[RingState](),
		reflect.TypeFor[Priority](),
		reflect.TypeFor[QueueInfo](),
		reflect.TypeFor[GPUContextData](),
		reflect.TypeFor[NotifierList](),
		reflect.TypeFor[Notifier](),
		reflect.TypeFor[BlockControl](),
		reflect.TypeFor[Counter](),
		reflect.TypeFor[Stats](),
		reflect.TypeFor[Scene](),
		reflect.TypeFor[RuntimePointers](),
		reflect.TypeFor[InitData](),
		a.BufferInfo,
	}
	for _, c := range a.commands {
		ts = append(ts, c.Type)
	}
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].Name() < ts[j].Name()
	})
	return ts
}

func commandLayout[C any](stampOffset uintptr) CommandLayout {
	var c C
	return CommandLayout{
		Type:        reflect.TypeFor[C](),
		Size:        uint64(unsafe.Sizeof(c)),
		StampOffset: uint64(stampOffset),
	}
}

// An abiFunc constructs an ABI. Releases inherit from their predecessor by
// calling its abiFunc and overriding what changed.
type abiFunc func() *ABI

// abis holds all supported releases. It is initialized by Init and
// immutable afterwards.
var (
	abis     map[fwconf.Version]abiFunc
	abisOnce sync.Once
)

func addABI(v fwconf.Version, cons abiFunc) abiFunc {
	if abis == nil {
		abis = make(map[fwconf.Version]abiFunc)
	}
	abis[v] = func() *ABI {
		abi := cons()
		abi.Version = v
		return abi
	}
	return cons
}

// Init initializes the abis map.
func Init() {
	abisOnce.Do(func() {
		v12_3 := addABI(fwconf.V12_3, func() *ABI {
			var (
				rv RunVertex
				rf RunFragment
				rc RunCompute
				b  Barrier
				ib InitBuffer
				js JobStamp
			)
			stamp := unsafe.Offsetof(js.StampValue)
			return &ABI{
				Layout:     LayoutV12_3,
				StatsMax:   0x17,
				BufferInfo: reflect.TypeFor[BufferInfo](),
				commands: map[CommandType]CommandLayout{
					CommandRunVertex:         commandLayout[RunVertex](unsafe.Offsetof(rv.Job) + stamp),
					CommandRunFragment:       commandLayout[RunFragment](unsafe.Offsetof(rf.Job) + stamp),
					CommandRunCompute:        commandLayout[RunCompute](unsafe.Offsetof(rc.Job) + stamp),
					CommandBarrier:           commandLayout[Barrier](unsafe.Offsetof(b.StampSelf)),
					CommandInitBufferManager: commandLayout[InitBuffer](unsafe.Offsetof(ib.StampValue)),
				},
			}
		})

		_ = addABI(fwconf.V13_0B4, func() *ABI {
			var (
				rv RunVertexV13B4
				rf RunFragmentV13B4
				rc RunComputeV13B4
				js JobStamp
			)
			stamp := unsafe.Offsetof(js.StampValue)
			abi := v12_3()
			abi.Layout = LayoutV13_0B4
			abi.StatsMax = 0x19
			abi.BufferInfo = reflect.TypeFor[BufferInfoV13B4]()
			abi.commands[CommandRunVertex] = commandLayout[RunVertexV13B4](unsafe.Offsetof(rv.Job) + stamp)
			abi.commands[CommandRunFragment] = commandLayout[RunFragmentV13B4](unsafe.Offsetof(rf.Job) + stamp)
			abi.commands[CommandRunCompute] = commandLayout[RunComputeV13B4](unsafe.Offsetof(rc.Job) + stamp)
			return abi
		})
	})
}

// Lookup returns the ABI of firmware release v.
func Lookup(v fwconf.Version) (*ABI, error) {
	Init()
	cons, ok := abis[v]
	if !ok {
		return nil, fmt.Errorf("firmware version %v is not supported (supported: %v): %w", v, SupportedVersions(), linuxerr.ENOTSUP)
	}
	return cons(), nil
}

// SupportedVersions returns all supported releases, oldest first.
func SupportedVersions() []fwconf.Version {
	Init()
	var ret []fwconf.Version
	for v := range abis {
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Compare(ret[j]) < 0
	})
	return ret
}

// Latest returns the newest supported release.
func Latest() fwconf.Version {
	Init()
	var ret fwconf.Version
	for v := range abis {
		if v.IsGreaterThan(ret) {
			ret = v
		}
	}
	return ret
}
