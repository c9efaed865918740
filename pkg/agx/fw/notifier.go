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
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/atomicbitops"
)

// NotifierList is the head of a firmware-managed list of notifiers. An
// empty list points to itself.
type NotifierList struct {
	Prev  object.WeakPointer[NotifierList]
	Next  object.WeakPointer[NotifierList]
	Unk10 object.U64
}

// Threshold is the count at which a notifier fires.
type Threshold struct {
	Lo atomicbitops.Uint32
	Hi atomicbitops.Uint32
}

// NotifierState is firmware-private notifier bookkeeping.
type NotifierState struct {
	Unk14 atomicbitops.Uint32
	Unk18 object.U64
	Unk20 atomicbitops.Uint32
	Pad0  [0x1c]byte
}

// Notifier counts completed jobs on behalf of a job submitter.
type Notifier struct {
	Threshold  object.WeakPointer[Threshold]
	Generation atomicbitops.Uint32
	CurCount   atomicbitops.Uint32
	Unk10      atomicbitops.Uint32
	State      NotifierState
}
