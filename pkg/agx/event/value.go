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

package event

import "fmt"

// EventValue is a firmware completion stamp. The upper 24 bits are a
// sequence number; the low byte is reserved for firmware.
//
// EventValues wrap. They are ordered by the sign of their 32-bit difference,
// which is meaningful as long as the values compared are generated less than
// 2^31 apart.
type EventValue uint32

// stampUnit is the raw increment of one EventValue step.
const stampUnit = 0x100

// Counter returns the sequence number of v.
func (v EventValue) Counter() uint32 {
	return uint32(v) >> 8
}

// Next returns the value following v.
func (v EventValue) Next() EventValue {
	return v + stampUnit
}

// Increment advances v by one step.
func (v *EventValue) Increment() {
	*v += stampUnit
}

// Delta returns the signed distance from o to v, in raw units.
func (v EventValue) Delta(o EventValue) int32 {
	return int32(uint32(v) - uint32(o))
}

// Before returns true if v was generated before o.
func (v EventValue) Before(o EventValue) bool {
	return v.Delta(o) < 0
}

// After returns true if v was generated after o.
func (v EventValue) After(o EventValue) bool {
	return v.Delta(o) > 0
}

// Reached returns true if a stamp currently at v has reached target.
func (v EventValue) Reached(target EventValue) bool {
	return v.Delta(target) >= 0
}

// Compare returns -1, 0 or 1 as v is before, equal to or after o.
func (v EventValue) Compare(o EventValue) int {
	switch d := v.Delta(o); {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (v EventValue) String() string {
	return fmt.Sprintf("%#x[%d]", uint32(v), v.Counter())
}
