// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFirstZero(t *testing.T) {
	b := New(130)
	for i := uint32(0); i < 129; i++ {
		b.Add(i)
	}
	for _, tc := range []struct {
		start   uint32
		want    uint32
		wantErr bool
	}{
		{start: 0, want: 129},
		{start: 64, want: 129},
		{start: 129, want: 129},
		{start: 130, wantErr: true},
	} {
		got, err := b.FirstZero(tc.start)
		if (err != nil) != tc.wantErr {
			t.Errorf("FirstZero(%d) got err %v, wantErr %v", tc.start, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("FirstZero(%d) got %d, want %d", tc.start, got, tc.want)
		}
	}

	b.Add(129)
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on full bitmap got nil error")
	}
	if got := b.GetNumOnes(); got != 130 {
		t.Errorf("GetNumOnes got %d, want 130", got)
	}
}

func TestAddRemove(t *testing.T) {
	b := New(128)
	for _, i := range []uint32{3, 64, 127, 3} {
		b.Add(i)
	}
	if diff := cmp.Diff([]uint32{3, 64, 127}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Remove(64)
	b.Remove(64)
	if b.Contains(64) || b.GetNumOnes() != 2 {
		t.Errorf("after Remove got %v", b.ToSlice())
	}
	if got, err := b.FirstOne(4); err != nil || got != 127 {
		t.Errorf("FirstOne(4) got (%d, %v), want (127, nil)", got, err)
	}
}

func TestFromWords(t *testing.T) {
	b := FromWords([]uint32{0x1, 0x80000000, 0, 0x10})
	if diff := cmp.Diff([]uint32{0, 63, 100}, b.ToSlice()); diff != "" {
		t.Errorf("FromWords mismatch (-want +got):\n%s", diff)
	}
}

func TestWords(t *testing.T) {
	words := []uint32{0x1, 0x80000000, 0, 0x10}
	b := FromWords(words)
	if diff := cmp.Diff(words, b.Words()); diff != "" {
		t.Errorf("Words mismatch (-want +got):\n%s", diff)
	}
	b.Add(33)
	if got, want := b.Words()[1], uint32(0x80000002); got != want {
		t.Errorf("Words()[1] after Add(33): got %#x, want %#x", got, want)
	}
}
