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

package linuxerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "same", err: ENOMEM, want: true},
		{name: "wrapped", err: fmt.Errorf("alloc 0x4000 bytes: %w", ENOMEM), want: true},
		{name: "double wrapped", err: fmt.Errorf("object: %w", fmt.Errorf("alloc: %w", ENOMEM)), want: true},
		{name: "unix errno", err: unix.ENOMEM, want: true},
		{name: "different", err: EINVAL, want: false},
		{name: "nil", err: nil, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(ENOMEM, tc.err); got != tc.want {
				t.Errorf("Equals(ENOMEM, %v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if got := ErrorFromUnix(unix.ETIMEDOUT); got != ETIMEDOUT {
		t.Errorf("ErrorFromUnix(ETIMEDOUT) = %v, want %v", got, ETIMEDOUT)
	}
	if got := ErrorFromUnix(0); got != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", got)
	}
	if got := ErrorFromUnix(unix.EXDEV); got != unix.EXDEV {
		t.Errorf("ErrorFromUnix(EXDEV) = %v, want %v", got, unix.EXDEV)
	}
	if got := ToUnix(EBUSY); got != unix.EBUSY {
		t.Errorf("ToUnix(EBUSY) = %v, want %v", got, unix.EBUSY)
	}
}
