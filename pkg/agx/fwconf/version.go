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

package fwconf

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a firmware release, e.g. 12.3 or 13.0b4. A zero Beta is a
// final release.
type Version struct {
	Major int
	Minor int
	Beta  int
}

// NewVersion returns a new firmware version.
func NewVersion(major, minor, beta int) Version {
	return Version{Major: major, Minor: minor, Beta: beta}
}

// Known firmware releases.
var (
	V12_3   = NewVersion(12, 3, 0)
	V13_0B4 = NewVersion(13, 0, 4)
)

// ParseVersion parses strings of the form "MAJOR.MINOR" or
// "MAJOR.MINORbBETA".
func ParseVersion(s string) (Version, error) {
	major, rest, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("invalid firmware version %q: missing minor version", s)
	}
	minor, beta, hasBeta := strings.Cut(rest, "b")
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(major); err != nil || v.Major < 0 {
		return Version{}, fmt.Errorf("invalid firmware version %q: bad major %q", s, major)
	}
	if v.Minor, err = strconv.Atoi(minor); err != nil || v.Minor < 0 {
		return Version{}, fmt.Errorf("invalid firmware version %q: bad minor %q", s, minor)
	}
	if hasBeta {
		if v.Beta, err = strconv.Atoi(beta); err != nil || v.Beta <= 0 {
			return Version{}, fmt.Errorf("invalid firmware version %q: bad beta %q", s, beta)
		}
	}
	return v, nil
}

// String implements fmt.Stringer.
func (v Version) String() string {
	if v.Beta != 0 {
		return fmt.Sprintf("%d.%db%d", v.Major, v.Minor, v.Beta)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsZero returns true if v is the zero Version.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or +1 as v is older than, equal to or newer than o.
// A beta sorts before the final release of the same major.minor.
func (v Version) Compare(o Version) int {
	key := func(x Version) [3]int {
		beta := x.Beta
		if beta == 0 {
			beta = 1 << 30
		}
		return [3]int{x.Major, x.Minor, beta}
	}
	a, b := key(v), key(o)
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// IsGreaterThan returns true if v is newer than o.
func (v Version) IsGreaterThan(o Version) bool {
	return v.Compare(o) > 0
}

// AtLeast returns true if v is o or newer.
func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Set implements flag.Value.
func (v *Version) Set(s string) error {
	return v.UnmarshalText([]byte(s))
}

// Get implements flag.Getter.
func (v *Version) Get() any {
	return *v
}
