// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildWithCleanup(order *[]string, fail bool) func() {
	cu := Make(func() {
		*order = append(*order, "unmap")
	})
	cu.Add(func() {
		*order = append(*order, "release pages")
	})
	defer cu.Clean()
	if fail {
		return nil
	}
	return cu.Release()
}

func TestCleanOnFailure(t *testing.T) {
	var order []string
	buildWithCleanup(&order, true)
	if diff := cmp.Diff([]string{"release pages", "unmap"}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	cleaner := buildWithCleanup(&order, false)
	if len(order) != 0 {
		t.Fatalf("cleanup functions were called after Release: %v", order)
	}

	cleaner()
	if diff := cmp.Diff([]string{"release pages", "unmap"}, order); diff != "" {
		t.Errorf("released cleanup order mismatch (-want +got):\n%s", diff)
	}
}
