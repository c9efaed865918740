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

// Package agxtest provides helpers for tests that need shared firmware
// memory.
package agxtest

import (
	"testing"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/iova"
	"agxfw.dev/agxfw/pkg/memfile"
)

// VMBase is the base of the test firmware address space.
const VMBase = 0xffff_ffa0_0000_0000

// Memory is a test firmware address space with its allocators.
type Memory struct {
	VM      *iova.Space
	File    *memfile.File
	Private *alloc.SimpleAllocator
	Shared  *alloc.SimpleAllocator
	GPU     *alloc.SimpleAllocator
}

// NewMemory returns a fresh Memory whose backing file holds at most limit
// bytes. The file is destroyed when the test ends.
func NewMemory(t testing.TB, limit int64) *Memory {
	t.Helper()
	mf, err := memfile.New("agxtest", limit)
	if err != nil {
		t.Fatalf("memfile.New failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	vm, err := iova.New("test", VMBase, 1<<32)
	if err != nil {
		t.Fatalf("iova.New failed: %v", err)
	}
	return &Memory{
		VM:      vm,
		File:    mf,
		Private: alloc.NewSimple("private", mf, vm, iova.ProtFWPrivRW, 0),
		Shared:  alloc.NewSimple("shared", mf, vm, iova.ProtFWSharedRW, 0),
		GPU:     alloc.NewSimple("gpu", mf, vm, iova.ProtGPUFWSharedRW, 0x20),
	}
}
