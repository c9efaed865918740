// Copyright 2018 The gVisor Authors.
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

package metric

import (
	"testing"

	"agxfw.dev/agxfw/pkg/eventchannel"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// sliceEmitter implements eventchannel.Emitter by appending all messages to a
// slice.
type sliceEmitter []proto.Message

// Emit implements eventchannel.Emitter.Emit.
func (s *sliceEmitter) Emit(msg proto.Message) (bool, error) {
	*s = append(*s, msg)
	return false, nil
}

// Close implements eventchannel.Emitter.Close.
func (s *sliceEmitter) Close() error {
	return nil
}

// Reset clears all events in s.
func (s *sliceEmitter) Reset() {
	*s = nil
}

// emitter is the eventchannel.Emitter used for all tests. Package eventchannel
// doesn't allow removing Emitters, so we must use one global emitter for all
// test cases.
var emitter sliceEmitter

func init() {
	reset()

	eventchannel.AddEmitter(&emitter)
}

// reset clears all global state in the metric package.
func reset() {
	allMetrics = makeMetricSet()
	emitter.Reset()
}

const (
	fooDescription = "Foo!"
	barDescription = "Bar Baz"
)

// metricsOf returns the "metrics" field of event i.
func metricsOf(t *testing.T, i int) map[string]any {
	t.Helper()
	if i >= len(emitter) {
		t.Fatalf("only %d events emitted, want at least %d", len(emitter), i+1)
	}
	ev, ok := emitter[i].(*structpb.Struct)
	if !ok {
		t.Fatalf("event %v got %T want *structpb.Struct", emitter[i], emitter[i])
	}
	return ev.AsMap()["metrics"].(map[string]any)
}

func TestInitialize(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", false, fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/bar", true, barDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize(): %s", err)
	}
	if len(emitter) != 1 {
		t.Fatalf("Initialize emitted %d events want 1", len(emitter))
	}
	if got, want := eventchannel.EventName(emitter[0].(*structpb.Struct)), "metric_registration"; got != want {
		t.Errorf("event name got %q want %q", got, want)
	}
	want := map[string]any{"/foo": fooDescription, "/bar": barDescription}
	if diff := cmp.Diff(want, metricsOf(t, 0)); diff != "" {
		t.Errorf("registration mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewUint64Metric("/late", false, "late"); err != ErrInitializationDone {
		t.Errorf("NewUint64Metric after Initialize got err %v want %v", err, ErrInitializationDone)
	}
	if err := Initialize(); err == nil {
		t.Errorf("second Initialize succeeded")
	}
}

func TestNameInUse(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", false, fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", false, fooDescription); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestEmitMetricUpdate(t *testing.T) {
	defer reset()

	foo, err := NewUint64Metric("/foo", false, fooDescription)
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/bar", true, barDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize(): %s", err)
	}

	// Don't care about the registration metrics.
	emitter.Reset()
	if err := EmitMetricUpdate(); err != nil {
		t.Fatalf("EmitMetricUpdate(): %v", err)
	}
	// Both are included for their initial values.
	if diff := cmp.Diff(map[string]any{"/foo": 0.0, "/bar": 0.0}, metricsOf(t, 0)); diff != "" {
		t.Errorf("first update mismatch (-want +got):\n%s", diff)
	}

	emitter.Reset()
	foo.Increment()
	if err := EmitMetricUpdate(); err != nil {
		t.Fatalf("EmitMetricUpdate(): %v", err)
	}
	// Only the changed metric is included.
	if diff := cmp.Diff(map[string]any{"/foo": 1.0}, metricsOf(t, 0)); diff != "" {
		t.Errorf("second update mismatch (-want +got):\n%s", diff)
	}

	emitter.Reset()
	if err := EmitMetricUpdate(); err != nil {
		t.Fatalf("EmitMetricUpdate(): %v", err)
	}
	if len(emitter) != 0 {
		t.Errorf("EmitMetricUpdate with no changes emitted %d events", len(emitter))
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m, err := NewUint64Metric("/ring_full", true, "ring full", NewField("channel", []string{"pipe", "devctrl"}), NewField("dir", []string{"tx", "rx"}))
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	m.Increment("pipe", "tx")
	m.IncrementBy(5, "devctrl", "rx")

	want := map[string]uint64{
		"/ring_full{channel=pipe,dir=tx}":    1,
		"/ring_full{channel=pipe,dir=rx}":    0,
		"/ring_full{channel=devctrl,dir=tx}": 0,
		"/ring_full{channel=devctrl,dir=rx}": 5,
	}
	if diff := cmp.Diff(want, Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
	if got := m.Value("devctrl", "rx"); got != 5 {
		t.Errorf("Value got %d want 5", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("bogus", "tx")
}

func TestBadFields(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/empty", false, "", NewField("f", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestNames(t *testing.T) {
	got := Names(map[string]uint64{"/b": 1, "/a": 2, "/c": 3})
	if diff := cmp.Diff([]string{"/a", "/b", "/c"}, got); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}
