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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at package initialization, announced once with
// Initialize, and then reported over the event channel by
// EmitMetricUpdate. Snapshot gives the current values to local callers.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/eventchannel"
	"agxfw.dev/agxfw/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)

		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic(fmt.Sprintf("disallowed field value %q", val))
	}

	return idx
}

// keyToMultiField is the reverse of lookup. It returns the field values
// of key.
func (m fieldMapper) keyToMultiField(key int) []string {
	depth := len(m.fields)
	if depth == 0 {
		return nil
	}
	fieldValues := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fieldValues[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fieldValues
}

// name returns the display name of key for a metric called base.
func (m fieldMapper) name(base string, key int) string {
	values := m.keyToMultiField(key)
	if len(values) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", m.fields[i].name, v)
	}
	b.WriteByte('}')
	return b.String()
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	sync        bool

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// metricSet holds all registered metrics.
type metricSet struct {
	// mu protects the fields below.
	mu sync.Mutex

	// initialized indicates that all metrics are registered.
	// uint64Metrics is immutable once initialized is true.
	initialized bool

	uint64Metrics map[string]*Uint64Metric

	// lastEmit holds the values at the last EmitMetricUpdate.
	lastEmit map[string]uint64
}

// makeMetricSet returns a new metricSet.
func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics: make(map[string]*Uint64Metric),
		lastEmit:      make(map[string]uint64),
	}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, sync bool, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		sync:        sync,
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numFieldCombinations),
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return nil, ErrInitializationDone
	}
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, sync bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, sync, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}

// Initialize sends a metric registration event over the event channel.
//
// Precondition:
//   - All metrics are registered.
//   - Initialize has not been called.
func Initialize() error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return errors.New("metric.Initialize called twice")
	}

	metrics := make(map[string]any, len(allMetrics.uint64Metrics))
	for name, m := range allMetrics.uint64Metrics {
		metrics[name] = m.description
	}
	ev, err := eventchannel.NewEvent("metric_registration", map[string]any{"metrics": metrics})
	if err != nil {
		return err
	}
	if err := eventchannel.Emit(ev); err != nil {
		return fmt.Errorf("unable to emit metric initialize event: %w", err)
	}

	allMetrics.initialized = true
	return nil
}

// Snapshot returns the current value of every metric. Metrics with fields
// are reported once per field combination, as name{field=value}.
func Snapshot() map[string]uint64 {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	return allMetrics.snapshotLocked()
}

func (s *metricSet) snapshotLocked() map[string]uint64 {
	vals := make(map[string]uint64)
	for name, m := range s.uint64Metrics {
		for key := range m.fields {
			vals[m.fieldMapper.name(name, key)] = m.fields[key].Load()
		}
	}
	return vals
}

// Names returns the sorted keys of a Snapshot.
func Names(snapshot map[string]uint64) []string {
	names := make([]string, 0, len(snapshot))
	for n := range snapshot {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EmitMetricUpdate emits a metric update over the event channel.
//
// Only metrics that have changed since the last call are emitted; the first
// call emits all of them. If none changed, nothing is emitted.
//
// EmitMetricUpdate is thread-safe.
func EmitMetricUpdate() error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()

	cur := allMetrics.snapshotLocked()
	changed := make(map[string]any)
	for name, v := range cur {
		if last, ok := allMetrics.lastEmit[name]; !ok || last != v {
			changed[name] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}
	ev, err := eventchannel.NewEvent("metric_update", map[string]any{"metrics": changed})
	if err != nil {
		return err
	}
	allMetrics.lastEmit = cur
	return eventchannel.Emit(ev)
}

// Metadata returns the value of the description of metric name, and
// whether it is updated synchronously.
func Metadata(name string) (description string, sync bool, ok bool) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	m, ok := allMetrics.uint64Metrics[name]
	if !ok {
		return "", false, false
	}
	return m.description, m.sync, true
}

