// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory holds the buffers attached to operator edges.
//
// Every element is stored as a float32, whatever the descriptor's dtype: integer dtypes hold
// integral values, and narrower float dtypes hold values already rounded to their precision.
// The descriptor decides the physical layout (see memdesc.Desc.Offset).
package memory

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/pkg/errors"
)

// Memory is a buffer described by a memdesc.Desc.
type Memory struct {
	desc memdesc.Desc
	data []float32
}

// New allocates a zero-initialized Memory for a physical descriptor (defined shape, concrete layout).
func New(desc memdesc.Desc) *Memory {
	m := &Memory{desc: desc}
	m.data = make([]float32, desc.PaddedSize())
	return m
}

// NewUnallocated returns a Memory with a descriptor but no storage. The descriptor may be dynamic.
func NewUnallocated(desc memdesc.Desc) *Memory {
	return &Memory{desc: desc}
}

// FromData creates a Memory sharing the given data, which must have at least desc.PaddedSize() elements.
func FromData(desc memdesc.Desc, data []float32) (*Memory, error) {
	if !desc.IsPhysical() {
		return nil, errors.Errorf("memory.FromData: descriptor %s is not physical", desc)
	}
	if len(data) < desc.PaddedSize() {
		return nil, errors.Errorf("memory.FromData: descriptor %s needs %d elements, got %d",
			desc, desc.PaddedSize(), len(data))
	}
	return &Memory{desc: desc, data: data}, nil
}

// FromLogical creates a Memory in the given layout from values given in plain row-major logical order.
func FromLogical(desc memdesc.Desc, values []float32) (*Memory, error) {
	if !desc.IsPhysical() {
		return nil, errors.Errorf("memory.FromLogical: descriptor %s is not physical", desc)
	}
	if len(values) != desc.Shape().Size() {
		return nil, errors.Errorf("memory.FromLogical: descriptor %s has %d elements, got %d values",
			desc, desc.Shape().Size(), len(values))
	}
	m := New(desc)
	for flatIdx, indices := range desc.Shape().Iter() {
		m.data[desc.Offset(indices)] = values[flatIdx]
	}
	return m, nil
}

// Desc returns the descriptor of the memory.
func (m *Memory) Desc() memdesc.Desc { return m.desc }

// IsAllocated returns whether the memory has storage.
func (m *Memory) IsAllocated() bool { return m != nil && m.data != nil }

// Data returns the physical storage. Changes to it are visible to all users of the memory.
func (m *Memory) Data() []float32 { return m.data }

// SetDataHandle makes the memory share the given storage.
func (m *Memory) SetDataHandle(data []float32) {
	if m.desc.IsPhysical() && len(data) < m.desc.PaddedSize() {
		exceptions.Panicf("Memory.SetDataHandle: descriptor %s needs %d elements, got %d",
			m.desc, m.desc.PaddedSize(), len(data))
	}
	m.data = data
}

// Redefine changes the descriptor of the memory, reusing the storage if it is large enough.
// Contents are undefined after a redefinition.
func (m *Memory) Redefine(desc memdesc.Desc) {
	m.desc = desc
	if !desc.IsPhysical() {
		return
	}
	size := desc.PaddedSize()
	if cap(m.data) >= size {
		m.data = m.data[:size]
		clear(m.data)
		return
	}
	m.data = make([]float32, size)
}

// At returns the value at the logical indices.
func (m *Memory) At(indices ...int) float32 {
	return m.data[m.desc.Offset(indices)]
}

// Set the value at the logical indices.
func (m *Memory) Set(value float32, indices ...int) {
	m.data[m.desc.Offset(indices)] = value
}

// Logical returns the values in plain row-major logical order.
func (m *Memory) Logical() []float32 {
	values := make([]float32, m.desc.Shape().Size())
	for flatIdx, indices := range m.desc.Shape().Iter() {
		values[flatIdx] = m.data[m.desc.Offset(indices)]
	}
	return values
}

// CopyFrom copies the logical contents of src, converting the layout if needed.
// Both memories must have the same logical dimensions.
func (m *Memory) CopyFrom(src *Memory) error {
	if !m.desc.Shape().EqualDimensions(src.desc.Shape()) {
		return errors.Errorf("Memory.CopyFrom: dimensions differ: %s vs %s", m.desc, src.desc)
	}
	if m.desc.Tag() == src.desc.Tag() {
		copy(m.data, src.data)
		return nil
	}
	for _, indices := range m.desc.Shape().Iter() {
		m.data[m.desc.Offset(indices)] = src.data[src.desc.Offset(indices)]
	}
	return nil
}

// Clone returns a copy of the memory with its own storage.
func (m *Memory) Clone() *Memory {
	m2 := &Memory{desc: m.desc}
	if m.data != nil {
		m2.data = make([]float32, len(m.data))
		copy(m2.data, m.data)
	}
	return m2
}
